package command

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/banshee-data/fleet.report/internal/monitoring"
	"github.com/banshee-data/fleet.report/internal/teltonika"
)

// Manager tunables. NoReplyThreshold doubles as the response grace
// window: a reply arriving later than that is unsolicited by definition.
const (
	DefaultPollInterval     = 5 * time.Second
	DefaultSweepInterval    = 30 * time.Second
	DefaultNoReplyThreshold = 2 * time.Minute
)

// Config tunes the poll and sweep cadence.
type Config struct {
	PollInterval     time.Duration
	SweepInterval    time.Duration
	NoReplyThreshold time.Duration
}

func (c *Config) fill() {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.NoReplyThreshold <= 0 {
		c.NoReplyThreshold = DefaultNoReplyThreshold
	}
}

// Manager owns the outbox poller, the Codec 12 sender, the response
// correlator and the no-reply sweeper.
type Manager struct {
	store   Store
	dir     Directory
	metrics *monitoring.Metrics
	cfg     Config
	log     *log.Logger
	now     func() time.Time
}

// NewManager wires a manager against the ops store and device directory.
func NewManager(store Store, dir Directory, metrics *monitoring.Metrics, cfg Config, logger *log.Logger) *Manager {
	cfg.fill()
	return &Manager{
		store:   store,
		dir:     dir,
		metrics: metrics,
		cfg:     cfg,
		log:     logger,
		now:     time.Now,
	}
}

// Run polls and sweeps until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	poll := time.NewTicker(m.cfg.PollInterval)
	defer poll.Stop()
	sweep := time.NewTicker(m.cfg.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-poll.C:
			if err := m.Poll(ctx); err != nil && !errors.Is(err, context.Canceled) {
				m.log.Warn("outbox poll failed", "err", err)
			}
		case <-sweep.C:
			cutoff := m.now().Add(-m.cfg.NoReplyThreshold)
			n, err := m.store.SweepNoReply(ctx, cutoff)
			if err != nil && !errors.Is(err, context.Canceled) {
				m.log.Warn("no-reply sweep failed", "err", err)
			} else if n > 0 {
				m.log.Info("commands marked no_reply", "count", n)
			}
		}
	}
}

// Poll reads the pending outbox once and dispatches what it can. Rows for
// offline devices stay pending. Per IMEI rows go out strictly in id
// order; distinct IMEIs dispatch concurrently.
func (m *Manager) Poll(ctx context.Context) error {
	rows, err := m.store.ListPendingGPRS(ctx)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	byIMEI := make(map[string][]OutboxRow)
	order := make([]string, 0, len(rows))
	for _, row := range rows {
		if row.SendMethod != SendMethodGPRS {
			continue
		}
		if _, seen := byIMEI[row.IMEI]; !seen {
			order = append(order, row.IMEI)
		}
		byIMEI[row.IMEI] = append(byIMEI[row.IMEI], row)
	}

	var wg sync.WaitGroup
	for _, imei := range order {
		queue := byIMEI[imei]
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, row := range queue {
				if ctx.Err() != nil {
					return
				}
				if !m.dispatch(ctx, row) {
					// Keep the per-device order: a row that cannot go
					// out now blocks everything queued behind it.
					return
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

// dispatch sends one command and records it. Returns false when the row
// stays pending (device offline or write failed) so callers stop the
// per-device queue.
func (m *Manager) dispatch(ctx context.Context, row OutboxRow) bool {
	dev, ok := m.dir.ByIMEI(row.IMEI)
	if !ok {
		return false
	}

	// EncodeCommand returns a complete frame, preamble through CRC.
	if err := dev.WriteFrame(teltonika.EncodeCommand(row.Text)); err != nil {
		m.log.Warn("command write failed, row stays pending",
			"imei", row.IMEI, "outbox_id", row.ID, "err", err)
		// Record the attempt; the row is retried on the next poll.
		if _, aerr := m.store.InsertSent(ctx, SentRow{
			OutboxID: row.ID,
			IMEI:     row.IMEI,
			Text:     row.Text,
			Status:   StatusFailed,
			SentAt:   m.now(),
		}); aerr != nil {
			m.log.Warn("failed attempt not recorded", "outbox_id", row.ID, "err", aerr)
		}
		return false
	}

	sentAt := m.now()
	if _, err := m.store.InsertSent(ctx, SentRow{
		OutboxID: row.ID,
		IMEI:     row.IMEI,
		Text:     row.Text,
		Status:   StatusSent,
		SentAt:   sentAt,
	}); err != nil {
		m.log.Error("command sent but not recorded", "imei", row.IMEI, "outbox_id", row.ID, "err", err)
		return false
	}
	if err := m.store.MarkDispatched(ctx, row.ID); err != nil {
		m.log.Error("outbox row not marked dispatched", "outbox_id", row.ID, "err", err)
	}
	m.metrics.CommandsSent.Add(1)
	m.log.Info("command sent", "imei", row.IMEI, "outbox_id", row.ID, "text", row.Text)
	return true
}

// HandleResponse correlates a Codec 12 frame from a device onto its most
// recent in-flight command. Anything that matches nothing lands in the
// unsolicited audit instead of being dropped.
func (m *Manager) HandleResponse(ctx context.Context, imei string, cmd teltonika.Command) {
	if cmd.Type != teltonika.CommandTypeResponse {
		m.log.Warn("unexpected codec12 type from device", "imei", imei, "type", cmd.Type)
		return
	}

	since := m.now().Add(-m.cfg.NoReplyThreshold)
	sent, err := m.store.LatestSentForIMEI(ctx, imei, since)
	if errors.Is(err, ErrNoMatch) {
		if err := m.store.AuditUnsolicited(ctx, imei, cmd.Text); err != nil {
			m.log.Warn("unsolicited response not audited", "imei", imei, "err", err)
		}
		m.log.Info("unsolicited device response", "imei", imei, "text", cmd.Text)
		return
	}
	if err != nil {
		m.log.Warn("response correlation failed", "imei", imei, "err", err)
		return
	}

	if err := m.store.MarkResult(ctx, sent.ID, StatusSuccessful, cmd.Text); err != nil {
		m.log.Error("command result not recorded", "imei", imei, "sent_id", sent.ID, "err", err)
		return
	}
	m.log.Info("command answered", "imei", imei, "sent_id", sent.ID, "text", cmd.Text)
}
