package server

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/charmbracelet/log"

	"github.com/banshee-data/fleet.report/internal/broker"
	"github.com/banshee-data/fleet.report/internal/enrich"
	"github.com/banshee-data/fleet.report/internal/monitoring"
	"github.com/banshee-data/fleet.report/internal/teltonika"
)

const (
	// DefaultReadTimeout is how long a device may stay silent before
	// the connection is dropped. Teltonika units ping well inside this.
	DefaultReadTimeout = 30 * time.Second

	// loginTimeout bounds the wait for the IMEI handshake on a fresh
	// connection.
	loginTimeout = 15 * time.Second

	readBufSize = 64 * 1024
)

var loginAccept = []byte{0x01}

// Responder receives decoded Codec 12 frames from devices so the command
// correlator can settle the matching outbox entry.
type Responder interface {
	HandleResponse(ctx context.Context, imei string, cmd teltonika.Command)
}

// HandlerConfig tunes per-connection behaviour.
type HandlerConfig struct {
	ReadTimeout   time.Duration
	MaxPacketSize int
}

func (c *HandlerConfig) fill() {
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.MaxPacketSize <= 0 {
		c.MaxPacketSize = teltonika.DefaultMaxPacketSize
	}
}

// Handler runs the per-device protocol: IMEI login, frame splitting,
// record enrichment and publishing, and the ACK discipline that makes
// publishing reliable (records are ACKed to the device only after the
// sink confirmed them).
type Handler struct {
	dir       *Directory
	enricher  *enrich.Enricher
	pub       broker.Publisher
	responder Responder
	metrics   *monitoring.Metrics
	cfg       HandlerConfig
	log       *log.Logger
}

// NewHandler wires a handler. responder may be nil when command handling
// is disabled; Codec 12 frames from devices are then only counted.
func NewHandler(dir *Directory, enricher *enrich.Enricher, pub broker.Publisher, responder Responder, metrics *monitoring.Metrics, cfg HandlerConfig, logger *log.Logger) *Handler {
	cfg.fill()
	return &Handler{
		dir:       dir,
		enricher:  enricher,
		pub:       pub,
		responder: responder,
		metrics:   metrics,
		cfg:       cfg,
		log:       logger,
	}
}

// Handle owns conn until the device disconnects, the protocol is
// violated, or ctx ends. It always closes conn.
func (h *Handler) Handle(ctx context.Context, conn net.Conn) {
	sess := newSession(conn)
	defer sess.close()

	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetKeepAlive(true)
		tc.SetKeepAlivePeriod(30 * time.Second)
	}

	// Tie the socket to ctx so shutdown unblocks pending reads.
	stop := context.AfterFunc(ctx, func() { sess.close() })
	defer stop()

	imei, err := h.login(conn)
	if err != nil {
		h.log.Warn("login failed", "addr", sess.RemoteAddr(), "err", err)
		return
	}
	sess.setIMEI(imei)
	h.dir.Register(sess)
	defer h.dir.Unregister(sess)

	logger := h.log.With("imei", imei, "addr", sess.RemoteAddr())
	logger.Info("device connected")
	defer logger.Info("device disconnected")

	if err := h.readLoop(ctx, sess, logger); err != nil && !isDisconnect(err) {
		logger.Warn("connection closed on error", "err", err)
	}
}

// login reads the 2-byte length-prefixed IMEI and answers 0x01 on
// success. Any failure closes the connection without an ACK.
func (h *Handler) login(conn net.Conn) (string, error) {
	if err := conn.SetReadDeadline(time.Now().Add(loginTimeout)); err != nil {
		return "", err
	}

	var hdr [2]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return "", err
	}
	n := int(binary.BigEndian.Uint16(hdr[:]))
	if n < teltonika.IMEILength || n > 20 {
		return "", teltonika.ErrInvalidIMEI
	}
	raw := make([]byte, n)
	if _, err := io.ReadFull(conn, raw); err != nil {
		return "", err
	}

	imei, err := teltonika.ParseIMEI(raw)
	if err != nil {
		return "", err
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := conn.Write(loginAccept); err != nil {
		return "", err
	}
	return imei, nil
}

func (h *Handler) readLoop(ctx context.Context, sess *Session, logger *log.Logger) error {
	split := teltonika.NewSplitter(h.cfg.MaxPacketSize, func(format string, args ...any) {
		logger.Warnf(format, args...)
	})
	buf := make([]byte, readBufSize)

	for {
		if err := sess.conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout)); err != nil {
			return err
		}
		n, err := sess.conn.Read(buf)
		if n > 0 {
			h.metrics.BytesIn.Add(int64(n))
			payloads, pings, perr := split.Push(buf[:n])
			if pings > 0 {
				h.metrics.Pings.Add(int64(pings))
				sess.Touch()
			}
			for _, payload := range payloads {
				sess.Touch()
				if err := h.handlePayload(ctx, sess, payload, logger); err != nil {
					return err
				}
			}
			if perr != nil {
				h.metrics.DecodeErrors.Add(1)
				return perr
			}
		}
		if err != nil {
			// A deadline expiry with the peer still alive is not an
			// error; EOF and real failures arrive as distinct errors.
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (h *Handler) handlePayload(ctx context.Context, sess *Session, payload []byte, logger *log.Logger) error {
	started := time.Now()
	pkt, err := teltonika.DecodePacket(payload)
	if err != nil {
		h.metrics.DecodeErrors.Add(1)
		return err
	}
	h.metrics.FramesDecoded.Add(1)

	if pkt.Command != nil {
		// Codec 12 frames carry no AVL records and get no data ACK.
		h.metrics.CommandResponses.Add(1)
		if h.responder != nil {
			h.responder.HandleResponse(ctx, sess.IMEI(), *pkt.Command)
		} else {
			logger.Debug("ignoring device message", "text", pkt.Command.Text)
		}
		return nil
	}

	meta := h.deviceMeta(sess)
	for _, rec := range pkt.Records {
		h.metrics.RecordsParsed.Add(1)
		enriched := h.enricher.Enrich(ctx, sess.IMEI(), rec)
		if err := h.pub.PublishRecord(ctx, meta, enriched); err != nil {
			// Withhold the ACK but keep the session: the device resends
			// the frame and the publisher redials lazily underneath.
			h.metrics.PublishFailures.Add(1)
			logger.Warn("publish failed, frame left un-acked", "err", err)
			return nil
		}
		h.metrics.RecordsPublished.Add(1)
	}

	var ack [4]byte
	binary.BigEndian.PutUint32(ack[:], uint32(len(pkt.Records)))
	if err := sess.WriteFrame(ack[:]); err != nil {
		return err
	}
	h.metrics.ObserveFrameLatency(time.Since(started))
	return nil
}

func (h *Handler) deviceMeta(sess *Session) broker.DeviceMeta {
	meta := broker.DeviceMeta{IMEI: sess.IMEI()}
	if host, port, err := net.SplitHostPort(sess.RemoteAddr()); err == nil {
		meta.IP = host
		meta.Port, _ = strconv.Atoi(port)
	}
	return meta
}

// isDisconnect reports whether err is an ordinary device hangup rather
// than a protocol or publish failure worth a warning.
func isDisconnect(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, context.Canceled) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
