package command

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/fleet.report/internal/monitoring"
	"github.com/banshee-data/fleet.report/internal/teltonika"
)

type fakeStore struct {
	mu         sync.Mutex
	pending    []OutboxRow
	sent       []SentRow
	nextSentID int64
	audited    []string
	swept      []time.Time
	listErr    error
	dispatched []int64
}

func (f *fakeStore) ListPendingGPRS(ctx context.Context) ([]OutboxRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]OutboxRow, len(f.pending))
	copy(out, f.pending)
	return out, nil
}

func (f *fakeStore) MarkDispatched(ctx context.Context, outboxID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dispatched = append(f.dispatched, outboxID)
	kept := f.pending[:0]
	for _, row := range f.pending {
		if row.ID != outboxID {
			kept = append(kept, row)
		}
	}
	f.pending = kept
	return nil
}

func (f *fakeStore) InsertSent(ctx context.Context, row SentRow) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextSentID++
	row.ID = f.nextSentID
	f.sent = append(f.sent, row)
	return row.ID, nil
}

func (f *fakeStore) LatestSentForIMEI(ctx context.Context, imei string, since time.Time) (SentRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.sent) - 1; i >= 0; i-- {
		r := f.sent[i]
		if r.IMEI == imei && r.Status == StatusSent && !r.SentAt.Before(since) {
			return r, nil
		}
	}
	return SentRow{}, ErrNoMatch
}

func (f *fakeStore) MarkResult(ctx context.Context, sentID int64, status, responseText string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.sent {
		if f.sent[i].ID == sentID {
			f.sent[i].Status = status
			f.sent[i].ResponseText = responseText
			return nil
		}
	}
	return errors.New("no such sent row")
}

func (f *fakeStore) SweepNoReply(ctx context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.swept = append(f.swept, cutoff)
	var n int64
	for i := range f.sent {
		if f.sent[i].Status == StatusSent && f.sent[i].SentAt.Before(cutoff) {
			f.sent[i].Status = StatusNoReply
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) AuditUnsolicited(ctx context.Context, imei, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audited = append(f.audited, imei+":"+text)
	return nil
}

func (f *fakeStore) sentRows() []SentRow {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]SentRow, len(f.sent))
	copy(out, f.sent)
	return out
}

type fakeDevice struct {
	mu     sync.Mutex
	frames [][]byte
	err    error
}

func (d *fakeDevice) WriteFrame(b []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	d.frames = append(d.frames, cp)
	return nil
}

func (d *fakeDevice) texts(t *testing.T) []string {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	for _, frame := range d.frames {
		// Strip preamble/length, decode, drop CRC.
		require.GreaterOrEqual(t, len(frame), 12)
		pkt, err := teltonika.DecodePacket(frame[8 : len(frame)-4])
		require.NoError(t, err)
		require.NotNil(t, pkt.Command)
		require.Equal(t, teltonika.CommandTypeRequest, pkt.Command.Type)
		out = append(out, pkt.Command.Text)
	}
	return out
}

type fakeDirectory struct {
	mu      sync.Mutex
	devices map[string]*fakeDevice
}

func (d *fakeDirectory) ByIMEI(imei string) (DeviceWriter, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	dev, ok := d.devices[imei]
	return dev, ok
}

func newManager(store *fakeStore, dir *fakeDirectory) *Manager {
	return NewManager(store, dir, &monitoring.Metrics{}, Config{}, log.New(io.Discard))
}

func TestPollSendsInOutboxOrder(t *testing.T) {
	dev := &fakeDevice{}
	dir := &fakeDirectory{devices: map[string]*fakeDevice{"356307042441013": dev}}
	store := &fakeStore{pending: []OutboxRow{
		{ID: 1, IMEI: "356307042441013", Text: "getinfo", SendMethod: "gprs"},
		{ID: 2, IMEI: "356307042441013", Text: "getver", SendMethod: "gprs"},
	}}
	m := newManager(store, dir)

	require.NoError(t, m.Poll(context.Background()))

	assert.Equal(t, []string{"getinfo", "getver"}, dev.texts(t))
	rows := store.sentRows()
	require.Len(t, rows, 2)
	assert.Equal(t, StatusSent, rows[0].Status)
	assert.Equal(t, int64(1), rows[0].OutboxID)
	assert.Equal(t, []int64{1, 2}, store.dispatched)
	assert.Empty(t, store.pending)
}

func TestPollLeavesOfflineDevicesPending(t *testing.T) {
	dir := &fakeDirectory{devices: map[string]*fakeDevice{}}
	store := &fakeStore{pending: []OutboxRow{
		{ID: 1, IMEI: "356307042441013", Text: "getinfo", SendMethod: "gprs"},
	}}
	m := newManager(store, dir)

	require.NoError(t, m.Poll(context.Background()))

	assert.Empty(t, store.sentRows())
	assert.Len(t, store.pending, 1, "offline device rows must stay pending")
}

func TestPollSkipsSMSRows(t *testing.T) {
	dev := &fakeDevice{}
	dir := &fakeDirectory{devices: map[string]*fakeDevice{"356307042441013": dev}}
	store := &fakeStore{pending: []OutboxRow{
		{ID: 1, IMEI: "356307042441013", Text: "getinfo", SendMethod: "sms"},
	}}
	m := newManager(store, dir)

	require.NoError(t, m.Poll(context.Background()))
	assert.Empty(t, dev.texts(t))
	assert.Len(t, store.pending, 1)
}

func TestWriteFailureBlocksQueueBehindIt(t *testing.T) {
	dev := &fakeDevice{err: errors.New("broken pipe")}
	dir := &fakeDirectory{devices: map[string]*fakeDevice{"356307042441013": dev}}
	store := &fakeStore{pending: []OutboxRow{
		{ID: 1, IMEI: "356307042441013", Text: "getinfo", SendMethod: "gprs"},
		{ID: 2, IMEI: "356307042441013", Text: "getver", SendMethod: "gprs"},
	}}
	m := newManager(store, dir)

	require.NoError(t, m.Poll(context.Background()))
	assert.Len(t, store.pending, 2, "id order means a stuck head blocks the queue")

	// The attempt is recorded as failed; only the head was ever tried.
	rows := store.sentRows()
	require.Len(t, rows, 1)
	assert.Equal(t, StatusFailed, rows[0].Status)
	assert.Equal(t, int64(1), rows[0].OutboxID)
}

func TestDispatchWritesSingleEnvelope(t *testing.T) {
	dev := &fakeDevice{}
	dir := &fakeDirectory{devices: map[string]*fakeDevice{"356307042441013": dev}}
	store := &fakeStore{pending: []OutboxRow{
		{ID: 1, IMEI: "356307042441013", Text: "getinfo", SendMethod: "gprs"},
	}}
	m := newManager(store, dir)

	require.NoError(t, m.Poll(context.Background()))

	dev.mu.Lock()
	defer dev.mu.Unlock()
	require.Len(t, dev.frames, 1)
	frame := dev.frames[0]

	// Exactly one envelope: zero preamble, payload length, codec id 0x0C
	// first in the payload, CRC over the payload at the tail.
	require.GreaterOrEqual(t, len(frame), 12)
	assert.Equal(t, uint32(0), binary.BigEndian.Uint32(frame[:4]))
	length := binary.BigEndian.Uint32(frame[4:8])
	require.Equal(t, len(frame), 12+int(length))
	payload := frame[8 : len(frame)-4]
	assert.Equal(t, teltonika.Codec12, payload[0])
	assert.Equal(t, uint32(teltonika.CRC16(payload)), binary.BigEndian.Uint32(frame[len(frame)-4:]))
}

func TestHandleResponseSettlesLatestSent(t *testing.T) {
	store := &fakeStore{}
	m := newManager(store, &fakeDirectory{})
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	id, err := store.InsertSent(context.Background(), SentRow{
		OutboxID: 7, IMEI: "356307042441013", Text: "getinfo",
		Status: StatusSent, SentAt: now.Add(-10 * time.Second),
	})
	require.NoError(t, err)

	m.HandleResponse(context.Background(), "356307042441013",
		teltonika.Command{Type: teltonika.CommandTypeResponse, Text: "Info: ok"})

	rows := store.sentRows()
	require.Len(t, rows, 1)
	assert.Equal(t, id, rows[0].ID)
	assert.Equal(t, StatusSuccessful, rows[0].Status)
	assert.Equal(t, "Info: ok", rows[0].ResponseText)
	assert.Empty(t, store.audited)
}

func TestHandleResponseAuditsWhenNothingMatches(t *testing.T) {
	store := &fakeStore{}
	m := newManager(store, &fakeDirectory{})

	m.HandleResponse(context.Background(), "356307042441013",
		teltonika.Command{Type: teltonika.CommandTypeResponse, Text: "Info: surprise"})

	assert.Equal(t, []string{"356307042441013:Info: surprise"}, store.audited)
}

func TestHandleResponseIgnoresStaleSent(t *testing.T) {
	store := &fakeStore{}
	m := newManager(store, &fakeDirectory{})
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	_, err := store.InsertSent(context.Background(), SentRow{
		OutboxID: 7, IMEI: "356307042441013", Text: "getinfo",
		Status: StatusSent, SentAt: now.Add(-DefaultNoReplyThreshold - time.Minute),
	})
	require.NoError(t, err)

	m.HandleResponse(context.Background(), "356307042441013",
		teltonika.Command{Type: teltonika.CommandTypeResponse, Text: "Info: late"})

	rows := store.sentRows()
	assert.Equal(t, StatusSent, rows[0].Status, "stale rows are the sweeper's business")
	assert.Len(t, store.audited, 1)
}

func TestSweepMarksNoReply(t *testing.T) {
	store := &fakeStore{}
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	_, err := store.InsertSent(context.Background(), SentRow{
		IMEI: "356307042441013", Status: StatusSent, SentAt: now.Add(-5 * time.Minute),
	})
	require.NoError(t, err)
	_, err = store.InsertSent(context.Background(), SentRow{
		IMEI: "356307042441013", Status: StatusSent, SentAt: now.Add(-10 * time.Second),
	})
	require.NoError(t, err)

	n, err := store.SweepNoReply(context.Background(), now.Add(-DefaultNoReplyThreshold))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// Idempotent: a second sweep changes nothing.
	n, err = store.SweepNoReply(context.Background(), now.Add(-DefaultNoReplyThreshold))
	require.NoError(t, err)
	assert.Zero(t, n)

	rows := store.sentRows()
	assert.Equal(t, StatusNoReply, rows[0].Status)
	assert.Equal(t, StatusSent, rows[1].Status)
}

func TestDistinctIMEIsDispatchIndependently(t *testing.T) {
	devA := &fakeDevice{}
	dir := &fakeDirectory{devices: map[string]*fakeDevice{"111111111111111": devA}}
	store := &fakeStore{pending: []OutboxRow{
		{ID: 1, IMEI: "222222222222222", Text: "getinfo", SendMethod: "gprs"}, // offline
		{ID: 2, IMEI: "111111111111111", Text: "getver", SendMethod: "gprs"},
	}}
	m := newManager(store, dir)

	require.NoError(t, m.Poll(context.Background()))

	assert.Equal(t, []string{"getver"}, devA.texts(t), "an offline device must not block others")
	assert.Len(t, store.pending, 1)
	assert.Equal(t, int64(1), store.pending[0].ID)
}
