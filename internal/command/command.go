// Package command drives the GPRS command channel: it polls the ops
// store's outbox for pending commands, pushes them to connected devices
// as Codec 12 frames, and correlates device responses back onto the rows
// that caused them.
package command

import (
	"context"
	"errors"
	"time"
)

// Sent-row statuses as written to the ops store.
const (
	StatusSent       = "sent"
	StatusSuccessful = "successful"
	StatusFailed     = "failed"
	StatusNoReply    = "no_reply"
)

// SendMethodGPRS is the only method this process dispatches; SMS rows
// belong to the gateway.
const SendMethodGPRS = "gprs"

// ErrNoMatch is returned by LatestSentForIMEI when no in-flight command
// exists for the device.
var ErrNoMatch = errors.New("command: no matching sent command")

// OutboxRow is a pending operator command as stored by the ops service.
type OutboxRow struct {
	ID         int64
	IMEI       string
	SimNo      string
	Text       string
	SendMethod string
	UserID     int64
	ConfigID   *int64
	CreatedAt  time.Time
}

// SentRow tracks one dispatched command awaiting its response.
type SentRow struct {
	ID           int64
	OutboxID     int64
	IMEI         string
	Text         string
	Status       string
	ResponseText string
	SentAt       time.Time
}

// Store is the ops-database surface the manager needs. The rows are owned
// by the operations service; this process only flips their statuses.
type Store interface {
	// ListPendingGPRS returns undispatched gprs rows in id order.
	ListPendingGPRS(ctx context.Context) ([]OutboxRow, error)
	// MarkDispatched removes an outbox row from the pending set.
	MarkDispatched(ctx context.Context, outboxID int64) error
	// InsertSent records a dispatched command and returns its id.
	InsertSent(ctx context.Context, row SentRow) (int64, error)
	// LatestSentForIMEI returns the most recent still-'sent' row for the
	// device with sent_at >= since, or ErrNoMatch.
	LatestSentForIMEI(ctx context.Context, imei string, since time.Time) (SentRow, error)
	// MarkResult settles a sent row.
	MarkResult(ctx context.Context, sentID int64, status, responseText string) error
	// SweepNoReply marks rows sent before cutoff as no_reply and reports
	// how many changed. Safe to run repeatedly.
	SweepNoReply(ctx context.Context, cutoff time.Time) (int64, error)
	// AuditUnsolicited records a device message that matched nothing.
	AuditUnsolicited(ctx context.Context, imei, text string) error
}

// DeviceWriter is a live device connection's write handle.
type DeviceWriter interface {
	WriteFrame(b []byte) error
}

// Directory resolves a connected device by IMEI.
type Directory interface {
	ByIMEI(imei string) (DeviceWriter, bool)
}
