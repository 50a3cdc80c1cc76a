package opsdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/fleet.report/internal/command"
)

// sqliteTime is the layout command timestamps are stored with. UTC,
// second precision; the sweeper compares lexically-compatible strings.
const sqliteTime = "2006-01-02 15:04:05"

// CommandStore drives the command_outbox/command_sent/command_audit
// tables. It satisfies command.Store.
type CommandStore struct {
	db *DB
}

// NewCommandStore wraps db.
func NewCommandStore(db *DB) *CommandStore { return &CommandStore{db: db} }

// ListPendingGPRS returns undispatched gprs rows in id order.
func (s *CommandStore) ListPendingGPRS(ctx context.Context) ([]command.OutboxRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, imei, sim_no, command_text, send_method, user_id, config_id
		FROM command_outbox
		WHERE send_method = 'gprs' AND dispatched = 0
		ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list pending commands: %w", err)
	}
	defer rows.Close()

	var out []command.OutboxRow
	for rows.Next() {
		var row command.OutboxRow
		var configID sql.NullInt64
		if err := rows.Scan(&row.ID, &row.IMEI, &row.SimNo, &row.Text,
			&row.SendMethod, &row.UserID, &configID); err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		if configID.Valid {
			v := configID.Int64
			row.ConfigID = &v
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// MarkDispatched removes an outbox row from the pending set.
func (s *CommandStore) MarkDispatched(ctx context.Context, outboxID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE command_outbox SET dispatched = 1 WHERE id = ?`, outboxID)
	if err != nil {
		return fmt.Errorf("mark outbox %d dispatched: %w", outboxID, err)
	}
	return nil
}

// InsertSent records a dispatched command.
func (s *CommandStore) InsertSent(ctx context.Context, row command.SentRow) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO command_sent (outbox_id, imei, command_text, status, response_text, sent_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		row.OutboxID, row.IMEI, row.Text, row.Status, row.ResponseText,
		row.SentAt.UTC().Format(sqliteTime))
	if err != nil {
		return 0, fmt.Errorf("insert sent command: %w", err)
	}
	return res.LastInsertId()
}

// LatestSentForIMEI returns the newest still-'sent' row for the device
// within the grace window.
func (s *CommandStore) LatestSentForIMEI(ctx context.Context, imei string, since time.Time) (command.SentRow, error) {
	var row command.SentRow
	var sentAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, outbox_id, imei, command_text, status, response_text, sent_at
		FROM command_sent
		WHERE imei = ? AND status = ? AND sent_at >= ?
		ORDER BY sent_at DESC, id DESC
		LIMIT 1`,
		imei, command.StatusSent, since.UTC().Format(sqliteTime),
	).Scan(&row.ID, &row.OutboxID, &row.IMEI, &row.Text, &row.Status,
		&row.ResponseText, &sentAt)
	if errors.Is(err, sql.ErrNoRows) {
		return command.SentRow{}, command.ErrNoMatch
	}
	if err != nil {
		return command.SentRow{}, fmt.Errorf("query latest sent for %s: %w", imei, err)
	}
	if row.SentAt, err = parseDBTime(sentAt); err != nil {
		return command.SentRow{}, err
	}
	return row, nil
}

// MarkResult settles a sent row.
func (s *CommandStore) MarkResult(ctx context.Context, sentID int64, status, responseText string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE command_sent SET status = ?, response_text = ? WHERE id = ?`,
		status, responseText, sentID)
	if err != nil {
		return fmt.Errorf("mark command %d %s: %w", sentID, status, err)
	}
	return nil
}

// SweepNoReply marks rows still 'sent' before cutoff as no_reply.
func (s *CommandStore) SweepNoReply(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE command_sent SET status = ? WHERE status = ? AND sent_at < ?`,
		command.StatusNoReply, command.StatusSent, cutoff.UTC().Format(sqliteTime))
	if err != nil {
		return 0, fmt.Errorf("sweep no-reply commands: %w", err)
	}
	return res.RowsAffected()
}

// AuditUnsolicited records a device message that matched no sent command.
func (s *CommandStore) AuditUnsolicited(ctx context.Context, imei, text string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO command_audit (imei, message) VALUES (?, ?)`, imei, text)
	if err != nil {
		return fmt.Errorf("audit unsolicited message from %s: %w", imei, err)
	}
	return nil
}
