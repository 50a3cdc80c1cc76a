package opsdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/fleet.report/internal/mapping"
)

// MappingStore reads the io_mappings table. It satisfies mapping.Store.
type MappingStore struct {
	db *DB
}

// NewMappingStore wraps db.
func NewMappingStore(db *DB) *MappingStore { return &MappingStore{db: db} }

// ByIMEI returns every mapping row for a device, ordered by io_id so the
// enricher applies them deterministically.
func (s *MappingStore) ByIMEI(ctx context.Context, imei string) ([]mapping.IoMapping, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT imei, io_id, multiplier, io_type, io_name, value_name,
		       trigger_value, target, column_name, window_start, window_end,
		       is_alarm, is_sms, is_email, is_call, updated_at
		FROM io_mappings
		WHERE imei = ?
		ORDER BY io_id, id`, imei)
	if err != nil {
		return nil, fmt.Errorf("query mappings for %s: %w", imei, err)
	}
	defer rows.Close()

	var out []mapping.IoMapping
	for rows.Next() {
		var m mapping.IoMapping
		var trigger sql.NullFloat64
		var windowStart, windowEnd int
		var updatedAt string
		if err := rows.Scan(
			&m.IMEI, &m.IoID, &m.Multiplier, &m.IoType, &m.IoName, &m.ValueName,
			&trigger, &m.Target, &m.ColumnName, &windowStart, &windowEnd,
			&m.IsAlarm, &m.IsSMS, &m.IsEmail, &m.IsCall, &updatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan mapping row: %w", err)
		}
		if trigger.Valid {
			v := trigger.Float64
			m.TriggerValue = &v
		}
		m.WindowStart = mapping.TimeOfDay(windowStart)
		m.WindowEnd = mapping.TimeOfDay(windowEnd)
		if m.UpdatedAt, err = parseDBTime(updatedAt); err != nil {
			return nil, fmt.Errorf("mapping row for %s: %w", imei, err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MaxUpdatedAt returns the newest updated_at across a device's rows, or
// the zero time when the device has none.
func (s *MappingStore) MaxUpdatedAt(ctx context.Context, imei string) (time.Time, error) {
	var ts sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(updated_at) FROM io_mappings WHERE imei = ?`, imei).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !ts.Valid) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("query max updated_at for %s: %w", imei, err)
	}
	return parseDBTime(ts.String)
}

// parseDBTime copes with the timestamp layouts SQLite hands back.
func parseDBTime(s string) (time.Time, error) {
	for _, layout := range []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}
