// Package mapping resolves per-device IO semantics: which Teltonika IO id
// means what for a given IMEI, how raw values scale, and which values
// raise alarms. Mappings are edited in the operations service and read
// here through a staleness-checked LRU cache.
package mapping

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// IoType distinguishes discrete from continuous IOs. The numeric values
// are the ones the operations schema stores.
type IoType int

const (
	IoDigital IoType = 2
	IoAnalog  IoType = 3
)

// Target selects where an IO value lands on the enriched record.
type Target int

const (
	TargetColumn Target = 0 // named schema column only
	TargetStatus Target = 1 // status string only
	TargetBoth   Target = 2 // status string and schema column
	TargetJSON   Target = 3 // dynamic_io side channel
)

// IoMapping is one row of the per-device IO dictionary. A single
// (imei, io_id) pair may carry several rows: one per value_name for
// digital IOs, or one per output column for analog ones.
type IoMapping struct {
	IMEI         string
	IoID         uint16
	Multiplier   float64
	IoType       IoType
	IoName       string
	ValueName    string
	TriggerValue *float64
	Target       Target
	ColumnName   string // may be pipe-delimited
	WindowStart  TimeOfDay
	WindowEnd    TimeOfDay
	IsAlarm      bool
	IsSMS        bool
	IsEmail      bool
	IsCall       bool
	UpdatedAt    time.Time
}

// Columns splits the pipe-delimited column list, dropping empty segments.
func (m IoMapping) Columns() []string {
	if m.ColumnName == "" {
		return nil
	}
	parts := strings.Split(m.ColumnName, "|")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// StatusText is the discrete status string a matched digital mapping
// produces, e.g. "Ignition On".
func (m IoMapping) StatusText() string {
	return m.IoName + " " + m.ValueName
}

// Matches reports whether a raw IO value triggers this mapping's discrete
// state. Only digital mappings with a configured trigger can match.
func (m IoMapping) Matches(raw int64) bool {
	return m.IoType == IoDigital && m.TriggerValue != nil && float64(raw) == *m.TriggerValue
}

// TimeOfDay is a wall-clock instant within a day, stored as seconds since
// midnight. Alarm windows compare against the record's UTC gps_time.
type TimeOfDay int

// ParseTimeOfDay accepts "15:04" or "15:04:05".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	var h, m, sec int
	switch n, _ := fmt.Sscanf(s, "%d:%d:%d", &h, &m, &sec); n {
	case 2, 3:
	default:
		return 0, fmt.Errorf("invalid time of day %q", s)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 || sec < 0 || sec > 59 {
		return 0, fmt.Errorf("invalid time of day %q", s)
	}
	return TimeOfDay(h*3600 + m*60 + sec), nil
}

// TimeOfDayFrom extracts the day-clock component of t.
func TimeOfDayFrom(t time.Time) TimeOfDay {
	h, m, s := t.Clock()
	return TimeOfDay(h*3600 + m*60 + s)
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d:%02d", int(t)/3600, int(t)/60%60, int(t)%60)
}

// InWindow reports whether t falls inside [start, end], inclusive on both
// edges. A window with start > end wraps midnight (22:00→06:00 covers the
// night hours, not the day).
func (t TimeOfDay) InWindow(start, end TimeOfDay) bool {
	if start <= end {
		return t >= start && t <= end
	}
	return t >= start || t <= end
}

// Store loads mappings from the operations database or a fixture file.
type Store interface {
	// ByIMEI returns every mapping row for a device. A device with no
	// rows returns an empty slice and no error.
	ByIMEI(ctx context.Context, imei string) ([]IoMapping, error)
	// MaxUpdatedAt returns the newest updated_at across the device's
	// rows, used for cheap change detection. Zero time when no rows.
	MaxUpdatedAt(ctx context.Context, imei string) (time.Time, error)
}
