package mapping

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"
)

// csvHeader is the fixture column order. Kept in lockstep with the
// operations schema so a mapping export can be dropped straight into dev.
var csvHeader = []string{
	"imei", "io_id", "multiplier", "io_type", "io_name", "value_name",
	"trigger_value", "target", "column_name", "window_start", "window_end",
	"is_alarm", "is_sms", "is_email", "is_call", "updated_at",
}

// CSVStore serves IO mappings from a fixture file. It exists for dev and
// test runs without an operations database; the whole file is parsed once
// at construction.
type CSVStore struct {
	byIMEI map[string][]IoMapping
	maxUp  map[string]time.Time
}

// LoadCSV reads a mapping fixture.
func LoadCSV(path string) (*CSVStore, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open mapping fixture: %w", err)
	}
	defer f.Close()
	return ParseCSV(f)
}

// ParseCSV parses fixture rows from r.
func ParseCSV(r io.Reader) (*CSVStore, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(csvHeader)

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read fixture header: %w", err)
	}
	for i, want := range csvHeader {
		if header[i] != want {
			return nil, fmt.Errorf("fixture column %d is %q, want %q", i, header[i], want)
		}
	}

	s := &CSVStore{
		byIMEI: make(map[string][]IoMapping),
		maxUp:  make(map[string]time.Time),
	}
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("fixture line %d: %w", line, err)
		}
		m, err := parseCSVRow(rec)
		if err != nil {
			return nil, fmt.Errorf("fixture line %d: %w", line, err)
		}
		s.byIMEI[m.IMEI] = append(s.byIMEI[m.IMEI], m)
		if m.UpdatedAt.After(s.maxUp[m.IMEI]) {
			s.maxUp[m.IMEI] = m.UpdatedAt
		}
	}
	return s, nil
}

func parseCSVRow(rec []string) (IoMapping, error) {
	var m IoMapping
	m.IMEI = rec[0]

	ioID, err := strconv.ParseUint(rec[1], 10, 16)
	if err != nil {
		return m, fmt.Errorf("io_id: %w", err)
	}
	m.IoID = uint16(ioID)

	if m.Multiplier, err = strconv.ParseFloat(rec[2], 64); err != nil {
		return m, fmt.Errorf("multiplier: %w", err)
	}
	ioType, err := strconv.Atoi(rec[3])
	if err != nil {
		return m, fmt.Errorf("io_type: %w", err)
	}
	m.IoType = IoType(ioType)
	m.IoName = rec[4]
	m.ValueName = rec[5]

	if rec[6] != "" {
		v, err := strconv.ParseFloat(rec[6], 64)
		if err != nil {
			return m, fmt.Errorf("trigger_value: %w", err)
		}
		m.TriggerValue = &v
	}

	target, err := strconv.Atoi(rec[7])
	if err != nil {
		return m, fmt.Errorf("target: %w", err)
	}
	m.Target = Target(target)
	m.ColumnName = rec[8]

	if rec[9] != "" {
		if m.WindowStart, err = ParseTimeOfDay(rec[9]); err != nil {
			return m, fmt.Errorf("window_start: %w", err)
		}
	}
	if rec[10] != "" {
		if m.WindowEnd, err = ParseTimeOfDay(rec[10]); err != nil {
			return m, fmt.Errorf("window_end: %w", err)
		}
	}

	flags := []*bool{&m.IsAlarm, &m.IsSMS, &m.IsEmail, &m.IsCall}
	for i, fp := range flags {
		*fp = rec[11+i] == "1" || rec[11+i] == "true"
	}

	if rec[15] != "" {
		if m.UpdatedAt, err = time.Parse(time.RFC3339, rec[15]); err != nil {
			return m, fmt.Errorf("updated_at: %w", err)
		}
	}
	return m, nil
}

// ByIMEI implements Store.
func (s *CSVStore) ByIMEI(_ context.Context, imei string) ([]IoMapping, error) {
	rows := s.byIMEI[imei]
	out := make([]IoMapping, len(rows))
	copy(out, rows)
	return out, nil
}

// MaxUpdatedAt implements Store.
func (s *CSVStore) MaxUpdatedAt(_ context.Context, imei string) (time.Time, error) {
	return s.maxUp[imei], nil
}
