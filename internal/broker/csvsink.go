package broker

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/banshee-data/fleet.report/internal/enrich"
)

// CSV sink file names, one per record class.
var csvFileNames = map[RecordType]string{
	TypeTrackdata: "trackdata.csv",
	TypeEvent:     "events.csv",
	TypeAlarm:     "alarms.csv",
}

// csvBaseColumns precede the schema columns in every row.
var csvBaseColumns = []string{
	"message_id", "imei", "server_time", "gps_time",
	"lat", "lon", "altitude", "angle", "satellites", "speed",
	"status", "is_valid", "reference_id", "distance_km",
	"is_alarm", "is_sms", "is_email", "is_call",
}

// CSVSink implements Publisher by appending records to per-class CSV
// files. It is the LOGS data transfer mode: useful for dev boxes and for
// keeping a parser node capturing data while the broker is being rebuilt.
type CSVSink struct {
	mu      sync.Mutex
	writers map[RecordType]*csv.Writer
	files   []*os.File
}

// NewCSVSink creates (or appends to) the three class files under dir,
// writing a header onto any file that is empty.
func NewCSVSink(dir string) (*CSVSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create csv dir: %w", err)
	}

	header := append(append([]string{}, csvBaseColumns...), enrich.SchemaColumns...)
	header = append(header, "dynamic_io")

	s := &CSVSink{writers: make(map[RecordType]*csv.Writer)}
	for rt, name := range csvFileNames {
		f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("open %s: %w", name, err)
		}
		s.files = append(s.files, f)

		w := csv.NewWriter(f)
		if st, err := f.Stat(); err == nil && st.Size() == 0 {
			if err := w.Write(header); err != nil {
				s.Close()
				return nil, fmt.Errorf("write %s header: %w", name, err)
			}
			w.Flush()
		}
		s.writers[rt] = w
	}
	return s, nil
}

// PublishRecord implements Publisher. Rows are flushed per record so a
// crash loses at most the record being written.
func (s *CSVSink) PublishRecord(_ context.Context, meta DeviceMeta, rec *enrich.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rt := range Classify(rec) {
		w := s.writers[rt]
		if err := w.Write(csvRow(meta, rec)); err != nil {
			return fmt.Errorf("csv %s: %w", rt, err)
		}
		w.Flush()
		if err := w.Error(); err != nil {
			return fmt.Errorf("csv %s: %w", rt, err)
		}
	}
	return nil
}

// Connected implements Publisher; a file sink is always available.
func (s *CSVSink) Connected() bool { return true }

// Close flushes and closes the class files.
func (s *CSVSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.writers {
		w.Flush()
	}
	var firstErr error
	for _, f := range s.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.files = nil
	return firstErr
}

func csvRow(meta DeviceMeta, rec *enrich.Record) []string {
	refID, distKm := "", ""
	if rec.ReferenceID != nil {
		refID = strconv.FormatInt(*rec.ReferenceID, 10)
	}
	if rec.DistanceKm != nil {
		distKm = strconv.FormatFloat(*rec.DistanceKm, 'f', 3, 64)
	}
	dynamic := ""
	if len(rec.DynamicIO) > 0 {
		if b, err := json.Marshal(rec.DynamicIO); err == nil {
			dynamic = string(b)
		}
	}

	row := []string{
		uuid.NewString(),
		meta.IMEI,
		rec.ServerTime.Format("2006-01-02 15:04:05"),
		rec.GPSTime.Format("2006-01-02 15:04:05"),
		strconv.FormatFloat(rec.Lat, 'f', 7, 64),
		strconv.FormatFloat(rec.Lon, 'f', 7, 64),
		strconv.Itoa(int(rec.Altitude)),
		strconv.Itoa(int(rec.Angle)),
		strconv.Itoa(int(rec.Satellites)),
		strconv.Itoa(int(rec.Speed)),
		rec.Status,
		strconv.Itoa(rec.IsValid),
		refID,
		distKm,
		strconv.Itoa(rec.IsAlarm),
		strconv.Itoa(rec.IsSMS),
		strconv.Itoa(rec.IsEmail),
		strconv.Itoa(rec.IsCall),
	}
	for _, col := range enrich.SchemaColumns {
		row = append(row, rec.Column(col))
	}
	return append(row, dynamic)
}
