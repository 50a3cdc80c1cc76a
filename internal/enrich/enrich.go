package enrich

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/banshee-data/fleet.report/internal/mapping"
	"github.com/banshee-data/fleet.report/internal/teltonika"
)

// DefaultPOICutoffKm bounds the nearest-reference search.
const DefaultPOICutoffKm = 50.0

// Temperature sensor error sentinels, transmitted in place of a reading.
// A sentinel suppresses the column entirely rather than recording a bogus
// temperature.
var dallasSentinels = map[int64]string{
	850:  "not ready",
	5000: "not ready",
	2000: "read error",
	3000: "disconnected",
	4000: "id failed",
}

var bleSentinels = map[int64]string{
	4000: "abnormal",
	3000: "not found",
	2000: "parse fail",
}

// Enricher applies per-device IO mappings to decoded AVL records.
type Enricher struct {
	cache   *mapping.Cache
	locator Locator
	maxKm   float64
	log     *log.Logger
	now     func() time.Time
}

// New builds an Enricher. locator may be nil to disable reference lookup.
func New(cache *mapping.Cache, locator Locator, maxKm float64, logger *log.Logger) *Enricher {
	if maxKm <= 0 {
		maxKm = DefaultPOICutoffKm
	}
	return &Enricher{cache: cache, locator: locator, maxKm: maxKm, log: logger, now: time.Now}
}

// Enrich produces one published record from one AVL record.
func (e *Enricher) Enrich(ctx context.Context, imei string, avl teltonika.Record) *Record {
	rec := &Record{
		IMEI:       imei,
		ServerTime: e.now().UTC(),
		GPSTime:    avl.Timestamp.UTC(),
		Lat:        float64(avl.GPS.Latitude) / 1e7,
		Lon:        float64(avl.GPS.Longitude) / 1e7,
		Altitude:   avl.GPS.Altitude,
		Angle:      avl.GPS.Angle,
		Satellites: avl.GPS.Satellites,
		Speed:      avl.GPS.Speed,
		Status:     "Normal",
	}
	if avl.GPS.Valid() {
		rec.IsValid = 1
	}

	set := e.cache.ForIMEI(ctx, imei)

	// Status resolution: the event io decides the discrete state.
	var alarmCandidate *mapping.IoMapping
	if prop, ok := findProperty(avl.Properties, avl.EventID); ok {
		for _, m := range set.ByID(avl.EventID) {
			m := m
			if (m.Target == mapping.TargetStatus || m.Target == mapping.TargetBoth) && m.Matches(prop.Value) {
				rec.Status = m.StatusText()
				alarmCandidate = &m
				break
			}
		}
	}

	// Column and dynamic_io writes.
	for _, prop := range avl.Properties {
		if prop.Bytes != nil {
			continue // variable-length blobs carry no numeric value
		}
		for _, m := range set.ByID(prop.ID) {
			switch m.Target {
			case mapping.TargetColumn, mapping.TargetBoth, mapping.TargetJSON:
			default:
				continue
			}
			formatted, ok := e.formatValue(m, prop.Value)
			if !ok {
				continue
			}
			if m.Target == mapping.TargetJSON {
				keys := m.Columns()
				if len(keys) == 0 {
					keys = []string{fmt.Sprintf("io_%d", prop.ID)}
				}
				for _, k := range keys {
					rec.dynamicSet(k, formatted)
				}
				continue
			}
			for _, col := range m.Columns() {
				if !rec.setColumn(col, formatted) {
					e.log.Debug("mapping names unknown schema column", "imei", imei, "io_id", m.IoID, "column", col)
				}
			}
		}
	}

	// Unmapped devices still publish their raw io so nothing is lost.
	if set.Empty() && !rec.hasColumn {
		for _, prop := range avl.Properties {
			key := fmt.Sprintf("io_%d", prop.ID)
			if prop.Bytes != nil {
				rec.dynamicSet(key, hex.EncodeToString(prop.Bytes))
				continue
			}
			rec.dynamicSet(key, prop.Value)
		}
	}

	// Alarm gating: the status mapping raises the alarm only inside its
	// time window, compared against the record's UTC gps clock.
	if alarmCandidate != nil && alarmCandidate.IsAlarm {
		tod := mapping.TimeOfDayFrom(rec.GPSTime)
		if tod.InWindow(alarmCandidate.WindowStart, alarmCandidate.WindowEnd) {
			rec.IsAlarm = 1
			rec.IsSMS = boolFlag(alarmCandidate.IsSMS)
			rec.IsEmail = boolFlag(alarmCandidate.IsEmail)
			rec.IsCall = boolFlag(alarmCandidate.IsCall)
		}
	}

	if e.locator != nil && rec.IsValid == 1 {
		ref, err := e.locator.Nearest(ctx, rec.Lat, rec.Lon, e.maxKm)
		if err != nil {
			e.log.Debug("reference lookup failed", "imei", imei, "err", err)
		} else if ref != nil {
			rec.ReferenceID = &ref.ID
			km := ref.DistanceM / 1000
			rec.DistanceKm = &km
		}
	}

	return rec
}

// formatValue scales and formats a raw IO value per its mapping. The
// second return is false when the value should be suppressed (zero, or a
// temperature sensor error sentinel).
func (e *Enricher) formatValue(m mapping.IoMapping, raw int64) (string, bool) {
	if reason, ok := temperatureSentinel(m.IoName, raw); ok {
		e.log.Debug("temperature sentinel suppressed", "io", m.IoName, "raw", raw, "reason", reason)
		return "", false
	}

	if m.IoType == mapping.IoDigital && m.Multiplier == 1 {
		if raw == 0 {
			return "", false
		}
		return strconv.FormatInt(raw, 10), true
	}

	v := float64(raw)
	if m.Multiplier != 1 {
		v *= m.Multiplier
	}
	if v == 0 {
		return "", false
	}
	return strconv.FormatFloat(v, 'f', decimals(m.Multiplier), 64), true
}

// temperatureSentinel reports whether raw is an error sentinel for the
// named sensor family.
func temperatureSentinel(ioName string, raw int64) (string, bool) {
	name := strings.ToLower(ioName)
	if !strings.Contains(name, "temperature") {
		return "", false
	}
	switch {
	case strings.Contains(name, "dallas"):
		r, ok := dallasSentinels[raw]
		return r, ok
	case strings.Contains(name, "ble"):
		r, ok := bleSentinels[raw]
		return r, ok
	}
	if r, ok := dallasSentinels[raw]; ok {
		return r, ok
	}
	r, ok := bleSentinels[raw]
	return r, ok
}

// decimals counts the fractional digits needed to print m losslessly:
// 0.1→1, 0.001→3, 1.0→0. Output precision always matches the multiplier.
func decimals(m float64) int {
	s := strconv.FormatFloat(m, 'f', -1, 64)
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return len(s) - i - 1
	}
	return 0
}

func findProperty(props []teltonika.Property, id uint16) (teltonika.Property, bool) {
	for _, p := range props {
		if p.ID == id && p.Bytes == nil {
			return p, true
		}
	}
	return teltonika.Property{}, false
}

func boolFlag(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (r *Record) dynamicSet(key string, v any) {
	if r.DynamicIO == nil {
		r.DynamicIO = make(map[string]any)
	}
	r.DynamicIO[key] = v
}
