package opsdb

import (
	"context"
	"fmt"
	"math"

	"github.com/banshee-data/fleet.report/internal/enrich"
)

const earthRadiusM = 6371000.0

// POIStore answers nearest-reference queries against the poi_reference
// table. A degree-box prefilter keeps the indexed scan small; exact
// great-circle distance is computed here for the survivors. It satisfies
// enrich.Locator.
type POIStore struct {
	db *DB
}

// NewPOIStore wraps db.
func NewPOIStore(db *DB) *POIStore { return &POIStore{db: db} }

// Nearest returns the closest reference within maxKm, or nil when none
// qualifies.
func (s *POIStore) Nearest(ctx context.Context, lat, lon, maxKm float64) (*enrich.Reference, error) {
	if maxKm <= 0 {
		return nil, nil
	}

	// One degree of latitude is ~111 km; longitude shrinks with cos(lat).
	latDelta := maxKm / 111.0
	lonDelta := latDelta
	if c := math.Cos(lat * math.Pi / 180); c > 0.01 {
		lonDelta = latDelta / c
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, lat, lon FROM poi_reference
		WHERE lat BETWEEN ? AND ? AND lon BETWEEN ? AND ?`,
		lat-latDelta, lat+latDelta, lon-lonDelta, lon+lonDelta)
	if err != nil {
		return nil, fmt.Errorf("query poi candidates: %w", err)
	}
	defer rows.Close()

	var best *enrich.Reference
	for rows.Next() {
		var id int64
		var plat, plon float64
		if err := rows.Scan(&id, &plat, &plon); err != nil {
			return nil, fmt.Errorf("scan poi row: %w", err)
		}
		d := haversineM(lat, lon, plat, plon)
		if d > maxKm*1000 {
			continue
		}
		if best == nil || d < best.DistanceM {
			best = &enrich.Reference{ID: id, DistanceM: d}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return best, nil
}

// haversineM is the great-circle distance in metres.
func haversineM(lat1, lon1, lat2, lon2 float64) float64 {
	const rad = math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusM * math.Asin(math.Sqrt(a))
}
