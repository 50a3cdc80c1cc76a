package enrich

import "context"

// Reference is the nearest point of interest to a fix.
type Reference struct {
	ID        int64
	DistanceM float64
}

// Locator finds the nearest reference point within maxKm. A nil result
// with nil error means nothing is close enough. Lookups are best-effort:
// enrichment proceeds without a reference when the locator fails.
type Locator interface {
	Nearest(ctx context.Context, lat, lon, maxKm float64) (*Reference, error)
}
