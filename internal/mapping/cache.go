package mapping

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Cache defaults. Tuned for ~10k active devices on one parser node.
const (
	DefaultTTL             = 30 * time.Minute
	DefaultMaxSize         = 10000
	DefaultInactiveWindow  = 24 * time.Hour
	DefaultCleanupInterval = 60 * time.Minute
)

// CacheConfig controls staleness and eviction behaviour.
type CacheConfig struct {
	// TTL after which an entry is reloaded regardless of change detection.
	TTL time.Duration
	// MaxSize caps the number of cached IMEIs; the least recently used
	// entry is evicted on overflow.
	MaxSize int
	// InactiveWindow: entries not looked up for this long are dropped by
	// the periodic cleanup.
	InactiveWindow time.Duration
	// CleanupInterval is the cadence of the cleanup task.
	CleanupInterval time.Duration
	// CheckUpdated enables the cheap max(updated_at) probe against the
	// store on every lookup, catching edits inside the TTL.
	CheckUpdated bool
}

func (c CacheConfig) withDefaults() CacheConfig {
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	if c.MaxSize <= 0 {
		c.MaxSize = DefaultMaxSize
	}
	if c.InactiveWindow <= 0 {
		c.InactiveWindow = DefaultInactiveWindow
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = DefaultCleanupInterval
	}
	return c
}

// Set is an immutable snapshot of one device's mappings. Safe to read
// concurrently; reloads replace the whole snapshot.
type Set struct {
	byID map[uint16][]IoMapping
}

// ByID returns the mapping rows for one IO id, or nil.
func (s *Set) ByID(id uint16) []IoMapping {
	if s == nil {
		return nil
	}
	return s.byID[id]
}

// Empty reports whether the device has no mappings at all.
func (s *Set) Empty() bool { return s == nil || len(s.byID) == 0 }

type entry struct {
	set          *Set
	cachedAt     time.Time
	lastAccess   time.Time
	maxUpdatedAt time.Time
}

// Cache is the per-IMEI mapping cache: an LRU with TTL and optional
// change-detection staleness, plus a periodic inactive sweep. Lookups
// touch recency atomically; store loads happen outside the lock so a slow
// database cannot stall the read path of other devices.
type Cache struct {
	store Store
	cfg   CacheConfig
	log   *log.Logger
	now   func() time.Time

	mu  sync.Mutex
	lru *lru.Cache[string, *entry]
}

// NewCache builds a cache over the given store.
func NewCache(store Store, cfg CacheConfig, logger *log.Logger) (*Cache, error) {
	cfg = cfg.withDefaults()
	l, err := lru.New[string, *entry](cfg.MaxSize)
	if err != nil {
		return nil, err
	}
	return &Cache{
		store: store,
		cfg:   cfg,
		log:   logger,
		now:   time.Now,
		lru:   l,
	}, nil
}

// Len reports the number of cached IMEIs.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// ForIMEI returns the device's mapping snapshot, loading or refreshing it
// as needed. It never fails: a load error falls back to the previous
// snapshot (or an empty one on first sight) and logs at WARN.
func (c *Cache) ForIMEI(ctx context.Context, imei string) *Set {
	now := c.now()

	c.mu.Lock()
	e, ok := c.lru.Get(imei) // Get also marks the entry most recently used
	if ok {
		e.lastAccess = now
		stale := now.Sub(e.cachedAt) > c.cfg.TTL
		prevMax := e.maxUpdatedAt
		set := e.set
		c.mu.Unlock()

		if !stale && c.cfg.CheckUpdated {
			max, err := c.store.MaxUpdatedAt(ctx, imei)
			if err != nil {
				c.log.Warn("mapping change probe failed", "imei", imei, "err", err)
			} else if max.After(prevMax) {
				stale = true
			}
		}
		if !stale {
			return set
		}
		if fresh, ok := c.load(ctx, imei, now); ok {
			return fresh
		}
		// Reload failed: keep serving the previous snapshot.
		return set
	}
	c.mu.Unlock()

	// First sight of this IMEI: force a load. On failure serve empty
	// without caching so the next record retries.
	if fresh, ok := c.load(ctx, imei, now); ok {
		return fresh
	}
	return &Set{}
}

// Get is a convenience lookup of a single IO id.
func (c *Cache) Get(ctx context.Context, imei string, ioID uint16) []IoMapping {
	return c.ForIMEI(ctx, imei).ByID(ioID)
}

// load fetches from the store and installs a fresh entry. The store call
// runs unlocked.
func (c *Cache) load(ctx context.Context, imei string, now time.Time) (*Set, bool) {
	rows, err := c.store.ByIMEI(ctx, imei)
	if err != nil {
		c.log.Warn("mapping load failed", "imei", imei, "err", err)
		return nil, false
	}

	byID := make(map[uint16][]IoMapping, len(rows))
	var maxUpdated time.Time
	for _, m := range rows {
		byID[m.IoID] = append(byID[m.IoID], m)
		if m.UpdatedAt.After(maxUpdated) {
			maxUpdated = m.UpdatedAt
		}
	}
	set := &Set{byID: byID}

	c.mu.Lock()
	c.lru.Add(imei, &entry{
		set:          set,
		cachedAt:     now,
		lastAccess:   now,
		maxUpdatedAt: maxUpdated,
	})
	c.mu.Unlock()
	return set, true
}

// Invalidate drops one device's entry, forcing a reload on next lookup.
func (c *Cache) Invalidate(imei string) {
	c.mu.Lock()
	c.lru.Remove(imei)
	c.mu.Unlock()
}

// Run executes the periodic inactive sweep until ctx is cancelled.
func (c *Cache) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n := c.sweep()
			if n > 0 {
				c.log.Info("evicted inactive mapping entries", "count", n)
			}
		}
	}
}

// sweep removes entries whose last lookup is older than the inactive
// window and returns how many were dropped.
func (c *Cache) sweep() int {
	cutoff := c.now().Add(-c.cfg.InactiveWindow)

	c.mu.Lock()
	defer c.mu.Unlock()
	var evicted int
	for _, imei := range c.lru.Keys() {
		if e, ok := c.lru.Peek(imei); ok && e.lastAccess.Before(cutoff) {
			c.lru.Remove(imei)
			evicted++
		}
	}
	return evicted
}
