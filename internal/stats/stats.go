// Package stats maintains a periodically refreshed snapshot of aggregate
// pipeline counts. The snapshot is read-only and cadence-insensitive; a
// stale value is always safe to serve. The cache is an explicit value owned
// by its caller, never a package-level singleton.
package stats

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/civicmaps/ofisi/internal/store"
)

// DefaultRefreshInterval paces the background refresh loop.
const DefaultRefreshInterval = 5 * time.Minute

// Snapshot is one refresh result.
type Snapshot struct {
	store.Stats
	RefreshedAt time.Time `json:"refreshed_at"`
}

// Cache holds the latest snapshot and refreshes it on demand or on a
// ticker.
type Cache struct {
	store    store.Store
	interval time.Duration
	ttl      time.Duration
	logger   *zap.Logger

	mu   sync.RWMutex
	snap *Snapshot
}

// NewCache builds a cache refreshing every interval; a snapshot older than
// twice the interval is treated as expired by Current.
func NewCache(st store.Store, interval time.Duration) *Cache {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	return &Cache{
		store:    st,
		interval: interval,
		ttl:      2 * interval,
		logger:   zap.L().Named("stats"),
	}
}

// Refresh recomputes the snapshot now.
func (c *Cache) Refresh(ctx context.Context) (*Snapshot, error) {
	agg, err := c.store.Stats(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "stats: refresh")
	}
	snap := &Snapshot{Stats: *agg, RefreshedAt: time.Now().UTC()}

	c.mu.Lock()
	c.snap = snap
	c.mu.Unlock()
	return snap, nil
}

// Current returns the cached snapshot, refreshing first when it is missing
// or past its TTL. Staleness inside the TTL is acceptable by design of the
// read-only aggregate.
func (c *Cache) Current(ctx context.Context) (*Snapshot, error) {
	c.mu.RLock()
	snap := c.snap
	c.mu.RUnlock()

	if snap != nil && time.Since(snap.RefreshedAt) < c.ttl {
		return snap, nil
	}
	return c.Refresh(ctx)
}

// Run refreshes on a ticker until the context ends. Refresh failures are
// logged and retried next tick; the loop never aborts on them.
func (c *Cache) Run(ctx context.Context) {
	if _, err := c.Refresh(ctx); err != nil {
		c.logger.Warn("initial stats refresh failed", zap.Error(err))
	}

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.Refresh(ctx); err != nil {
				c.logger.Warn("stats refresh failed", zap.Error(err))
			}
		}
	}
}
