package stats

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicmaps/ofisi/internal/model"
	"github.com/civicmaps/ofisi/internal/store"
)

func newTestCache(t *testing.T) (*Cache, store.Store) {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "stats-test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return NewCache(s, time.Minute), s
}

func TestCache_Refresh(t *testing.T) {
	c, s := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, s.CreateContribution(ctx, &model.Contribution{
		Latitude: -1.29, Longitude: 36.82,
		OfficeLocation:  "Office A",
		ConfidenceScore: 90,
	}))

	snap, err := c.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Total)
	assert.Equal(t, 1, snap.PendingReview)
	assert.Equal(t, 1, snap.HighConfidence)
	assert.False(t, snap.RefreshedAt.IsZero())
}

func TestCache_CurrentServesCachedValue(t *testing.T) {
	c, s := newTestCache(t)
	ctx := context.Background()

	first, err := c.Current(ctx)
	require.NoError(t, err)
	assert.Zero(t, first.Total)

	// A write after the refresh is not visible until the TTL lapses.
	require.NoError(t, s.CreateContribution(ctx, &model.Contribution{
		Latitude: -1.29, Longitude: 36.82,
		OfficeLocation: "Office B",
	}))

	second, err := c.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.RefreshedAt, second.RefreshedAt)
	assert.Zero(t, second.Total)

	// An explicit refresh sees it immediately.
	third, err := c.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, third.Total)
}

func TestCache_CurrentRefreshesExpired(t *testing.T) {
	c, s := newTestCache(t)
	ctx := context.Background()

	_, err := c.Refresh(ctx)
	require.NoError(t, err)

	require.NoError(t, s.CreateContribution(ctx, &model.Contribution{
		Latitude: -1.29, Longitude: 36.82,
		OfficeLocation: "Office C",
	}))

	// Backdate the snapshot past the TTL.
	c.mu.Lock()
	c.snap.RefreshedAt = time.Now().Add(-3 * time.Minute)
	c.mu.Unlock()

	snap, err := c.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Total)
}

func TestCache_RunStopsOnCancel(t *testing.T) {
	c, _ := newTestCache(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on context cancellation")
	}

	// The initial refresh populated the cache.
	snap, err := c.Current(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, snap)
}
