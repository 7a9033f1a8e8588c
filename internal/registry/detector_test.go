package registry

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicmaps/ofisi/internal/geo"
	"github.com/civicmaps/ofisi/internal/model"
	"github.com/civicmaps/ofisi/internal/store"
)

func newTestDetector(t *testing.T) (*Detector, store.Store) {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "registry-test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return NewDetector(s), s
}

func seedOffice(t *testing.T, s store.Store, name string, lat, lng float64, verified bool) *model.CanonicalOffice {
	t.Helper()
	o := &model.CanonicalOffice{
		OfficeLocation: name,
		Latitude:       lat,
		Longitude:      lng,
		Verified:       verified,
	}
	require.NoError(t, s.CreateOffice(context.Background(), o))
	return o
}

func TestDetector_FindCandidates_OrdersByDistance(t *testing.T) {
	d, s := newTestDetector(t)
	ctx := context.Background()

	origin := geo.Coordinate{Latitude: -1.2921, Longitude: 36.8219}

	// ~78m north and ~39m north of the origin respectively.
	far := seedOffice(t, s, "Office Far", origin.Latitude+0.0007, origin.Longitude, true)
	near := seedOffice(t, s, "Office Near", origin.Latitude+0.00035, origin.Longitude, true)

	got, err := d.FindCandidates(ctx, origin, "", SubmitRadiusMeters)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, near.ID, got[0].ID)
	assert.Equal(t, far.ID, got[1].ID)
	assert.Less(t, got[0].DistanceMeters, got[1].DistanceMeters)
}

func TestDetector_FindCandidates_RadiusExcludes(t *testing.T) {
	d, s := newTestDetector(t)
	ctx := context.Background()

	origin := geo.Coordinate{Latitude: -1.2921, Longitude: 36.8219}

	// ~167m away: inside the bbox prefilter margin but outside 100m.
	seedOffice(t, s, "Office Outside", origin.Latitude+0.0015, origin.Longitude, true)

	got, err := d.FindCandidates(ctx, origin, "", SubmitRadiusMeters)
	require.NoError(t, err)
	assert.Empty(t, got)

	// The wider merge radius picks it up.
	got, err = d.FindCandidates(ctx, origin, "", MergeRadiusMeters)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestDetector_FindCandidates_IgnoresUnverified(t *testing.T) {
	d, s := newTestDetector(t)
	ctx := context.Background()

	origin := geo.Coordinate{Latitude: -1.2921, Longitude: 36.8219}
	seedOffice(t, s, "Unverified Office", origin.Latitude, origin.Longitude, false)

	got, err := d.FindCandidates(ctx, origin, "", SubmitRadiusMeters)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDetector_FindCandidates_NameHint(t *testing.T) {
	d, s := newTestDetector(t)
	ctx := context.Background()

	origin := geo.Coordinate{Latitude: -1.2921, Longitude: 36.8219}
	seedOffice(t, s, "Westlands Constituency Office", origin.Latitude, origin.Longitude, true)
	seedOffice(t, s, "Kilimani Registry", origin.Latitude+0.0001, origin.Longitude, true)

	got, err := d.FindCandidates(ctx, origin, "westlands", SubmitRadiusMeters)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Westlands Constituency Office", got[0].OfficeLocation)
}

func TestDetector_ConfiguredRadii(t *testing.T) {
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "registry-radii-test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	// Wider screening net and a 500m merge net.
	d := NewDetectorWithRadii(s, 300, 500)
	ctx := context.Background()

	origin := geo.Coordinate{Latitude: -1.2921, Longitude: 36.8219}

	// ~167m away: outside the default 100m net, inside the configured 300m.
	o := seedOffice(t, s, "Configured Office", origin.Latitude+0.0015, origin.Longitude, true)

	got, err := d.FindCandidates(ctx, origin, "", d.SubmitRadius())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, o.ID, got[0].ID)

	// A zero radius argument falls back to the configured submit radius,
	// not the package default.
	got, err = d.FindCandidates(ctx, origin, "", 0)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	// Non-positive constructor values keep the defaults.
	fallback := NewDetectorWithRadii(s, 0, -1)
	assert.InDelta(t, SubmitRadiusMeters, fallback.SubmitRadius(), 0.001)
	assert.InDelta(t, MergeRadiusMeters, fallback.MergeRadius(), 0.001)
}

func TestDetector_FindCandidates_InvalidPoint(t *testing.T) {
	d, _ := newTestDetector(t)

	_, err := d.FindCandidates(context.Background(), geo.Coordinate{Latitude: 95, Longitude: 0}, "", SubmitRadiusMeters)
	assert.Error(t, err)
}

func TestDetector_ResolveMergeTarget(t *testing.T) {
	d, s := newTestDetector(t)
	ctx := context.Background()

	origin := geo.Coordinate{Latitude: -1.2921, Longitude: 36.8219}

	_, err := d.ResolveMergeTarget(ctx, origin, "")
	assert.ErrorIs(t, err, store.ErrNotFound)

	o := seedOffice(t, s, "Target Office", origin.Latitude+0.0015, origin.Longitude, true)

	target, err := d.ResolveMergeTarget(ctx, origin, "")
	require.NoError(t, err)
	assert.Equal(t, o.ID, target.ID)
	assert.InDelta(t, 167, target.DistanceMeters, 5)
}
