package ledger

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

func newTestLedger(t *testing.T) (*Ledger, store.Store) {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "ledger-test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return New(s, DefaultDedupWindow), s
}

func seedContribution(t *testing.T, s store.Store) *model.Contribution {
	t.Helper()
	c := &model.Contribution{
		Latitude:       -1.2921,
		Longitude:      36.8219,
		OfficeLocation: "Westlands Constituency Office",
	}
	require.NoError(t, s.CreateContribution(context.Background(), c))
	return c
}

func TestWeight(t *testing.T) {
	cases := []struct {
		name     string
		accuracy float64
		distance float64
		want     int
	}{
		{"tight accuracy and close", 10, 50, 5},
		{"fair accuracy and near", 35, 200, 3},
		{"loose accuracy and far", 120, 400, 1},
		{"no accuracy reported", 0, 50, 3},
		{"tight accuracy only", 15, 480, 3},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Weight(tc.accuracy, tc.distance))
		})
	}
}

func TestLedger_Confirm(t *testing.T) {
	l, s := newTestLedger(t)
	ctx := context.Background()
	c := seedContribution(t, s)

	res, err := l.Confirm(ctx, Request{
		ContributionID:    c.ID,
		Position:          geo.Coordinate{Latitude: c.Latitude + 0.0003, Longitude: c.Longitude},
		AccuracyMeters:    10,
		DeviceFingerprint: "device-a",
	})
	require.NoError(t, err)
	assert.Equal(t, 5, res.Weight)
	assert.Equal(t, 5, res.ConfirmationCount)
	assert.InDelta(t, 33, res.DistanceMeters, 3)

	got, err := s.GetContribution(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, got.ConfirmationCount)
}

func TestLedger_Confirm_TooFarAway(t *testing.T) {
	l, s := newTestLedger(t)
	c := seedContribution(t, s)

	// ~1.1km north of the claimed position.
	_, err := l.Confirm(context.Background(), Request{
		ContributionID:    c.ID,
		Position:          geo.Coordinate{Latitude: c.Latitude + 0.01, Longitude: c.Longitude},
		AccuracyMeters:    10,
		DeviceFingerprint: "device-a",
	})
	assert.ErrorIs(t, err, ErrTooFarAway)

	n, cerr := s.CountConfirmations(context.Background(), c.ID)
	require.NoError(t, cerr)
	assert.Zero(t, n)
}

func TestLedger_Confirm_DeviceDedup(t *testing.T) {
	l, s := newTestLedger(t)
	ctx := context.Background()
	c := seedContribution(t, s)

	req := Request{
		ContributionID:    c.ID,
		Position:          geo.Coordinate{Latitude: c.Latitude, Longitude: c.Longitude},
		AccuracyMeters:    10,
		DeviceFingerprint: "device-a",
	}
	_, err := l.Confirm(ctx, req)
	require.NoError(t, err)

	_, err = l.Confirm(ctx, req)
	assert.ErrorIs(t, err, ErrAlreadyConfirmed)

	// A different device goes through.
	req.DeviceFingerprint = "device-b"
	res, err := l.Confirm(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 10, res.ConfirmationCount)
}

func TestLedger_Confirm_Validation(t *testing.T) {
	l, s := newTestLedger(t)
	ctx := context.Background()
	c := seedContribution(t, s)

	_, err := l.Confirm(ctx, Request{
		Position:          geo.Coordinate{Latitude: c.Latitude, Longitude: c.Longitude},
		DeviceFingerprint: "device-a",
	})
	assert.Error(t, err)

	_, err = l.Confirm(ctx, Request{
		ContributionID: c.ID,
		Position:       geo.Coordinate{Latitude: c.Latitude, Longitude: c.Longitude},
	})
	assert.Error(t, err)

	_, err = l.Confirm(ctx, Request{
		ContributionID:    c.ID,
		Position:          geo.Coordinate{Latitude: 99, Longitude: 0},
		DeviceFingerprint: "device-a",
	})
	assert.Error(t, err)
}

func TestLedger_Confirm_MissingContribution(t *testing.T) {
	l, _ := newTestLedger(t)

	_, err := l.Confirm(context.Background(), Request{
		ContributionID:    "missing",
		Position:          geo.Coordinate{Latitude: -1.2921, Longitude: 36.8219},
		DeviceFingerprint: "device-a",
	})
	assert.Error(t, err)
}

func TestNew_DefaultsWindow(t *testing.T) {
	l := New(nil, 0)
	assert.Equal(t, DefaultDedupWindow, l.dedupWindow)
}
