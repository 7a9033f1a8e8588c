package moderation

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicmaps/ofisi/internal/geo"
	"github.com/civicmaps/ofisi/internal/ledger"
	"github.com/civicmaps/ofisi/internal/model"
	"github.com/civicmaps/ofisi/internal/registry"
	"github.com/civicmaps/ofisi/internal/store"
)

var testOrigin = geo.Coordinate{Latitude: -1.2921, Longitude: 36.8219}

func newTestService(t *testing.T) (*Service, store.Store) {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "moderation-test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	det := registry.NewDetector(s)
	led := ledger.New(s, ledger.DefaultDedupWindow)
	return NewService(s, det, led, nil), s
}

func submitRequest() SubmitRequest {
	return SubmitRequest{
		Samples: []geo.PositionSample{
			{Coordinate: testOrigin, AccuracyMeters: 15},
		},
		County:         "Nairobi",
		Constituency:   "Westlands",
		OfficeLocation: "Westlands Constituency Office",
		Landmark:       "Next to the post office",
	}
}

func seedVerifiedOffice(t *testing.T, s store.Store, lat, lng float64) *model.CanonicalOffice {
	t.Helper()
	o := &model.CanonicalOffice{
		OfficeLocation:  "Existing Office",
		Latitude:        lat,
		Longitude:       lng,
		Verified:        true,
		ConfidenceScore: 70,
	}
	require.NoError(t, s.CreateOffice(context.Background(), o))
	return o
}

func TestService_Submit(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()

	c, err := svc.Submit(ctx, submitRequest())
	require.NoError(t, err)
	assert.NotEmpty(t, c.ID)
	assert.Equal(t, model.StatusPendingReview, c.Status)
	assert.True(t, c.DuplicateChecked)
	assert.Empty(t, c.DuplicateCandidateIDs)

	// base 40 + high accuracy 25 + duplicate check 5
	assert.Equal(t, 70, c.ConfidenceScore)

	got, err := s.GetContribution(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.ConfidenceScore, got.ConfidenceScore)
}

func TestService_Submit_RecordsDuplicateCandidates(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()

	o := seedVerifiedOffice(t, s, testOrigin.Latitude, testOrigin.Longitude)

	c, err := svc.Submit(ctx, submitRequest())
	require.NoError(t, err)
	assert.True(t, c.DuplicateChecked)
	assert.Equal(t, []string{o.ID}, c.DuplicateCandidateIDs)
}

func TestService_Submit_HonorsConfiguredRadius(t *testing.T) {
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "radius-test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	det := registry.NewDetectorWithRadii(s, 300, 500)
	svc := NewService(s, det, ledger.New(s, ledger.DefaultDedupWindow), nil)
	ctx := context.Background()

	// ~167m away: invisible at the default 100m, a candidate at 300m.
	o := seedVerifiedOffice(t, s, testOrigin.Latitude+0.0015, testOrigin.Longitude)

	c, err := svc.Submit(ctx, submitRequest())
	require.NoError(t, err)
	assert.True(t, c.DuplicateChecked)
	assert.Equal(t, []string{o.ID}, c.DuplicateCandidateIDs)
}

func TestService_Submit_Validation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	req := submitRequest()
	req.OfficeLocation = "  "
	_, err := svc.Submit(ctx, req)
	assert.ErrorIs(t, err, ErrValidation)

	req = submitRequest()
	req.Samples = nil
	_, err = svc.Submit(ctx, req)
	assert.ErrorIs(t, err, ErrValidation)

	req = submitRequest()
	req.Samples = []geo.PositionSample{{Coordinate: geo.Coordinate{Latitude: 95}, AccuracyMeters: 10}}
	_, err = svc.Submit(ctx, req)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestService_Submit_EvidenceRaisesScore(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	plain, err := svc.Submit(ctx, submitRequest())
	require.NoError(t, err)

	req := submitRequest()
	req.ImagePath = "ab/abc123.jpg"
	withEvidence, err := svc.Submit(ctx, req)
	require.NoError(t, err)

	assert.Greater(t, withEvidence.ConfidenceScore, plain.ConfidenceScore)
}

func TestService_Verify(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()

	c, err := svc.Submit(ctx, submitRequest())
	require.NoError(t, err)

	office, err := svc.Verify(ctx, VerifyParams{
		ContributionID: c.ID,
		Actor:          "moderator-1",
		ReviewNotes:    "checked against county records",
	})
	require.NoError(t, err)
	assert.True(t, office.Verified)
	assert.Equal(t, c.ID, office.CreatedFromContributionID)
	assert.Equal(t, "moderator-1", office.VerifiedBy)
	assert.Equal(t, c.OfficeLocation, office.OfficeLocation)

	got, err := s.GetContribution(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusArchived, got.Status)
	assert.True(t, got.IsArchived)

	n, err := s.CountArchives(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestService_Verify_DuplicateConflict(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()

	seedVerifiedOffice(t, s, testOrigin.Latitude, testOrigin.Longitude)

	c, err := svc.Submit(ctx, submitRequest())
	require.NoError(t, err)
	require.NotEmpty(t, c.DuplicateCandidateIDs)

	_, err = svc.Verify(ctx, VerifyParams{ContributionID: c.ID, Actor: "moderator-1"})
	assert.ErrorIs(t, err, ErrDuplicateConflict)

	// The contribution is untouched and still reviewable.
	got, err := s.GetContribution(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPendingReview, got.Status)
	assert.False(t, got.IsArchived)
}

// flakyRegistryStore fails the office prefilter query on demand while the
// rest of the store keeps working.
type flakyRegistryStore struct {
	store.Store
	fail bool
}

func (s *flakyRegistryStore) VerifiedOfficesInBBox(ctx context.Context, box store.BBox, nameHint string) ([]model.CanonicalOffice, error) {
	if s.fail {
		return nil, errors.New("bbox query failed")
	}
	return s.Store.VerifiedOfficesInBBox(ctx, box, nameHint)
}

func TestService_Verify_RegistryDownBlocksVerify(t *testing.T) {
	base, err := store.NewSQLite(filepath.Join(t.TempDir(), "verify-guard-test.db"))
	require.NoError(t, err)
	require.NoError(t, base.Migrate(context.Background()))
	t.Cleanup(func() { _ = base.Close() })

	fs := &flakyRegistryStore{Store: base}
	svc := NewService(fs, registry.NewDetector(fs), ledger.New(fs, ledger.DefaultDedupWindow), nil)
	ctx := context.Background()

	// Submitted with a clean, reachable registry.
	c, err := svc.Submit(ctx, submitRequest())
	require.NoError(t, err)
	require.Empty(t, c.DuplicateCandidateIDs)

	// A canonical entry lands at the same spot, then the registry goes dark.
	// The stored (empty) candidate list must not stand in for the re-check.
	seedVerifiedOffice(t, fs, testOrigin.Latitude, testOrigin.Longitude)
	fs.fail = true

	_, err = svc.Verify(ctx, VerifyParams{ContributionID: c.ID, Actor: "moderator-1"})
	assert.ErrorIs(t, err, registry.ErrRegistryUnavailable)

	// Nothing was published: the seeded office is still the only one nearby,
	// and the contribution stays reviewable.
	fs.fail = false
	offices, err := fs.VerifiedOfficesInBBox(ctx, store.BBox{
		MinLat: testOrigin.Latitude - 0.01, MaxLat: testOrigin.Latitude + 0.01,
		MinLng: testOrigin.Longitude - 0.01, MaxLng: testOrigin.Longitude + 0.01,
	}, "")
	require.NoError(t, err)
	assert.Len(t, offices, 1)

	got, err := fs.GetContribution(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPendingReview, got.Status)
}

func TestService_Verify_ConflictFoundAtVerifyTime(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()

	// Submitted with a clean registry; a canonical entry appears before the
	// moderator acts.
	c, err := svc.Submit(ctx, submitRequest())
	require.NoError(t, err)
	require.Empty(t, c.DuplicateCandidateIDs)

	seedVerifiedOffice(t, s, testOrigin.Latitude, testOrigin.Longitude)

	_, err = svc.Verify(ctx, VerifyParams{ContributionID: c.ID, Actor: "moderator-1"})
	assert.ErrorIs(t, err, ErrDuplicateConflict)
}

func TestService_Verify_ForceNew(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()

	seedVerifiedOffice(t, s, testOrigin.Latitude, testOrigin.Longitude)

	c, err := svc.Submit(ctx, submitRequest())
	require.NoError(t, err)

	office, err := svc.Verify(ctx, VerifyParams{
		ContributionID: c.ID,
		Actor:          "moderator-1",
		ForceNew:       true,
	})
	require.NoError(t, err)
	assert.True(t, office.Verified)
}

func TestService_Verify_ConcurrentLoses(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	c, err := svc.Submit(ctx, submitRequest())
	require.NoError(t, err)

	require.NoError(t, svc.Reject(ctx, c.ID, "out of date", "moderator-2"))

	_, err = svc.Verify(ctx, VerifyParams{ContributionID: c.ID, Actor: "moderator-1", ForceNew: true})
	assert.ErrorIs(t, err, ErrNotModeratable)
}

func TestService_Merge(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()

	// ~111m away: outside the submit radius, inside the merge radius.
	target := seedVerifiedOffice(t, s, testOrigin.Latitude+0.001, testOrigin.Longitude)

	c, err := svc.Submit(ctx, submitRequest())
	require.NoError(t, err)
	require.Empty(t, c.DuplicateCandidateIDs)

	office, err := svc.Merge(ctx, MergeParams{
		ContributionID: c.ID,
		Actor:          "moderator-1",
	})
	require.NoError(t, err)
	assert.Equal(t, target.ID, office.ID)
	assert.Equal(t, c.ID, office.CreatedFromContributionID)
	assert.Equal(t, "crowdsourced_merge", office.VerificationSource)

	// Provenance keeps the higher confidence of the two.
	assert.Equal(t, maxInt(target.ConfidenceScore, c.ConfidenceScore), office.ConfidenceScore)

	got, err := s.GetContribution(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusArchived, got.Status)
	assert.Equal(t, target.ID, got.OriginalOfficeID)

	recs, err := s.ListArchives(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, model.ActionMerged, recs[0].ActionType)
	assert.Equal(t, target.ID, recs[0].OriginalOfficeID)
}

func TestService_Merge_ExplicitTargetOutOfRange(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()

	// A verified office far outside the merge radius.
	far := seedVerifiedOffice(t, s, testOrigin.Latitude+0.1, testOrigin.Longitude)

	c, err := svc.Submit(ctx, submitRequest())
	require.NoError(t, err)

	_, err = svc.Merge(ctx, MergeParams{
		ContributionID: c.ID,
		TargetOfficeID: far.ID,
		Actor:          "moderator-1",
	})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestService_Merge_NoTarget(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	c, err := svc.Submit(ctx, submitRequest())
	require.NoError(t, err)

	_, err = svc.Merge(ctx, MergeParams{ContributionID: c.ID, Actor: "moderator-1"})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestService_Reject(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()

	c, err := svc.Submit(ctx, submitRequest())
	require.NoError(t, err)

	err = svc.Reject(ctx, c.ID, "", "moderator-1")
	assert.ErrorIs(t, err, ErrValidation)

	require.NoError(t, svc.Reject(ctx, c.ID, "location does not exist", "moderator-1"))

	got, err := s.GetContribution(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusArchived, got.Status)
	assert.Equal(t, "location does not exist", got.ArchiveReason)
}

func TestService_RequestInfoAndResubmit(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()

	c, err := svc.Submit(ctx, submitRequest())
	require.NoError(t, err)

	err = svc.RequestInfo(ctx, c.ID, "", "moderator-1")
	assert.ErrorIs(t, err, ErrValidation)

	require.NoError(t, svc.RequestInfo(ctx, c.ID, "please add a photo", "moderator-1"))

	got, err := s.GetContribution(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusMoreInfoRequested, got.Status)
	assert.False(t, got.IsArchived)

	require.NoError(t, svc.Resubmit(ctx, c.ID))

	got, err = s.GetContribution(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPendingReview, got.Status)
}

func TestService_Flag(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()

	c, err := svc.Submit(ctx, submitRequest())
	require.NoError(t, err)

	require.NoError(t, svc.Flag(ctx, c.ID, "coordinates repeat across submissions", "moderator-1"))

	got, err := s.GetContribution(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFlaggedSuspicious, got.Status)
}

func TestService_Restore(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()

	c, err := svc.Submit(ctx, submitRequest())
	require.NoError(t, err)
	require.NoError(t, svc.Reject(ctx, c.ID, "cannot find it", "moderator-1"))

	recs, err := s.ListArchives(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)

	restored, err := svc.Restore(ctx, recs[0].ID, "moderator-2")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPendingReview, restored.Status)
	assert.False(t, restored.IsArchived)
	assert.Equal(t, c.ConfidenceScore, restored.ConfidenceScore)
	assert.Equal(t, c.ConfirmationCount, restored.ConfirmationCount)

	// The archive record outlives the restore.
	n, err := s.CountArchives(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
