package moderation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestService_BulkApply_RejectIsolatesFailures(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	a, err := svc.Submit(ctx, submitRequest())
	require.NoError(t, err)
	b, err := svc.Submit(ctx, submitRequest())
	require.NoError(t, err)

	res, err := svc.BulkApply(ctx, BulkApplyParams{
		Action:          BulkReject,
		ContributionIDs: []string{a.ID, "missing-id", b.ID},
		Actor:           "moderator-1",
		Reason:          "duplicate sweep",
	})
	require.NoError(t, err)

	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Items, 3)

	// Outcomes keep input order.
	assert.Equal(t, a.ID, res.Items[0].ContributionID)
	assert.True(t, res.Items[0].OK)
	assert.Equal(t, "missing-id", res.Items[1].ContributionID)
	assert.False(t, res.Items[1].OK)
	assert.NotEmpty(t, res.Items[1].Error)
	assert.True(t, res.Items[2].OK)
}

func TestService_BulkApply_Verify(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()

	a, err := svc.Submit(ctx, submitRequest())
	require.NoError(t, err)

	res, err := svc.BulkApply(ctx, BulkApplyParams{
		Action:          BulkVerify,
		ContributionIDs: []string{a.ID},
		Actor:           "moderator-1",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
	assert.Zero(t, res.Failed)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Offices)
}

func TestService_BulkApply_Validation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.BulkApply(ctx, BulkApplyParams{Action: "promote", ContributionIDs: []string{"x"}})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = svc.BulkApply(ctx, BulkApplyParams{Action: BulkReject})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = svc.BulkApply(ctx, BulkApplyParams{Action: BulkReject, ContributionIDs: []string{"x"}})
	assert.ErrorIs(t, err, ErrValidation)
}
