package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeStatus(t *testing.T) {
	assert.Equal(t, StatusPendingReview, NormalizeStatus("pending"))
	assert.Equal(t, StatusPendingReview, NormalizeStatus("pending_review"))
	assert.Equal(t, StatusArchived, NormalizeStatus("archived"))
	assert.Equal(t, ContributionStatus(""), NormalizeStatus(""))
}

func TestModeratable(t *testing.T) {
	c := &Contribution{Status: StatusPendingReview}
	assert.True(t, c.Moderatable())

	for _, s := range []ContributionStatus{
		StatusInitialCapture,
		StatusMoreInfoRequested,
		StatusFlaggedSuspicious,
		StatusArchived,
	} {
		c.Status = s
		assert.False(t, c.Moderatable(), "status %s should not be moderatable", s)
	}
}
