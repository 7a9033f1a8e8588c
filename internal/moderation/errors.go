package moderation

import "errors"

var (
	// ErrValidation covers missing or malformed caller input: absent
	// descriptive fields, empty rejection reasons, merge targets out of
	// range. Never retried.
	ErrValidation = errors.New("moderation: validation failed")

	// ErrDuplicateConflict rejects a verify when duplicate candidates
	// exist and the moderator has not explicitly chosen to create a new
	// entry. It routes the moderator to merge; it does not block forever.
	ErrDuplicateConflict = errors.New("moderation: duplicate candidates exist")

	// ErrNotModeratable rejects an action on a contribution that is not
	// awaiting review.
	ErrNotModeratable = errors.New("moderation: contribution not awaiting review")
)
