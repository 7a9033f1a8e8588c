package model

import (
	"encoding/json"
	"time"
)

// ArchiveAction is the terminal outcome recorded when a contribution is
// archived.
type ArchiveAction string

const (
	ActionVerified ArchiveAction = "verified"
	ActionRejected ArchiveAction = "rejected"
	ActionMerged   ArchiveAction = "merged"
	ActionArchived ArchiveAction = "archived"
)

// ArchiveRecord captures one terminal moderation transition. Records are
// append-only: restore reopens the contribution but never removes the
// record, so a contribution accumulates one record per terminal excursion.
type ArchiveRecord struct {
	ID               string          `json:"archive_id"`
	ContributionID   string          `json:"contribution_id"`
	ActionType       ArchiveAction   `json:"action_type"`
	Actor            string          `json:"actor"`
	ReviewNotes      string          `json:"review_notes,omitempty"`
	ArchiveReason    string          `json:"archive_reason,omitempty"`
	OriginalOfficeID string          `json:"original_office_id,omitempty"`
	Snapshot         json.RawMessage `json:"archived_data"`
	ArchivedAt       time.Time       `json:"action_timestamp"`
}

// VerificationLogEntry is an operational log row written alongside archive
// records for verify/reject/merge actions.
type VerificationLogEntry struct {
	ID             string          `json:"id"`
	ContributionID string          `json:"contribution_id"`
	OfficeID       string          `json:"office_id,omitempty"`
	Action         string          `json:"action"`
	Actor          string          `json:"actor"`
	Details        json.RawMessage `json:"details,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}
