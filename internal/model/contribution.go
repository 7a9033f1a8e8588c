package model

import "time"

// ContributionStatus is the lifecycle state of a contribution.
type ContributionStatus string

const (
	StatusInitialCapture    ContributionStatus = "initial_capture"
	StatusPendingReview     ContributionStatus = "pending_review"
	StatusVerified          ContributionStatus = "verified"
	StatusRejected          ContributionStatus = "rejected"
	StatusMoreInfoRequested ContributionStatus = "more_info_requested"
	StatusFlaggedSuspicious ContributionStatus = "flagged_suspicious"
	StatusArchived          ContributionStatus = "archived"
)

// NormalizeStatus maps legacy status literals onto the canonical set.
// Historical rows used "pending" for what the dashboards now call
// "pending_review"; everything downstream sees only the canonical literal.
func NormalizeStatus(s string) ContributionStatus {
	if s == "pending" {
		return StatusPendingReview
	}
	return ContributionStatus(s)
}

// Contribution is a user-submitted claim about the location of a public
// office. It is created at capture, refined by the position estimator,
// scored, confirmed by third parties, and driven to a terminal archived
// outcome by moderation. Contributions are never deleted.
type Contribution struct {
	ID string `json:"id"`

	// Submitted position after estimation.
	Latitude       float64  `json:"submitted_latitude"`
	Longitude      float64  `json:"submitted_longitude"`
	AccuracyMeters *float64 `json:"submitted_accuracy_meters,omitempty"`

	// Descriptive fields.
	County            string `json:"submitted_county,omitempty"`
	Constituency      string `json:"submitted_constituency,omitempty"`
	ConstituencyCode  string `json:"submitted_constituency_code,omitempty"`
	OfficeLocation    string `json:"submitted_office_location"`
	Landmark          string `json:"submitted_landmark,omitempty"`
	GoogleMapsLink    string `json:"google_maps_link,omitempty"`
	SubmissionSource  string `json:"submission_source,omitempty"`
	SubmissionMethod  string `json:"submission_method,omitempty"`

	// Evidence reference, if an image was attached.
	ImagePath string `json:"image_path,omitempty"`
	ImageURL  string `json:"image_public_url,omitempty"`

	DeviceMetadata  *DeviceMetadata  `json:"device_metadata,omitempty"`
	GeocodeMetadata *GeocodeMetadata `json:"geocode_metadata,omitempty"`

	// Computed by the pipeline at submit time.
	ConfidenceScore       int      `json:"confidence_score"`
	DuplicateCandidateIDs []string `json:"duplicate_candidate_ids,omitempty"`
	DuplicateChecked      bool     `json:"duplicate_checked"`

	// Maintained by the confirmation ledger.
	ConfirmationCount int `json:"confirmation_count"`

	Status        ContributionStatus `json:"status"`
	ReviewNotes   string             `json:"review_notes,omitempty"`
	ReviewedAt    *time.Time         `json:"reviewed_at,omitempty"`
	IsArchived    bool               `json:"is_archived"`
	ArchivedAt    *time.Time         `json:"archived_at,omitempty"`
	ArchiveReason string             `json:"archive_reason,omitempty"`

	// Set when the contribution was merged into an existing office.
	OriginalOfficeID string `json:"original_office_id,omitempty"`

	SubmitterID string `json:"submitter_id,omitempty"`
	ReviewerID  string `json:"reviewer_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Moderatable reports whether a moderation transition may act on the
// contribution. Only pending_review contributions accept terminal actions.
func (c *Contribution) Moderatable() bool {
	return c.Status == StatusPendingReview
}
