// Package store persists contributions, canonical offices, confirmations,
// and the archive log. Two backends implement the same contract: SQLite for
// single-node deployments and tests, Postgres for production.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/civicmaps/ofisi/internal/model"
)

// Sentinel errors surfaced to callers. Backends wrap driver errors with
// context but keep these in the chain so services can classify outcomes.
var (
	ErrNotFound = errors.New("store: not found")

	// ErrConcurrentModification means a compare-and-set status update lost
	// to a concurrent transition.
	ErrConcurrentModification = errors.New("store: concurrent modification")

	// ErrConfirmationExists means a non-expired confirmation already exists
	// for the (contribution, device) pair.
	ErrConfirmationExists = errors.New("store: confirmation exists")
)

// ContributionFilter narrows ListContributions.
type ContributionFilter struct {
	Status        model.ContributionStatus `json:"status,omitempty"`
	County        string                   `json:"county,omitempty"`
	MinConfidence int                      `json:"min_confidence,omitempty"`
	Archived      *bool                    `json:"archived,omitempty"`
	Limit         int                      `json:"limit,omitempty"`
	Offset        int                      `json:"offset,omitempty"`
}

// BBox bounds a verified-office prefilter query. Exact radius filtering is
// done by the caller with haversine distances; the box only trims the scan.
type BBox struct {
	MinLat, MaxLat float64
	MinLng, MaxLng float64
}

// OfficeProvenance carries the provenance fields a merge writes onto an
// existing canonical office.
type OfficeProvenance struct {
	VerificationSource        string
	VerifiedBy                string
	VerifiedAt                time.Time
	CreatedFromContributionID string
	ConfidenceScore           int
	ImageURL                  string
}

// ArchiveParams describes a terminal transition. The implementation must,
// in one transaction: compare-and-set the contribution's status from
// pending_review to archived, set the archival fields, snapshot the
// contribution, and append the archive record. A lost compare-and-set
// returns ErrConcurrentModification and writes nothing.
type ArchiveParams struct {
	ContributionID   string
	Action           model.ArchiveAction
	Actor            string
	ReviewNotes      string
	ArchiveReason    string
	OriginalOfficeID string
}

// Stats is the read-only aggregate snapshot refreshed periodically.
type Stats struct {
	Total          int `json:"total"`
	PendingReview  int `json:"pending_review"`
	MoreInfo       int `json:"more_info_requested"`
	Archived       int `json:"archived"`
	HighConfidence int `json:"high_confidence"` // score >= 80
	Offices        int `json:"verified_offices"`
	Confirmations  int `json:"confirmations"`
}

// Store is the persistence contract for the contribution pipeline.
type Store interface {
	// Contributions
	CreateContribution(ctx context.Context, c *model.Contribution) error
	GetContribution(ctx context.Context, id string) (*model.Contribution, error)
	ListContributions(ctx context.Context, f ContributionFilter) ([]model.Contribution, error)

	// SetContributionStatus performs a compare-and-set transition. A zero
	// row match returns ErrConcurrentModification (or ErrNotFound when the
	// contribution does not exist at all).
	SetContributionStatus(ctx context.Context, id string, from, to model.ContributionStatus, reviewNotes string) error

	// ArchiveContribution performs the terminal transition per ArchiveParams.
	ArchiveContribution(ctx context.Context, p ArchiveParams) (*model.ArchiveRecord, error)

	// RestoreContribution reopens an archived contribution: status back to
	// pending_review, archival flag and reason cleared. The archive record
	// is untouched.
	RestoreContribution(ctx context.Context, contributionID string) error

	// Canonical offices
	CreateOffice(ctx context.Context, o *model.CanonicalOffice) error
	GetOffice(ctx context.Context, id string) (*model.CanonicalOffice, error)
	UpdateOfficeProvenance(ctx context.Context, officeID string, p OfficeProvenance) error
	VerifiedOfficesInBBox(ctx context.Context, box BBox, nameHint string) ([]model.CanonicalOffice, error)

	// Confirmations. AddConfirmation atomically enforces the dedup window
	// for (contribution, device) and folds the record's weight into the
	// contribution's confirmation count, returning the new count. A live
	// record within the window returns ErrConfirmationExists.
	AddConfirmation(ctx context.Context, rec *model.ConfirmationRecord, dedupWindow time.Duration) (int, error)
	CountConfirmations(ctx context.Context, contributionID string) (int, error)

	// Archive log
	GetArchive(ctx context.Context, archiveID string) (*model.ArchiveRecord, error)
	ListArchives(ctx context.Context, limit, offset int) ([]model.ArchiveRecord, error)
	CountArchives(ctx context.Context, contributionID string) (int, error)

	AppendVerificationLog(ctx context.Context, e *model.VerificationLogEntry) error

	Stats(ctx context.Context) (*Stats, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
