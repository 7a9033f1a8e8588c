// Package moderation drives contributions through their lifecycle: submit
// builds and persists a scored contribution, and the moderation operations
// move it to a terminal archived outcome (or back, via restore). Every
// terminal transition is a compare-and-set on pending_review and appends
// exactly one archive record.
package moderation

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/civicmaps/ofisi/internal/geo"
	"github.com/civicmaps/ofisi/internal/ledger"
	"github.com/civicmaps/ofisi/internal/location"
	"github.com/civicmaps/ofisi/internal/model"
	"github.com/civicmaps/ofisi/internal/registry"
	"github.com/civicmaps/ofisi/internal/resilience"
	"github.com/civicmaps/ofisi/internal/scorer"
	"github.com/civicmaps/ofisi/internal/store"
)

// Service wires the pipeline together. Geocoder is optional; when nil the
// geocode corroboration step is skipped and the score simply misses that
// bonus.
type Service struct {
	store    store.Store
	detector *registry.Detector
	ledger   *ledger.Ledger
	geocoder location.Geocoder
	logger   *zap.Logger
}

func NewService(st store.Store, det *registry.Detector, led *ledger.Ledger, gc location.Geocoder) *Service {
	return &Service{
		store:    st,
		detector: det,
		ledger:   led,
		geocoder: gc,
		logger:   zap.L().Named("moderation"),
	}
}

// SubmitRequest is one capture, ready for the pipeline.
type SubmitRequest struct {
	Samples []geo.PositionSample

	County           string
	Constituency     string
	ConstituencyCode string
	OfficeLocation   string
	Landmark         string
	GoogleMapsLink   string
	SubmissionSource string
	SubmissionMethod string
	SubmitterID      string

	DeviceMetadata *model.DeviceMetadata

	// Evidence, already validated and stored by the caller.
	ImagePath string
	ImageURL  string
}

// Submit runs the full pipeline: estimate, duplicate check, optional
// geocode corroboration, score, persist. The contribution lands in
// pending_review; confirmations and moderation actions validate against
// its existence, so nothing can act on it before Submit returns.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*model.Contribution, error) {
	if strings.TrimSpace(req.OfficeLocation) == "" {
		return nil, eris.Wrap(ErrValidation, "office location is required")
	}
	if len(req.Samples) == 0 {
		return nil, eris.Wrap(ErrValidation, "at least one position sample is required")
	}

	est, err := geo.EstimatePosition(req.Samples)
	if err != nil {
		return nil, eris.Wrap(ErrValidation, eris.ToString(err, false))
	}

	c := &model.Contribution{
		Latitude:         est.Latitude,
		Longitude:        est.Longitude,
		County:           req.County,
		Constituency:     req.Constituency,
		ConstituencyCode: req.ConstituencyCode,
		OfficeLocation:   strings.TrimSpace(req.OfficeLocation),
		Landmark:         req.Landmark,
		GoogleMapsLink:   req.GoogleMapsLink,
		SubmissionSource: req.SubmissionSource,
		SubmissionMethod: req.SubmissionMethod,
		SubmitterID:      req.SubmitterID,
		DeviceMetadata:   req.DeviceMetadata,
		ImagePath:        req.ImagePath,
		ImageURL:         req.ImageURL,
		Status:           model.StatusPendingReview,
	}
	if est.AccuracyMeters > 0 {
		acc := est.AccuracyMeters
		if acc > geo.MaxAccuracyMeters {
			acc = geo.MaxAccuracyMeters
		}
		c.AccuracyMeters = &acc
	}

	c.DuplicateCandidateIDs, c.DuplicateChecked = s.duplicateCheck(ctx, est.Coordinate)

	if s.geocoder != nil {
		if meta, err := s.geocoder.Reverse(ctx, est.Coordinate); err != nil {
			// Corroboration is advisory; the submission proceeds without it.
			s.logger.Warn("geocode corroboration skipped", zap.Error(err))
		} else {
			c.GeocodeMetadata = meta
		}
	}

	c.ConfidenceScore = scorer.Confidence(scorer.Input{
		AccuracyMeters:     c.AccuracyMeters,
		HasEvidence:        c.ImagePath != "" || c.ImageURL != "",
		HasVerifiedGeocode: c.GeocodeMetadata != nil && c.GeocodeMetadata.Verified,
		DuplicateChecked:   c.DuplicateChecked,
	})

	if err := s.store.CreateContribution(ctx, c); err != nil {
		return nil, eris.Wrap(err, "moderation: persist contribution")
	}

	s.logger.Info("contribution submitted",
		zap.String("contribution_id", c.ID),
		zap.String("office_location", c.OfficeLocation),
		zap.Int("confidence", c.ConfidenceScore),
		zap.Int("duplicate_candidates", len(c.DuplicateCandidateIDs)),
		zap.Bool("duplicate_checked", c.DuplicateChecked))
	return c, nil
}

// duplicateCheck runs the detector, retrying once with backoff when the
// registry is unavailable. On final failure the contribution records that
// the check never ran, which the scorer treats differently from an empty
// result.
func (s *Service) duplicateCheck(ctx context.Context, point geo.Coordinate) ([]string, bool) {
	candidates, err := s.findCandidatesRetrying(ctx, point)
	if err != nil {
		s.logger.Warn("duplicate check unavailable", zap.Error(err))
		return nil, false
	}

	ids := make([]string, 0, len(candidates))
	for _, cand := range candidates {
		ids = append(ids, cand.ID)
	}
	return ids, true
}

// findCandidatesRetrying runs the detector at the submit radius, retrying
// once with backoff when the registry is unavailable. Screening is
// proximity-only: the same office is described differently by different
// submitters, so name narrowing would hide true duplicates.
func (s *Service) findCandidatesRetrying(ctx context.Context, point geo.Coordinate) ([]model.OfficeCandidate, error) {
	cfg := resilience.StoreRetryConfig()
	cfg.ShouldRetry = func(err error) bool {
		return errors.Is(err, registry.ErrRegistryUnavailable) || resilience.IsTransient(err)
	}
	return resilience.DoVal(ctx, cfg, func(ctx context.Context) ([]model.OfficeCandidate, error) {
		return s.detector.FindCandidates(ctx, point, "", s.detector.SubmitRadius())
	})
}

// VerifyParams drives a verify transition.
type VerifyParams struct {
	ContributionID string
	Actor          string
	ReviewNotes    string

	// ForceNew acknowledges existing duplicate candidates and creates a
	// new canonical entry anyway.
	ForceNew bool

	// Office overrides fields of the canonical entry; zero fields fall
	// back to the contribution's own values.
	Office *model.CanonicalOffice
}

// Verify archives the contribution as verified and publishes a canonical
// office built from it. The duplicate guard re-runs the detector at call
// time so a canonical entry created since submission still blocks the
// transition. A registry failure blocks the verify outright; publishing on
// a stale candidate list would admit the exact duplicate the guard exists
// to catch.
func (s *Service) Verify(ctx context.Context, p VerifyParams) (*model.CanonicalOffice, error) {
	c, err := s.store.GetContribution(ctx, p.ContributionID)
	if err != nil {
		return nil, eris.Wrap(err, "moderation: load contribution")
	}
	if !c.Moderatable() {
		return nil, eris.Wrapf(ErrNotModeratable, "status %s", c.Status)
	}

	if !p.ForceNew {
		fresh, err := s.findCandidatesRetrying(ctx,
			geo.Coordinate{Latitude: c.Latitude, Longitude: c.Longitude})
		if err != nil {
			return nil, eris.Wrap(err, "moderation: duplicate re-check")
		}
		if len(fresh) > 0 {
			return nil, eris.Wrapf(ErrDuplicateConflict, "%d candidate(s), merge or set force_new", len(fresh))
		}
	}

	office := s.buildOffice(c, p.Office, p.Actor)
	if err := s.store.CreateOffice(ctx, office); err != nil {
		return nil, eris.Wrap(err, "moderation: create canonical office")
	}

	if _, err := s.store.ArchiveContribution(ctx, store.ArchiveParams{
		ContributionID:   c.ID,
		Action:           model.ActionVerified,
		Actor:            p.Actor,
		ReviewNotes:      p.ReviewNotes,
		ArchiveReason:    "verified",
		OriginalOfficeID: office.ID,
	}); err != nil {
		// The office row exists without a backing archived contribution.
		// Operators clean these up via the verification log.
		s.logger.Error("verify archive failed after office creation",
			zap.String("contribution_id", c.ID),
			zap.String("office_id", office.ID),
			zap.Error(err))
		return nil, eris.Wrap(err, "moderation: archive verified contribution")
	}

	s.appendLog(ctx, c.ID, office.ID, "verified", p.Actor)
	return office, nil
}

func (s *Service) buildOffice(c *model.Contribution, override *model.CanonicalOffice, actor string) *model.CanonicalOffice {
	now := time.Now().UTC()
	office := &model.CanonicalOffice{
		County:           c.County,
		Constituency:     c.Constituency,
		ConstituencyCode: c.ConstituencyCode,
		OfficeLocation:   c.OfficeLocation,
		Landmark:         c.Landmark,
		Latitude:         c.Latitude,
		Longitude:        c.Longitude,
		ImageURL:         c.ImageURL,
	}
	if override != nil {
		if override.OfficeLocation != "" {
			office.OfficeLocation = override.OfficeLocation
		}
		if override.County != "" {
			office.County = override.County
		}
		if override.Constituency != "" {
			office.Constituency = override.Constituency
		}
		if override.Landmark != "" {
			office.Landmark = override.Landmark
		}
	}
	office.Verified = true
	office.VerificationSource = "crowdsourced"
	office.VerifiedBy = actor
	office.VerifiedAt = &now
	office.CreatedFromContributionID = c.ID
	office.ConfidenceScore = c.ConfidenceScore
	return office
}

// MergeParams drives a merge transition.
type MergeParams struct {
	ContributionID string

	// TargetOfficeID, when set, must still resolve through the detector at
	// call time. When empty the nearest in-range office is used.
	TargetOfficeID string

	Actor       string
	ReviewNotes string
}

// Merge folds the contribution into an existing canonical office: the
// target's provenance is refreshed from the contribution and the
// contribution is archived as merged with a reference to the target.
func (s *Service) Merge(ctx context.Context, p MergeParams) (*model.CanonicalOffice, error) {
	c, err := s.store.GetContribution(ctx, p.ContributionID)
	if err != nil {
		return nil, eris.Wrap(err, "moderation: load contribution")
	}
	if !c.Moderatable() {
		return nil, eris.Wrapf(ErrNotModeratable, "status %s", c.Status)
	}

	point := geo.Coordinate{Latitude: c.Latitude, Longitude: c.Longitude}
	candidates, err := s.detector.FindCandidates(ctx, point, "", s.detector.MergeRadius())
	if err != nil {
		return nil, eris.Wrap(err, "moderation: resolve merge target")
	}

	var target *model.OfficeCandidate
	if p.TargetOfficeID != "" {
		for i := range candidates {
			if candidates[i].ID == p.TargetOfficeID {
				target = &candidates[i]
				break
			}
		}
		if target == nil {
			return nil, eris.Wrapf(ErrValidation, "office %s is not a merge candidate", p.TargetOfficeID)
		}
	} else if len(candidates) > 0 {
		target = &candidates[0]
	}
	if target == nil {
		return nil, eris.Wrap(ErrValidation, "no merge target within range")
	}

	now := time.Now().UTC()
	prov := store.OfficeProvenance{
		VerificationSource:        "crowdsourced_merge",
		VerifiedBy:                p.Actor,
		VerifiedAt:                now,
		CreatedFromContributionID: c.ID,
		ConfidenceScore:           maxInt(target.ConfidenceScore, c.ConfidenceScore),
		ImageURL:                  c.ImageURL,
	}
	if err := s.store.UpdateOfficeProvenance(ctx, target.ID, prov); err != nil {
		return nil, eris.Wrap(err, "moderation: update merge target")
	}

	if _, err := s.store.ArchiveContribution(ctx, store.ArchiveParams{
		ContributionID:   c.ID,
		Action:           model.ActionMerged,
		Actor:            p.Actor,
		ReviewNotes:      p.ReviewNotes,
		ArchiveReason:    "merged",
		OriginalOfficeID: target.ID,
	}); err != nil {
		return nil, eris.Wrap(err, "moderation: archive merged contribution")
	}

	s.appendLog(ctx, c.ID, target.ID, "merged", p.Actor)

	office, err := s.store.GetOffice(ctx, target.ID)
	if err != nil {
		return nil, eris.Wrap(err, "moderation: reload merge target")
	}
	return office, nil
}

// Reject archives the contribution as rejected. A non-empty reason is
// required.
func (s *Service) Reject(ctx context.Context, contributionID, reason, actor string) error {
	if strings.TrimSpace(reason) == "" {
		return eris.Wrap(ErrValidation, "rejection reason is required")
	}
	if _, err := s.store.ArchiveContribution(ctx, store.ArchiveParams{
		ContributionID: contributionID,
		Action:         model.ActionRejected,
		Actor:          actor,
		ReviewNotes:    reason,
		ArchiveReason:  reason,
	}); err != nil {
		return eris.Wrap(err, "moderation: reject")
	}
	s.appendLog(ctx, contributionID, "", "rejected", actor)
	return nil
}

// Archive parks a contribution administratively without a verdict.
func (s *Service) Archive(ctx context.Context, contributionID, reason, actor string) error {
	if _, err := s.store.ArchiveContribution(ctx, store.ArchiveParams{
		ContributionID: contributionID,
		Action:         model.ActionArchived,
		Actor:          actor,
		ArchiveReason:  reason,
	}); err != nil {
		return eris.Wrap(err, "moderation: archive")
	}
	s.appendLog(ctx, contributionID, "", "archived", actor)
	return nil
}

// RequestInfo moves the contribution to more_info_requested. Nothing is
// archived; Resubmit returns it to review.
func (s *Service) RequestInfo(ctx context.Context, contributionID, message, actor string) error {
	if strings.TrimSpace(message) == "" {
		return eris.Wrap(ErrValidation, "a message to the submitter is required")
	}
	if err := s.store.SetContributionStatus(ctx, contributionID,
		model.StatusPendingReview, model.StatusMoreInfoRequested, message); err != nil {
		return eris.Wrap(err, "moderation: request info")
	}
	s.appendLog(ctx, contributionID, "", "info_requested", actor)
	return nil
}

// Resubmit returns a more_info_requested contribution to review after the
// submitter responds.
func (s *Service) Resubmit(ctx context.Context, contributionID string) error {
	if err := s.store.SetContributionStatus(ctx, contributionID,
		model.StatusMoreInfoRequested, model.StatusPendingReview, ""); err != nil {
		return eris.Wrap(err, "moderation: resubmit")
	}
	return nil
}

// Flag marks a contribution suspicious, taking it out of the normal review
// queue without archiving it.
func (s *Service) Flag(ctx context.Context, contributionID, reason, actor string) error {
	if strings.TrimSpace(reason) == "" {
		return eris.Wrap(ErrValidation, "a flag reason is required")
	}
	if err := s.store.SetContributionStatus(ctx, contributionID,
		model.StatusPendingReview, model.StatusFlaggedSuspicious, reason); err != nil {
		return eris.Wrap(err, "moderation: flag")
	}
	s.appendLog(ctx, contributionID, "", "flagged", actor)
	return nil
}

// Restore reopens the contribution behind an archive record. The record
// itself is immutable; only the contribution's status and archival flags
// change. Confidence score and confirmation count are untouched.
func (s *Service) Restore(ctx context.Context, archiveID, actor string) (*model.Contribution, error) {
	rec, err := s.store.GetArchive(ctx, archiveID)
	if err != nil {
		return nil, eris.Wrap(err, "moderation: load archive record")
	}
	if err := s.store.RestoreContribution(ctx, rec.ContributionID); err != nil {
		return nil, eris.Wrap(err, "moderation: restore")
	}
	s.appendLog(ctx, rec.ContributionID, "", "restored", actor)

	c, err := s.store.GetContribution(ctx, rec.ContributionID)
	if err != nil {
		return nil, eris.Wrap(err, "moderation: reload restored contribution")
	}
	return c, nil
}

func (s *Service) appendLog(ctx context.Context, contributionID, officeID, action, actor string) {
	if err := s.store.AppendVerificationLog(ctx, &model.VerificationLogEntry{
		ContributionID: contributionID,
		OfficeID:       officeID,
		Action:         action,
		Actor:          actor,
	}); err != nil {
		// The log is operational, not authoritative; the archive record is.
		s.logger.Warn("verification log append failed",
			zap.String("contribution_id", contributionID),
			zap.String("action", action),
			zap.Error(err))
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
