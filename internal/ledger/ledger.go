// Package ledger records third-party confirmations of contributions. A
// confirmation is a "yes, the office is here" from a device physically near
// the claimed position; each one carries a proximity-and-accuracy weight
// that folds into the contribution's confirmation count.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/civicmaps/ofisi/internal/geo"
	"github.com/civicmaps/ofisi/internal/model"
	"github.com/civicmaps/ofisi/internal/store"
)

const (
	// MaxConfirmDistanceMeters gates confirmations: a confirmer further
	// than this from the claimed position is not attesting to anything.
	MaxConfirmDistanceMeters = 500.0

	// DefaultDedupWindow is how long a (contribution, device) confirmation
	// stays live before the same device may confirm again.
	DefaultDedupWindow = 30 * 24 * time.Hour
)

// Weight components. Every accepted confirmation counts at least 1; tight
// accuracy and close proximity add to it.
const (
	weightBase = 1

	accuracyTightMeters = 20.0
	accuracyFairMeters  = 50.0
	accuracyTightBonus  = 2
	accuracyFairBonus   = 1

	proximityCloseMeters = 100.0
	proximityNearMeters  = 250.0
	proximityCloseBonus  = 2
	proximityNearBonus   = 1
)

var (
	// ErrTooFarAway rejects a confirmer outside the distance gate.
	ErrTooFarAway = errors.New("ledger: confirmer too far from claimed position")

	// ErrAlreadyConfirmed rejects a device with a live confirmation for the
	// contribution.
	ErrAlreadyConfirmed = errors.New("ledger: device already confirmed")
)

// Request is one confirmation attempt.
type Request struct {
	ContributionID string

	// Position is the confirmer's current position, not the claimed one.
	Position       geo.Coordinate
	AccuracyMeters float64

	// Fingerprint inputs. DeviceFingerprint is required; IP and user agent
	// are hashed alongside for the abuse trail but do not gate dedup.
	DeviceFingerprint string
	RemoteIP          string
	UserAgent         string
}

// Result reports an accepted confirmation.
type Result struct {
	Weight            int     `json:"weight"`
	DistanceMeters    float64 `json:"distance_meters"`
	ConfirmationCount int     `json:"confirmation_count"`
}

// Ledger validates, weighs, and persists confirmations.
type Ledger struct {
	store       store.Store
	dedupWindow time.Duration
	logger      *zap.Logger
}

func New(st store.Store, dedupWindow time.Duration) *Ledger {
	if dedupWindow <= 0 {
		dedupWindow = DefaultDedupWindow
	}
	return &Ledger{
		store:       st,
		dedupWindow: dedupWindow,
		logger:      zap.L().Named("ledger"),
	}
}

// Confirm processes one confirmation attempt. The distance gate runs before
// any write; dedup enforcement is delegated to the store so two concurrent
// attempts from the same device cannot both land.
func (l *Ledger) Confirm(ctx context.Context, req Request) (*Result, error) {
	if req.ContributionID == "" {
		return nil, eris.New("ledger: contribution id required")
	}
	if strings.TrimSpace(req.DeviceFingerprint) == "" {
		return nil, eris.New("ledger: device fingerprint required")
	}
	if !req.Position.Valid() {
		return nil, eris.Errorf("ledger: invalid position %f,%f", req.Position.Latitude, req.Position.Longitude)
	}

	contrib, err := l.store.GetContribution(ctx, req.ContributionID)
	if err != nil {
		return nil, eris.Wrap(err, "ledger: load contribution")
	}

	claimed := geo.Coordinate{Latitude: contrib.Latitude, Longitude: contrib.Longitude}
	dist := geo.Distance(req.Position, claimed)
	if dist > MaxConfirmDistanceMeters {
		return nil, eris.Wrapf(ErrTooFarAway, "%.0fm away, limit %.0fm", dist, MaxConfirmDistanceMeters)
	}

	w := Weight(req.AccuracyMeters, dist)
	rec := &model.ConfirmationRecord{
		ContributionID: req.ContributionID,
		AccuracyMeters: req.AccuracyMeters,
		DistanceMeters: dist,
		DeviceHash:     fingerprintHash(req.DeviceFingerprint),
		IPHash:         fingerprintHash(req.RemoteIP),
		UAHash:         fingerprintHash(req.UserAgent),
		Weight:         w,
	}

	count, err := l.store.AddConfirmation(ctx, rec, l.dedupWindow)
	if errors.Is(err, store.ErrConfirmationExists) {
		return nil, eris.Wrapf(ErrAlreadyConfirmed, "contribution %s", req.ContributionID)
	}
	if err != nil {
		return nil, eris.Wrap(err, "ledger: persist confirmation")
	}

	l.logger.Info("confirmation accepted",
		zap.String("contribution_id", req.ContributionID),
		zap.Int("weight", w),
		zap.Float64("distance_m", dist),
		zap.Int("confirmation_count", count))

	return &Result{Weight: w, DistanceMeters: dist, ConfirmationCount: count}, nil
}

// Weight computes the confirmation weight from the confirmer's GPS accuracy
// and their distance to the claimed position. Zero or negative accuracy
// means the device reported none and earns no accuracy bonus.
func Weight(accuracyMeters, distanceMeters float64) int {
	w := weightBase

	if accuracyMeters > 0 {
		switch {
		case accuracyMeters <= accuracyTightMeters:
			w += accuracyTightBonus
		case accuracyMeters <= accuracyFairMeters:
			w += accuracyFairBonus
		}
	}

	switch {
	case distanceMeters <= proximityCloseMeters:
		w += proximityCloseBonus
	case distanceMeters <= proximityNearMeters:
		w += proximityNearBonus
	}

	return w
}

func fingerprintHash(s string) string {
	if s == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
