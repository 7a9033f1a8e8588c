// Package location acquires device positions and corroborates them against
// a reverse-geocoding provider. Acquisition is an external call (a browser
// API relay or a GPS daemon) and can hang; every path through this package
// is bounded by a deadline.
package location

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/civicmaps/ofisi/internal/geo"
)

// DefaultAcquireTimeout bounds a position fix when the caller supplies no
// deadline of its own.
const DefaultAcquireTimeout = 10 * time.Second

var (
	// ErrPermissionDenied means the device refused to share its position.
	ErrPermissionDenied = errors.New("location: permission denied")

	// ErrTimeout means no fix arrived before the deadline.
	ErrTimeout = errors.New("location: acquisition timed out")

	// ErrUnavailable means the positioning backend produced no fix for a
	// reason other than permission or time.
	ErrUnavailable = errors.New("location: position unavailable")
)

// Fix is one acquired position.
type Fix struct {
	Coordinate     geo.Coordinate
	AccuracyMeters *float64
	AcquiredAt     time.Time
}

// Provider produces position fixes. Implementations must honour context
// cancellation.
type Provider interface {
	CurrentPosition(ctx context.Context) (*Fix, error)
}

// Acquire requests a fix from the provider under a deadline. A zero timeout
// uses DefaultAcquireTimeout. Provider failures are classified onto the
// package sentinels so callers can branch without string matching.
func Acquire(ctx context.Context, p Provider, timeout time.Duration) (*Fix, error) {
	if timeout <= 0 {
		timeout = DefaultAcquireTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	fix, err := p.CurrentPosition(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, eris.Wrapf(ErrTimeout, "after %s", timeout)
		}
		if errors.Is(err, ErrPermissionDenied) {
			return nil, err
		}
		return nil, eris.Wrap(ErrUnavailable, eris.ToString(err, false))
	}

	if fix == nil || !fix.Coordinate.Valid() {
		return nil, eris.Wrap(ErrUnavailable, "provider returned invalid fix")
	}
	if fix.AcquiredAt.IsZero() {
		fix.AcquiredAt = time.Now().UTC()
	}

	zap.L().Named("location").Debug("position acquired",
		zap.Float64("lat", fix.Coordinate.Latitude),
		zap.Float64("lng", fix.Coordinate.Longitude))
	return fix, nil
}
