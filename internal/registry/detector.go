// Package registry matches incoming contributions against the canonical
// office registry. The detector prefilters verified offices with a bounding
// box at the store, then applies exact great-circle distances and returns
// candidates ordered nearest first.
package registry

import (
	"context"
	"math"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/civicmaps/ofisi/internal/geo"
	"github.com/civicmaps/ofisi/internal/model"
	"github.com/civicmaps/ofisi/internal/store"
)

// Default search radii. Submission screening casts a tight net; merge target
// resolution tolerates a wider one because a moderator is in the loop.
const (
	SubmitRadiusMeters = 100.0
	MergeRadiusMeters  = 200.0
)

// ErrRegistryUnavailable wraps store failures so callers can distinguish
// "checked, none found" from "could not check". Scoring treats the two
// differently.
var ErrRegistryUnavailable = eris.New("registry: store unavailable")

const metersPerDegreeLat = 111320.0

// Detector finds verified canonical offices near a point.
type Detector struct {
	store        store.Store
	submitRadius float64
	mergeRadius  float64
	logger       *zap.Logger
}

// NewDetector builds a detector with the default radii.
func NewDetector(st store.Store) *Detector {
	return NewDetectorWithRadii(st, SubmitRadiusMeters, MergeRadiusMeters)
}

// NewDetectorWithRadii overrides the search radii, typically from pipeline
// configuration. Non-positive values fall back to the defaults.
func NewDetectorWithRadii(st store.Store, submitRadius, mergeRadius float64) *Detector {
	if submitRadius <= 0 {
		submitRadius = SubmitRadiusMeters
	}
	if mergeRadius <= 0 {
		mergeRadius = MergeRadiusMeters
	}
	return &Detector{
		store:        st,
		submitRadius: submitRadius,
		mergeRadius:  mergeRadius,
		logger:       zap.L().Named("registry"),
	}
}

// SubmitRadius is the screening radius used at submission time.
func (d *Detector) SubmitRadius() float64 { return d.submitRadius }

// MergeRadius is the radius used to resolve merge targets.
func (d *Detector) MergeRadius() float64 { return d.mergeRadius }

// FindCandidates returns the verified offices within radiusMeters of point,
// nearest first, ties broken by office ID. An empty slice means the check
// ran and found nothing; ErrRegistryUnavailable means it could not run.
func (d *Detector) FindCandidates(ctx context.Context, point geo.Coordinate, nameHint string, radiusMeters float64) ([]model.OfficeCandidate, error) {
	if !point.Valid() {
		return nil, eris.Errorf("registry: invalid point %f,%f", point.Latitude, point.Longitude)
	}
	if radiusMeters <= 0 {
		radiusMeters = d.submitRadius
	}

	box := boundingBox(point, radiusMeters)
	offices, err := d.store.VerifiedOfficesInBBox(ctx, box, strings.TrimSpace(nameHint))
	if err != nil {
		d.logger.Warn("office prefilter failed",
			zap.Float64("lat", point.Latitude),
			zap.Float64("lng", point.Longitude),
			zap.Error(err))
		return nil, eris.Wrap(ErrRegistryUnavailable, eris.ToString(err, false))
	}

	candidates := make([]model.OfficeCandidate, 0, len(offices))
	for _, o := range offices {
		dist := geo.Distance(point, geo.Coordinate{Latitude: o.Latitude, Longitude: o.Longitude})
		if dist <= radiusMeters {
			candidates = append(candidates, model.OfficeCandidate{
				CanonicalOffice: o,
				DistanceMeters:  dist,
			})
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].DistanceMeters != candidates[j].DistanceMeters {
			return candidates[i].DistanceMeters < candidates[j].DistanceMeters
		}
		return candidates[i].ID < candidates[j].ID
	})
	return candidates, nil
}

// ResolveMergeTarget returns the nearest verified office within the merge
// radius, or store.ErrNotFound when none qualifies. Merges never trust a
// client-supplied office ID; the target is always re-resolved here.
func (d *Detector) ResolveMergeTarget(ctx context.Context, point geo.Coordinate, nameHint string) (*model.OfficeCandidate, error) {
	candidates, err := d.FindCandidates(ctx, point, nameHint, d.mergeRadius)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, eris.Wrap(store.ErrNotFound, "registry: no merge target in range")
	}
	return &candidates[0], nil
}

// boundingBox expands a point by radiusMeters in each direction. Longitude
// degrees shrink with latitude, so the box is widened by 1/cos(lat); near
// the poles the longitude span collapses and the box covers all longitudes.
func boundingBox(p geo.Coordinate, radiusMeters float64) store.BBox {
	latDelta := radiusMeters / metersPerDegreeLat

	cosLat := math.Cos(p.Latitude * math.Pi / 180)
	lngDelta := 180.0
	if cosLat > 1e-6 {
		lngDelta = radiusMeters / (metersPerDegreeLat * cosLat)
	}

	return store.BBox{
		MinLat: p.Latitude - latDelta,
		MaxLat: p.Latitude + latDelta,
		MinLng: p.Longitude - lngDelta,
		MaxLng: p.Longitude + lngDelta,
	}
}
