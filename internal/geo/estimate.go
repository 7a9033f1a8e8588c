package geo

import (
	"math"

	"github.com/rotisserie/eris"
)

// MaxAccuracyMeters caps reported GPS accuracy. Browser geolocation can
// report kilometer-scale radii on cell fixes; anything past the cap carries
// no positional information worth weighting.
const MaxAccuracyMeters = 1000

// referenceAccuracyMeters is the accuracy assumed for a surveyed reference
// point (landmark) that has no measured accuracy of its own.
const referenceAccuracyMeters = 15

// PositionSample is one input to the estimator: a device fix or a
// reference-point lookup. Samples are ephemeral and never persisted.
type PositionSample struct {
	Coordinate
	AccuracyMeters float64

	// WeightHint overrides the accuracy-derived weight when positive.
	// Reference points use it to assert high confidence.
	WeightHint float64

	// Reference marks a surveyed landmark rather than a device fix.
	Reference bool
}

// weight derives the sample's centroid weight: the inverse of its accuracy
// radius, so tighter fixes pull harder. Reference points without a hint get
// the fixed high weight of a surveyed landmark.
func (s PositionSample) weight() float64 {
	if s.WeightHint > 0 {
		return s.WeightHint
	}
	acc := s.AccuracyMeters
	if s.Reference && acc <= 0 {
		acc = referenceAccuracyMeters
	}
	if acc > MaxAccuracyMeters {
		acc = MaxAccuracyMeters
	}
	return 1 / math.Max(acc, 1)
}

// Estimate holds the refined position produced from one or more samples.
type Estimate struct {
	Coordinate
	// AccuracyMeters is the tightest accuracy among the inputs; the
	// centroid cannot be less precise than its best sample claims.
	AccuracyMeters float64
}

// EstimatePosition reduces samples to their accuracy-weighted centroid:
// lat = Σ(w·lat)/Σw, lng = Σ(w·lng)/Σw. The result always lies within the
// convex hull of the inputs, and a single sample is returned exactly.
func EstimatePosition(samples []PositionSample) (Estimate, error) {
	if len(samples) == 0 {
		return Estimate{}, eris.New("geo: estimate requires at least one sample")
	}

	if len(samples) == 1 {
		s := samples[0]
		if !s.Valid() {
			return Estimate{}, eris.Errorf("geo: sample out of range: %.6f, %.6f", s.Latitude, s.Longitude)
		}
		if s.weight() <= 0 {
			return Estimate{}, eris.New("geo: total sample weight is not positive")
		}
		acc := s.AccuracyMeters
		if s.Reference && acc <= 0 {
			acc = referenceAccuracyMeters
		}
		return Estimate{Coordinate: s.Coordinate, AccuracyMeters: acc}, nil
	}

	var weightedLat, weightedLng, totalWeight float64
	minAccuracy := math.Inf(1)

	for _, s := range samples {
		if !s.Valid() {
			return Estimate{}, eris.Errorf("geo: sample out of range: %.6f, %.6f", s.Latitude, s.Longitude)
		}
		w := s.weight()
		weightedLat += s.Latitude * w
		weightedLng += s.Longitude * w
		totalWeight += w

		acc := s.AccuracyMeters
		if s.Reference && acc <= 0 {
			acc = referenceAccuracyMeters
		}
		if acc > 0 && acc < minAccuracy {
			minAccuracy = acc
		}
	}

	if totalWeight <= 0 {
		return Estimate{}, eris.New("geo: total sample weight is not positive")
	}

	est := Estimate{
		Coordinate: Coordinate{
			Latitude:  weightedLat / totalWeight,
			Longitude: weightedLng / totalWeight,
		},
	}
	if !math.IsInf(minAccuracy, 1) {
		est.AccuracyMeters = minAccuracy
	}
	return est, nil
}

// LandmarkQuality scores a reference landmark for use as a WeightHint
// multiplier. Closer-to-optimal spacing, verification, and landmark type
// all raise the quality; the result is in (0, 1].
func LandmarkQuality(landmarkType string, verified bool, distanceMeters, searchRadiusMeters float64) float64 {
	quality := 0.5

	// Landmarks around a third of the search radius away triangulate best;
	// co-located or far-edge landmarks contribute weaker geometry.
	optimal := searchRadiusMeters * 0.3
	if optimal > 0 {
		quality += math.Max(0, 1-math.Abs(distanceMeters-optimal)/optimal) * 0.3
	}

	if verified {
		quality += 0.2
	}

	typeWeights := map[string]float64{
		"government":       0.9,
		"infrastructure":   0.85,
		"physical_feature": 0.8,
		"unique":           0.8,
		"public_facility":  0.75,
		"commercial":       0.7,
	}
	tw, ok := typeWeights[landmarkType]
	if !ok {
		tw = 0.5
	}
	quality += tw * 0.2

	return math.Min(1, quality)
}
