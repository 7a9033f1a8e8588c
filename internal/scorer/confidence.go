// Package scorer computes the 0–100 confidence score attached to a
// contribution at submit time. Scoring is pure: every input is supplied by
// the caller and the same inputs always produce the same score.
package scorer

// Score tiers. The base reflects a bare submission with nothing checked;
// each corroborating signal adds a fixed bonus and the result is clamped
// to [0, 100].
const (
	baseScore = 40

	accuracyHighBonus   = 25 // fix within 20m
	accuracyMediumBonus = 15 // fix within 50m
	accuracyLowBonus    = 5  // fix known but looser than 50m

	evidenceBonus = 15
	geocodeBonus  = 15

	// duplicateCheckBonus rewards an explicit duplicate check having run,
	// whatever it found. Candidates route the moderator to merge; they are
	// informational and never penalise the score.
	duplicateCheckBonus = 5
)

// Input collects the signals available when a contribution is scored.
type Input struct {
	// AccuracyMeters is the estimate's accuracy radius; nil when the
	// capture method reported none.
	AccuracyMeters *float64

	// HasEvidence is true when an image was attached.
	HasEvidence bool

	// HasVerifiedGeocode is true when the geocoding provider corroborated
	// the position.
	HasVerifiedGeocode bool

	// DuplicateChecked is true when the duplicate detector ran to
	// completion, regardless of how many candidates it found.
	DuplicateChecked bool
}

// Confidence returns the trust score for the given signals, in [0, 100].
// Holding other inputs fixed, a tighter accuracy radius, added evidence, a
// verified geocode, or a completed duplicate check never lower the score.
func Confidence(in Input) int {
	score := baseScore

	if in.AccuracyMeters != nil {
		switch acc := *in.AccuracyMeters; {
		case acc <= 20:
			score += accuracyHighBonus
		case acc <= 50:
			score += accuracyMediumBonus
		default:
			score += accuracyLowBonus
		}
	}

	if in.HasEvidence {
		score += evidenceBonus
	}
	if in.HasVerifiedGeocode {
		score += geocodeBonus
	}
	if in.DuplicateChecked {
		score += duplicateCheckBonus
	}

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score
}
