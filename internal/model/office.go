package model

import "time"

// CanonicalOffice is the authoritative, published office record. It is
// created by a verify transition and updated by a merge; nothing outside
// the moderation service mutates it.
type CanonicalOffice struct {
	ID               string     `json:"id"`
	County           string     `json:"county,omitempty"`
	Constituency     string     `json:"constituency,omitempty"`
	ConstituencyCode string     `json:"constituency_code,omitempty"`
	OfficeLocation   string     `json:"office_location"`
	Landmark         string     `json:"landmark,omitempty"`
	Latitude         float64    `json:"latitude"`
	Longitude        float64    `json:"longitude"`
	Verified         bool       `json:"verified"`

	// Provenance.
	VerificationSource         string     `json:"verification_source,omitempty"`
	VerifiedBy                 string     `json:"verified_by,omitempty"`
	VerifiedAt                 *time.Time `json:"verified_at,omitempty"`
	CreatedFromContributionID  string     `json:"created_from_contribution_id,omitempty"`
	ConfidenceScore            int        `json:"confidence_score,omitempty"`
	ImageURL                   string     `json:"image_url,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// OfficeCandidate is a verified office returned by the duplicate detector,
// annotated with its distance from the query point.
type OfficeCandidate struct {
	CanonicalOffice
	DistanceMeters float64 `json:"distance_meters"`
}
