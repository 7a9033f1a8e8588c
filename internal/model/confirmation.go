package model

import "time"

// ConfirmationRecord is one third-party corroboration of a contribution.
// The confirmer's coordinate is used for the distance gate only and is not
// retained; the hashes are anonymised fingerprints used for deduplication.
// Records are immutable once written.
type ConfirmationRecord struct {
	ID             string    `json:"id"`
	ContributionID string    `json:"contribution_id"`
	AccuracyMeters float64   `json:"confirmer_accuracy_meters"`
	DistanceMeters float64   `json:"distance_meters"`
	DeviceHash     string    `json:"confirmer_device_hash"`
	IPHash         string    `json:"confirmer_ip_hash,omitempty"`
	UAHash         string    `json:"confirmer_ua_hash,omitempty"`
	Weight         int       `json:"confirmation_weight"`
	ConfirmedAt    time.Time `json:"confirmed_at"`
}
