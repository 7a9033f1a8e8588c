package model

import "time"

// DeviceMetadata is the anonymised capture context recorded with a
// contribution. Fields are optional and validated at the ingestion
// boundary; nothing downstream re-parses free-form blobs.
type DeviceMetadata struct {
	AccuracyMeters   *float64  `json:"accuracy,omitempty"`
	Altitude         *float64  `json:"altitude,omitempty"`
	AltitudeAccuracy *float64  `json:"altitude_accuracy,omitempty"`
	Heading          *float64  `json:"heading,omitempty"`
	Speed            *float64  `json:"speed,omitempty"`
	Platform         string    `json:"platform,omitempty"`
	UserAgent        string    `json:"user_agent,omitempty"`
	Language         string    `json:"language,omitempty"`
	Timezone         string    `json:"timezone,omitempty"`
	ScreenResolution string    `json:"screen_resolution,omitempty"`
	HasTouch         bool      `json:"has_touch,omitempty"`
	CaptureMethod    string    `json:"capture_method,omitempty"`
	CaptureSource    string    `json:"capture_source,omitempty"`
	CapturedAt       time.Time `json:"captured_at,omitempty"`
}

// GeocodeMetadata records the outcome of the optional reverse-geocoding
// corroboration check.
type GeocodeMetadata struct {
	Provider    string    `json:"provider,omitempty"`
	Verified    bool      `json:"verified"`
	PlaceName   string    `json:"place_name,omitempty"`
	AdminArea   string    `json:"admin_area,omitempty"`
	CheckedAt   time.Time `json:"checked_at,omitempty"`
}
