package store

import "time"

// Device is the persisted metadata for a known device. Link state is not
// stored: it is reconstructed from the adb server on startup.
type Device struct {
	Serial         string    `json:"serial"`
	Model          string    `json:"model,omitempty"`
	Manufacturer   string    `json:"manufacturer,omitempty"`
	AndroidVersion string    `json:"android_version,omitempty"`
	FriendlyName   string    `json:"friendly_name,omitempty"`
	Width          int       `json:"width,omitempty"`
	Height         int       `json:"height,omitempty"`
	Transport      string    `json:"transport,omitempty"` // "usb", "network", "virtual"
	FirstSeen      time.Time `json:"first_seen"`
	LastSeen       time.Time `json:"last_seen"`
}
