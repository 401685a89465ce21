package model

import (
	"time"
)

// Device is a browser or app installation seen for one user. Fingerprints
// are unique within a user's device set only.
type Device struct {
	ID                      string     `json:"id"`
	UserID                  string     `json:"userId"`
	Fingerprint             string     `json:"-"`
	Trusted                 bool       `json:"trusted"`
	IsAccountCreationDevice bool       `json:"isAccountCreationDevice"`
	DeviceType              string     `json:"deviceType"`
	Browser                 string     `json:"browser"`
	OS                      string     `json:"os"`
	UserAgent               string     `json:"userAgent"`
	LastIP                  string     `json:"lastIp"`
	LastLocation            string     `json:"lastLocation"`
	UsageCount              int        `json:"usageCount"`
	LastUsed                time.Time  `json:"lastUsed"`
	TrustedAt               *time.Time `json:"trustedAt,omitempty"`
	CreatedAt               time.Time  `json:"createdAt"`
	UpdatedAt               time.Time  `json:"updatedAt"`
}

// NewDevice carries the observable attributes of a device seen for the
// first time. It has no trust fields: new devices always start untrusted.
type NewDevice struct {
	ID          string
	UserID      string
	Fingerprint string
	DeviceType  string
	Browser     string
	OS          string
	UserAgent   string
	IP          string
	Location    string
	Metadata    DeviceMetadata
}

// DeviceUsage is the usage-only update applied when a known device signs in again
type DeviceUsage struct {
	UserAgent string
	IP        string
	Location  string
	Browser   string
	OS        string
}

// DeviceMetadata is the optional, client-reported description of a device
type DeviceMetadata struct {
	ScreenResolution string `json:"screenResolution,omitempty" validate:"omitempty,max=32"`
	Timezone         string `json:"timezone,omitempty" validate:"omitempty,max=64"`
	Language         string `json:"language,omitempty" validate:"omitempty,max=35"`
	Platform         string `json:"platform,omitempty" validate:"omitempty,max=64"`
	ColorDepth       int    `json:"colorDepth,omitempty" validate:"omitempty,min=1,max=64"`
	TouchSupport     bool   `json:"touchSupport,omitempty"`
}
