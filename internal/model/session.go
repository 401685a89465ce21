package model

import "time"

// Session is one issued sign-in. Its lifetime is fixed at issuance.
type Session struct {
	ID               string     `json:"id"`
	UserID           string     `json:"userId"`
	DeviceID         string     `json:"deviceId"`
	RefreshTokenHash string     `json:"-"`
	IPAddress        string     `json:"ipAddress"`
	UserAgent        string     `json:"userAgent"`
	Location         string     `json:"location"`
	Trusted          bool       `json:"trusted"`
	Bypassed2FA      bool       `json:"bypassed2FA"`
	RiskScore        int        `json:"riskScore"`
	Active           bool       `json:"active"`
	ExpiresAt        time.Time  `json:"expiresAt"`
	RevokedAt        *time.Time `json:"revokedAt,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
}

// IsValid reports whether the session can still authenticate requests
func (s *Session) IsValid(now time.Time) bool {
	return s.Active && s.RevokedAt == nil && now.Before(s.ExpiresAt)
}
