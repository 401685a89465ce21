package model

import (
	"time"
)

// MFAMethodType represents a type of second-factor method
type MFAMethodType string

const (
	MFAMethodTOTP          MFAMethodType = "totp"
	MFAMethodSMS           MFAMethodType = "sms"
	MFAMethodEmail         MFAMethodType = "email"
	MFAMethodBackupCode    MFAMethodType = "backup_code"
	MFAMethodPasskey       MFAMethodType = "passkey"
	MFAMethodRecoveryEmail MFAMethodType = "recovery_email"
	MFAMethodRecoveryPhone MFAMethodType = "recovery_phone"
)

// IsPrimary reports whether the method belongs to the primary group offered first
func (m MFAMethodType) IsPrimary() bool {
	switch m {
	case MFAMethodTOTP, MFAMethodSMS, MFAMethodEmail, MFAMethodBackupCode:
		return true
	}
	return false
}

// IsKnown reports whether m is one of the supported method names
func (m MFAMethodType) IsKnown() bool {
	switch m {
	case MFAMethodTOTP, MFAMethodSMS, MFAMethodEmail, MFAMethodBackupCode,
		MFAMethodPasskey, MFAMethodRecoveryEmail, MFAMethodRecoveryPhone:
		return true
	}
	return false
}

// MFAMethod represents an enrolled second-factor method for a user
type MFAMethod struct {
	ID        string        `json:"id"`
	UserID    string        `json:"userId"`
	Method    MFAMethodType `json:"method"`
	Secret    string        `json:"-"` // TOTP secret, never expose
	IsPrimary bool          `json:"isPrimary"`
	LastUsed  *time.Time    `json:"lastUsed,omitempty"`
	CreatedAt time.Time     `json:"createdAt"`
}

// BackupCode represents a one-time-use backup code
type BackupCode struct {
	ID        string     `json:"id"`
	UserID    string     `json:"userId"`
	CodeHash  string     `json:"-"`
	UsedAt    *time.Time `json:"usedAt,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

// ChallengeMethods partitions a user's enrolled methods for display
type ChallengeMethods struct {
	Primary    []MFAMethodType `json:"primary"`
	Additional []MFAMethodType `json:"additional"`
}

// All returns every method, primary first
func (m ChallengeMethods) All() []MFAMethodType {
	out := make([]MFAMethodType, 0, len(m.Primary)+len(m.Additional))
	out = append(out, m.Primary...)
	return append(out, m.Additional...)
}

// Contains reports whether method was offered
func (m ChallengeMethods) Contains(method MFAMethodType) bool {
	for _, candidate := range m.All() {
		if candidate == method {
			return true
		}
	}
	return false
}

// SecondFactorChallenge is a pending second-factor request. It lives in the
// cache store only and is removed on first successful verification.
type SecondFactorChallenge struct {
	ID              string           `json:"id"`
	UserID          string           `json:"userId"`
	Email           string           `json:"email"`
	DeviceID        string           `json:"deviceId"`
	Fingerprint     string           `json:"fingerprint"`
	DeviceTrusted   bool             `json:"deviceTrusted"`
	Risk            RiskAssessment   `json:"risk"`
	Methods         ChallengeMethods `json:"methods"`
	PreferredMethod *MFAMethodType   `json:"preferredMethod,omitempty"`
	EmailCodeHash   string           `json:"emailCodeHash,omitempty"`
	ExpiresAt       time.Time        `json:"expiresAt"`
	CreatedAt       time.Time        `json:"createdAt"`
}
