package model

import (
	"time"
)

// UserStatus represents the status of a user account
type UserStatus string

const (
	UserStatusActive   UserStatus = "active"
	UserStatusLocked   UserStatus = "locked"
	UserStatusDisabled UserStatus = "disabled"
)

// User is the credential-store view of an account
type User struct {
	ID               string         `json:"id"`
	Email            string         `json:"email"`
	PasswordHash     string         `json:"-"` // never expose password hash
	Status           UserStatus     `json:"status"`
	TwoFactorEnabled bool           `json:"twoFactorEnabled"`
	TwoFactorMethod  *MFAMethodType `json:"twoFactorMethod,omitempty"`
	FailedAttempts   int            `json:"-"`
	LockedUntil      *time.Time     `json:"-"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
}

// IsLocked checks if the account is locked at the given instant
func (u *User) IsLocked(now time.Time) bool {
	if u.LockedUntil == nil {
		return false
	}
	return now.Before(*u.LockedUntil)
}

// IsActive checks if the user account may sign in at all
func (u *User) IsActive() bool {
	return u.Status != UserStatusDisabled
}

// PublicUser is the user representation returned to clients
type PublicUser struct {
	ID               string `json:"id"`
	Email            string `json:"email"`
	TwoFactorEnabled bool   `json:"twoFactorEnabled"`
}

// Public strips credential fields
func (u *User) Public() PublicUser {
	return PublicUser{ID: u.ID, Email: u.Email, TwoFactorEnabled: u.TwoFactorEnabled}
}
