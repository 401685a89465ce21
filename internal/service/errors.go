package service

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInvalidCredentials     = errors.New("invalid email or password")
	ErrRateLimited            = errors.New("too many sign-in attempts")
	ErrAccountLocked          = errors.New("account is temporarily locked")
	ErrRateLimiterUnavailable = errors.New("rate limiter unavailable")
	ErrChallengeNotFound      = errors.New("challenge not found or expired")
	ErrMethodNotOffered       = errors.New("verification method not offered for this challenge")
	ErrMethodUnsupported      = errors.New("verification method is completed by another service")
	ErrInvalidCode            = errors.New("invalid verification code")
	ErrChallengeBusy          = errors.New("challenge is being verified by another request")
	ErrSessionNotFound        = errors.New("session not found or no longer active")
)

// RateLimitedError carries the time left in the current window
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("%s, retry in %s", ErrRateLimited, e.RetryAfter.Round(time.Second))
}

// Is lets errors.Is(err, ErrRateLimited) match
func (e *RateLimitedError) Is(target error) bool { return target == ErrRateLimited }

// RetryAfterMinutes rounds the wait up to whole minutes, never below one
func (e *RateLimitedError) RetryAfterMinutes() int {
	return ceilMinutes(e.RetryAfter)
}

// AccountLockedError carries the lock expiry
type AccountLockedError struct {
	Until time.Time
}

func (e *AccountLockedError) Error() string {
	return fmt.Sprintf("%s until %s", ErrAccountLocked, e.Until.UTC().Format(time.RFC3339))
}

// Is lets errors.Is(err, ErrAccountLocked) match
func (e *AccountLockedError) Is(target error) bool { return target == ErrAccountLocked }

// RemainingMinutes is the lock time left as of now, rounded up
func (e *AccountLockedError) RemainingMinutes(now time.Time) int {
	return ceilMinutes(e.Until.Sub(now))
}

func ceilMinutes(d time.Duration) int {
	m := int(math.Ceil(d.Minutes()))
	if m < 1 {
		return 1
	}
	return m
}

// generateID returns a prefixed identifier carrying a full random UUID (122 random bits)
func generateID(prefix string) string {
	clean := strings.ReplaceAll(uuid.New().String(), "-", "")
	if prefix != "" {
		return prefix + "_" + clean
	}
	return clean
}
