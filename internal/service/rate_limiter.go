package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/coursemart/signin/internal/logger"
	"github.com/coursemart/signin/internal/metrics"
)

// CounterStore is a shared store with an atomic increment-with-expiry
type CounterStore interface {
	IncrWithExpiry(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
	Delete(ctx context.Context, keys ...string) error
}

// RateDecision is the outcome of one limiter check
type RateDecision struct {
	Count     int64
	Remaining time.Duration
	Allowed   bool
}

// RateLimiter is a fixed-window counter keyed by (client IP, identifier).
// Counting happens in the shared store, never in process memory.
type RateLimiter struct {
	store   CounterStore
	scope   string
	limit   int
	window  time.Duration
	timeout time.Duration
	log     *logger.Logger
}

// NewRateLimiter creates a limiter for one scope (e.g. "login")
func NewRateLimiter(store CounterStore, scope string, limit int, window, timeout time.Duration, log *logger.Logger) *RateLimiter {
	return &RateLimiter{
		store:   store,
		scope:   scope,
		limit:   limit,
		window:  window,
		timeout: timeout,
		log:     log.WithComponent("ratelimit"),
	}
}

// Check counts this attempt and reports whether it is within the limit. A
// store failure is returned as ErrRateLimiterUnavailable; it is never
// treated as permission to proceed.
func (l *RateLimiter) Check(ctx context.Context, ip, identifier string) (RateDecision, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	count, remaining, err := l.store.IncrWithExpiry(ctx, l.key(ip, identifier), l.window)
	if err != nil {
		metrics.DependencyErrorsTotal.WithLabelValues("rate_limiter").Inc()
		return RateDecision{}, fmt.Errorf("%w: %v", ErrRateLimiterUnavailable, err)
	}

	decision := RateDecision{
		Count:     count,
		Remaining: remaining,
		Allowed:   count <= int64(l.limit),
	}
	if !decision.Allowed {
		l.log.Warn().
			Str("scope", l.scope).
			Str("ip", ip).
			Int64("count", count).
			Dur("remaining", remaining).
			Msg("rate limit exceeded")
	}
	return decision, nil
}

// Clear drops the counter for (ip, identifier) ahead of its expiry
func (l *RateLimiter) Clear(ctx context.Context, ip, identifier string) error {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	if err := l.store.Delete(ctx, l.key(ip, identifier)); err != nil {
		return fmt.Errorf("clear rate limit: %w", err)
	}
	return nil
}

func (l *RateLimiter) key(ip, identifier string) string {
	sum := sha256.Sum256([]byte(ip + "|" + strings.ToLower(strings.TrimSpace(identifier))))
	return "ratelimit:" + l.scope + ":" + hex.EncodeToString(sum[:])
}
