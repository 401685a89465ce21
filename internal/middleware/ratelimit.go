package middleware

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/coursemart/signin/internal/clientinfo"
	"github.com/coursemart/signin/internal/service"
)

// Limiter is the shared counter a rate limit middleware draws on
type Limiter interface {
	Check(ctx context.Context, ip, identifier string) (service.RateDecision, error)
}

// RateLimitConfig holds configuration for a specific rate limit
type RateLimitConfig struct {
	Limit   int
	Limiter Limiter
	// KeyFn picks the identifier counted alongside the client IP
	KeyFn func(*http.Request) string
}

// RateLimit caps requests per client IP before they reach a handler. A
// counter store failure rejects the request.
func (m *Middleware) RateLimit(cfg RateLimitConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientinfo.ClientIP(r.Header, r.RemoteAddr)
			key := ""
			if cfg.KeyFn != nil {
				key = cfg.KeyFn(r)
			}

			decision, err := cfg.Limiter.Check(r.Context(), ip, key)
			if err != nil {
				m.log.Error().Err(err).Str("request_id", GetRequestID(r.Context())).Msg("rate limit check failed")
				writeError(w, http.StatusServiceUnavailable, "unavailable", "Service temporarily unavailable")
				return
			}

			remaining := cfg.Limit - int(decision.Count)
			if remaining < 0 {
				remaining = 0
			}
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(cfg.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(decision.Remaining).Unix(), 10))

			if !decision.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(decision.Remaining.Seconds()))))
				writeError(w, http.StatusTooManyRequests, "rate_limited", "Too many requests. Please try again later.")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// PathKey counts requests per route
func PathKey(r *http.Request) string {
	return r.Method + " " + r.URL.Path
}
