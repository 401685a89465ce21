package router

import (
	"net/http"

	"github.com/coursemart/signin/internal/handler"
	"github.com/coursemart/signin/internal/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Deps are the pieces the router wires beyond the handlers themselves
type Deps struct {
	// IPLimiter caps raw request volume per client IP
	IPLimiter middleware.Limiter
	// IPLimit is the limit IPLimiter enforces, echoed in X-RateLimit-Limit
	IPLimit     int
	Sessions    middleware.SessionValidator
	CORSOrigins []string
}

// New creates and configures the HTTP router
func New(h *handler.Handler, mw *middleware.Middleware, deps Deps) http.Handler {
	mux := http.NewServeMux()

	// Health check endpoints (no auth required)
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /ready", h.Ready)
	mux.Handle("GET /metrics", promhttp.Handler())

	// Public sign-in routes. Per-credential limits live in the services;
	// this only caps request volume per IP.
	ipRateLimit := mw.RateLimit(middleware.RateLimitConfig{
		Limit:   deps.IPLimit,
		Limiter: deps.IPLimiter,
		KeyFn:   middleware.PathKey,
	})
	mux.Handle("POST /api/v1/auth/login", ipRateLimit(http.HandlerFunc(h.Login)))
	mux.Handle("POST /api/v1/auth/2fa/verify", ipRateLimit(http.HandlerFunc(h.VerifyChallenge)))

	// Protected routes (require a live session)
	authMw := mw.Auth(deps.Sessions)
	mux.Handle("POST /api/v1/auth/logout", authMw(http.HandlerFunc(h.Logout)))
	mux.Handle("GET /api/v1/auth/session", authMw(http.HandlerFunc(h.Session)))
	mux.Handle("GET /api/v1/devices", authMw(http.HandlerFunc(h.ListDevices)))

	// Apply middleware stack
	var handler http.Handler = mux

	handler = mw.CORS(deps.CORSOrigins)(handler)

	// Security headers
	handler = mw.SecurityHeaders(handler)

	// Request logging
	handler = mw.Logger(handler)

	// Request ID
	handler = mw.RequestID(handler)

	// Panic recovery (outermost)
	handler = mw.Recover(handler)

	return handler
}
