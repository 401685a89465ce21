package signin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
)

type contextKey string

const sessionContextKey contextKey = "signin_session"

// MiddlewareConfig configures the session middleware.
type MiddlewareConfig struct {
	// SkipPaths is a list of path prefixes that do not require a session.
	// Example: []string{"/health", "/public/"}
	SkipPaths []string

	// LoginURL is the sign-in page. When set, unauthenticated browser
	// requests are redirected there with ?return_url= appended instead of
	// receiving a 401.
	LoginURL string

	// RequireTrustedDevice rejects sessions started from an untrusted device (HTTP 403).
	RequireTrustedDevice bool
}

// RequireSession returns net/http middleware that authenticates requests
// against the sign-in server. The session is read from the Authorization
// header first, then the session cookie.
//
// Retrieve the session in handlers with SessionFromContext.
func (c *Client) RequireSession(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, p := range cfg.SkipPaths {
				if strings.HasPrefix(r.URL.Path, p) {
					next.ServeHTTP(w, r)
					return
				}
			}

			token := tokenFromRequest(r, c.cfg.SessionCookieName)
			current, err := c.CurrentSession(r.Context(), token)
			if err != nil {
				c.rejectUnauthenticated(w, r, cfg, err)
				return
			}

			if cfg.RequireTrustedDevice && !current.Session.Trusted {
				writeJSONError(w, http.StatusForbidden, "device_not_trusted", "This action requires a trusted device")
				return
			}

			ctx := context.WithValue(r.Context(), sessionContextKey, current)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// SessionFromContext returns the session RequireSession attached, or nil.
func SessionFromContext(ctx context.Context) *CurrentSession {
	s, _ := ctx.Value(sessionContextKey).(*CurrentSession)
	return s
}

func (c *Client) rejectUnauthenticated(w http.ResponseWriter, r *http.Request, cfg MiddlewareConfig, err error) {
	if !errors.Is(err, ErrNoToken) && !errors.Is(err, ErrSessionInvalid) {
		writeJSONError(w, http.StatusBadGateway, "signin_unavailable", "Session could not be verified")
		return
	}

	if cfg.LoginURL != "" && r.Method == http.MethodGet {
		target := cfg.LoginURL + "?return_url=" + url.QueryEscape(currentURL(r))
		http.Redirect(w, r, target, http.StatusFound)
		return
	}

	writeJSONError(w, http.StatusUnauthorized, "unauthorized", "Authentication required")
}

func tokenFromRequest(r *http.Request, cookieName string) string {
	if auth := r.Header.Get("Authorization"); len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	if cookie, err := r.Cookie(cookieName); err == nil {
		return cookie.Value
	}
	return ""
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]string{"code": code, "message": message},
	})
}

func currentURL(r *http.Request) string {
	scheme := "https"
	if r.TLS == nil {
		scheme = "http"
	}
	return scheme + "://" + r.Host + r.RequestURI
}
