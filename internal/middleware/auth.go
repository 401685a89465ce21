package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/coursemart/signin/internal/auth"
	"github.com/coursemart/signin/internal/model"
)

// Context keys for authenticated user data
const (
	UserIDKey    contextKey = "user_id"
	SessionIDKey contextKey = "session_id"
	DeviceIDKey  contextKey = "device_id"
	EmailKey     contextKey = "email"
	SessionKey   contextKey = "session"
)

// SessionValidator checks a bearer token against the session store
type SessionValidator interface {
	Validate(ctx context.Context, token string) (*auth.SessionClaims, *model.Session, error)
}

// Auth creates an authentication middleware that requires a live session
func (m *Middleware) Auth(sessions SessionValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString := BearerToken(r, m.cfg.Cookie.SessionName)
			if tokenString == "" {
				writeError(w, http.StatusUnauthorized, "unauthorized", "Authentication required")
				return
			}

			claims, session, err := sessions.Validate(r.Context(), tokenString)
			if err != nil {
				m.log.Debug().Err(err).Str("request_id", GetRequestID(r.Context())).Msg("session validation failed")
				writeError(w, http.StatusUnauthorized, "session_expired", "The session is invalid or expired")
				return
			}

			ctx := r.Context()
			ctx = context.WithValue(ctx, UserIDKey, claims.Subject)
			ctx = context.WithValue(ctx, SessionIDKey, session.ID)
			ctx = context.WithValue(ctx, DeviceIDKey, session.DeviceID)
			ctx = context.WithValue(ctx, EmailKey, claims.Email)
			ctx = context.WithValue(ctx, SessionKey, session)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// BearerToken reads the token from the Authorization header, then the session cookie
func BearerToken(r *http.Request, cookieName string) string {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	if cookie, err := r.Cookie(cookieName); err == nil {
		return cookie.Value
	}
	return ""
}

// GetSession returns the session the Auth middleware attached
func GetSession(ctx context.Context) *model.Session {
	s, _ := ctx.Value(SessionKey).(*model.Session)
	return s
}
