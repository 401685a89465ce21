package middleware

import (
	"context"
	"net/http"
	"regexp"

	"github.com/google/uuid"
)

type contextKey string

// RequestIDKey holds the correlation id shared by logs, audit rows and the
// X-Request-ID response header.
const RequestIDKey contextKey = "request_id"

// Upstream ids end up in log lines and audit metadata, so anything outside
// this alphabet is replaced rather than trusted.
var requestIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

// correlationHeaders are checked in order for an id set by an edge proxy
var correlationHeaders = []string{"X-Request-ID", "X-Correlation-ID"}

// RequestID tags each request with a correlation id
func (m *Middleware) RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := upstreamRequestID(r.Header)
		if id == "" {
			id = uuid.NewString()
		}

		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(WithRequestID(r.Context(), id)))
	})
}

func upstreamRequestID(h http.Header) string {
	for _, name := range correlationHeaders {
		if id := h.Get(name); requestIDPattern.MatchString(id) {
			return id
		}
	}
	return ""
}

// WithRequestID stores id on ctx. Background work started from a request
// keeps the id through context.WithoutCancel.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDKey, id)
}

// GetRequestID returns the correlation id, or "" outside a request
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(RequestIDKey).(string)
	return id
}
