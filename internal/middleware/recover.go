package middleware

import (
	"errors"
	"net/http"
	"runtime/debug"

	"github.com/coursemart/signin/internal/metrics"
)

// Recover turns a handler panic into a 500 envelope. http.ErrAbortHandler is
// re-raised so the server can drop the connection as the handler asked.
func (m *Middleware) Recover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rv := recover()
			if rv == nil {
				return
			}
			if err, ok := rv.(error); ok && errors.Is(err, http.ErrAbortHandler) {
				panic(rv)
			}

			metrics.PanicsTotal.Inc()
			m.log.WithRequestID(GetRequestID(r.Context())).Error().
				Interface("panic", rv).
				Bytes("stack", debug.Stack()).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Msg("handler panicked")

			writeError(w, http.StatusInternalServerError, "internal_error", "An unexpected error occurred")
		}()

		next.ServeHTTP(w, r)
	})
}
