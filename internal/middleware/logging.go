package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/coursemart/signin/internal/clientinfo"
	"github.com/coursemart/signin/internal/logger"
	"github.com/coursemart/signin/internal/metrics"
)

// statusRecorder captures what the handler chain wrote so it can be logged
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	n, err := s.ResponseWriter.Write(b)
	s.bytes += n
	return n, err
}

// probePaths are polled constantly by orchestrators and only logged at debug
var probePaths = map[string]bool{
	"/health":  true,
	"/ready":   true,
	"/metrics": true,
}

// Logger records one line and one metrics sample per request. The route label
// is the matched mux pattern so unknown paths cannot blow up cardinality.
func (m *Middleware) Logger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}

		next.ServeHTTP(rec, r)

		if rec.status == 0 {
			rec.status = http.StatusOK
		}
		elapsed := time.Since(start)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(elapsed.Seconds())

		m.log.WithRequestID(GetRequestID(r.Context())).HTTPRequest(logger.HTTPRequestFields{
			Method:   r.Method,
			Route:    route,
			Path:     r.URL.Path,
			Status:   rec.status,
			Bytes:    rec.bytes,
			Duration: elapsed,
			ClientIP: clientinfo.ClientIP(r.Header, r.RemoteAddr),
			Probe:    probePaths[r.URL.Path],
		})
	})
}
