package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog.Logger with application-specific methods
type Logger struct {
	zerolog.Logger
}

// New creates a new Logger writing to stdout
func New(level string, format string) *Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	var out io.Writer = os.Stdout
	if format == "text" || format == "console" {
		out = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	return &Logger{Logger: zerolog.New(out).With().Timestamp().Caller().Logger()}
}

// NewWithWriter creates a JSON logger writing to w
func NewWithWriter(w io.Writer) *Logger {
	return &Logger{Logger: zerolog.New(w).With().Timestamp().Logger()}
}

// Nop returns a logger that discards everything
func Nop() *Logger {
	return &Logger{Logger: zerolog.Nop()}
}

// WithRequestID returns a new logger with the request ID attached
func (l *Logger) WithRequestID(requestID string) *Logger {
	return &Logger{
		Logger: l.With().Str("request_id", requestID).Logger(),
	}
}

// WithUserID returns a new logger with the user ID attached
func (l *Logger) WithUserID(userID string) *Logger {
	return &Logger{
		Logger: l.With().Str("user_id", userID).Logger(),
	}
}

// WithComponent returns a new logger with the component name attached
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		Logger: l.With().Str("component", component).Logger(),
	}
}

// HTTPRequestFields describes one served request
type HTTPRequestFields struct {
	Method   string
	Route    string
	Path     string
	Status   int
	Bytes    int
	Duration time.Duration
	ClientIP string
	// Probe marks health and metrics polling, which is logged at debug
	Probe bool
}

// HTTPRequest logs a served request. Server errors log at error, client
// errors at warn so rate-limit and lockout spikes stand out.
func (l *Logger) HTTPRequest(f HTTPRequestFields) {
	var event *zerolog.Event
	switch {
	case f.Status >= 500:
		event = l.Error()
	case f.Status >= 400:
		event = l.Warn()
	case f.Probe:
		event = l.Debug()
	default:
		event = l.Info()
	}

	event.
		Str("method", f.Method).
		Str("route", f.Route).
		Str("path", f.Path).
		Int("status", f.Status).
		Int("bytes", f.Bytes).
		Dur("duration", f.Duration).
		Str("client_ip", f.ClientIP).
		Msg("HTTP request")
}

// AuditLog writes an audit event to the log stream. It is the local sink
// for events the audit store could not accept.
func (l *Logger) AuditLog(action, actor string, flagged bool, riskScore int, fields map[string]interface{}) {
	event := l.Warn().
		Str("audit", "true").
		Str("action", action).
		Str("actor", actor).
		Bool("flagged", flagged).
		Int("risk_score", riskScore)

	if fields != nil {
		event.Fields(fields)
	}

	event.Msg("audit event not persisted")
}
