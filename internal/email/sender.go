package email

import (
	"context"

	"github.com/coursemart/signin/internal/logger"
)

// Sender is implemented by every email transport.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Message represents an email message to be sent.
type Message struct {
	To       string
	Subject  string
	HTMLBody string
	TextBody string // plain-text fallback
}

// LogSender writes messages to the log instead of sending them. Used in
// development and when no provider is configured.
type LogSender struct {
	log *logger.Logger
}

// NewLogSender creates a LogSender
func NewLogSender(log *logger.Logger) *LogSender {
	return &LogSender{log: log.WithComponent("email")}
}

// Send logs the message
func (s *LogSender) Send(_ context.Context, msg Message) error {
	s.log.Info().
		Str("to", msg.To).
		Str("subject", msg.Subject).
		Str("body", msg.TextBody).
		Msg("email not sent, log provider in use")
	return nil
}
