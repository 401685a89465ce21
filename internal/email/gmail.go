package email

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"net/mail"
	"strings"

	"github.com/coursemart/signin/internal/config"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const mimeBoundary = "boundary_coursemart_signin"

// GmailSender implements Sender using the Gmail API.
type GmailSender struct {
	service       *gmail.Service
	senderAddress string
	senderName    string
}

// NewGmailSender creates a GmailSender. A service account JSON (with
// domain-wide delegation) takes precedence over client id/secret plus a
// refresh token for the sender mailbox.
func NewGmailSender(ctx context.Context, cfg config.GmailEmailConfig) (*GmailSender, error) {
	if cfg.SenderAddress == "" {
		return nil, fmt.Errorf("gmail: sender address is required")
	}

	var opt option.ClientOption
	switch {
	case cfg.CredentialsJSON != "":
		jwtConfig, err := google.JWTConfigFromJSON([]byte(cfg.CredentialsJSON), gmail.GmailSendScope)
		if err != nil {
			return nil, fmt.Errorf("gmail: failed to parse credentials: %w", err)
		}
		jwtConfig.Subject = cfg.SenderAddress
		opt = option.WithHTTPClient(jwtConfig.Client(ctx))
	case cfg.ClientID != "" && cfg.RefreshToken != "":
		oauthCfg := &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     google.Endpoint,
			Scopes:       []string{gmail.GmailSendScope},
		}
		opt = option.WithHTTPClient(oauthCfg.Client(ctx, &oauth2.Token{RefreshToken: cfg.RefreshToken}))
	default:
		return nil, fmt.Errorf("gmail: credentials JSON or client id and refresh token are required")
	}

	svc, err := gmail.NewService(ctx, opt)
	if err != nil {
		return nil, fmt.Errorf("gmail: failed to create service: %w", err)
	}

	return &GmailSender{
		service:       svc,
		senderAddress: cfg.SenderAddress,
		senderName:    cfg.SenderName,
	}, nil
}

// Send delivers msg from the configured mailbox. Quota and auth failures
// carry the Gmail status code so callers can tell them from network errors.
func (g *GmailSender) Send(ctx context.Context, msg Message) error {
	from := g.senderAddress
	if g.senderName != "" {
		from = (&mail.Address{Name: g.senderName, Address: g.senderAddress}).String()
	}

	raw := &gmail.Message{
		Raw: base64.URLEncoding.EncodeToString([]byte(buildMIME(from, msg))),
	}

	if _, err := g.service.Users.Messages.Send("me", raw).Context(ctx).Do(); err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) {
			return fmt.Errorf("gmail: send rejected with status %d: %w", apiErr.Code, err)
		}
		return fmt.Errorf("gmail: send: %w", err)
	}
	return nil
}

// headerValue drops line breaks so a crafted address or subject cannot
// smuggle extra headers into the message.
func headerValue(v string) string {
	return strings.NewReplacer("\r", "", "\n", "").Replace(v)
}

// buildMIME renders msg as an RFC 5322 message, multipart when both bodies are set
func buildMIME(from string, msg Message) string {
	headers := []string{
		"From: " + headerValue(from),
		"To: " + headerValue(msg.To),
		"Subject: " + mime.QEncoding.Encode("utf-8", headerValue(msg.Subject)),
		"MIME-Version: 1.0",
	}

	part := func(contentType, content string) []string {
		return []string{
			"Content-Type: " + contentType + "; charset=UTF-8",
			"Content-Transfer-Encoding: 8bit",
			"",
			content,
		}
	}

	var body []string
	switch {
	case msg.HTMLBody != "" && msg.TextBody != "":
		body = append(body, "Content-Type: multipart/alternative; boundary="+mimeBoundary, "")
		body = append(body, "--"+mimeBoundary)
		body = append(body, part("text/plain", msg.TextBody)...)
		body = append(body, "", "--"+mimeBoundary)
		body = append(body, part("text/html", msg.HTMLBody)...)
		body = append(body, "", "--"+mimeBoundary+"--")
	case msg.HTMLBody != "":
		body = part("text/html", msg.HTMLBody)
	default:
		body = part("text/plain", msg.TextBody)
	}

	return strings.Join(append(headers, body...), "\r\n")
}
