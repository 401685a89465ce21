package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/coursemart/signin/internal/auth"
	"github.com/coursemart/signin/internal/config"
	"github.com/coursemart/signin/internal/logger"
	"github.com/coursemart/signin/internal/metrics"
	"github.com/coursemart/signin/internal/model"
	"github.com/coursemart/signin/internal/repository"
)

// SessionStore persists sessions
type SessionStore interface {
	Create(ctx context.Context, s *model.Session) error
	GetByID(ctx context.Context, id string) (*model.Session, error)
	Deactivate(ctx context.Context, id string) error
}

// IssueRequest describes the session to create
type IssueRequest struct {
	UserID      string
	Email       string
	DeviceID    string
	Trusted     bool
	Bypassed2FA bool
	RiskScore   int
	Client      model.ClientContext
}

// IssuedSession is a persisted session with its bearer token
type IssuedSession struct {
	Session      *model.Session
	Token        string
	RefreshToken string
	Lifetime     time.Duration
}

// SessionIssuer creates sessions and their signed tokens
type SessionIssuer struct {
	store   SessionStore
	signer  *auth.TokenSigner
	cfg     config.SessionConfig
	timeout time.Duration
	now     func() time.Time
	log     *logger.Logger
}

// NewSessionIssuer creates a new SessionIssuer
func NewSessionIssuer(store SessionStore, signer *auth.TokenSigner, cfg config.SessionConfig, timeout time.Duration, log *logger.Logger) *SessionIssuer {
	return &SessionIssuer{
		store:   store,
		signer:  signer,
		cfg:     cfg,
		timeout: timeout,
		now:     time.Now,
		log:     log.WithComponent("session"),
	}
}

// Lifetime returns the session duration for the trust decision
func (s *SessionIssuer) Lifetime(trusted bool) time.Duration {
	if trusted {
		return s.cfg.TrustedTTL
	}
	return s.cfg.UntrustedTTL
}

// Issue persists a new session and only then signs its token
func (s *SessionIssuer) Issue(ctx context.Context, req IssueRequest) (*IssuedSession, error) {
	refresh, err := randomToken(32)
	if err != nil {
		return nil, fmt.Errorf("generate refresh token: %w", err)
	}

	now := s.now().UTC().Truncate(time.Second)
	lifetime := s.Lifetime(req.Trusted)
	session := &model.Session{
		ID:               generateID("ses"),
		UserID:           req.UserID,
		DeviceID:         req.DeviceID,
		RefreshTokenHash: auth.HashToken(refresh),
		IPAddress:        req.Client.IP,
		UserAgent:        req.Client.UserAgent,
		Location:         req.Client.Location(),
		Trusted:          req.Trusted,
		Bypassed2FA:      req.Bypassed2FA,
		RiskScore:        req.RiskScore,
		Active:           true,
		ExpiresAt:        now.Add(lifetime),
		CreatedAt:        now,
	}

	storeCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.store.Create(storeCtx, session); err != nil {
		metrics.DependencyErrorsTotal.WithLabelValues("session_store").Inc()
		return nil, fmt.Errorf("persist session: %w", err)
	}

	token, err := s.signer.Sign(req.UserID, session.ID, req.Email, now, session.ExpiresAt)
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("user_id", req.UserID).
		Str("session_id", session.ID).
		Bool("trusted", req.Trusted).
		Bool("bypassed_2fa", req.Bypassed2FA).
		Dur("lifetime", lifetime).
		Msg("session issued")

	return &IssuedSession{
		Session:      session,
		Token:        token,
		RefreshToken: refresh,
		Lifetime:     lifetime,
	}, nil
}

// Validate verifies a bearer token and that its session is still active
func (s *SessionIssuer) Validate(ctx context.Context, token string) (*auth.SessionClaims, *model.Session, error) {
	claims, err := s.signer.Parse(token)
	if err != nil {
		return nil, nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	session, err := s.store.GetByID(ctx, claims.SessionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil, ErrSessionNotFound
		}
		return nil, nil, fmt.Errorf("load session: %w", err)
	}
	if session.UserID != claims.Subject || !session.IsValid(s.now()) {
		return nil, nil, ErrSessionNotFound
	}
	return claims, session, nil
}

// Revoke marks a session inactive
func (s *SessionIssuer) Revoke(ctx context.Context, sessionID string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.store.Deactivate(ctx, sessionID); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	s.log.Info().Str("session_id", sessionID).Msg("session revoked")
	return nil
}

func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
