package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/coursemart/signin/internal/model"
)

// SessionRepository handles session persistence
type SessionRepository struct {
	db DBTX
}

// NewSessionRepository creates a new SessionRepository
func NewSessionRepository(db DBTX) *SessionRepository {
	return &SessionRepository{db: db}
}

// Create inserts a new session
func (r *SessionRepository) Create(ctx context.Context, s *model.Session) error {
	query := `
		INSERT INTO sessions (id, user_id, device_id, refresh_token_hash, ip_address, user_agent,
		    location, trusted, bypassed_2fa, risk_score, active, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, TRUE, $11, $12)
	`
	_, err := r.db.ExecContext(ctx, query,
		s.ID,
		s.UserID,
		s.DeviceID,
		s.RefreshTokenHash,
		s.IPAddress,
		s.UserAgent,
		s.Location,
		s.Trusted,
		s.Bypassed2FA,
		s.RiskScore,
		s.ExpiresAt,
		s.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// GetByID retrieves a session by ID
func (r *SessionRepository) GetByID(ctx context.Context, id string) (*model.Session, error) {
	query := `
		SELECT id, user_id, device_id, refresh_token_hash, ip_address, user_agent, location,
		       trusted, bypassed_2fa, risk_score, active, expires_at, revoked_at, created_at
		FROM sessions
		WHERE id = $1
	`
	var s model.Session
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&s.ID,
		&s.UserID,
		&s.DeviceID,
		&s.RefreshTokenHash,
		&s.IPAddress,
		&s.UserAgent,
		&s.Location,
		&s.Trusted,
		&s.Bypassed2FA,
		&s.RiskScore,
		&s.Active,
		&s.ExpiresAt,
		&s.RevokedAt,
		&s.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return &s, nil
}

// Deactivate marks a session inactive. Sessions are never otherwise mutated.
func (r *SessionRepository) Deactivate(ctx context.Context, id string) error {
	query := `
		UPDATE sessions
		SET active = FALSE, revoked_at = NOW()
		WHERE id = $1 AND active = TRUE
	`
	_, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to deactivate session: %w", err)
	}
	return nil
}
