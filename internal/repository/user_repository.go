package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coursemart/signin/internal/model"
)

// UserRepository is the credential store
type UserRepository struct {
	db DBTX
}

// NewUserRepository creates a new UserRepository
func NewUserRepository(db DBTX) *UserRepository {
	return &UserRepository{db: db}
}

// GetByID retrieves a user by ID
func (r *UserRepository) GetByID(ctx context.Context, id string) (*model.User, error) {
	query := `
		SELECT id, email, password_hash, status, two_factor_enabled, two_factor_method,
		       failed_attempts, locked_until, created_at, updated_at
		FROM users
		WHERE id = $1
	`
	return r.scanUser(r.db.QueryRowContext(ctx, query, id))
}

// FindUserByEmail retrieves a user by email, case-insensitively
func (r *UserRepository) FindUserByEmail(ctx context.Context, email string) (*model.User, error) {
	query := `
		SELECT id, email, password_hash, status, two_factor_enabled, two_factor_method,
		       failed_attempts, locked_until, created_at, updated_at
		FROM users
		WHERE lower(email) = $1
	`
	return r.scanUser(r.db.QueryRowContext(ctx, query, strings.ToLower(strings.TrimSpace(email))))
}

// RecordFailedAttempt increments the consecutive failure counter and returns the new value
func (r *UserRepository) RecordFailedAttempt(ctx context.Context, id string) (int, error) {
	query := `
		UPDATE users
		SET failed_attempts = failed_attempts + 1, updated_at = NOW()
		WHERE id = $1
		RETURNING failed_attempts
	`
	var attempts int
	err := r.db.QueryRowContext(ctx, query, id).Scan(&attempts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("failed to increment failed attempts: %w", err)
	}
	return attempts, nil
}

// ResetFailedAttempts clears the failure counter and any expired lock
func (r *UserRepository) ResetFailedAttempts(ctx context.Context, id string) error {
	query := `
		UPDATE users
		SET failed_attempts = 0, locked_until = NULL,
		    status = CASE WHEN status = 'locked' THEN 'active' ELSE status END,
		    updated_at = NOW()
		WHERE id = $1
	`
	_, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to reset failed attempts: %w", err)
	}
	return nil
}

// LockUntil locks the account until the given time
func (r *UserRepository) LockUntil(ctx context.Context, id string, until time.Time) error {
	query := `
		UPDATE users
		SET locked_until = $1, status = 'locked', updated_at = NOW()
		WHERE id = $2
	`
	_, err := r.db.ExecContext(ctx, query, until, id)
	if err != nil {
		return fmt.Errorf("failed to lock user: %w", err)
	}
	return nil
}

// UpdatePasswordHash swaps in a rehashed password after a successful sign-in
func (r *UserRepository) UpdatePasswordHash(ctx context.Context, id, hash string) error {
	query := `
		UPDATE users
		SET password_hash = $1, updated_at = NOW()
		WHERE id = $2
	`
	res, err := r.db.ExecContext(ctx, query, hash, id)
	if err != nil {
		return fmt.Errorf("failed to update password hash: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *UserRepository) scanUser(row *sql.Row) (*model.User, error) {
	var user model.User
	var method sql.NullString
	err := row.Scan(
		&user.ID,
		&user.Email,
		&user.PasswordHash,
		&user.Status,
		&user.TwoFactorEnabled,
		&method,
		&user.FailedAttempts,
		&user.LockedUntil,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}
	if method.Valid && method.String != "" {
		m := model.MFAMethodType(method.String)
		user.TwoFactorMethod = &m
	}
	return &user, nil
}
