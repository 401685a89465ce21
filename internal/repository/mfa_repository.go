package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/coursemart/signin/internal/model"
)

// MFARepository reads second-factor enrollment
type MFARepository struct {
	db DBTX
}

// NewMFARepository creates a new MFARepository
func NewMFARepository(db DBTX) *MFARepository {
	return &MFARepository{db: db}
}

// ListMethodTypes returns the distinct methods a user has enrolled, primary first
func (r *MFARepository) ListMethodTypes(ctx context.Context, userID string) ([]model.MFAMethodType, error) {
	query := `
		SELECT method
		FROM mfa_methods
		WHERE user_id = $1
		GROUP BY method
		ORDER BY bool_or(is_primary) DESC, min(created_at) ASC
	`
	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query MFA methods: %w", err)
	}
	defer rows.Close()

	var methods []model.MFAMethodType
	for rows.Next() {
		var m model.MFAMethodType
		if err := rows.Scan(&m); err != nil {
			return nil, fmt.Errorf("failed to scan MFA method: %w", err)
		}
		methods = append(methods, m)
	}
	return methods, rows.Err()
}

// GetMethodByUserAndType retrieves a specific method for a user
func (r *MFARepository) GetMethodByUserAndType(ctx context.Context, userID string, method model.MFAMethodType) (*model.MFAMethod, error) {
	query := `
		SELECT id, user_id, method, secret, is_primary, last_used, created_at
		FROM mfa_methods
		WHERE user_id = $1 AND method = $2
		ORDER BY is_primary DESC
		LIMIT 1
	`
	var m model.MFAMethod
	var secret sql.NullString
	err := r.db.QueryRowContext(ctx, query, userID, method).Scan(
		&m.ID,
		&m.UserID,
		&m.Method,
		&secret,
		&m.IsPrimary,
		&m.LastUsed,
		&m.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get MFA method: %w", err)
	}
	m.Secret = secret.String
	return &m, nil
}

// TouchMethod records that a method was just used
func (r *MFARepository) TouchMethod(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE mfa_methods SET last_used = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to update MFA method: %w", err)
	}
	return nil
}

// CountUnusedBackupCodes returns how many backup codes remain
func (r *MFARepository) CountUnusedBackupCodes(ctx context.Context, userID string) (int, error) {
	var n int
	query := `SELECT COUNT(*) FROM backup_codes WHERE user_id = $1 AND used_at IS NULL`
	if err := r.db.QueryRowContext(ctx, query, userID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count backup codes: %w", err)
	}
	return n, nil
}

// ConsumeBackupCode marks a matching unused code as used. The update is a
// single statement so a code can be redeemed once even under concurrency.
func (r *MFARepository) ConsumeBackupCode(ctx context.Context, userID, codeHash string) error {
	query := `
		UPDATE backup_codes
		SET used_at = NOW()
		WHERE user_id = $1 AND code_hash = $2 AND used_at IS NULL
		RETURNING id
	`
	var id string
	err := r.db.QueryRowContext(ctx, query, userID, codeHash).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to consume backup code: %w", err)
	}
	return nil
}
