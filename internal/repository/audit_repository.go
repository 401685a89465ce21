package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/coursemart/signin/internal/model"
	"github.com/lib/pq"
)

// AuditRepository handles audit log persistence
type AuditRepository struct {
	db DBTX
}

// NewAuditRepository creates a new AuditRepository
func NewAuditRepository(db DBTX) *AuditRepository {
	return &AuditRepository{db: db}
}

// Create inserts a new audit event
func (r *AuditRepository) Create(ctx context.Context, e *model.AuditEvent) error {
	metadataJSON, err := json.Marshal(e.Metadata)
	if err != nil || e.Metadata == nil {
		metadataJSON = []byte("{}")
	}

	query := `
		INSERT INTO audit_logs (id, user_id, email, action, ip_address, user_agent,
		    country, city, region, device_type, browser, os,
		    risk_score, risk_factors, flagged, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`
	_, err = r.db.ExecContext(ctx, query,
		e.ID,
		e.UserID,
		e.Email,
		e.Action,
		e.Client.IP,
		e.Client.UserAgent,
		e.Client.Country,
		e.Client.City,
		e.Client.Region,
		e.Client.DeviceType,
		e.Client.Browser,
		e.Client.OS,
		e.RiskScore,
		pq.Array(e.RiskFactors),
		e.Flagged,
		metadataJSON,
		e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create audit log: %w", err)
	}
	return nil
}

// RecentByUser returns the user's sign-in events since the given time, newest first
func (r *AuditRepository) RecentByUser(ctx context.Context, userID string, since time.Time, limit int) ([]model.LoginRecord, error) {
	query := `
		SELECT action, ip_address, country, city, device_type, browser, os, created_at
		FROM audit_logs
		WHERE user_id = $1 AND created_at >= $2
		ORDER BY created_at DESC
		LIMIT $3
	`
	rows, err := r.db.QueryContext(ctx, query, userID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query login history: %w", err)
	}
	defer rows.Close()

	var records []model.LoginRecord
	for rows.Next() {
		var rec model.LoginRecord
		if err := rows.Scan(
			&rec.Action,
			&rec.IPAddress,
			&rec.Country,
			&rec.City,
			&rec.DeviceType,
			&rec.Browser,
			&rec.OS,
			&rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan login history: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
