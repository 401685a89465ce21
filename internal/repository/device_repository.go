package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/coursemart/signin/internal/model"
)

const deviceColumns = `id, user_id, fingerprint_hash, trusted, is_account_creation_device,
	device_type, browser, os, user_agent, last_ip, last_location, usage_count,
	last_used, trusted_at, created_at, updated_at`

// DeviceRepository handles device data persistence
type DeviceRepository struct {
	db DBTX
}

// NewDeviceRepository creates a new DeviceRepository
func NewDeviceRepository(db DBTX) *DeviceRepository {
	return &DeviceRepository{db: db}
}

// Create inserts a device seen for the first time. Trust and account-creation
// flags are always false here. Returns ErrDuplicate when the user already has
// a device with the same fingerprint.
func (r *DeviceRepository) Create(ctx context.Context, d model.NewDevice) (*model.Device, error) {
	metadata, err := json.Marshal(d.Metadata)
	if err != nil {
		metadata = []byte("{}")
	}

	query := `
		INSERT INTO devices (id, user_id, fingerprint_hash, trusted, is_account_creation_device,
		    device_type, browser, os, user_agent, last_ip, last_location, metadata,
		    usage_count, last_used, created_at, updated_at)
		VALUES ($1, $2, $3, FALSE, FALSE, $4, $5, $6, $7, $8, $9, $10, 1, NOW(), NOW(), NOW())
		RETURNING ` + deviceColumns
	row := r.db.QueryRowContext(ctx, query,
		d.ID,
		d.UserID,
		d.Fingerprint,
		d.DeviceType,
		d.Browser,
		d.OS,
		d.UserAgent,
		d.IP,
		d.Location,
		metadata,
	)
	device, err := scanDevice(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return device, nil
}

// GetByUserAndFingerprint finds a device within one user's device set
func (r *DeviceRepository) GetByUserAndFingerprint(ctx context.Context, userID, fingerprintHash string) (*model.Device, error) {
	query := `SELECT ` + deviceColumns + `
		FROM devices
		WHERE user_id = $1 AND fingerprint_hash = $2
	`
	return scanDevice(r.db.QueryRowContext(ctx, query, userID, fingerprintHash))
}

// RecordUsage bumps usage statistics and last-seen metadata. It never
// touches the trust or account-creation flags.
func (r *DeviceRepository) RecordUsage(ctx context.Context, id string, u model.DeviceUsage) (*model.Device, error) {
	query := `
		UPDATE devices
		SET usage_count = usage_count + 1, last_used = NOW(), user_agent = $1,
		    last_ip = $2, last_location = $3, browser = $4, os = $5, updated_at = NOW()
		WHERE id = $6
		RETURNING ` + deviceColumns
	return scanDevice(r.db.QueryRowContext(ctx, query, u.UserAgent, u.IP, u.Location, u.Browser, u.OS, id))
}

// MarkTrusted sets the trust flag on a device owned by userID
func (r *DeviceRepository) MarkTrusted(ctx context.Context, userID, id string) error {
	query := `
		UPDATE devices
		SET trusted = TRUE, trusted_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND user_id = $2
	`
	res, err := r.db.ExecContext(ctx, query, id, userID)
	if err != nil {
		return fmt.Errorf("failed to mark device trusted: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to mark device trusted: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListByUser returns all devices for a user, most recently used first
func (r *DeviceRepository) ListByUser(ctx context.Context, userID string) ([]model.Device, error) {
	query := `SELECT ` + deviceColumns + `
		FROM devices
		WHERE user_id = $1
		ORDER BY last_used DESC
	`
	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query user devices: %w", err)
	}
	defer rows.Close()

	var devices []model.Device
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, *device)
	}
	return devices, rows.Err()
}

// CountByUser returns the number of devices a user has signed in from
func (r *DeviceRepository) CountByUser(ctx context.Context, userID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM devices WHERE user_id = $1`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count devices: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDevice(row rowScanner) (*model.Device, error) {
	var d model.Device
	err := row.Scan(
		&d.ID,
		&d.UserID,
		&d.Fingerprint,
		&d.Trusted,
		&d.IsAccountCreationDevice,
		&d.DeviceType,
		&d.Browser,
		&d.OS,
		&d.UserAgent,
		&d.LastIP,
		&d.LastLocation,
		&d.UsageCount,
		&d.LastUsed,
		&d.TrustedAt,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan device: %w", err)
	}
	return &d, nil
}
