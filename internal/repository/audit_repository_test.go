package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/coursemart/signin/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditRepository_Create(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := NewAuditRepository(db)

	event := &model.AuditEvent{
		ID:        "aud_1",
		Email:     "ada@example.com",
		Action:    model.AuditActionRateLimited,
		Client:    model.ClientContext{IP: "203.0.113.7", Country: "DE", City: "Berlin", Region: "BE"},
		RiskScore: 100,
		Flagged:   true,
		CreatedAt: time.Now(),
	}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO audit_logs")).
		WithArgs("aud_1", nil, "ada@example.com", model.AuditActionRateLimited, "203.0.113.7", "",
			"DE", "Berlin", "BE", "", "", "", 100, sqlmock.AnyArg(), true, []byte("{}"), event.CreatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Create(context.Background(), event))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditRepository_RecentByUser(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := NewAuditRepository(db)

	since := time.Now().Add(-24 * time.Hour)
	at := time.Now().Add(-time.Hour)
	mock.ExpectQuery(regexp.QuoteMeta("WHERE user_id = $1 AND created_at >= $2")).
		WithArgs("usr_1", since, 50).
		WillReturnRows(sqlmock.NewRows([]string{"action", "ip_address", "country", "city", "device_type", "browser", "os", "created_at"}).
			AddRow("login_success", "203.0.113.7", "DE", "Berlin", "desktop", "Firefox", "Linux", at).
			AddRow("login_failed", "198.51.100.2", "US", "Austin", "mobile", "Safari", "iOS", at))

	records, err := repo.RecentByUser(context.Background(), "usr_1", since, 50)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.True(t, records[0].Succeeded())
	assert.False(t, records[1].Succeeded())
	assert.Equal(t, "Austin", records[1].City)
}
