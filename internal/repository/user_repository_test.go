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

var userCols = []string{
	"id", "email", "password_hash", "status", "two_factor_enabled", "two_factor_method",
	"failed_attempts", "locked_until", "created_at", "updated_at",
}

func TestUserRepository_FindUserByEmail(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := NewUserRepository(db)

	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta("WHERE lower(email) = $1")).
		WithArgs("ada@example.com").
		WillReturnRows(sqlmock.NewRows(userCols).AddRow(
			"usr_1", "ada@example.com", "$argon2id$...", "active", true, "totp", 2, nil, now, now,
		))

	user, err := repo.FindUserByEmail(context.Background(), "  Ada@Example.com ")
	require.NoError(t, err)
	assert.Equal(t, "usr_1", user.ID)
	assert.True(t, user.TwoFactorEnabled)
	require.NotNil(t, user.TwoFactorMethod)
	assert.Equal(t, model.MFAMethodTOTP, *user.TwoFactorMethod)
	assert.Equal(t, 2, user.FailedAttempts)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepository_FindUserByEmailNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := NewUserRepository(db)

	mock.ExpectQuery("FROM users").WillReturnRows(sqlmock.NewRows(userCols))

	_, err = repo.FindUserByEmail(context.Background(), "nobody@example.com")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUserRepository_RecordFailedAttempt(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := NewUserRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("SET failed_attempts = failed_attempts + 1")).
		WithArgs("usr_1").
		WillReturnRows(sqlmock.NewRows([]string{"failed_attempts"}).AddRow(5))

	n, err := repo.RecordFailedAttempt(context.Background(), "usr_1")
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepository_LockAndReset(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := NewUserRepository(db)

	until := time.Now().Add(15 * time.Minute)
	mock.ExpectExec(regexp.QuoteMeta("SET locked_until = $1, status = 'locked'")).
		WithArgs(until, "usr_1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("SET failed_attempts = 0, locked_until = NULL")).
		WithArgs("usr_1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.LockUntil(context.Background(), "usr_1", until))
	require.NoError(t, repo.ResetFailedAttempts(context.Background(), "usr_1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepository_UpdatePasswordHash(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := NewUserRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("SET password_hash = $1")).
		WithArgs("$argon2id$new", "usr_1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("SET password_hash = $1")).
		WithArgs("$argon2id$new", "usr_gone").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, repo.UpdatePasswordHash(context.Background(), "usr_1", "$argon2id$new"))
	assert.ErrorIs(t, repo.UpdatePasswordHash(context.Background(), "usr_gone", "$argon2id$new"), ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
