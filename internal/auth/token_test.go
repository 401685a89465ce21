package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = strings.Repeat("k", 32)

func TestTokenSigner_RoundTrip(t *testing.T) {
	signer, err := NewTokenSigner(testSecret, "coursemart")
	require.NoError(t, err)

	now := time.Now().Truncate(time.Second)
	expires := now.Add(24 * time.Hour)

	token, err := signer.Sign("usr_1", "ses_1", "ada@example.com", now, expires)
	require.NoError(t, err)

	claims, err := signer.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, "usr_1", claims.Subject)
	assert.Equal(t, "ses_1", claims.SessionID)
	assert.Equal(t, "ada@example.com", claims.Email)
	assert.True(t, claims.ExpiresAt.Time.Equal(expires), "token expiry must equal session expiry")
}

func TestTokenSigner_RejectsExpired(t *testing.T) {
	signer, err := NewTokenSigner(testSecret, "coursemart")
	require.NoError(t, err)

	past := time.Now().Add(-2 * time.Hour)
	token, err := signer.Sign("usr_1", "ses_1", "ada@example.com", past, past.Add(time.Hour))
	require.NoError(t, err)

	_, err = signer.Parse(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenSigner_RejectsForeignSecretAndAlg(t *testing.T) {
	signer, err := NewTokenSigner(testSecret, "coursemart")
	require.NoError(t, err)
	other, err := NewTokenSigner(strings.Repeat("z", 32), "coursemart")
	require.NoError(t, err)

	now := time.Now()
	token, err := other.Sign("usr_1", "ses_1", "ada@example.com", now, now.Add(time.Hour))
	require.NoError(t, err)
	_, err = signer.Parse(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "usr_1", Issuer: "coursemart", ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour))},
		SessionID:        "ses_1",
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = signer.Parse(unsigned)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestNewTokenSigner_ShortSecret(t *testing.T) {
	_, err := NewTokenSigner("short", "coursemart")
	assert.Error(t, err)
}
