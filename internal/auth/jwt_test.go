package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorawan-server/lorawan-gateway/internal/config"
	"github.com/lorawan-server/lorawan-gateway/pkg/crypto"
)

func newManager(t *testing.T) *JWTManager {
	t.Helper()
	hash, err := crypto.HashPassword("gateway-admin")
	require.NoError(t, err)

	m, err := NewJWTManager(
		config.JWTConfig{Secret: "0123456789abcdef0123", AccessTokenTTL: time.Hour},
		config.AdminConfig{Username: "admin", PasswordHash: hash},
	)
	require.NoError(t, err)
	return m
}

func TestLoginAndValidate(t *testing.T) {
	m := newManager(t)

	token, err := m.Login("admin", "gateway-admin")
	require.NoError(t, err)

	claims, err := m.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "admin", claims.Username)
	assert.Equal(t, "admin", claims.Subject)
	assert.Equal(t, issuer, claims.Issuer)
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	m := newManager(t)

	_, err := m.Login("admin", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = m.Login("root", "gateway-admin")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	noAdmin, err := NewJWTManager(config.JWTConfig{}, config.AdminConfig{Username: "admin"})
	require.NoError(t, err)
	_, err = noAdmin.Login("admin", "")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	m := newManager(t)
	base := time.Now()
	m.now = func() time.Time { return base }

	token, err := m.GenerateToken("admin")
	require.NoError(t, err)

	m.now = func() time.Time { return base.Add(2 * time.Hour) }
	_, err = m.ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateRejectsForeignSecret(t *testing.T) {
	m := newManager(t)
	other, err := NewJWTManager(config.JWTConfig{}, config.AdminConfig{})
	require.NoError(t, err)

	token, err := other.GenerateToken("admin")
	require.NoError(t, err)
	_, err = m.ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = m.ValidateToken("garbage")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
