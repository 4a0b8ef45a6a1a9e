package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lorawan-node/lorawan-node-agent/internal/config"
	"github.com/lorawan-node/lorawan-node-agent/pkg/crypto"
)

func newManager() *JWTManager {
	return NewJWTManager(&config.JWTConfig{
		Secret:          "unit-test-secret",
		AccessTokenTTL:  time.Minute,
		RefreshTokenTTL: time.Hour,
	})
}

func TestTokenPairRoundTrip(t *testing.T) {
	m := newManager()

	access, refresh, err := m.GenerateTokenPair("admin")
	require.NoError(t, err)
	require.NotEmpty(t, access)
	require.NotEmpty(t, refresh)

	claims, err := m.ValidateToken(access)
	require.NoError(t, err)
	require.Equal(t, "admin", claims.Username)
}

func TestValidateRejectsGarbage(t *testing.T) {
	m := newManager()

	_, err := m.ValidateToken("not-a-token")
	require.Error(t, err)
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	other := NewJWTManager(&config.JWTConfig{
		Secret:          "different-secret",
		AccessTokenTTL:  time.Minute,
		RefreshTokenTTL: time.Hour,
	})
	access, _, err := other.GenerateTokenPair("admin")
	require.NoError(t, err)

	_, err = newManager().ValidateToken(access)
	require.Error(t, err)
}

func TestRefreshIssuesNewPair(t *testing.T) {
	m := newManager()

	_, refresh, err := m.GenerateTokenPair("admin")
	require.NoError(t, err)

	access, _, err := m.RefreshToken(refresh)
	require.NoError(t, err)

	claims, err := m.ValidateToken(access)
	require.NoError(t, err)
	require.Equal(t, "admin", claims.Username)
}

func TestVerifyPassword(t *testing.T) {
	hash, err := crypto.HashPassword("s3cret")
	require.NoError(t, err)

	m := newManager()
	require.True(t, m.VerifyPassword("s3cret", hash))
	require.False(t, m.VerifyPassword("wrong", hash))
}
