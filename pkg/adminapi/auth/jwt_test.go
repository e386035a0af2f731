package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testJWTService(t *testing.T) *JWTService {
	t.Helper()
	s, err := NewJWTService(JWTConfig{Secret: "a-secret-at-least-32-bytes-long!"})
	require.NoError(t, err)
	return s
}

func TestNewJWTServiceRejectsShortSecret(t *testing.T) {
	_, err := NewJWTService(JWTConfig{Secret: "too-short"})
	require.ErrorIs(t, err, ErrInvalidSecretLength)
}

func TestNewJWTServiceAppliesDefaults(t *testing.T) {
	s, err := NewJWTService(JWTConfig{Secret: "a-secret-at-least-32-bytes-long!"})
	require.NoError(t, err)
	require.Equal(t, "profileserver-admin", s.config.Issuer)
	require.Equal(t, 15*time.Minute, s.config.AccessTokenDuration)
	require.Equal(t, 24*time.Hour, s.config.RefreshTokenDuration)
}

func TestGenerateAndValidateAccessToken(t *testing.T) {
	s := testJWTService(t)
	pair, err := s.GenerateTokenPair("admin")
	require.NoError(t, err)
	require.Equal(t, "Bearer", pair.TokenType)

	claims, err := s.ValidateAccessToken(pair.AccessToken)
	require.NoError(t, err)
	require.Equal(t, "admin", claims.Username)
	require.True(t, claims.IsAccessToken())
}

func TestValidateAccessTokenRejectsRefreshToken(t *testing.T) {
	s := testJWTService(t)
	pair, err := s.GenerateTokenPair("admin")
	require.NoError(t, err)

	_, err = s.ValidateAccessToken(pair.RefreshToken)
	require.ErrorIs(t, err, ErrInvalidTokenType)
}

func TestValidateRefreshTokenRejectsAccessToken(t *testing.T) {
	s := testJWTService(t)
	pair, err := s.GenerateTokenPair("admin")
	require.NoError(t, err)

	_, err = s.ValidateRefreshToken(pair.AccessToken)
	require.ErrorIs(t, err, ErrInvalidTokenType)
}

func TestValidateTokenRejectsGarbage(t *testing.T) {
	s := testJWTService(t)
	_, err := s.ValidateToken("not.a.jwt")
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateTokenRejectsExpiredToken(t *testing.T) {
	s, err := NewJWTService(JWTConfig{
		Secret:              "a-secret-at-least-32-bytes-long!",
		AccessTokenDuration: time.Nanosecond,
	})
	require.NoError(t, err)
	pair, err := s.GenerateTokenPair("admin")
	require.NoError(t, err)
	time.Sleep(time.Millisecond)

	_, err = s.ValidateToken(pair.AccessToken)
	require.ErrorIs(t, err, ErrExpiredToken)
}

func TestValidateTokenRejectsTokenFromDifferentSecret(t *testing.T) {
	s1 := testJWTService(t)
	s2, err := NewJWTService(JWTConfig{Secret: "a-different-secret-32-bytes-long"})
	require.NoError(t, err)

	pair, err := s1.GenerateTokenPair("admin")
	require.NoError(t, err)

	_, err = s2.ValidateToken(pair.AccessToken)
	require.ErrorIs(t, err, ErrInvalidToken)
}
