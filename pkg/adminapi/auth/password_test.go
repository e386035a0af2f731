package auth

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashPasswordThenVerifySucceeds(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple")
	require.NoError(t, err)
	require.NotEmpty(t, hash)

	require.True(t, VerifyPassword("correct horse battery staple", hash))
}

func TestVerifyPasswordRejectsWrongPassword(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple")
	require.NoError(t, err)

	require.False(t, VerifyPassword("wrong password", hash))
}

func TestHashPasswordProducesDistinctSaltedHashes(t *testing.T) {
	h1, err := HashPassword("same password")
	require.NoError(t, err)
	h2, err := HashPassword("same password")
	require.NoError(t, err)

	require.NotEqual(t, h1, h2)
	require.True(t, VerifyPassword("same password", h1))
	require.True(t, VerifyPassword("same password", h2))
}
