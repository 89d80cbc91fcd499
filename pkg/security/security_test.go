package security

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashAndVerifyArgon2(t *testing.T) {
	secret, err := GenerateBase64Secret(32)
	require.NoError(t, err)
	require.NotEmpty(t, secret)

	hash, err := HashArgon2(secret)
	require.NoError(t, err)
	require.NotContains(t, hash, secret)

	ok, err := VerifyArgon2(secret, hash)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = VerifyArgon2("wrong", hash)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestVerifyArgon2RejectsMalformedHash(t *testing.T) {
	_, err := VerifyArgon2("x", "plain")
	require.ErrorIs(t, err, ErrInvalidHash)
}
