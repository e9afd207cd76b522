package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raterudder/gmpusage/pkg/types"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func TestSealEntry(t *testing.T) {
	ctx := context.Background()
	entry := types.Entry{Username: "user@example.com", Password: "hunter2", ClientID: "cid", AccountID: "1234567"}

	sealed, err := sealEntry(ctx, testKey, entry)
	require.NoError(t, err)
	assert.Empty(t, sealed.Password)
	assert.NotEmpty(t, sealed.EncryptedPassword)
	assert.NotContains(t, string(sealed.EncryptedPassword), "hunter2")
	assert.Equal(t, "hunter2", entry.Password, "the input is not modified")

	again, err := sealEntry(ctx, testKey, entry)
	require.NoError(t, err)
	assert.NotEqual(t, sealed.EncryptedPassword, again.EncryptedPassword, "nonces differ")

	opened, err := openEntry(ctx, testKey, sealed)
	require.NoError(t, err)
	assert.Equal(t, entry, opened)

	t.Run("WrongKey", func(t *testing.T) {
		_, err := openEntry(ctx, []byte("fedcba9876543210fedcba9876543210"), sealed)
		assert.ErrorContains(t, err, "failed to decrypt password")
	})

	t.Run("Malformed", func(t *testing.T) {
		_, err := openEntry(ctx, testKey, types.Entry{EncryptedPassword: []byte("short")})
		assert.ErrorContains(t, err, "malformed")
	})

	t.Run("InvalidKey", func(t *testing.T) {
		_, err := sealEntry(ctx, []byte("short"), entry)
		assert.ErrorContains(t, err, "invalid encryption key length")
	})

	t.Run("NothingToDecrypt", func(t *testing.T) {
		e := types.Entry{Username: "u", Password: "plain"}
		opened, err := openEntry(ctx, nil, e)
		require.NoError(t, err)
		assert.Equal(t, e, opened)
	})
}
