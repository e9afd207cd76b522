package storage

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/raterudder/gmpusage/pkg/log"
	"github.com/raterudder/gmpusage/pkg/types"
)

const keySize = 32

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("invalid encryption key length (must be %d bytes)", keySize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create gcm: %w", err)
	}
	return gcm, nil
}

// sealEntry returns a copy of e with the password encrypted and the plain
// password cleared.
func sealEntry(ctx context.Context, key []byte, e types.Entry) (types.Entry, error) {
	gcm, err := newGCM(key)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "cannot encrypt password", slog.Any("error", err))
		return types.Entry{}, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to generate nonce", slog.Any("error", err))
		return types.Entry{}, fmt.Errorf("failed to generate nonce: %w", err)
	}

	e.EncryptedPassword = gcm.Seal(nonce, nonce, []byte(e.Password), nil)
	e.Password = ""
	return e, nil
}

// openEntry is the inverse of sealEntry.
func openEntry(ctx context.Context, key []byte, e types.Entry) (types.Entry, error) {
	if len(e.EncryptedPassword) == 0 {
		return e, nil
	}

	gcm, err := newGCM(key)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "cannot decrypt password", slog.Any("error", err))
		return types.Entry{}, err
	}

	if len(e.EncryptedPassword) < gcm.NonceSize() {
		log.Ctx(ctx).ErrorContext(ctx, "malformed encrypted password", slog.Int("length", len(e.EncryptedPassword)))
		return types.Entry{}, errors.New("malformed encrypted password")
	}

	nonce, ciphertext := e.EncryptedPassword[:gcm.NonceSize()], e.EncryptedPassword[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to decrypt password", slog.String("username", e.Username), slog.Any("error", err))
		return types.Entry{}, fmt.Errorf("failed to decrypt password: %w", err)
	}

	e.Password = string(plaintext)
	e.EncryptedPassword = nil
	return e, nil
}
