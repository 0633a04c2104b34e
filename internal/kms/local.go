package kms

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	dErrors "custodia/pkg/domain-errors"
)

// Local is an in-process AES-GCM implementation of the encrypt/decrypt half
// of Service, for development and tests when no external collaborator is
// configured. It cannot sign; deployments that need sealed signatures must
// configure the HTTP client.
type Local struct {
	aead cipher.AEAD
}

// NewLocal derives a 256-bit key from the secret.
func NewLocal(secret string) (*Local, error) {
	if secret == "" {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "local key secret must not be empty")
	}
	key := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return &Local{aead: aead}, nil
}

func (l *Local) Encrypt(_ context.Context, plaintext []byte) (string, error) {
	nonce := make([]byte, l.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := l.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (l *Local) Decrypt(_ context.Context, ciphertext string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeKeyManagement, "decode ciphertext")
	}
	if len(raw) < l.aead.NonceSize() {
		return nil, dErrors.New(dErrors.CodeKeyManagement, "ciphertext too short")
	}
	nonce, sealed := raw[:l.aead.NonceSize()], raw[l.aead.NonceSize():]
	plaintext, err := l.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeKeyManagement, "decrypt ciphertext")
	}
	return plaintext, nil
}

func (l *Local) Sign(context.Context, []byte, string) (string, error) {
	return "", dErrors.New(dErrors.CodeKeyManagement, "signing requires the external key-management service")
}

func (l *Local) Verify(context.Context, []byte, string, string) (bool, error) {
	return false, dErrors.New(dErrors.CodeKeyManagement, "verification requires the external key-management service")
}
