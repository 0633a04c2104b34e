// Package kms consumes the external key-management collaborator's contract.
// Only the encrypt/decrypt/sign/verify surface is modeled here; key material
// and the cryptographic implementation stay on the collaborator's side. All
// opaque payloads cross the boundary base64-encoded.
package kms

import "context"

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/service_mock.go -package=mocks custodia/internal/kms Service

// Service is the collaborator contract. Ciphertexts and signatures are
// base64-encoded strings; plaintext and data-to-sign are raw bytes on the
// caller's side.
type Service interface {
	Encrypt(ctx context.Context, plaintext []byte) (ciphertext string, err error)
	Decrypt(ctx context.Context, ciphertext string) (plaintext []byte, err error)
	Sign(ctx context.Context, data []byte, algorithm string) (signature string, err error)
	Verify(ctx context.Context, data []byte, signature string, algorithm string) (bool, error)
}
