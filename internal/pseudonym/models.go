// Package pseudonym holds the side table that makes pseudonymization
// reversible for authorized callers. The original identifier is stored only
// as collaborator-encrypted ciphertext; the plaintext never lands in this
// store or in the main event store.
package pseudonym

import "time"

// Mapping links a plaintext pseudonym (used as the replacement principal id)
// to the encrypted original identifier. Created once per pseudonymization,
// never mutated; removal is an explicit administrative purge outside this
// module.
type Mapping struct {
	PseudonymID string
	// OriginalID is base64 ciphertext decryptable only via the external
	// key-management collaborator.
	OriginalID string
	CreatedAt  time.Time
}
