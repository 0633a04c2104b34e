// Package integrity seals audit events with a deterministic hash and an
// optional key-management signature, and re-verifies stored events on demand.
// A failed verification is evidence, never a transient error: Verify reports
// a classified reason instead of returning an error.
package integrity

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"custodia/internal/audit"
	"custodia/internal/kms"
	dErrors "custodia/pkg/domain-errors"
)

// HashAlgorithm is the only hash this build seals with.
const HashAlgorithm = "SHA-256"

// DefaultSigningAlgorithm is requested from the key-management collaborator
// when signing is enabled and no algorithm is configured.
const DefaultSigningAlgorithm = "RSA-4096"

// Reason classifies a verification finding so automated integrity sweeps can
// bucket results without parsing text.
type Reason string

const (
	ReasonHashMismatch            Reason = "hash_mismatch"
	ReasonSignatureInvalid        Reason = "signature_invalid"
	ReasonVerificationUnavailable Reason = "verification_unavailable"
)

// VerificationResult is the out-of-band detail for a single event check.
type VerificationResult struct {
	Valid  bool
	Reason Reason
}

// Sealer computes and checks event seals. Signer may be nil, in which case
// events carry a hash only.
type Sealer struct {
	signer    kms.Service
	algorithm string
	keyID     string
	logger    *slog.Logger
}

// Option configures the Sealer.
type Option func(*Sealer)

// WithSigner enables signing through the key-management collaborator.
func WithSigner(signer kms.Service, algorithm, keyID string) Option {
	return func(s *Sealer) {
		s.signer = signer
		if algorithm != "" {
			s.algorithm = algorithm
		}
		s.keyID = keyID
	}
}

func NewSealer(logger *slog.Logger, opts ...Option) *Sealer {
	s := &Sealer{
		algorithm: DefaultSigningAlgorithm,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Seal stamps identity and version, normalizes the timestamp to the
// microsecond precision the store retains, computes the hash, and requests a
// signature when signing is enabled. The sealed event is the unit appended to
// the event store.
func (s *Sealer) Seal(ctx context.Context, event *audit.Event) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.EventVersion == "" {
		event.EventVersion = audit.CurrentEventVersion
	}
	event.Timestamp = event.Timestamp.UTC().Truncate(time.Microsecond)

	canon, err := canonicalBytes(event)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeIntegrityFailure, "seal event")
	}

	sum := sha256.Sum256(canon)
	event.Hash = hex.EncodeToString(sum[:])
	event.HashAlgorithm = HashAlgorithm

	if s.signer == nil {
		return nil
	}

	signature, err := s.signer.Sign(ctx, canon, s.algorithm)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeKeyManagement, "sign event "+event.ID.String())
	}
	event.Signature = signature
	event.SignatureKeyID = s.keyID
	return nil
}

// Verify recomputes the hash from the stored fields and, when a signature is
// present, asks the collaborator to verify it. It never returns an error for
// a mismatch; collaborator unavailability is classified, not propagated.
func (s *Sealer) Verify(ctx context.Context, event *audit.Event) VerificationResult {
	canon, err := canonicalBytes(event)
	if err != nil {
		s.logger.WarnContext(ctx, "event canonicalization failed during verify",
			"event_id", event.ID.String(), "error", err)
		return VerificationResult{Reason: ReasonVerificationUnavailable}
	}

	sum := sha256.Sum256(canon)
	computed := hex.EncodeToString(sum[:])
	if subtle.ConstantTimeCompare([]byte(computed), []byte(event.Hash)) != 1 {
		return VerificationResult{Reason: ReasonHashMismatch}
	}

	if event.Signature == "" {
		return VerificationResult{Valid: true}
	}
	if s.signer == nil {
		// Signed event but no collaborator configured: cannot conclude.
		return VerificationResult{Reason: ReasonVerificationUnavailable}
	}

	ok, err := s.signer.Verify(ctx, canon, event.Signature, s.algorithm)
	if err != nil {
		s.logger.WarnContext(ctx, "signature verification unavailable",
			"event_id", event.ID.String(), "error", err)
		return VerificationResult{Reason: ReasonVerificationUnavailable}
	}
	if !ok {
		return VerificationResult{Reason: ReasonSignatureInvalid}
	}
	return VerificationResult{Valid: true}
}
