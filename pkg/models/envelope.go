package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// EnvelopeKind discriminates primary envelopes (wrapped under the service
// secret) from recovery envelopes (wrapped under an identity-derived secret).
type EnvelopeKind string

const (
	EnvelopeKindPrimary  EnvelopeKind = "primary"
	EnvelopeKindRecovery EnvelopeKind = "recovery"
)

// RecoveryMethod names how a recovery envelope's wrapping secret is derived.
type RecoveryMethod string

const RecoveryMethodWalletDerived RecoveryMethod = "wallet-derived"

// KeyEnvelope is a content key wrapped under a secondary secret.
type KeyEnvelope struct {
	Kind           EnvelopeKind   `json:"kind"`
	ContentID      string         `json:"contentId"`
	WrappedKey     []byte         `json:"wrappedKey"`
	KeyVersion     uint32         `json:"keyVersion"`
	CreatedAt      time.Time      `json:"createdAt"`
	Owner          string         `json:"owner,omitempty"`
	RecoveryMethod RecoveryMethod `json:"recoveryMethod,omitempty"`
}

// Validate checks the structural invariants a reader relies on.
func (e *KeyEnvelope) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: nil envelope", ErrInvalidEnvelope)
	}
	if e.ContentID == "" {
		return fmt.Errorf("%w: missing contentId", ErrInvalidEnvelope)
	}
	if len(e.WrappedKey) == 0 {
		return fmt.Errorf("%w: missing wrappedKey", ErrInvalidEnvelope)
	}
	if e.KeyVersion < 1 {
		return fmt.Errorf("%w: keyVersion must be >= 1", ErrInvalidEnvelope)
	}
	switch e.Kind {
	case EnvelopeKindPrimary:
		if e.Owner != "" || e.RecoveryMethod != "" {
			return fmt.Errorf("%w: primary envelope carries recovery fields", ErrInvalidEnvelope)
		}
	case EnvelopeKindRecovery:
		if e.Owner == "" {
			return fmt.Errorf("%w: recovery envelope missing owner", ErrInvalidEnvelope)
		}
		if e.RecoveryMethod != RecoveryMethodWalletDerived {
			return fmt.Errorf("%w: unknown recovery method %q", ErrInvalidEnvelope, e.RecoveryMethod)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEnvelope, e.Kind)
	}
	return nil
}

// EncodeEnvelope validates and serialises an envelope.
func EncodeEnvelope(e *KeyEnvelope) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// DecodeEnvelope parses and validates a stored envelope. Any failure wraps
// ErrInvalidEnvelope so replica readers can fall through.
func DecodeEnvelope(data []byte) (*KeyEnvelope, error) {
	var e KeyEnvelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}
