package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// Crypto errors
	ErrInvalidKeyMaterial   = errors.New("invalid key material")
	ErrKeyGenerationFailure = errors.New("key generation failed")

	// Authorization errors
	ErrInsufficientRights = errors.New("insufficient rights")
	ErrExpiredGrant       = errors.New("grant expiry is in the past")
	ErrNotAuthorized      = errors.New("not authorized for content")

	// Lifecycle errors
	ErrAlreadyKeyed = errors.New("content already has a key")
	ErrNotKeyed     = errors.New("content has no key")

	// Storage errors
	ErrNotFound              = errors.New("not found")
	ErrPartialReplicaFailure = errors.New("partial replica failure")
	ErrAllReplicasFailed     = errors.New("all replicas failed")

	// Retrieval errors
	ErrRetrievalExhausted = errors.New("all retrieval endpoints failed")

	// Ledger errors
	ErrTransactionFailed = errors.New("ledger transaction reverted")

	// Validation errors
	ErrInvalidInput          = errors.New("invalid input")
	ErrInvalidEnvelope       = errors.New("invalid key envelope")
	ErrInvalidClassification = errors.New("invalid content classification")
)

// ReplicaFailure names the replica that failed and why.
type ReplicaFailure struct {
	Replica string
	Err     error
}

// StorageError reports a write that did not reach every replica. When
// Succeeded is zero the write failed outright.
type StorageError struct {
	Op        string
	Key       string
	Succeeded int
	Failures  []ReplicaFailure
}

func (e *StorageError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %v", f.Replica, f.Err))
	}
	return fmt.Sprintf("%s %q: %d replica(s) succeeded, failures: [%s]",
		e.Op, e.Key, e.Succeeded, strings.Join(parts, "; "))
}

// Unwrap exposes the partial/total sentinel along with each replica error.
func (e *StorageError) Unwrap() []error {
	sentinel := ErrPartialReplicaFailure
	if e.Succeeded == 0 {
		sentinel = ErrAllReplicasFailed
	}
	errs := []error{sentinel}
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}

// RetrievalAttempt records one failed endpoint during a download.
type RetrievalAttempt struct {
	Endpoint string        `json:"endpoint"`
	URL      string        `json:"url"`
	Error    string        `json:"error"`
	Duration time.Duration `json:"duration"`
}

// RetrievalError is returned once every transport endpoint has failed.
type RetrievalError struct {
	Address  string
	Attempts []RetrievalAttempt
}

func (e *RetrievalError) Error() string {
	return fmt.Sprintf("retrieve %s: %d endpoint(s) failed: %v", e.Address, len(e.Attempts), ErrRetrievalExhausted)
}

func (e *RetrievalError) Unwrap() error {
	return ErrRetrievalExhausted
}
