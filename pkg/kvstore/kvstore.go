// Package kvstore provides the durable key-value replicas that back the
// envelope store, the access registry and the local purchase ledger.
package kvstore

import (
	"context"
	"errors"

	"wylloh/pkg/models"
)

// Store is a byte-oriented key-value replica. Get returns models.ErrNotFound
// for missing keys.
type Store interface {
	Name() string
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// Apply commits every mutation or none of them.
	Apply(ctx context.Context, mutations []Mutation) error
	Close() error
}

// Mutation is one write in an atomic batch.
type Mutation struct {
	Key    string
	Value  []byte
	Delete bool
}

func Set(key string, value []byte) Mutation {
	return Mutation{Key: key, Value: value}
}

func Del(key string) Mutation {
	return Mutation{Key: key, Delete: true}
}

// IsNotFound reports whether err means the key is absent.
func IsNotFound(err error) bool {
	return errors.Is(err, models.ErrNotFound)
}

// MultiReader is implemented by stores that can return every replica's copy
// of a key, so callers can pick the newest instead of the first.
type MultiReader interface {
	GetAll(ctx context.Context, key string) ([][]byte, error)
}

// StrictApplier is implemented by stores that can require every replica to
// commit a batch.
type StrictApplier interface {
	ApplyAll(ctx context.Context, mutations []Mutation) error
}

// GetAll reads every copy of key from s. Single-replica stores yield at
// most one value.
func GetAll(ctx context.Context, s Store, key string) ([][]byte, error) {
	if mr, ok := s.(MultiReader); ok {
		return mr.GetAll(ctx, key)
	}
	data, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return [][]byte{data}, nil
}

// ApplyAll commits mutations on every replica of s, or reports an error.
func ApplyAll(ctx context.Context, s Store, mutations []Mutation) error {
	if sa, ok := s.(StrictApplier); ok {
		return sa.ApplyAll(ctx, mutations)
	}
	return s.Apply(ctx, mutations)
}
