package cas

import (
	"context"
	"fmt"
	"sync"

	"wylloh/pkg/models"

	"github.com/opencontainers/go-digest"
)

// MemoryStore addresses blobs by their sha256 digest.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

func (m *MemoryStore) Put(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	addr := digest.FromBytes(data).Encoded()
	m.mu.Lock()
	m.blobs[addr] = append([]byte(nil), data...)
	m.mu.Unlock()
	return addr, nil
}

func (m *MemoryStore) Get(ctx context.Context, address string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	addr, err := NormalizeAddress(address)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	data, ok := m.blobs[addr]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("blob %s: %w", addr, models.ErrNotFound)
	}
	if digest.FromBytes(data).Encoded() != addr {
		return nil, fmt.Errorf("blob %s failed digest verification", addr)
	}
	return append([]byte(nil), data...), nil
}
