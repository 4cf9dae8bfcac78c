package kvstore

import (
	"context"
	"sync"

	"wylloh/pkg/models"
)

// MemoryStore is a process-local replica, used in tests and as the last
// resort replica in development.
type MemoryStore struct {
	name string
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemoryStore(name string) *MemoryStore {
	if name == "" {
		name = "memory"
	}
	return &MemoryStore{name: name, data: make(map[string][]byte)}
}

func (m *MemoryStore) Name() string { return m.name }

func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, models.ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *MemoryStore) Put(ctx context.Context, key string, value []byte) error {
	return m.Apply(ctx, []Mutation{Set(key, value)})
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	return m.Apply(ctx, []Mutation{Del(key)})
}

func (m *MemoryStore) Apply(ctx context.Context, mutations []Mutation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mut := range mutations {
		if mut.Delete {
			delete(m.data, mut.Key)
			continue
		}
		m.data[mut.Key] = append([]byte(nil), mut.Value...)
	}
	return nil
}

// Len returns the number of stored keys.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

func (m *MemoryStore) Close() error { return nil }
