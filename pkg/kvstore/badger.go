package kvstore

import (
	"context"
	"errors"
	"fmt"

	"wylloh/pkg/models"

	"github.com/dgraph-io/badger/v4"
)

// BadgerStore is the on-device replica.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadger opens (or creates) a badger database at path. An empty path
// opens an in-memory database.
func OpenBadger(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger at %q: %w", path, err)
	}
	return &BadgerStore{db: db}, nil
}

func (b *BadgerStore) Name() string { return "badger" }

func (b *BadgerStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("badger get %q: %w", key, err)
	}
	return out, nil
}

func (b *BadgerStore) Put(ctx context.Context, key string, value []byte) error {
	return b.Apply(ctx, []Mutation{Set(key, value)})
}

func (b *BadgerStore) Delete(ctx context.Context, key string) error {
	return b.Apply(ctx, []Mutation{Del(key)})
}

func (b *BadgerStore) Apply(ctx context.Context, mutations []Mutation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		for _, m := range mutations {
			if m.Delete {
				if err := txn.Delete([]byte(m.Key)); err != nil {
					return err
				}
				continue
			}
			if err := txn.Set([]byte(m.Key), m.Value); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("badger apply: %w", err)
	}
	return nil
}

// RunGC reclaims value log space; badger.ErrNoRewrite means nothing to do.
func (b *BadgerStore) RunGC() error {
	err := b.db.RunValueLogGC(0.5)
	if errors.Is(err, badger.ErrNoRewrite) {
		return nil
	}
	return err
}

func (b *BadgerStore) Close() error {
	return b.db.Close()
}
