package kvstore

import (
	"context"
	"errors"
	"fmt"

	"wylloh/logging"
	"wylloh/pkg/models"
)

// FailureHook observes individual replica failures.
type FailureHook func(op, replica string, err error)

// Replicated fans writes out to every replica and reads them in priority
// order. A write succeeds when at least one replica accepts it; partial
// failures are logged and reported to the hook. ApplyAll is the strict
// variant for writes that must not be lost on any replica.
type Replicated struct {
	replicas []Store
	logger   *logging.Logger
	onFail   FailureHook
}

func NewReplicated(replicas []Store, hook FailureHook) *Replicated {
	return &Replicated{
		replicas: replicas,
		logger:   logging.GetLogger().WithComponent("kvstore"),
		onFail:   hook,
	}
}

func (r *Replicated) Name() string { return "replicated" }

// Replicas returns the replica names in priority order.
func (r *Replicated) Replicas() []string {
	names := make([]string, len(r.replicas))
	for i, s := range r.replicas {
		names[i] = s.Name()
	}
	return names
}

func (r *Replicated) fail(op, replica string, err error) {
	if r.onFail != nil {
		r.onFail(op, replica, err)
	}
}

// Get returns the value from the first replica that has it. Read errors
// fall through to the next replica.
func (r *Replicated) Get(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := r.ReadThrough(ctx, key, func(data []byte) error {
		out = data
		return nil
	})
	return out, err
}

// ReadThrough offers each replica's value to accept in priority order and
// stops at the first one accept takes. A value accept rejects is treated
// like a corrupt replica. Returns models.ErrNotFound when no replica
// produced an acceptable value, or an ErrAllReplicasFailed StorageError
// when no replica could be read at all.
func (r *Replicated) ReadThrough(ctx context.Context, key string, accept func([]byte) error) error {
	serr := &models.StorageError{Op: "get", Key: key}
	for _, s := range r.replicas {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := s.Get(ctx, key)
		if err != nil {
			if IsNotFound(err) {
				serr.Succeeded++
				continue
			}
			r.logger.Warn("read %q from %s failed, trying next replica: %v", key, s.Name(), err)
			r.fail("get", s.Name(), err)
			serr.Failures = append(serr.Failures, models.ReplicaFailure{Replica: s.Name(), Err: err})
			continue
		}
		serr.Succeeded++
		if err := accept(data); err != nil {
			r.logger.Warn("replica %s returned unusable value for %q, trying next replica: %v", s.Name(), key, err)
			r.fail("decode", s.Name(), err)
			continue
		}
		return nil
	}
	if serr.Succeeded == 0 && len(serr.Failures) > 0 {
		return serr
	}
	return models.ErrNotFound
}

// GetAll returns every reachable replica's copy of key in priority order.
// It returns models.ErrNotFound when no reachable replica holds the key and
// an ErrAllReplicasFailed StorageError when none could be read.
func (r *Replicated) GetAll(ctx context.Context, key string) ([][]byte, error) {
	if len(r.replicas) == 0 {
		return nil, fmt.Errorf("%w: no replicas configured", models.ErrAllReplicasFailed)
	}
	var values [][]byte
	serr := &models.StorageError{Op: "get", Key: key}
	for _, s := range r.replicas {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := s.Get(ctx, key)
		if err != nil {
			if IsNotFound(err) {
				serr.Succeeded++
				continue
			}
			r.logger.Warn("read %q from %s failed: %v", key, s.Name(), err)
			r.fail("get", s.Name(), err)
			serr.Failures = append(serr.Failures, models.ReplicaFailure{Replica: s.Name(), Err: err})
			continue
		}
		serr.Succeeded++
		values = append(values, data)
	}
	switch {
	case len(values) > 0:
		return values, nil
	case serr.Succeeded == 0:
		return nil, serr
	default:
		return nil, models.ErrNotFound
	}
}

func (r *Replicated) Put(ctx context.Context, key string, value []byte) error {
	return r.write(ctx, "put", key, false, func(s Store) error { return s.Put(ctx, key, value) })
}

func (r *Replicated) Delete(ctx context.Context, key string) error {
	return r.write(ctx, "delete", key, false, func(s Store) error { return s.Delete(ctx, key) })
}

// Apply commits the batch atomically on each replica; replicas are not
// coordinated with each other.
func (r *Replicated) Apply(ctx context.Context, mutations []Mutation) error {
	return r.write(ctx, "apply", batchLabel(mutations), false, func(s Store) error { return s.Apply(ctx, mutations) })
}

// ApplyAll is Apply that fails unless every replica commits the batch.
// Replicas that did commit keep the batch, so callers retry with the same
// or a newer batch.
func (r *Replicated) ApplyAll(ctx context.Context, mutations []Mutation) error {
	return r.write(ctx, "apply", batchLabel(mutations), true, func(s Store) error { return s.Apply(ctx, mutations) })
}

func batchLabel(mutations []Mutation) string {
	if len(mutations) == 0 {
		return "batch"
	}
	return fmt.Sprintf("batch(%s,+%d)", mutations[0].Key, len(mutations)-1)
}

func (r *Replicated) write(ctx context.Context, op, key string, requireAll bool, fn func(Store) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(r.replicas) == 0 {
		return fmt.Errorf("%w: no replicas configured", models.ErrAllReplicasFailed)
	}

	serr := &models.StorageError{Op: op, Key: key}
	for _, s := range r.replicas {
		if err := fn(s); err != nil {
			serr.Failures = append(serr.Failures, models.ReplicaFailure{Replica: s.Name(), Err: err})
			r.fail(op, s.Name(), err)
			continue
		}
		serr.Succeeded++
	}

	switch {
	case len(serr.Failures) == 0:
		return nil
	case serr.Succeeded > 0 && !requireAll:
		r.logger.Warn("%v", serr)
		return nil
	default:
		r.logger.Error("%v", serr)
		return serr
	}
}

// Close closes every replica and joins their errors.
func (r *Replicated) Close() error {
	var errs []error
	for _, s := range r.replicas {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}
