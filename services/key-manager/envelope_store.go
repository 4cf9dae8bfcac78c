package key_manager

import (
	"context"
	"errors"
	"fmt"

	"wylloh/logging"
	"wylloh/pkg/kvstore"
	"wylloh/pkg/models"
)

// EnvelopeStore persists primary key envelopes across the configured
// replicas. The latest envelope is kept under its own key so a replica
// always answers with a self-consistent version.
type EnvelopeStore struct {
	store  *kvstore.Replicated
	logger *logging.Logger
}

func NewEnvelopeStore(store *kvstore.Replicated) *EnvelopeStore {
	return &EnvelopeStore{
		store:  store,
		logger: logging.GetLogger().WithComponent("envelopes"),
	}
}

func latestEnvelopeKey(contentID string) string {
	return "envelope/" + contentID + "/latest"
}

func versionEnvelopeKey(contentID string, version uint32) string {
	return fmt.Sprintf("envelope/%s/v/%010d", contentID, version)
}

// Replicas names the backing replicas in read order.
func (s *EnvelopeStore) Replicas() []string {
	return s.store.Replicas()
}

// Put writes env as both its version record and the latest pointer. A write
// that reaches at least one replica succeeds.
func (s *EnvelopeStore) Put(ctx context.Context, contentID string, env *models.KeyEnvelope) error {
	if env == nil || env.ContentID != contentID {
		return fmt.Errorf("%w: envelope does not belong to %q", models.ErrInvalidEnvelope, contentID)
	}
	if env.Kind != models.EnvelopeKindPrimary {
		return fmt.Errorf("%w: envelope store only holds primary envelopes", models.ErrInvalidEnvelope)
	}
	data, err := models.EncodeEnvelope(env)
	if err != nil {
		return err
	}

	start := nowFunc()
	err = s.store.Apply(ctx, []kvstore.Mutation{
		kvstore.Set(versionEnvelopeKey(contentID, env.KeyVersion), data),
		kvstore.Set(latestEnvelopeKey(contentID), data),
	})
	recordStorageLatency(ctx, "put", nowFunc().Sub(start), err)
	if err != nil {
		return fmt.Errorf("failed to persist envelope %s v%d: %w", contentID, env.KeyVersion, err)
	}
	return nil
}

// Get returns the latest valid envelope from the first replica that has
// one. It returns nil, nil once every replica is exhausted; only
// cancellation is reported as an error.
func (s *EnvelopeStore) Get(ctx context.Context, contentID string) (*models.KeyEnvelope, error) {
	return s.tolerant(s.Lookup(ctx, contentID))
}

// Lookup is Get for callers that must tell an outage from absence: when no
// replica could be read it returns an ErrAllReplicasFailed error.
func (s *EnvelopeStore) Lookup(ctx context.Context, contentID string) (*models.KeyEnvelope, error) {
	return s.read(ctx, contentID, latestEnvelopeKey(contentID), 0)
}

// GetVersion returns a specific historical version, or nil.
func (s *EnvelopeStore) GetVersion(ctx context.Context, contentID string, version uint32) (*models.KeyEnvelope, error) {
	return s.tolerant(s.read(ctx, contentID, versionEnvelopeKey(contentID, version), version))
}

// GetLatestVersion is 0 for unkeyed content.
func (s *EnvelopeStore) GetLatestVersion(ctx context.Context, contentID string) (uint32, error) {
	env, err := s.Get(ctx, contentID)
	if err != nil || env == nil {
		return 0, err
	}
	return env.KeyVersion, nil
}

// Delete removes every version of contentID.
func (s *EnvelopeStore) Delete(ctx context.Context, contentID string) error {
	latest, err := s.GetLatestVersion(ctx, contentID)
	if err != nil {
		return err
	}
	mutations := make([]kvstore.Mutation, 0, latest+1)
	for v := uint32(1); v <= latest; v++ {
		mutations = append(mutations, kvstore.Del(versionEnvelopeKey(contentID, v)))
	}
	mutations = append(mutations, kvstore.Del(latestEnvelopeKey(contentID)))

	if err := s.store.Apply(ctx, mutations); err != nil {
		return fmt.Errorf("failed to delete envelopes for %s: %w", contentID, err)
	}
	return nil
}

func (s *EnvelopeStore) read(ctx context.Context, contentID, key string, version uint32) (*models.KeyEnvelope, error) {
	var found *models.KeyEnvelope
	start := nowFunc()
	err := s.store.ReadThrough(ctx, key, func(data []byte) error {
		env, err := models.DecodeEnvelope(data)
		if err != nil {
			return err
		}
		if env.ContentID != contentID || env.Kind != models.EnvelopeKindPrimary {
			return fmt.Errorf("%w: stored envelope is for %q (%s)", models.ErrInvalidEnvelope, env.ContentID, env.Kind)
		}
		if version != 0 && env.KeyVersion != version {
			return fmt.Errorf("%w: expected version %d, found %d", models.ErrInvalidEnvelope, version, env.KeyVersion)
		}
		found = env
		return nil
	})
	recordStorageLatency(ctx, "get", nowFunc().Sub(start), nil)

	switch {
	case err == nil:
		return found, nil
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case errors.Is(err, models.ErrNotFound):
		return nil, nil
	case errors.Is(err, models.ErrAllReplicasFailed):
		return nil, fmt.Errorf("envelope %s unreadable: %w", contentID, err)
	default:
		s.logger.Warn("Envelope read for %s exhausted replicas: %v", contentID, err)
		return nil, nil
	}
}

// tolerant folds a replica outage into absence.
func (s *EnvelopeStore) tolerant(env *models.KeyEnvelope, err error) (*models.KeyEnvelope, error) {
	if errors.Is(err, models.ErrAllReplicasFailed) {
		s.logger.Warn("%v", err)
		return nil, nil
	}
	return env, err
}
