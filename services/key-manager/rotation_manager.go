package key_manager

import (
	"context"
	"encoding/json"
	"fmt"

	"wylloh/pkg/cache"
	"wylloh/pkg/crypto"
	"wylloh/pkg/kvstore"
	"wylloh/pkg/models"
	keyAccess "wylloh/services/key-access"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// RotationLog is the append-only audit trail of version bumps.
type RotationLog struct {
	store kvstore.Store
}

func NewRotationLog(store kvstore.Store) *RotationLog {
	return &RotationLog{store: store}
}

func rotationLogKey(contentID string) string {
	return "rotation/" + contentID
}

// Append adds rec to the content's history. Callers hold the content lock.
func (l *RotationLog) Append(ctx context.Context, rec models.KeyRotationRecord) error {
	history, err := l.History(ctx, rec.ContentID)
	if err != nil {
		return err
	}
	history = append(history, rec)
	data, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("failed to encode rotation history: %w", err)
	}
	if err := l.store.Put(ctx, rotationLogKey(rec.ContentID), data); err != nil {
		return fmt.Errorf("failed to append rotation record: %w", err)
	}
	return nil
}

// History returns every rotation of contentID, oldest first.
func (l *RotationLog) History(ctx context.Context, contentID string) ([]models.KeyRotationRecord, error) {
	data, err := l.store.Get(ctx, rotationLogKey(contentID))
	if err != nil {
		if kvstore.IsNotFound(err) {
			return []models.KeyRotationRecord{}, nil
		}
		return nil, fmt.Errorf("failed to load rotation history: %w", err)
	}
	var history []models.KeyRotationRecord
	if err := json.Unmarshal(data, &history); err != nil {
		return nil, fmt.Errorf("failed to decode rotation history: %w", err)
	}
	return history, nil
}

// RotateKey moves contentID from version n to n+1. The base key is re-wrapped
// under a fresh nonce; the effective key changes through DeriveVersionedKey.
// Grants are left in place and every cached key for the content is dropped.
// Once the new envelope is stored the rotation succeeds even if its audit
// record cannot be written.
func (m *Manager) RotateKey(ctx context.Context, contentID, issuer string) (err error) {
	start := nowFunc()
	ctx, span := startKeyManagerSpan(ctx, "Manager.RotateKey", attribute.String("content_id", contentID))
	defer span.End()
	defer func() { recordKeyRotationLatency(ctx, nowFunc().Sub(start), err == nil) }()

	issuer = models.NormalizePrincipal(issuer)
	if err := models.ValidateContentID(contentID); err != nil {
		return fmt.Errorf("rotate: %w", err)
	}

	unlock, err := m.locks.Lock(ctx, keyAccess.ContentLockKey(contentID))
	if err != nil {
		return err
	}
	defer unlock()

	if err := m.registry.Require(ctx, "rotate", contentID, issuer, models.AccessFullControl); err != nil {
		return err
	}

	current, err := m.envelopes.Get(ctx, contentID)
	if err != nil {
		return err
	}
	if current == nil {
		return fmt.Errorf("rotate %s: %w", contentID, models.ErrNotKeyed)
	}

	secret, err := m.wrappingSecret(contentID)
	if err != nil {
		return err
	}
	defer crypto.Zero(secret)

	base, err := crypto.UnwrapKey(current.WrappedKey, secret)
	if err != nil {
		return fmt.Errorf("rotate %s: %w", contentID, err)
	}
	defer crypto.Zero(base)

	wrapped, err := crypto.WrapKeyWith(m.wrapAlg, base, secret)
	if err != nil {
		return fmt.Errorf("rotate %s: %w", contentID, err)
	}

	now := m.now()
	next := &models.KeyEnvelope{
		Kind:       models.EnvelopeKindPrimary,
		ContentID:  contentID,
		WrappedKey: wrapped,
		KeyVersion: current.KeyVersion + 1,
		CreatedAt:  now,
	}
	if err := m.envelopes.Put(ctx, contentID, next); err != nil {
		return err
	}

	m.invalidate(ctx, cache.Invalidation{ContentID: contentID})

	record := models.KeyRotationRecord{
		ID:          uuid.NewString(),
		ContentID:   contentID,
		FromVersion: current.KeyVersion,
		ToVersion:   next.KeyVersion,
		RotatedAt:   now,
		RotatedBy:   issuer,
	}
	// The bump is committed; failing here would invite a retry that rotates
	// twice.
	if err := m.rotations.Append(ctx, record); err != nil {
		m.logger.Error("Rotated %s to v%d but failed to record audit entry %s: %v", contentID, next.KeyVersion, record.ID, err)
	}

	m.logger.Info("Rotated key for %s: v%d -> v%d (by %s)", contentID, current.KeyVersion, next.KeyVersion, issuer)
	return nil
}

// RotationHistory lists the audit trail for contentID.
func (m *Manager) RotationHistory(ctx context.Context, contentID string) ([]models.KeyRotationRecord, error) {
	if err := models.ValidateContentID(contentID); err != nil {
		return nil, fmt.Errorf("rotation history: %w", err)
	}
	return m.rotations.History(ctx, contentID)
}
