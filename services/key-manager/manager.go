package key_manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"wylloh/logging"
	"wylloh/pkg/cache"
	"wylloh/pkg/crypto"
	"wylloh/pkg/locks"
	"wylloh/pkg/models"
	"wylloh/pkg/retrieval"
	keyAccess "wylloh/services/key-access"

	"go.opentelemetry.io/otel/attribute"
)

// DefaultKeyTTL bounds how long a decrypted key may be served from memory.
const DefaultKeyTTL = 30 * time.Minute

// DefaultGrantTTL bounds how long a resolved grant may be served from memory.
const DefaultGrantTTL = 5 * time.Minute

// CiphertextDownloader fetches encrypted blobs by content address.
type CiphertextDownloader interface {
	Download(ctx context.Context, address string) (*retrieval.Result, error)
}

// Options wires a Manager. Envelopes, Registry, Rotations and Secret are
// required.
type Options struct {
	Envelopes     *EnvelopeStore
	Registry      *keyAccess.Registry
	Verifier      *keyAccess.OwnershipVerifier
	Purchases     *keyAccess.PurchaseLedger
	Rotations     *RotationLog
	Recovery      *RecoveryPath
	Downloader    CiphertextDownloader
	Secret        SecretSource
	Scope         string
	WrapAlgorithm crypto.WrapAlgorithm
	KeyTTL        time.Duration
	GrantTTL      time.Duration
	Invalidator   cache.Invalidator
	Clock         func() time.Time
}

// Manager is the content key lifecycle façade: store, retrieve, rotate,
// grant, revoke and withdraw. It owns the lookup caches; the registry and
// envelope store remain the source of truth.
type Manager struct {
	envelopes   *EnvelopeStore
	registry    *keyAccess.Registry
	verifier    *keyAccess.OwnershipVerifier
	purchases   *keyAccess.PurchaseLedger
	rotations   *RotationLog
	recovery    *RecoveryPath
	downloader  CiphertextDownloader
	keyCache    *cache.LookupCache[crypto.ContentKey]
	grantCache  *cache.LookupCache[*models.AccessGrant]
	invalidator cache.Invalidator
	locks       *locks.Keyed
	master      []byte
	scope       string
	wrapAlg     crypto.WrapAlgorithm
	now         func() time.Time
	logger      *logging.Logger
}

// NewManager resolves the master secret once and builds the caches.
func NewManager(ctx context.Context, opts Options) (*Manager, error) {
	if opts.Envelopes == nil || opts.Registry == nil || opts.Rotations == nil {
		return nil, fmt.Errorf("%w: envelope store, registry and rotation log are required", models.ErrInvalidInput)
	}
	if opts.Secret == nil {
		return nil, fmt.Errorf("%w: secret source is required", models.ErrInvalidInput)
	}
	master, err := opts.Secret.MasterSecret(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load master secret: %w", err)
	}
	if len(master) < crypto.KeySize {
		return nil, fmt.Errorf("%w: master secret must be at least %d bytes", models.ErrInvalidKeyMaterial, crypto.KeySize)
	}

	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	if opts.WrapAlgorithm == 0 {
		opts.WrapAlgorithm = crypto.WrapAES256GCM
	}
	if opts.Invalidator == nil {
		opts.Invalidator = cache.NewNoOpInvalidator()
	}
	if opts.KeyTTL > DefaultKeyTTL {
		opts.KeyTTL = DefaultKeyTTL
	}

	return &Manager{
		envelopes:  opts.Envelopes,
		registry:   opts.Registry,
		verifier:   opts.Verifier,
		purchases:  opts.Purchases,
		rotations:  opts.Rotations,
		recovery:   opts.Recovery,
		downloader: opts.Downloader,
		keyCache: cache.New[crypto.ContentKey](opts.KeyTTL,
			cache.WithClock[crypto.ContentKey](now),
			cache.WithClone[crypto.ContentKey](crypto.ContentKey.Clone)),
		grantCache: cache.New[*models.AccessGrant](opts.GrantTTL,
			cache.WithClock[*models.AccessGrant](now),
			cache.WithClone[*models.AccessGrant](cloneGrant)),
		invalidator: opts.Invalidator,
		locks:       opts.Registry.Locks(),
		master:      master,
		scope:       opts.Scope,
		wrapAlg:     opts.WrapAlgorithm,
		now:         now,
		logger:      logging.GetLogger().WithComponent("key-manager"),
	}, nil
}

func cloneGrant(g *models.AccessGrant) *models.AccessGrant {
	if g == nil {
		return nil
	}
	out := *g
	if g.ExpiresAt != nil {
		t := *g.ExpiresAt
		out.ExpiresAt = &t
	}
	return &out
}

func (m *Manager) Registry() *keyAccess.Registry { return m.registry }

func (m *Manager) Purchases() *keyAccess.PurchaseLedger { return m.purchases }

func (m *Manager) Envelopes() *EnvelopeStore { return m.envelopes }

func (m *Manager) RecoveryEnabled() bool { return m.recovery != nil }

// KeyCacheStats reports the number of cached keys and their lifetime.
func (m *Manager) KeyCacheStats() (entries int, ttl time.Duration) {
	return m.keyCache.Len(), m.keyCache.TTL()
}

func (m *Manager) wrappingSecret(contentID string) (crypto.ContentKey, error) {
	return crypto.DeriveWrappingSecret(m.master, m.scope, contentID)
}

// StoreKey keys an unkeyed content item at version 1 and bootstraps the
// owner's FULL_CONTROL grant.
func (m *Manager) StoreKey(ctx context.Context, contentID string, key crypto.ContentKey, owner string) error {
	ctx, span := startKeyManagerSpan(ctx, "Manager.StoreKey", attribute.String("content_id", contentID))
	defer span.End()

	owner = models.NormalizePrincipal(owner)
	if err := models.ValidateContentID(contentID); err != nil {
		return fmt.Errorf("store key: %w", err)
	}
	if owner == "" {
		return fmt.Errorf("%w: owner is required", models.ErrInvalidInput)
	}
	if len(key) != crypto.KeySize {
		return fmt.Errorf("%w: content key must be %d bytes", models.ErrInvalidKeyMaterial, crypto.KeySize)
	}

	unlock, err := m.locks.Lock(ctx, keyAccess.ContentLockKey(contentID))
	if err != nil {
		return err
	}
	defer unlock()

	existing, err := m.envelopes.Get(ctx, contentID)
	if err != nil {
		return err
	}
	if existing != nil {
		return fmt.Errorf("store key %s: %w", contentID, models.ErrAlreadyKeyed)
	}

	secret, err := m.wrappingSecret(contentID)
	if err != nil {
		return err
	}
	defer crypto.Zero(secret)

	wrapped, err := crypto.WrapKeyWith(m.wrapAlg, key, secret)
	if err != nil {
		return fmt.Errorf("store key %s: %w", contentID, err)
	}

	env := &models.KeyEnvelope{
		Kind:       models.EnvelopeKindPrimary,
		ContentID:  contentID,
		WrappedKey: wrapped,
		KeyVersion: 1,
		CreatedAt:  m.now(),
	}
	if err := m.envelopes.Put(ctx, contentID, env); err != nil {
		return err
	}
	if err := m.registry.GrantLocked(ctx, contentID, owner, owner, models.AccessFullControl, nil); err != nil {
		return fmt.Errorf("stored key for %s but owner grant failed: %w", contentID, err)
	}

	m.invalidate(ctx, cache.Invalidation{ContentID: contentID})
	m.logger.Info("Stored key for %s (owner %s)", contentID, owner)
	return nil
}

// RetrieveKey returns the key principal may use to play contentID. Any
// authorization or storage failure yields nil, false.
func (m *Manager) RetrieveKey(ctx context.Context, contentID, principal string) (crypto.ContentKey, bool) {
	return m.RetrieveKeyForLevel(ctx, contentID, principal, models.AccessView)
}

// RetrieveKeyForLevel is RetrieveKey for a required access level. Only VIEW
// requests fall back to ownership verification.
func (m *Manager) RetrieveKeyForLevel(ctx context.Context, contentID, principal string, level models.AccessLevel) (crypto.ContentKey, bool) {
	key, err := m.retrieveKey(ctx, contentID, principal, level)
	return key, err == nil
}

// retrieveKey reports why no key was produced: ErrNotAuthorized for a
// denial, ErrAllReplicasFailed when storage could not answer.
func (m *Manager) retrieveKey(ctx context.Context, contentID, principal string, level models.AccessLevel) (crypto.ContentKey, error) {
	ctx, span := startKeyManagerSpan(ctx, "Manager.RetrieveKey",
		attribute.String("content_id", contentID),
		attribute.String("level", level.String()),
	)
	defer span.End()

	principal = models.NormalizePrincipal(principal)
	if models.ValidateContentID(contentID) != nil || principal == "" || level <= models.AccessNone {
		recordRetrieveOutcome(ctx, "invalid")
		return nil, fmt.Errorf("%w: content %q for %q", models.ErrInvalidInput, contentID, principal)
	}

	gen := m.keyCache.Generation(contentID)
	if level == models.AccessView {
		if key, ok := m.keyCache.Get(contentID, principal); ok {
			recordKeyManagerCacheEvent("content_key", true)
			recordRetrieveOutcome(ctx, "cache")
			return key, nil
		}
		recordKeyManagerCacheEvent("content_key", false)
	}

	expiresAt, err := m.authorize(ctx, contentID, principal, level)
	if err != nil {
		if errors.Is(err, models.ErrAllReplicasFailed) {
			recordRetrieveOutcome(ctx, "unavailable")
		} else {
			recordRetrieveOutcome(ctx, "denied")
		}
		return nil, err
	}

	env, err := m.envelopes.Lookup(ctx, contentID)
	if err != nil || env == nil {
		m.logger.Warn("No usable envelope for %s: %v", contentID, err)
		recordRetrieveOutcome(ctx, "unavailable")
		if err == nil {
			err = fmt.Errorf("content %s: %w", contentID, models.ErrNotKeyed)
		}
		return nil, err
	}

	secret, err := m.wrappingSecret(contentID)
	if err != nil {
		m.logger.Error("Failed to derive wrapping secret for %s: %v", contentID, err)
		recordRetrieveOutcome(ctx, "error")
		return nil, err
	}
	defer crypto.Zero(secret)

	base, err := crypto.UnwrapKey(env.WrappedKey, secret)
	if err != nil {
		m.logger.Error("Failed to unwrap key for %s v%d: %v", contentID, env.KeyVersion, err)
		recordRetrieveOutcome(ctx, "error")
		return nil, err
	}
	key := crypto.EffectiveKey(base, env.KeyVersion)
	crypto.Zero(base)

	if err := ctx.Err(); err != nil {
		recordRetrieveOutcome(ctx, "cancelled")
		crypto.Zero(key)
		return nil, err
	}
	m.keyCache.SetFor(contentID, principal, key, gen, m.keyLifetime(expiresAt))
	recordRetrieveOutcome(ctx, "ok")
	return key, nil
}

// keyLifetime bounds a cached key by the expiry of the grant that
// authorized it. Cache entries are fresh through their full TTL while a
// grant is dead at ExpiresAt, hence the nanosecond.
func (m *Manager) keyLifetime(expiresAt *time.Time) time.Duration {
	ttl := m.keyCache.TTL()
	if expiresAt == nil {
		return ttl
	}
	if remaining := expiresAt.Sub(m.now()) - time.Nanosecond; remaining < ttl {
		return remaining
	}
	return ttl
}

// authorize checks the grant (cached, then registry) and, for VIEW, falls
// back to ownership verification. It returns the expiry of the grant that
// allowed the request, nil when it never expires. A registry outage with
// no ownership proof is reported as such rather than as a denial.
func (m *Manager) authorize(ctx context.Context, contentID, principal string, level models.AccessLevel) (*time.Time, error) {
	now := m.now()
	var lookupErr error
	if g, ok := m.grantCache.Get(contentID, principal); ok {
		recordKeyManagerCacheEvent("grant", true)
		if g.Allows(level, now) {
			return g.ExpiresAt, nil
		}
	} else {
		recordKeyManagerCacheEvent("grant", false)
		gen := m.grantCache.Generation(contentID)
		g, err := m.registry.Get(ctx, contentID, principal)
		if err != nil {
			m.logger.Warn("Grant lookup for %s/%s failed: %v", contentID, principal, err)
			lookupErr = err
		} else if g != nil {
			if ctx.Err() == nil {
				m.grantCache.Set(contentID, principal, g, gen)
			}
			if g.Allows(level, now) {
				return g.ExpiresAt, nil
			}
		}
	}

	denied := func(reason string) (*time.Time, error) {
		if errors.Is(lookupErr, models.ErrAllReplicasFailed) {
			return nil, fmt.Errorf("grant for %s on %s: %w", principal, contentID, lookupErr)
		}
		m.logger.Info("Denied %s on %s to %s: %s", level, contentID, principal, reason)
		return nil, fmt.Errorf("%s on %s for %s: %w", level, contentID, principal, models.ErrNotAuthorized)
	}
	if level != models.AccessView || m.verifier == nil {
		return denied("no sufficient grant")
	}
	if !m.verifier.VerifyOwnership(ctx, contentID, principal) {
		return denied("ownership not verified")
	}
	m.grantCache.Invalidate(contentID, principal)
	return nil, nil
}

// GrantAccess issues a grant through the registry and drops the recipient's
// cached state.
func (m *Manager) GrantAccess(ctx context.Context, contentID, issuer, recipient string, level models.AccessLevel, expiresAt *time.Time) error {
	if err := m.registry.Grant(ctx, contentID, issuer, recipient, level, expiresAt); err != nil {
		return err
	}
	m.invalidate(ctx, cache.Invalidation{ContentID: contentID, Principal: models.NormalizePrincipal(recipient)})
	return nil
}

// RevokeAccess removes target's grant and purges its cached key and grant.
// A revocation that reached only some replicas still purges the caches.
func (m *Manager) RevokeAccess(ctx context.Context, contentID, issuer, target string) error {
	err := m.registry.Revoke(ctx, contentID, issuer, target)
	if err == nil || errors.Is(err, models.ErrPartialReplicaFailure) {
		m.invalidate(ctx, cache.Invalidation{ContentID: contentID, Principal: models.NormalizePrincipal(target)})
	}
	return err
}

// ListGrants returns live grants to a requester holding FULL_CONTROL.
func (m *Manager) ListGrants(ctx context.Context, contentID, requester string) ([]*models.AccessGrant, error) {
	if err := m.registry.Require(ctx, "list", contentID, requester, models.AccessFullControl); err != nil {
		return nil, err
	}
	return m.registry.ListForContent(ctx, contentID)
}

// VerifyOwnership exposes the verifier, including its grant bootstrap.
func (m *Manager) VerifyOwnership(ctx context.Context, contentID, principal string) bool {
	if m.verifier == nil {
		return false
	}
	ok := m.verifier.VerifyOwnership(ctx, contentID, principal)
	if ok {
		m.grantCache.Invalidate(contentID, models.NormalizePrincipal(principal))
	}
	return ok
}

// WithdrawContent removes every envelope and grant for contentID. The
// rotation history is retained.
func (m *Manager) WithdrawContent(ctx context.Context, contentID, issuer string) error {
	ctx, span := startKeyManagerSpan(ctx, "Manager.WithdrawContent", attribute.String("content_id", contentID))
	defer span.End()

	if err := models.ValidateContentID(contentID); err != nil {
		return fmt.Errorf("withdraw: %w", err)
	}
	unlock, err := m.locks.Lock(ctx, keyAccess.ContentLockKey(contentID))
	if err != nil {
		return err
	}
	defer unlock()

	if err := m.registry.Require(ctx, "withdraw", contentID, issuer, models.AccessFullControl); err != nil {
		return err
	}
	env, err := m.envelopes.Get(ctx, contentID)
	if err != nil {
		return err
	}
	if env == nil {
		return fmt.Errorf("withdraw %s: %w", contentID, models.ErrNotKeyed)
	}
	if err := m.envelopes.Delete(ctx, contentID); err != nil {
		return err
	}
	if err := m.registry.PurgeContent(ctx, contentID); err != nil {
		return err
	}

	m.invalidate(ctx, cache.Invalidation{ContentID: contentID})
	m.logger.Info("Withdrew %s at v%d (by %s)", contentID, env.KeyVersion, models.NormalizePrincipal(issuer))
	return nil
}

// GetDecryptedContent retrieves the key, downloads the ciphertext and
// decrypts it. Denial is ErrNotAuthorized, a storage outage is
// ErrAllReplicasFailed and transport exhaustion is a *models.RetrievalError.
func (m *Manager) GetDecryptedContent(ctx context.Context, contentID, principal, address string) ([]byte, error) {
	if m.downloader == nil {
		return nil, errors.New("no ciphertext downloader configured")
	}
	key, err := m.retrieveKey(ctx, contentID, principal, models.AccessView)
	if err != nil {
		if !errors.Is(err, models.ErrAllReplicasFailed) && ctx.Err() == nil {
			err = fmt.Errorf("content %s for %s: %w", contentID, models.NormalizePrincipal(principal), models.ErrNotAuthorized)
		}
		return nil, err
	}
	defer crypto.Zero(key)

	if address == "" {
		address = contentID
	}
	res, err := m.downloader.Download(ctx, address)
	if err != nil {
		return nil, err
	}
	plaintext, err := crypto.DecryptContent(res.Body, key)
	if err != nil {
		return nil, fmt.Errorf("decrypt %s: %w", contentID, err)
	}
	return plaintext, nil
}

// PublishRecoverable writes a wallet-recoverable envelope for key.
func (m *Manager) PublishRecoverable(ctx context.Context, contentID string, key crypto.ContentKey, owner string) (string, error) {
	if m.recovery == nil {
		return "", fmt.Errorf("%w: recovery path is disabled", models.ErrInvalidInput)
	}
	return m.recovery.Publish(ctx, contentID, key, owner)
}

// RecoverKey reads the principal's recovery envelope without touching the
// envelope store or registry.
func (m *Manager) RecoverKey(ctx context.Context, contentID, principal string) (crypto.ContentKey, bool) {
	if m.recovery == nil {
		return nil, false
	}
	return m.recovery.Recover(ctx, contentID, principal)
}

// ApplyInvalidation drops local cache state named by a peer's invalidation.
func (m *Manager) ApplyInvalidation(inv cache.Invalidation) {
	if inv.Principal == "" {
		m.keyCache.InvalidateContent(inv.ContentID)
		m.grantCache.InvalidateContent(inv.ContentID)
		return
	}
	m.keyCache.Invalidate(inv.ContentID, inv.Principal)
	m.grantCache.Invalidate(inv.ContentID, inv.Principal)
}

func (m *Manager) invalidate(ctx context.Context, inv cache.Invalidation) {
	m.ApplyInvalidation(inv)
	if err := m.invalidator.Publish(context.WithoutCancel(ctx), inv); err != nil {
		m.logger.Warn("Failed to publish cache invalidation for %s: %v", inv.ContentID, err)
	}
}
