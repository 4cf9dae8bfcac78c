package key_access

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"wylloh/logging"
	"wylloh/pkg/kvstore"
	"wylloh/pkg/locks"
	"wylloh/pkg/models"

	"github.com/samber/lo"
	"go.opentelemetry.io/otel/attribute"
)

const (
	grantKeyPrefix = "grant/"
	grantIdxPrefix = "grantidx/"
)

func grantKey(contentID, principal string) string {
	return grantKeyPrefix + contentID + "/" + principal
}

func grantIndexKey(contentID string) string {
	return grantIdxPrefix + contentID
}

// ContentLockKey is the lock key that serialises every write touching a
// content item's grants or envelopes.
func ContentLockKey(contentID string) string {
	return "content/" + contentID
}

// grantRecord is the stored form of a grant. A revocation leaves a
// tombstone at a higher revision so a replica that still holds the grant
// cannot bring it back; reads take the highest revision across replicas.
type grantRecord struct {
	Revision  uint64              `json:"revision"`
	Grant     *models.AccessGrant `json:"grant,omitempty"`
	RevokedAt *time.Time          `json:"revokedAt,omitempty"`
}

func (rec *grantRecord) live() bool {
	return rec != nil && rec.Grant != nil && rec.RevokedAt == nil
}

// Registry stores per-(content, principal) access grants. Expired grants stay
// in storage and are filtered on read. Grants are written to whichever
// replicas accept them; revocations must reach every replica.
type Registry struct {
	store  kvstore.Store
	locks  *locks.Keyed
	now    func() time.Time
	logger *logging.Logger
}

type RegistryOption func(*Registry)

// WithRegistryClock overrides the time source used for expiry checks.
func WithRegistryClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

func NewRegistry(store kvstore.Store, contentLocks *locks.Keyed, opts ...RegistryOption) *Registry {
	if contentLocks == nil {
		contentLocks = locks.NewKeyed()
	}
	r := &Registry{
		store:  store,
		locks:  contentLocks,
		now:    time.Now,
		logger: logging.GetLogger().WithComponent("registry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Locks returns the keyed lock shared with other content writers.
func (r *Registry) Locks() *locks.Keyed {
	return r.locks
}

// Grant issues or re-issues a grant. The issuer must hold a live
// FULL_CONTROL grant unless issuer and recipient are the same principal.
func (r *Registry) Grant(ctx context.Context, contentID, issuer, recipient string, level models.AccessLevel, expiresAt *time.Time) error {
	if err := models.ValidateContentID(contentID); err != nil {
		return fmt.Errorf("grant: %w", err)
	}
	unlock, err := r.locks.Lock(ctx, ContentLockKey(contentID))
	if err != nil {
		return err
	}
	defer unlock()
	return r.GrantLocked(ctx, contentID, issuer, recipient, level, expiresAt)
}

// GrantLocked is Grant for callers already holding ContentLockKey(contentID).
func (r *Registry) GrantLocked(ctx context.Context, contentID, issuer, recipient string, level models.AccessLevel, expiresAt *time.Time) (err error) {
	ctx, span := startKeyAccessSpan(ctx, "Registry.Grant",
		attribute.String("content_id", contentID),
		attribute.String("level", level.String()),
	)
	defer span.End()
	defer func() { recordRegistryOp(ctx, "grant", err) }()

	issuer = models.NormalizePrincipal(issuer)
	recipient = models.NormalizePrincipal(recipient)
	if err := models.ValidateContentID(contentID); err != nil {
		return fmt.Errorf("grant: %w", err)
	}
	if issuer == "" || recipient == "" {
		return fmt.Errorf("%w: issuer and recipient are required", models.ErrInvalidInput)
	}
	if level <= models.AccessNone {
		return fmt.Errorf("%w: cannot grant level %s", models.ErrInvalidInput, level)
	}

	now := r.now()
	if expiresAt != nil && !expiresAt.After(now) {
		return fmt.Errorf("grant %s to %s: %w", contentID, recipient, models.ErrExpiredGrant)
	}

	if issuer != recipient {
		if err := r.requireFullControl(ctx, "grant", contentID, issuer); err != nil {
			return err
		}
	}

	records, err := r.loadRecords(ctx, contentID, recipient)
	if err != nil {
		return err
	}
	data, err := json.Marshal(&grantRecord{
		Revision: nextRevision(records),
		Grant: &models.AccessGrant{
			ContentID:   contentID,
			PrincipalID: recipient,
			Level:       level,
			IssuedAt:    now,
			ExpiresAt:   expiresAt,
			IssuedBy:    issuer,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to encode grant: %w", err)
	}

	principals, err := r.indexed(ctx, contentID)
	if err != nil {
		return err
	}
	principals = lo.Uniq(append(principals, recipient))
	sort.Strings(principals)
	idx, err := json.Marshal(principals)
	if err != nil {
		return fmt.Errorf("failed to encode grant index: %w", err)
	}

	if err := r.store.Apply(ctx, []kvstore.Mutation{
		kvstore.Set(grantKey(contentID, recipient), data),
		kvstore.Set(grantIndexKey(contentID), idx),
	}); err != nil {
		return fmt.Errorf("failed to persist grant: %w", err)
	}

	r.logger.Info("Granted %s on %s to %s (issued by %s)", level, contentID, recipient, issuer)
	return nil
}

// Revoke replaces target's grant with a tombstone on every replica. The
// issuer must hold FULL_CONTROL. Revoking a principal with no grant is a
// no-op. A revoke that misses any replica fails and should be retried.
func (r *Registry) Revoke(ctx context.Context, contentID, issuer, target string) (err error) {
	ctx, span := startKeyAccessSpan(ctx, "Registry.Revoke", attribute.String("content_id", contentID))
	defer span.End()
	defer func() { recordRegistryOp(ctx, "revoke", err) }()

	issuer = models.NormalizePrincipal(issuer)
	target = models.NormalizePrincipal(target)
	if err := models.ValidateContentID(contentID); err != nil {
		return fmt.Errorf("revoke: %w", err)
	}
	if issuer == "" || target == "" {
		return fmt.Errorf("%w: issuer and target are required", models.ErrInvalidInput)
	}

	unlock, err := r.locks.Lock(ctx, ContentLockKey(contentID))
	if err != nil {
		return err
	}
	defer unlock()

	if err := r.requireFullControl(ctx, "revoke", contentID, issuer); err != nil {
		return err
	}

	records, err := r.loadRecords(ctx, contentID, target)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		r.logger.Debug("Revoke on %s: %s holds no grant", contentID, target)
		return nil
	}
	// Already-revoked records are rewritten too so a retry after a partial
	// revocation only succeeds once every replica holds the tombstone.

	tombstone, err := r.tombstone(records)
	if err != nil {
		return err
	}
	if err := kvstore.ApplyAll(ctx, r.store, []kvstore.Mutation{
		kvstore.Set(grantKey(contentID, target), tombstone),
	}); err != nil {
		return fmt.Errorf("failed to revoke grant: %w", err)
	}

	r.logger.Info("Revoked access on %s for %s (by %s)", contentID, target, issuer)
	return nil
}

// Get returns principal's live grant, or nil when absent or expired.
func (r *Registry) Get(ctx context.Context, contentID, principal string) (*models.AccessGrant, error) {
	grant, err := r.load(ctx, contentID, models.NormalizePrincipal(principal))
	if err != nil || grant == nil {
		return nil, err
	}
	if grant.IsExpired(r.now()) {
		return nil, nil
	}
	return grant, nil
}

// ListForContent returns the live grants for a content item ordered by
// principal.
func (r *Registry) ListForContent(ctx context.Context, contentID string) ([]*models.AccessGrant, error) {
	all, err := r.listAll(ctx, contentID)
	if err != nil {
		return nil, err
	}
	now := r.now()
	return lo.Filter(all, func(g *models.AccessGrant, _ int) bool {
		return !g.IsExpired(now)
	}), nil
}

// ListAllForContent includes expired grants kept for audit.
func (r *Registry) ListAllForContent(ctx context.Context, contentID string) ([]*models.AccessGrant, error) {
	return r.listAll(ctx, contentID)
}

// PurgeContent revokes every grant for a withdrawn content item on every
// replica. Callers hold ContentLockKey(contentID).
func (r *Registry) PurgeContent(ctx context.Context, contentID string) error {
	principals, err := r.indexed(ctx, contentID)
	if err != nil {
		return err
	}
	mutations := make([]kvstore.Mutation, 0, len(principals)+1)
	for _, p := range principals {
		records, err := r.loadRecords(ctx, contentID, p)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			continue
		}
		tombstone, err := r.tombstone(records)
		if err != nil {
			return err
		}
		mutations = append(mutations, kvstore.Set(grantKey(contentID, p), tombstone))
	}
	mutations = append(mutations, kvstore.Del(grantIndexKey(contentID)))
	if err := kvstore.ApplyAll(ctx, r.store, mutations); err != nil {
		return fmt.Errorf("failed to purge grants: %w", err)
	}
	return nil
}

func (r *Registry) listAll(ctx context.Context, contentID string) ([]*models.AccessGrant, error) {
	principals, err := r.indexed(ctx, contentID)
	if err != nil {
		return nil, err
	}
	grants := make([]*models.AccessGrant, 0, len(principals))
	for _, p := range principals {
		g, err := r.load(ctx, contentID, p)
		if err != nil {
			return nil, err
		}
		if g != nil {
			grants = append(grants, g)
		}
	}
	return grants, nil
}

// Require returns nil when principal holds a live grant of at least level.
// A matching grant past its expiry yields ErrExpiredGrant, anything else
// ErrInsufficientRights.
func (r *Registry) Require(ctx context.Context, op, contentID, principal string, level models.AccessLevel) error {
	principal = models.NormalizePrincipal(principal)
	held, err := r.load(ctx, contentID, principal)
	if err != nil {
		return err
	}
	now := r.now()
	if held != nil && held.Level.Satisfies(level) && held.IsExpired(now) {
		recordRegistryDenial(ctx, op, "expired")
		r.logger.Info("Denied %s on %s: grant held by %s has expired", op, contentID, principal)
		return fmt.Errorf("%s on %s by %s: %w", op, contentID, principal, models.ErrExpiredGrant)
	}
	if !held.Allows(level, now) {
		recordRegistryDenial(ctx, op, "insufficient")
		r.logger.Info("Denied %s on %s: %s lacks %s", op, contentID, principal, level)
		return fmt.Errorf("%s on %s by %s: %w", op, contentID, principal, models.ErrInsufficientRights)
	}
	return nil
}

func (r *Registry) requireFullControl(ctx context.Context, op, contentID, issuer string) error {
	return r.Require(ctx, op, contentID, issuer, models.AccessFullControl)
}

func (r *Registry) load(ctx context.Context, contentID, principal string) (*models.AccessGrant, error) {
	records, err := r.loadRecords(ctx, contentID, principal)
	if err != nil {
		return nil, err
	}
	if newest := newestRecord(records); newest.live() {
		return newest.Grant, nil
	}
	return nil, nil
}

// loadRecords decodes every replica's copy of the grant record. Copies that
// fail to decode are skipped unless none decodes.
func (r *Registry) loadRecords(ctx context.Context, contentID, principal string) ([]*grantRecord, error) {
	copies, err := kvstore.GetAll(ctx, r.store, grantKey(contentID, principal))
	if err != nil {
		if kvstore.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load grant: %w", err)
	}
	records := make([]*grantRecord, 0, len(copies))
	var decodeErr error
	for _, data := range copies {
		var rec grantRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			decodeErr = err
			continue
		}
		records = append(records, &rec)
	}
	if len(records) == 0 && decodeErr != nil {
		return nil, fmt.Errorf("failed to decode grant for %s on %s: %w", principal, contentID, decodeErr)
	}
	if decodeErr != nil {
		r.logger.Warn("Skipped undecodable grant copy for %s on %s: %v", principal, contentID, decodeErr)
	}
	return records, nil
}

func (r *Registry) tombstone(records []*grantRecord) ([]byte, error) {
	now := r.now()
	data, err := json.Marshal(&grantRecord{Revision: nextRevision(records), RevokedAt: &now})
	if err != nil {
		return nil, fmt.Errorf("failed to encode revocation: %w", err)
	}
	return data, nil
}

// newestRecord returns the highest revision. On a tie a tombstone wins.
func newestRecord(records []*grantRecord) *grantRecord {
	var newest *grantRecord
	for _, rec := range records {
		switch {
		case newest == nil, rec.Revision > newest.Revision:
			newest = rec
		case rec.Revision == newest.Revision && rec.RevokedAt != nil:
			newest = rec
		}
	}
	return newest
}

func nextRevision(records []*grantRecord) uint64 {
	if newest := newestRecord(records); newest != nil {
		return newest.Revision + 1
	}
	return 1
}

// indexed returns the union of every replica's principal index. Entries
// without a live grant are filtered by the callers' loads.
func (r *Registry) indexed(ctx context.Context, contentID string) ([]string, error) {
	copies, err := kvstore.GetAll(ctx, r.store, grantIndexKey(contentID))
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load grant index: %w", err)
	}
	var principals []string
	for _, data := range copies {
		var part []string
		if err := json.Unmarshal(data, &part); err != nil {
			return nil, fmt.Errorf("failed to decode grant index for %s: %w", contentID, err)
		}
		principals = append(principals, part...)
	}
	principals = lo.Uniq(principals)
	sort.Strings(principals)
	return principals, nil
}
