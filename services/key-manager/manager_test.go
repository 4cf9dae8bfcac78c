package key_manager

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"wylloh/pkg/cache"
	"wylloh/pkg/cas"
	"wylloh/pkg/crypto"
	"wylloh/pkg/kvstore"
	"wylloh/pkg/ledger"
	"wylloh/pkg/models"
	"wylloh/pkg/retrieval"
	keyAccess "wylloh/services/key-access"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	owner    = "0xaaaa000000000000000000000000000000000001"
	viewer   = "0xbbbb000000000000000000000000000000000002"
	stranger = "0xcccc000000000000000000000000000000000003"
)

var errReplicaDown = errors.New("replica unavailable")

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// flakyStore wraps a replica and fails reads or writes on demand.
type flakyStore struct {
	kvstore.Store

	mu      sync.Mutex
	failGet bool
	failPut bool
}

func (f *flakyStore) setFailures(get, put bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failGet, f.failPut = get, put
}

func (f *flakyStore) Get(ctx context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	fail := f.failGet
	f.mu.Unlock()
	if fail {
		return nil, errReplicaDown
	}
	return f.Store.Get(ctx, key)
}

func (f *flakyStore) Put(ctx context.Context, key string, value []byte) error {
	return f.Apply(ctx, []kvstore.Mutation{kvstore.Set(key, value)})
}

func (f *flakyStore) Delete(ctx context.Context, key string) error {
	return f.Apply(ctx, []kvstore.Mutation{kvstore.Del(key)})
}

func (f *flakyStore) Apply(ctx context.Context, mutations []kvstore.Mutation) error {
	f.mu.Lock()
	fail := f.failPut
	f.mu.Unlock()
	if fail {
		return errReplicaDown
	}
	return f.Store.Apply(ctx, mutations)
}

type recordingInvalidator struct {
	mu        sync.Mutex
	published []cache.Invalidation
}

func (r *recordingInvalidator) Publish(_ context.Context, inv cache.Invalidation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.published = append(r.published, inv)
	return nil
}

func (r *recordingInvalidator) Close() error { return nil }

func (r *recordingInvalidator) Published() []cache.Invalidation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]cache.Invalidation(nil), r.published...)
}

type stubDownloader struct {
	mu          sync.Mutex
	body        []byte
	err         error
	calls       int
	lastAddress string
}

func (s *stubDownloader) Download(ctx context.Context, address string) (*retrieval.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.lastAddress = address
	if s.err != nil {
		return nil, s.err
	}
	return &retrieval.Result{Body: s.body, Endpoint: "stub"}, nil
}

type managerFixture struct {
	clock       *testClock
	primary     *flakyStore
	backup      *flakyStore
	store       *kvstore.Replicated
	ledger      *ledger.MemoryLedger
	registry    *keyAccess.Registry
	purchases   *keyAccess.PurchaseLedger
	downloader  *stubDownloader
	invalidator *recordingInvalidator
	blobs       *cas.MemoryStore
	manager     *Manager
}

type fixtureOption func(*Options)

func withCacheTTL(key, grant time.Duration) fixtureOption {
	return func(o *Options) {
		o.KeyTTL = key
		o.GrantTTL = grant
	}
}

func withoutVerifier() fixtureOption {
	return func(o *Options) { o.Verifier = nil }
}

func testMasterSecret() StaticSecret {
	return StaticSecret(bytes.Repeat([]byte{0x42}, crypto.KeySize))
}

func newManagerFixture(t *testing.T, opts ...fixtureOption) *managerFixture {
	t.Helper()
	f := &managerFixture{
		clock:       newTestClock(),
		primary:     &flakyStore{Store: kvstore.NewMemoryStore("primary")},
		backup:      &flakyStore{Store: kvstore.NewMemoryStore("backup")},
		ledger:      ledger.NewMemoryLedger("primary"),
		downloader:  &stubDownloader{},
		invalidator: &recordingInvalidator{},
		blobs:       cas.NewMemoryStore(),
	}
	f.store = kvstore.NewReplicated([]kvstore.Store{f.primary, f.backup}, nil)
	f.registry = keyAccess.NewRegistry(f.store, nil, keyAccess.WithRegistryClock(f.clock.Now))
	f.purchases = keyAccess.NewPurchaseLedger(f.store)
	verifier := keyAccess.NewOwnershipVerifier(keyAccess.VerifierOptions{
		Primary:       f.ledger,
		Purchases:     f.purchases,
		Registry:      f.registry,
		LocalFallback: true,
	})

	o := Options{
		Envelopes:   NewEnvelopeStore(f.store),
		Registry:    f.registry,
		Verifier:    verifier,
		Purchases:   f.purchases,
		Rotations:   NewRotationLog(f.store),
		Recovery:    NewRecoveryPath(f.blobs, f.store, nil),
		Downloader:  f.downloader,
		Secret:      testMasterSecret(),
		Scope:       "0xcontract",
		KeyTTL:      DefaultKeyTTL,
		GrantTTL:    DefaultGrantTTL,
		Invalidator: f.invalidator,
		Clock:       f.clock.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}

	m, err := NewManager(context.Background(), o)
	require.NoError(t, err)
	f.manager = m
	return f
}

// storeKey keys contentID for owner and returns the key.
func (f *managerFixture) storeKey(t *testing.T, contentID string) crypto.ContentKey {
	t.Helper()
	key, err := crypto.GenerateContentKey()
	require.NoError(t, err)
	require.NoError(t, f.manager.StoreKey(context.Background(), contentID, key.Clone(), owner))
	return key
}

func TestNewManagerValidation(t *testing.T) {
	store := kvstore.NewReplicated([]kvstore.Store{kvstore.NewMemoryStore("memory")}, nil)
	base := Options{
		Envelopes: NewEnvelopeStore(store),
		Registry:  keyAccess.NewRegistry(store, nil),
		Rotations: NewRotationLog(store),
		Secret:    testMasterSecret(),
	}

	tests := []struct {
		name    string
		mutate  func(o *Options)
		wantErr error
	}{
		{name: "valid", mutate: func(*Options) {}},
		{name: "missing envelopes", mutate: func(o *Options) { o.Envelopes = nil }, wantErr: models.ErrInvalidInput},
		{name: "missing secret", mutate: func(o *Options) { o.Secret = nil }, wantErr: models.ErrInvalidInput},
		{name: "short secret", mutate: func(o *Options) { o.Secret = StaticSecret("short") }, wantErr: models.ErrInvalidKeyMaterial},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := base
			tt.mutate(&o)
			m, err := NewManager(context.Background(), o)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			_, ttl := m.KeyCacheStats()
			assert.Zero(t, ttl)
		})
	}
}

func TestNewManagerCapsKeyTTL(t *testing.T) {
	f := newManagerFixture(t, withCacheTTL(2*time.Hour, time.Minute))
	_, ttl := f.manager.KeyCacheStats()
	assert.Equal(t, DefaultKeyTTL, ttl)
}

func TestStoreAndRetrieveKey(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)
	key := f.storeKey(t, "film-1")

	got, ok := f.manager.RetrieveKey(ctx, "film-1", owner)
	require.True(t, ok)
	assert.True(t, key.Equal(got))

	grant, err := f.registry.Get(ctx, "film-1", owner)
	require.NoError(t, err)
	require.NotNil(t, grant)
	assert.Equal(t, models.AccessFullControl, grant.Level)
	assert.Nil(t, grant.ExpiresAt)
	assert.Equal(t, owner, grant.IssuedBy)

	version, err := f.manager.Envelopes().GetLatestVersion(ctx, "film-1")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), version)

	_, ok = f.manager.RetrieveKey(ctx, "film-1", stranger)
	assert.False(t, ok)
}

func TestStoreKeyRejectsRekeying(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)
	original := f.storeKey(t, "film-1")

	other, err := crypto.GenerateContentKey()
	require.NoError(t, err)
	err = f.manager.StoreKey(ctx, "film-1", other, stranger)
	assert.ErrorIs(t, err, models.ErrAlreadyKeyed)

	got, ok := f.manager.RetrieveKey(ctx, "film-1", owner)
	require.True(t, ok)
	assert.True(t, original.Equal(got))

	_, ok = f.manager.RetrieveKey(ctx, "film-1", stranger)
	assert.False(t, ok)
}

func TestStoreKeyValidation(t *testing.T) {
	f := newManagerFixture(t)
	key, err := crypto.GenerateContentKey()
	require.NoError(t, err)

	tests := []struct {
		name      string
		contentID string
		key       crypto.ContentKey
		owner     string
		wantErr   error
	}{
		{name: "empty content id", contentID: "", key: key, owner: owner, wantErr: models.ErrInvalidInput},
		{name: "separator in content id", contentID: "a/b", key: key, owner: owner, wantErr: models.ErrInvalidInput},
		{name: "empty owner", contentID: "film-1", key: key, owner: "  ", wantErr: models.ErrInvalidInput},
		{name: "short key", contentID: "film-1", key: key[:16], owner: owner, wantErr: models.ErrInvalidKeyMaterial},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.manager.StoreKey(context.Background(), tt.contentID, tt.key, tt.owner)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestConcurrentStoreKeyHasSingleWinner(t *testing.T) {
	f := newManagerFixture(t)
	const writers = 8

	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key, err := crypto.GenerateContentKey()
			if err != nil {
				errs[i] = err
				return
			}
			errs[i] = f.manager.StoreKey(context.Background(), "film-race", key, owner)
		}(i)
	}
	wg.Wait()

	var ok, already int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, models.ErrAlreadyKeyed):
			already++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, writers-1, already)
}

func TestRetrieveKeyRequiresGrantLevel(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)
	f.storeKey(t, "film-1")
	require.NoError(t, f.manager.GrantAccess(ctx, "film-1", owner, viewer, models.AccessView, nil))

	_, ok := f.manager.RetrieveKeyForLevel(ctx, "film-1", viewer, models.AccessView)
	assert.True(t, ok)
	_, ok = f.manager.RetrieveKeyForLevel(ctx, "film-1", viewer, models.AccessModify)
	assert.False(t, ok)
	_, ok = f.manager.RetrieveKeyForLevel(ctx, "film-1", owner, models.AccessFullControl)
	assert.True(t, ok)
	_, ok = f.manager.RetrieveKeyForLevel(ctx, "film-1", viewer, models.AccessNone)
	assert.False(t, ok)
}

func TestRotateKey(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)
	f.storeKey(t, "film-1")
	require.NoError(t, f.manager.GrantAccess(ctx, "film-1", owner, viewer, models.AccessView, nil))

	k1, ok := f.manager.RetrieveKey(ctx, "film-1", viewer)
	require.True(t, ok)

	require.NoError(t, f.manager.RotateKey(ctx, "film-1", owner))

	version, err := f.manager.Envelopes().GetLatestVersion(ctx, "film-1")
	require.NoError(t, err)
	assert.Equal(t, uint32(2), version)

	k2, ok := f.manager.RetrieveKey(ctx, "film-1", viewer)
	require.True(t, ok, "grants survive rotation")
	assert.False(t, k1.Equal(k2), "cached v1 key must not be served after rotation")

	ownerKey, ok := f.manager.RetrieveKey(ctx, "film-1", owner)
	require.True(t, ok)
	assert.True(t, k2.Equal(ownerKey))

	v1, err := f.manager.Envelopes().GetVersion(ctx, "film-1", 1)
	require.NoError(t, err)
	require.NotNil(t, v1)

	history, err := f.manager.RotationHistory(ctx, "film-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, uint32(1), history[0].FromVersion)
	assert.Equal(t, uint32(2), history[0].ToVersion)
	assert.Equal(t, owner, history[0].RotatedBy)
	assert.NotEmpty(t, history[0].ID)

	require.NoError(t, f.manager.RotateKey(ctx, "film-1", owner))
	k3, ok := f.manager.RetrieveKey(ctx, "film-1", viewer)
	require.True(t, ok)
	assert.False(t, k3.Equal(k2))
	assert.False(t, k3.Equal(k1))
}

func TestRotateKeyAuthorization(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)
	f.storeKey(t, "film-1")
	require.NoError(t, f.manager.GrantAccess(ctx, "film-1", owner, viewer, models.AccessModify, nil))

	err := f.manager.RotateKey(ctx, "film-1", viewer)
	assert.ErrorIs(t, err, models.ErrInsufficientRights)

	err = f.manager.RotateKey(ctx, "unkeyed", owner)
	assert.ErrorIs(t, err, models.ErrInsufficientRights)

	version, err := f.manager.Envelopes().GetLatestVersion(ctx, "film-1")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), version)

	history, err := f.manager.RotationHistory(ctx, "film-1")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestRevokeAccessDropsCachedKey(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)
	f.storeKey(t, "film-1")
	require.NoError(t, f.manager.GrantAccess(ctx, "film-1", owner, viewer, models.AccessView, nil))

	_, ok := f.manager.RetrieveKey(ctx, "film-1", viewer)
	require.True(t, ok)

	require.NoError(t, f.manager.RevokeAccess(ctx, "film-1", owner, viewer))
	_, ok = f.manager.RetrieveKey(ctx, "film-1", viewer)
	assert.False(t, ok)

	assert.Contains(t, f.invalidator.Published(), cache.Invalidation{ContentID: "film-1", Principal: viewer})
}

func TestExpiredGrantFallsThroughToOwnership(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)
	f.storeKey(t, "film-1")

	expires := f.clock.Now().Add(time.Hour)
	require.NoError(t, f.manager.GrantAccess(ctx, "film-1", owner, viewer, models.AccessView, &expires))
	_, ok := f.manager.RetrieveKey(ctx, "film-1", viewer)
	require.True(t, ok)

	f.clock.Advance(2 * time.Hour)
	_, ok = f.manager.RetrieveKey(ctx, "film-1", viewer)
	assert.False(t, ok, "expired grant without ownership denies")

	f.ledger.SetBalance(viewer, "film-1", 1)
	_, ok = f.manager.RetrieveKey(ctx, "film-1", viewer)
	assert.True(t, ok, "ownership proof restores access")

	grant, err := f.registry.Get(ctx, "film-1", viewer)
	require.NoError(t, err)
	require.NotNil(t, grant)
	assert.Equal(t, models.AccessFullControl, grant.Level)
}

func TestOwnershipBootstrapIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t, withCacheTTL(0, 0))
	f.storeKey(t, "film-1")
	f.ledger.SetBalance(viewer, "film-1", 3)

	_, ok := f.manager.RetrieveKey(ctx, "film-1", viewer)
	require.True(t, ok)
	assert.Equal(t, 1, f.ledger.Calls())

	first, err := f.registry.Get(ctx, "film-1", viewer)
	require.NoError(t, err)
	require.NotNil(t, first)

	assert.True(t, f.manager.VerifyOwnership(ctx, "film-1", viewer))
	second, err := f.registry.Get(ctx, "film-1", viewer)
	require.NoError(t, err)
	assert.Equal(t, first.IssuedAt, second.IssuedAt, "existing owner grant is not reissued")

	_, ok = f.manager.RetrieveKey(ctx, "film-1", viewer)
	require.True(t, ok)
	assert.Equal(t, 2, f.ledger.Calls(), "grant satisfies later retrievals without the ledger")
}

func TestOwnershipFallbackOnlyForView(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)
	f.storeKey(t, "film-1")
	f.ledger.SetBalance(viewer, "film-1", 1)

	_, ok := f.manager.RetrieveKeyForLevel(ctx, "film-1", viewer, models.AccessModify)
	assert.False(t, ok)
	assert.Zero(t, f.ledger.Calls())
}

func TestLocalPurchaseFallback(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)
	f.storeKey(t, "film-1")
	f.ledger.FailWith(errReplicaDown)

	_, ok := f.manager.RetrieveKey(ctx, "film-1", viewer)
	require.False(t, ok)

	require.NoError(t, f.purchases.ImportLegacyPurchases(ctx, viewer, []models.LegacyPurchaseItem{
		{ID: "film-1", PurchaseQuantity: 1},
	}))
	_, ok = f.manager.RetrieveKey(ctx, "film-1", viewer)
	assert.True(t, ok)
}

func TestRetrieveKeyWithoutVerifier(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t, withoutVerifier())
	f.storeKey(t, "film-1")
	f.ledger.SetBalance(viewer, "film-1", 1)

	_, ok := f.manager.RetrieveKey(ctx, "film-1", viewer)
	assert.False(t, ok)
	assert.False(t, f.manager.VerifyOwnership(ctx, "film-1", viewer))
}

func TestRetrieveKeyFailsClosedOnStorageOutage(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)
	f.storeKey(t, "film-1")

	f.primary.setFailures(true, false)
	got, ok := f.manager.RetrieveKeyForLevel(ctx, "film-1", owner, models.AccessFullControl)
	require.True(t, ok, "backup replica serves reads")
	require.NotNil(t, got)

	f.backup.setFailures(true, false)
	f.manager.ApplyInvalidation(cache.Invalidation{ContentID: "film-1"})
	got, ok = f.manager.RetrieveKey(ctx, "film-1", owner)
	assert.False(t, ok)
	assert.Nil(t, got)
}

func TestRetrieveKeySkipsCorruptReplica(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)
	key := f.storeKey(t, "film-1")

	require.NoError(t, f.primary.Store.Put(ctx, latestEnvelopeKey("film-1"), []byte("{not json")))

	got, ok := f.manager.RetrieveKey(ctx, "film-1", owner)
	require.True(t, ok)
	assert.True(t, key.Equal(got))
}

func TestStoreKeySurvivesSingleReplicaWriteFailure(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)
	f.primary.setFailures(false, true)

	key := f.storeKey(t, "film-1")
	f.primary.setFailures(false, false)

	got, ok := f.manager.RetrieveKey(ctx, "film-1", owner)
	require.True(t, ok)
	assert.True(t, key.Equal(got))
}

func TestStoreKeyFailsWhenAllReplicasFail(t *testing.T) {
	f := newManagerFixture(t)
	f.primary.setFailures(false, true)
	f.backup.setFailures(false, true)

	key, err := crypto.GenerateContentKey()
	require.NoError(t, err)
	err = f.manager.StoreKey(context.Background(), "film-1", key, owner)
	assert.ErrorIs(t, err, models.ErrAllReplicasFailed)
}

func TestCancelledRetrieveDoesNotPopulateCache(t *testing.T) {
	f := newManagerFixture(t)
	f.storeKey(t, "film-1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ok := f.manager.RetrieveKey(ctx, "film-1", owner)
	assert.False(t, ok)

	entries, _ := f.manager.KeyCacheStats()
	assert.Zero(t, entries)
}

func TestApplyInvalidation(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)
	f.storeKey(t, "film-1")
	require.NoError(t, f.manager.GrantAccess(ctx, "film-1", owner, viewer, models.AccessView, nil))

	for _, p := range []string{owner, viewer} {
		_, ok := f.manager.RetrieveKey(ctx, "film-1", p)
		require.True(t, ok)
	}
	entries, _ := f.manager.KeyCacheStats()
	require.Equal(t, 2, entries)

	f.manager.ApplyInvalidation(cache.Invalidation{ContentID: "film-1", Principal: viewer})
	entries, _ = f.manager.KeyCacheStats()
	assert.Equal(t, 1, entries)

	f.manager.ApplyInvalidation(cache.Invalidation{ContentID: "film-1"})
	entries, _ = f.manager.KeyCacheStats()
	assert.Zero(t, entries)
}

func TestListGrants(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)
	f.storeKey(t, "film-1")
	require.NoError(t, f.manager.GrantAccess(ctx, "film-1", owner, viewer, models.AccessView, nil))

	grants, err := f.manager.ListGrants(ctx, "film-1", owner)
	require.NoError(t, err)
	assert.Len(t, grants, 2)

	_, err = f.manager.ListGrants(ctx, "film-1", viewer)
	assert.ErrorIs(t, err, models.ErrInsufficientRights)
}

func TestWithdrawContent(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)
	f.storeKey(t, "film-1")
	require.NoError(t, f.manager.GrantAccess(ctx, "film-1", owner, viewer, models.AccessView, nil))
	require.NoError(t, f.manager.RotateKey(ctx, "film-1", owner))

	assert.ErrorIs(t, f.manager.WithdrawContent(ctx, "film-1", viewer), models.ErrInsufficientRights)
	require.NoError(t, f.manager.WithdrawContent(ctx, "film-1", owner))

	for _, p := range []string{owner, viewer} {
		_, ok := f.manager.RetrieveKey(ctx, "film-1", p)
		assert.False(t, ok)
	}
	env, err := f.manager.Envelopes().Get(ctx, "film-1")
	require.NoError(t, err)
	assert.Nil(t, env)
	v1, err := f.manager.Envelopes().GetVersion(ctx, "film-1", 1)
	require.NoError(t, err)
	assert.Nil(t, v1)

	grants, err := f.registry.ListAllForContent(ctx, "film-1")
	require.NoError(t, err)
	assert.Empty(t, grants)

	history, err := f.manager.RotationHistory(ctx, "film-1")
	require.NoError(t, err)
	assert.Len(t, history, 1)

	f.storeKey(t, "film-1")
	_, ok := f.manager.RetrieveKey(ctx, "film-1", owner)
	assert.True(t, ok, "withdrawn content can be keyed again")
}

func TestGetDecryptedContent(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)
	key := f.storeKey(t, "film-1")

	plaintext := []byte("feature presentation")
	blob, err := crypto.EncryptContent(plaintext, key)
	require.NoError(t, err)
	f.downloader.body = blob

	got, err := f.manager.GetDecryptedContent(ctx, "film-1", owner, "")
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
	assert.Equal(t, "film-1", f.downloader.lastAddress)

	_, err = f.manager.GetDecryptedContent(ctx, "film-1", stranger, "bafyaddress")
	assert.ErrorIs(t, err, models.ErrNotAuthorized)
	assert.Equal(t, 1, f.downloader.calls, "denied requests never download")

	retrievalErr := &models.RetrievalError{Address: "bafyaddress"}
	f.downloader.err = retrievalErr
	_, err = f.manager.GetDecryptedContent(ctx, "film-1", owner, "bafyaddress")
	var rerr *models.RetrievalError
	require.ErrorAs(t, err, &rerr)
	assert.ErrorIs(t, err, models.ErrRetrievalExhausted)
	assert.NotErrorIs(t, err, models.ErrNotAuthorized)
}

func TestGetDecryptedContentAfterRotationUsesNewKey(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)
	base := f.storeKey(t, "film-1")
	require.NoError(t, f.manager.RotateKey(ctx, "film-1", owner))

	effective := crypto.EffectiveKey(base, 2)
	blob, err := crypto.EncryptContent([]byte("recut"), effective)
	require.NoError(t, err)
	f.downloader.body = blob

	got, err := f.manager.GetDecryptedContent(ctx, "film-1", owner, "")
	require.NoError(t, err)
	assert.Equal(t, []byte("recut"), got)
}

func TestRecoveryThroughManager(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)
	key := f.storeKey(t, "film-1")

	addr, err := f.manager.PublishRecoverable(ctx, "film-1", key, owner)
	require.NoError(t, err)
	assert.NotEmpty(t, addr)

	f.primary.setFailures(true, true)
	f.backup.setFailures(true, true)
	_, ok := f.manager.RetrieveKey(ctx, "film-1", owner)
	require.False(t, ok)

	f.primary.setFailures(false, false)
	f.backup.setFailures(false, false)
	recovered, ok := f.manager.RecoverKey(ctx, "film-1", owner)
	require.True(t, ok)
	assert.True(t, key.Equal(recovered))

	_, ok = f.manager.RecoverKey(ctx, "film-1", stranger)
	assert.False(t, ok)
}

func TestRecoveryDisabled(t *testing.T) {
	f := newManagerFixture(t, func(o *Options) { o.Recovery = nil })
	key, err := crypto.GenerateContentKey()
	require.NoError(t, err)

	assert.False(t, f.manager.RecoveryEnabled())
	_, err = f.manager.PublishRecoverable(context.Background(), "film-1", key, owner)
	assert.ErrorIs(t, err, models.ErrInvalidInput)
	_, ok := f.manager.RecoverKey(context.Background(), "film-1", owner)
	assert.False(t, ok)
}

func TestCachedKeyExpiresWithGrant(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)
	f.storeKey(t, "film-1")
	expires := f.clock.Now().Add(5 * time.Minute)
	require.NoError(t, f.manager.GrantAccess(ctx, "film-1", owner, viewer, models.AccessView, &expires))

	_, ok := f.manager.RetrieveKey(ctx, "film-1", viewer)
	require.True(t, ok)

	f.clock.Advance(10 * time.Minute)
	got, ok := f.manager.RetrieveKey(ctx, "film-1", viewer)
	assert.False(t, ok, "cached key must not outlive its grant")
	assert.Nil(t, got)

	_, ok = f.manager.RetrieveKey(ctx, "film-1", owner)
	assert.True(t, ok, "grants without expiry keep the full cache TTL")
}

func TestPartialRevokeStaysRevoked(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)
	f.storeKey(t, "film-1")
	require.NoError(t, f.manager.GrantAccess(ctx, "film-1", owner, viewer, models.AccessView, nil))
	_, ok := f.manager.RetrieveKey(ctx, "film-1", viewer)
	require.True(t, ok)

	f.primary.setFailures(false, true)
	err := f.manager.RevokeAccess(ctx, "film-1", owner, viewer)
	require.Error(t, err, "a revocation missing a replica is not reported as done")
	assert.ErrorIs(t, err, models.ErrPartialReplicaFailure)

	f.primary.setFailures(false, false)
	g, err := f.registry.Get(ctx, "film-1", viewer)
	require.NoError(t, err)
	assert.Nil(t, g, "stale primary copy must not resurrect the grant")

	_, ok = f.manager.RetrieveKey(ctx, "film-1", viewer)
	assert.False(t, ok)

	require.NoError(t, f.manager.RevokeAccess(ctx, "film-1", owner, viewer), "retry reaches every replica")
	f.backup.setFailures(true, false)
	g, err = f.registry.Get(ctx, "film-1", viewer)
	require.NoError(t, err)
	assert.Nil(t, g, "primary alone now holds the revocation")
}

func TestGetDecryptedContentReportsStorageOutage(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t, withCacheTTL(0, 0))
	f.storeKey(t, "film-1")
	f.downloader.body = []byte("unused")

	f.primary.setFailures(true, false)
	f.backup.setFailures(true, false)

	_, err := f.manager.GetDecryptedContent(ctx, "film-1", owner, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrAllReplicasFailed)
	assert.NotErrorIs(t, err, models.ErrNotAuthorized)
	assert.Zero(t, f.downloader.calls)

	f.primary.setFailures(false, false)
	f.backup.setFailures(false, false)
	_, err = f.manager.GetDecryptedContent(ctx, "film-1", stranger, "")
	assert.ErrorIs(t, err, models.ErrNotAuthorized)
}

func TestRotateKeySurvivesAuditWriteFailure(t *testing.T) {
	ctx := context.Background()
	audit := &flakyStore{Store: kvstore.NewMemoryStore("audit")}
	f := newManagerFixture(t, func(o *Options) { o.Rotations = NewRotationLog(audit) })
	base := f.storeKey(t, "film-1")

	audit.setFailures(false, true)
	require.NoError(t, f.manager.RotateKey(ctx, "film-1", owner), "committed rotation is not reported as failed")

	version, err := f.manager.envelopes.GetLatestVersion(ctx, "film-1")
	require.NoError(t, err)
	assert.Equal(t, uint32(2), version, "exactly one bump")

	got, ok := f.manager.RetrieveKey(ctx, "film-1", owner)
	require.True(t, ok)
	assert.True(t, crypto.EffectiveKey(base, 2).Equal(got))

	audit.setFailures(false, false)
	history, err := f.manager.RotationHistory(ctx, "film-1")
	require.NoError(t, err)
	assert.Empty(t, history)
}
