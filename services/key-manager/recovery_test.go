package key_manager

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"wylloh/pkg/cas"
	"wylloh/pkg/crypto"
	"wylloh/pkg/kvstore"
	"wylloh/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticResolver struct {
	address string
	err     error
	calls   int
}

func (s *staticResolver) ResolveRecoveryAddress(context.Context, string) (string, error) {
	s.calls++
	return s.address, s.err
}

func TestRecoveryPathPublishAndRecover(t *testing.T) {
	ctx := context.Background()
	blobs := cas.NewMemoryStore()
	records := kvstore.NewMemoryStore("records")
	path := NewRecoveryPath(blobs, records, nil)

	key, err := crypto.GenerateContentKey()
	require.NoError(t, err)

	addr, err := path.Publish(ctx, "film-1", key, "0xAAAA000000000000000000000000000000000001")
	require.NoError(t, err)

	data, err := blobs.Get(ctx, addr)
	require.NoError(t, err)
	env, err := models.DecodeEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, models.EnvelopeKindRecovery, env.Kind)
	assert.Equal(t, owner, env.Owner)
	assert.Equal(t, models.RecoveryMethodWalletDerived, env.RecoveryMethod)
	assert.NotContains(t, string(data), key.Hex())

	resolved, err := path.Address(ctx, "film-1")
	require.NoError(t, err)
	assert.Equal(t, addr, resolved)

	got, ok := path.Recover(ctx, "film-1", owner)
	require.True(t, ok)
	assert.True(t, key.Equal(got))

	_, ok = path.Recover(ctx, "film-1", viewer)
	assert.False(t, ok)
	_, ok = path.Recover(ctx, "film-2", owner)
	assert.False(t, ok)
}

func TestRecoveryPathPublishValidation(t *testing.T) {
	path := NewRecoveryPath(cas.NewMemoryStore(), kvstore.NewMemoryStore("records"), nil)
	key, err := crypto.GenerateContentKey()
	require.NoError(t, err)

	_, err = path.Publish(context.Background(), "", key, owner)
	assert.ErrorIs(t, err, models.ErrInvalidInput)
	_, err = path.Publish(context.Background(), "film-1", key, "")
	assert.ErrorIs(t, err, models.ErrInvalidInput)
	_, err = path.Publish(context.Background(), "film-1", key[:8], owner)
	assert.ErrorIs(t, err, models.ErrInvalidKeyMaterial)
}

func TestRecoveryPathUsesResolverWithoutLocalRecord(t *testing.T) {
	ctx := context.Background()
	blobs := cas.NewMemoryStore()
	key, err := crypto.GenerateContentKey()
	require.NoError(t, err)

	publisher := NewRecoveryPath(blobs, kvstore.NewMemoryStore("publisher"), nil)
	addr, err := publisher.Publish(ctx, "film-1", key, owner)
	require.NoError(t, err)

	resolver := &staticResolver{address: "ipfs://" + addr}
	reader := NewRecoveryPath(blobs, kvstore.NewMemoryStore("reader"), resolver)
	got, ok := reader.Recover(ctx, "film-1", owner)
	require.True(t, ok)
	assert.True(t, key.Equal(got))
	assert.Equal(t, 1, resolver.calls)
}

func TestRecoveryPathRejectsPrimaryEnvelope(t *testing.T) {
	ctx := context.Background()
	blobs := cas.NewMemoryStore()
	data, err := models.EncodeEnvelope(testEnvelope("film-1", 1))
	require.NoError(t, err)
	addr, err := blobs.Put(ctx, data)
	require.NoError(t, err)

	path := NewRecoveryPath(blobs, kvstore.NewMemoryStore("records"), &staticResolver{address: addr})
	_, ok := path.Recover(ctx, "film-1", owner)
	assert.False(t, ok)
}

func TestRecoveryPathAddressNotFound(t *testing.T) {
	path := NewRecoveryPath(cas.NewMemoryStore(), kvstore.NewMemoryStore("records"), nil)
	_, err := path.Address(context.Background(), "film-1")
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, ok := path.Recover(context.Background(), "film-1", owner)
	assert.False(t, ok)
}

func TestHTTPMetadataResolver(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/content/film-1":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"title":"Night Harbor","recoveryEnvelopeCid":"bafyrecovery"}`))
		case "/content/film-2":
			_, _ = w.Write([]byte(`{"title":"No Recovery"}`))
		case "/content/film-3":
			w.WriteHeader(http.StatusBadRequest)
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	resolver := NewHTTPMetadataResolver(server.URL+"/", time.Second, 0)
	ctx := context.Background()

	addr, err := resolver.ResolveRecoveryAddress(ctx, "film-1")
	require.NoError(t, err)
	assert.Equal(t, "bafyrecovery", addr)

	_, err = resolver.ResolveRecoveryAddress(ctx, "film-2")
	assert.ErrorContains(t, err, "recoveryEnvelopeCid")

	_, err = resolver.ResolveRecoveryAddress(ctx, "film-3")
	assert.ErrorContains(t, err, "status: 400")

	_, err = resolver.ResolveRecoveryAddress(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}
