package cas

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"wylloh/pkg/models"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeAddress(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "bare cid", input: "bafyabc", want: "bafyabc"},
		{name: "ipfs scheme", input: "ipfs://bafyabc", want: "bafyabc"},
		{name: "ipfs scheme with ipfs path", input: "ipfs://ipfs/bafyabc", want: "bafyabc"},
		{name: "path form", input: "/ipfs/bafyabc/", want: "bafyabc"},
		{name: "gateway url", input: "https://ipfs.io/ipfs/bafyabc", want: "bafyabc"},
		{name: "gateway url with subpath", input: "https://dweb.link/ipfs/bafyabc/movie.enc", want: "bafyabc/movie.enc"},
		{name: "gateway url without ipfs path", input: "https://example.com/bafyabc", wantErr: true},
		{name: "empty", input: "  ", wantErr: true},
		{name: "scheme only", input: "ipfs://", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeAddress(tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, models.ErrInvalidInput)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	addr, err := store.Put(ctx, []byte("envelope"))
	require.NoError(t, err)
	assert.Equal(t, digest.FromString("envelope").Encoded(), addr)

	data, err := store.Get(ctx, "ipfs://"+addr)
	require.NoError(t, err)
	assert.Equal(t, []byte("envelope"), data)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = store.Put(cancelled, []byte("x"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestIPFSStorePutAndGet(t *testing.T) {
	blobs := map[string][]byte{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		switch r.URL.Path {
		case "/api/v0/add":
			assert.Equal(t, "true", r.URL.Query().Get("pin"))
			file, _, err := r.FormFile("file")
			if !assert.NoError(t, err) {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			data, _ := io.ReadAll(file)
			cid := "bafy" + digest.FromBytes(data).Encoded()[:16]
			blobs[cid] = data
			_ = json.NewEncoder(w).Encode(map[string]string{"Name": "blob", "Hash": cid, "Size": "8"})
		case "/api/v0/cat":
			data, ok := blobs[r.URL.Query().Get("arg")]
			if !ok {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			_, _ = w.Write(data)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	store := NewIPFSStore(IPFSOptions{APIURL: server.URL + "/", Timeout: 5 * time.Second})
	ctx := context.Background()

	cid, err := store.Put(ctx, []byte("envelope"))
	require.NoError(t, err)
	assert.NotEmpty(t, cid)

	data, err := store.Get(ctx, "ipfs://"+cid)
	require.NoError(t, err)
	assert.Equal(t, []byte("envelope"), data)
}

func TestIPFSStoreRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("payload"))
	}))
	defer server.Close()

	store := NewIPFSStore(IPFSOptions{APIURL: server.URL, RetryMax: 1})
	store.client.RetryWaitMin = time.Millisecond
	store.client.RetryWaitMax = time.Millisecond

	data, err := store.Get(context.Background(), "bafyabc")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)
	assert.Equal(t, int32(2), calls.Load())
}

func TestIPFSStoreRejectsEmptyBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	store := NewIPFSStore(IPFSOptions{APIURL: server.URL})
	_, err := store.Get(context.Background(), "bafyabc")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty")
}
