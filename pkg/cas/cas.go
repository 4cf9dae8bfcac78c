// Package cas talks to content-addressed storage: the IPFS HTTP API for
// writes and reads, and an in-memory store for tests.
package cas

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"wylloh/pkg/models"
)

// Store is a content-addressed blob store. Failures are transient and may
// be retried by the caller.
type Store interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, address string) ([]byte, error)
}

// NormalizeAddress reduces ipfs:// URIs, /ipfs/ paths and gateway URLs to
// the bare CID (plus any sub-path).
func NormalizeAddress(address string) (string, error) {
	s := strings.TrimSpace(address)
	switch {
	case strings.HasPrefix(s, "ipfs://"):
		s = strings.TrimPrefix(s, "ipfs://")
		s = strings.TrimPrefix(s, "ipfs/")
	case strings.HasPrefix(s, "http://"), strings.HasPrefix(s, "https://"):
		u, err := url.Parse(s)
		if err != nil {
			return "", fmt.Errorf("%w: address %q: %v", models.ErrInvalidInput, address, err)
		}
		idx := strings.Index(u.Path, "/ipfs/")
		if idx < 0 {
			return "", fmt.Errorf("%w: gateway URL %q has no /ipfs/ path", models.ErrInvalidInput, address)
		}
		s = u.Path[idx+len("/ipfs/"):]
	case strings.HasPrefix(s, "/ipfs/"):
		s = strings.TrimPrefix(s, "/ipfs/")
	}
	s = strings.Trim(s, "/")
	if s == "" || strings.ContainsAny(s, " ?#") {
		return "", fmt.Errorf("%w: empty or malformed address %q", models.ErrInvalidInput, address)
	}
	return s, nil
}
