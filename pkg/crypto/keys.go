// Package crypto holds the symmetric primitives used to protect content
// keys: generation, wrapping, identity and version derivation, and content
// encryption.
package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"

	"wylloh/pkg/models"
)

// KeySize is the length of content keys and wrapping secrets.
const KeySize = 32

// ContentKey is a 256-bit symmetric key for one content item.
type ContentKey []byte

// Equal compares keys in constant time.
func (k ContentKey) Equal(other ContentKey) bool {
	return len(k) == len(other) && subtle.ConstantTimeCompare(k, other) == 1
}

func (k ContentKey) Hex() string {
	return hex.EncodeToString(k)
}

// Clone returns a copy that callers may zero independently.
func (k ContentKey) Clone() ContentKey {
	if k == nil {
		return nil
	}
	out := make(ContentKey, len(k))
	copy(out, k)
	return out
}

// ParseContentKey decodes a hex key and checks its length.
func ParseContentKey(s string) (ContentKey, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidKeyMaterial, err)
	}
	if len(raw) != KeySize {
		return nil, fmt.Errorf("%w: key must be %d bytes, got %d", models.ErrInvalidKeyMaterial, KeySize, len(raw))
	}
	return raw, nil
}

var randReader io.Reader = rand.Reader

// GenerateContentKey returns a fresh random key.
func GenerateContentKey() (ContentKey, error) {
	key := make(ContentKey, KeySize)
	if _, err := io.ReadFull(randReader, key); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrKeyGenerationFailure, err)
	}
	return key, nil
}

// Zero overwrites key material in place.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
