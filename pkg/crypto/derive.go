package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"wylloh/pkg/models"

	"golang.org/x/crypto/hkdf"
)

var (
	identitySalt = []byte("wylloh/recovery/v1")
	scopeSalt    = []byte("wylloh/wrapping/v1")
)

// DeriveKeyFromIdentity derives the recovery wrapping secret for a
// principal and content item. It is pure: the same normalised identity and
// content id always give the same key.
func DeriveKeyFromIdentity(identity, contentID string) ContentKey {
	ikm := []byte(models.NormalizePrincipal(identity))
	return expand(ikm, identitySalt, []byte(contentID))
}

// DeriveWrappingSecret derives the primary wrapping secret for one content
// item from the service master secret and a contract scope.
func DeriveWrappingSecret(master []byte, scope, contentID string) (ContentKey, error) {
	if len(master) < KeySize {
		return nil, fmt.Errorf("%w: master secret must be at least %d bytes", models.ErrInvalidKeyMaterial, KeySize)
	}
	info := make([]byte, 0, len(scope)+1+len(contentID))
	info = append(info, scope...)
	info = append(info, 0)
	info = append(info, contentID...)
	return expand(master, scopeSalt, info), nil
}

func expand(ikm, salt, info []byte) ContentKey {
	out := make(ContentKey, KeySize)
	r := hkdf.New(sha256.New, ikm, salt, info)
	if _, err := io.ReadFull(r, out); err != nil {
		// hkdf only fails past 255*HashLen bytes of output.
		panic(err)
	}
	return out
}

// DeriveVersionedKey is HMAC-SHA256(base, uint32be(version)). Bumping the
// version yields an unrelated key without re-encrypting the base.
func DeriveVersionedKey(base ContentKey, version uint32) ContentKey {
	var v [4]byte
	binary.BigEndian.PutUint32(v[:], version)
	mac := hmac.New(sha256.New, base)
	mac.Write(v[:])
	return mac.Sum(nil)
}

// EffectiveKey returns the key that decrypts content for an envelope
// version: the base key at version 1, the derived key after rotation.
func EffectiveKey(base ContentKey, version uint32) ContentKey {
	if version <= 1 {
		return base.Clone()
	}
	return DeriveVersionedKey(base, version)
}
