package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
	"io"
	"strings"

	"wylloh/pkg/models"

	"golang.org/x/crypto/chacha20poly1305"
)

// WrapAlgorithm is the leading format byte of a wrapped key.
type WrapAlgorithm byte

const (
	WrapAES256GCM         WrapAlgorithm = 0x01
	WrapXChaCha20Poly1305 WrapAlgorithm = 0x02
)

func (a WrapAlgorithm) String() string {
	switch a {
	case WrapAES256GCM:
		return "aes-256-gcm"
	case WrapXChaCha20Poly1305:
		return "xchacha20-poly1305"
	default:
		return fmt.Sprintf("unknown(0x%02x)", byte(a))
	}
}

// ParseWrapAlgorithm maps a config name onto an algorithm. Empty selects
// AES-256-GCM.
func ParseWrapAlgorithm(name string) (WrapAlgorithm, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "aes-256-gcm", "aes256gcm":
		return WrapAES256GCM, nil
	case "xchacha20-poly1305", "xchacha20poly1305":
		return WrapXChaCha20Poly1305, nil
	}
	return 0, fmt.Errorf("%w: unsupported wrap algorithm %q", models.ErrInvalidInput, name)
}

// contentKeyAAD binds wrapped keys to their purpose.
var contentKeyAAD = []byte("wylloh/content-key")

func newAEAD(alg WrapAlgorithm, secret []byte) (cipher.AEAD, error) {
	if len(secret) != KeySize {
		return nil, fmt.Errorf("%w: wrapping secret must be %d bytes, got %d", models.ErrInvalidKeyMaterial, KeySize, len(secret))
	}
	switch alg {
	case WrapAES256GCM:
		block, err := aes.NewCipher(secret)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrInvalidKeyMaterial, err)
		}
		return cipher.NewGCM(block)
	case WrapXChaCha20Poly1305:
		return chacha20poly1305.NewX(secret)
	default:
		return nil, fmt.Errorf("%w: unknown wrap format 0x%02x", models.ErrInvalidKeyMaterial, byte(alg))
	}
}

// WrapKey encrypts key under secret with AES-256-GCM. The output is
// format(1) || nonce || ciphertext+tag.
func WrapKey(key ContentKey, secret []byte) ([]byte, error) {
	return WrapKeyWith(WrapAES256GCM, key, secret)
}

// WrapKeyWith wraps with an explicit algorithm. It returns either a complete
// blob or an error, never partial output.
func WrapKeyWith(alg WrapAlgorithm, key ContentKey, secret []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: content key must be %d bytes, got %d", models.ErrInvalidKeyMaterial, KeySize, len(key))
	}
	aead, err := newAEAD(alg, secret)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(randReader, nonce); err != nil {
		return nil, fmt.Errorf("%w: nonce: %v", models.ErrKeyGenerationFailure, err)
	}

	out := make([]byte, 0, 1+len(nonce)+len(key)+aead.Overhead())
	out = append(out, byte(alg))
	out = append(out, nonce...)
	return aead.Seal(out, nonce, key, contentKeyAAD), nil
}

// UnwrapKey reverses WrapKey for any supported format byte.
func UnwrapKey(wrapped []byte, secret []byte) (ContentKey, error) {
	if len(wrapped) < 1 {
		return nil, fmt.Errorf("%w: empty wrapped key", models.ErrInvalidKeyMaterial)
	}
	aead, err := newAEAD(WrapAlgorithm(wrapped[0]), secret)
	if err != nil {
		return nil, err
	}

	body := wrapped[1:]
	if len(body) < aead.NonceSize()+aead.Overhead() {
		return nil, fmt.Errorf("%w: wrapped key truncated", models.ErrInvalidKeyMaterial)
	}
	nonce, ciphertext := body[:aead.NonceSize()], body[aead.NonceSize():]

	key, err := aead.Open(nil, nonce, ciphertext, contentKeyAAD)
	if err != nil {
		return nil, fmt.Errorf("%w: authentication failed", models.ErrInvalidKeyMaterial)
	}
	if len(key) != KeySize {
		Zero(key)
		return nil, fmt.Errorf("%w: unwrapped key has %d bytes", models.ErrInvalidKeyMaterial, len(key))
	}
	return key, nil
}
