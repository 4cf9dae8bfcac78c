package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
	"io"

	"wylloh/pkg/models"
)

// Content blobs are algorithm(1) || nonce(12) || ciphertext+tag.
const contentAlgGCM byte = 0x00

// EncryptContent seals plaintext under key.
func EncryptContent(plaintext []byte, key ContentKey) ([]byte, error) {
	gcm, err := contentAEAD(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(randReader, nonce); err != nil {
		return nil, fmt.Errorf("%w: nonce: %v", models.ErrKeyGenerationFailure, err)
	}
	out := make([]byte, 0, 1+len(nonce)+len(plaintext)+gcm.Overhead())
	out = append(out, contentAlgGCM)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, plaintext, nil), nil
}

// DecryptContent opens a blob produced by EncryptContent.
func DecryptContent(blob []byte, key ContentKey) ([]byte, error) {
	gcm, err := contentAEAD(key)
	if err != nil {
		return nil, err
	}
	if len(blob) < 1+gcm.NonceSize()+gcm.Overhead() {
		return nil, fmt.Errorf("%w: ciphertext truncated", models.ErrInvalidKeyMaterial)
	}
	if blob[0] != contentAlgGCM {
		return nil, fmt.Errorf("%w: unsupported content algorithm 0x%02x", models.ErrInvalidKeyMaterial, blob[0])
	}
	nonce := blob[1 : 1+gcm.NonceSize()]
	plaintext, err := gcm.Open(nil, nonce, blob[1+gcm.NonceSize():], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: content authentication failed", models.ErrInvalidKeyMaterial)
	}
	return plaintext, nil
}

func contentAEAD(key ContentKey) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: content key must be %d bytes", models.ErrInvalidKeyMaterial, KeySize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidKeyMaterial, err)
	}
	return cipher.NewGCM(block)
}
