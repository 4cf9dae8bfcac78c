package models

import "strings"

// NormalizePrincipal canonicalises a wallet address or identity so that
// checksummed and lower-case forms compare equal.
func NormalizePrincipal(principal string) string {
	return strings.ToLower(strings.TrimSpace(principal))
}

// ValidateContentID rejects empty ids and ids containing the storage key
// separator.
func ValidateContentID(contentID string) error {
	if strings.TrimSpace(contentID) == "" {
		return ErrInvalidInput
	}
	if strings.Contains(contentID, "/") {
		return ErrInvalidInput
	}
	return nil
}
