package models

import "time"

// KeyRotationRecord is an append-only audit entry for a version bump.
type KeyRotationRecord struct {
	ID          string    `json:"id"`
	ContentID   string    `json:"contentId"`
	FromVersion uint32    `json:"fromVersion"`
	ToVersion   uint32    `json:"toVersion"`
	RotatedAt   time.Time `json:"rotatedAt"`
	RotatedBy   string    `json:"rotatedBy"`
}
