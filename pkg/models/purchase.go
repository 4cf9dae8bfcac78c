package models

import (
	"fmt"
	"time"
)

// PurchaseRecord is the current local purchase schema, one per
// (principal, content).
type PurchaseRecord struct {
	ContentID      string                 `json:"contentId"`
	Principal      string                 `json:"principal"`
	Quantity       int64                  `json:"quantity"`
	TxHash         string                 `json:"txHash,omitempty"`
	PurchasedAt    time.Time              `json:"purchasedAt"`
	Classification *ContentClassification `json:"classification,omitempty"`
}

func (p *PurchaseRecord) Validate() error {
	if p.ContentID == "" || p.Principal == "" {
		return fmt.Errorf("%w: purchase requires contentId and principal", ErrInvalidInput)
	}
	if p.Quantity < 0 {
		return fmt.Errorf("%w: negative purchase quantity", ErrInvalidInput)
	}
	if p.Classification != nil {
		if err := p.Classification.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// LegacyPurchaseItem is an entry of the older per-principal
// "purchased_content" list.
type LegacyPurchaseItem struct {
	ID               string `json:"id"`
	Title            string `json:"title,omitempty"`
	PurchaseQuantity int64  `json:"purchaseQuantity"`
}

type TransactionType string

const (
	TransactionPurchase TransactionType = "purchase"
	TransactionTransfer TransactionType = "transfer"
	TransactionLicense  TransactionType = "license"
)

type TransactionStatus string

const (
	TransactionPending   TransactionStatus = "pending"
	TransactionCompleted TransactionStatus = "completed"
	TransactionFailed    TransactionStatus = "failed"
)

// TransactionRecord is a locally persisted ledger transaction.
type TransactionRecord struct {
	ID        string            `json:"id"`
	Type      TransactionType   `json:"type"`
	Status    TransactionStatus `json:"status"`
	Principal string            `json:"principal"`
	ContentID string            `json:"contentId"`
	Quantity  int64             `json:"quantity"`
	TxHash    string            `json:"txHash,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// IsCompletedPurchase reports whether the record proves ownership.
func (t *TransactionRecord) IsCompletedPurchase() bool {
	return t.Type == TransactionPurchase && t.Status == TransactionCompleted && t.Quantity > 0
}

func (t *TransactionRecord) Validate() error {
	if t.ContentID == "" || t.Principal == "" {
		return fmt.Errorf("%w: transaction requires contentId and principal", ErrInvalidInput)
	}
	switch t.Type {
	case TransactionPurchase, TransactionTransfer, TransactionLicense:
	default:
		return fmt.Errorf("%w: unknown transaction type %q", ErrInvalidInput, t.Type)
	}
	switch t.Status {
	case TransactionPending, TransactionCompleted, TransactionFailed:
	default:
		return fmt.Errorf("%w: unknown transaction status %q", ErrInvalidInput, t.Status)
	}
	return nil
}
