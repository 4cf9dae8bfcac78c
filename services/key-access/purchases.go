package key_access

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"wylloh/logging"
	"wylloh/pkg/kvstore"
	"wylloh/pkg/ledger"
	"wylloh/pkg/locks"
	"wylloh/pkg/models"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

const (
	purchaseKeyPrefix = "purchase/"
	legacyKeyPrefix   = "purchased_content/"
	txKeyPrefix       = "tx/"
	txIndexPrefix     = "txidx/"
)

func purchaseKey(principal, contentID string) string {
	return purchaseKeyPrefix + principal + "/" + contentID
}

func legacyPurchasesKey(principal string) string {
	return legacyKeyPrefix + principal
}

func txKey(id string) string {
	return txKeyPrefix + id
}

func txIndexKey(principal, contentID string) string {
	return txIndexPrefix + principal + "/" + contentID
}

// PurchaseLedger is the locally persisted record of purchases and ledger
// transactions consulted when the chain cannot confirm ownership.
// Transactions are indexed by (principal, content) in the same batch that
// writes them.
type PurchaseLedger struct {
	store  kvstore.Store
	locks  *locks.Keyed
	now    func() time.Time
	logger *logging.Logger
}

func NewPurchaseLedger(store kvstore.Store) *PurchaseLedger {
	return &PurchaseLedger{
		store:  store,
		locks:  locks.NewKeyed(),
		now:    time.Now,
		logger: logging.GetLogger().WithComponent("purchases"),
	}
}

// RecordPurchase upserts the current-schema purchase record.
func (p *PurchaseLedger) RecordPurchase(ctx context.Context, rec *models.PurchaseRecord) error {
	if rec == nil {
		return fmt.Errorf("%w: nil purchase", models.ErrInvalidInput)
	}
	stored := *rec
	stored.Principal = models.NormalizePrincipal(stored.Principal)
	if err := stored.Validate(); err != nil {
		return err
	}
	if err := models.ValidateContentID(stored.ContentID); err != nil {
		return fmt.Errorf("purchase: %w", err)
	}
	if stored.PurchasedAt.IsZero() {
		stored.PurchasedAt = p.now()
	}

	data, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("failed to encode purchase: %w", err)
	}
	if err := p.store.Put(ctx, purchaseKey(stored.Principal, stored.ContentID), data); err != nil {
		return fmt.Errorf("failed to persist purchase: %w", err)
	}
	p.logger.Debug("Recorded purchase of %s by %s (qty %d)", stored.ContentID, stored.Principal, stored.Quantity)
	return nil
}

// Purchase returns the current-schema record, or nil.
func (p *PurchaseLedger) Purchase(ctx context.Context, principal, contentID string) (*models.PurchaseRecord, error) {
	data, err := p.store.Get(ctx, purchaseKey(models.NormalizePrincipal(principal), contentID))
	if err != nil {
		if kvstore.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load purchase: %w", err)
	}
	var rec models.PurchaseRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode purchase: %w", err)
	}
	return &rec, nil
}

// ImportLegacyPurchases replaces a principal's legacy purchased_content list.
func (p *PurchaseLedger) ImportLegacyPurchases(ctx context.Context, principal string, items []models.LegacyPurchaseItem) error {
	principal = models.NormalizePrincipal(principal)
	if principal == "" {
		return fmt.Errorf("%w: principal is required", models.ErrInvalidInput)
	}
	data, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("failed to encode legacy purchases: %w", err)
	}
	return p.store.Put(ctx, legacyPurchasesKey(principal), data)
}

// LegacyPurchases returns the legacy list for principal.
func (p *PurchaseLedger) LegacyPurchases(ctx context.Context, principal string) ([]models.LegacyPurchaseItem, error) {
	data, err := p.store.Get(ctx, legacyPurchasesKey(models.NormalizePrincipal(principal)))
	if err != nil {
		if kvstore.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load legacy purchases: %w", err)
	}
	var items []models.LegacyPurchaseItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("failed to decode legacy purchases: %w", err)
	}
	return items, nil
}

// HasLegacyPurchase reports whether the legacy list holds a positive
// quantity of contentID.
func (p *PurchaseLedger) HasLegacyPurchase(ctx context.Context, principal, contentID string) (bool, error) {
	items, err := p.LegacyPurchases(ctx, principal)
	if err != nil {
		return false, err
	}
	return lo.ContainsBy(items, func(item models.LegacyPurchaseItem) bool {
		return item.ID == contentID && item.PurchaseQuantity > 0
	}), nil
}

// RecordTransaction stores tx and appends it to the (principal, content)
// index atomically. An empty ID is assigned.
func (p *PurchaseLedger) RecordTransaction(ctx context.Context, tx *models.TransactionRecord) (*models.TransactionRecord, error) {
	if tx == nil {
		return nil, fmt.Errorf("%w: nil transaction", models.ErrInvalidInput)
	}
	stored := *tx
	stored.Principal = models.NormalizePrincipal(stored.Principal)
	if err := stored.Validate(); err != nil {
		return nil, err
	}
	if err := models.ValidateContentID(stored.ContentID); err != nil {
		return nil, fmt.Errorf("transaction: %w", err)
	}
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = p.now()
	}

	idxKey := txIndexKey(stored.Principal, stored.ContentID)
	unlock, err := p.locks.Lock(ctx, idxKey)
	if err != nil {
		return nil, err
	}
	defer unlock()

	ids, err := p.indexedTransactions(ctx, stored.Principal, stored.ContentID)
	if err != nil {
		return nil, err
	}
	ids = lo.Uniq(append(ids, stored.ID))

	data, err := json.Marshal(&stored)
	if err != nil {
		return nil, fmt.Errorf("failed to encode transaction: %w", err)
	}
	idx, err := json.Marshal(ids)
	if err != nil {
		return nil, fmt.Errorf("failed to encode transaction index: %w", err)
	}

	if err := p.store.Apply(ctx, []kvstore.Mutation{
		kvstore.Set(txKey(stored.ID), data),
		kvstore.Set(idxKey, idx),
	}); err != nil {
		return nil, fmt.Errorf("failed to persist transaction: %w", err)
	}
	return &stored, nil
}

// Transactions returns the indexed transactions for (principal, content).
func (p *PurchaseLedger) Transactions(ctx context.Context, principal, contentID string) ([]*models.TransactionRecord, error) {
	principal = models.NormalizePrincipal(principal)
	ids, err := p.indexedTransactions(ctx, principal, contentID)
	if err != nil {
		return nil, err
	}
	out := make([]*models.TransactionRecord, 0, len(ids))
	for _, id := range ids {
		data, err := p.store.Get(ctx, txKey(id))
		if err != nil {
			if kvstore.IsNotFound(err) {
				p.logger.Warn("Transaction index for %s/%s references missing record %s", principal, contentID, id)
				continue
			}
			return nil, fmt.Errorf("failed to load transaction %s: %w", id, err)
		}
		var tx models.TransactionRecord
		if err := json.Unmarshal(data, &tx); err != nil {
			return nil, fmt.Errorf("failed to decode transaction %s: %w", id, err)
		}
		out = append(out, &tx)
	}
	return out, nil
}

// HasCompletedPurchase reports whether the transaction log proves a
// completed purchase of contentID.
func (p *PurchaseLedger) HasCompletedPurchase(ctx context.Context, principal, contentID string) (bool, error) {
	txs, err := p.Transactions(ctx, principal, contentID)
	if err != nil {
		return false, err
	}
	return lo.ContainsBy(txs, func(tx *models.TransactionRecord) bool {
		return tx.ContentID == contentID && tx.IsCompletedPurchase()
	}), nil
}

func (p *PurchaseLedger) indexedTransactions(ctx context.Context, principal, contentID string) ([]string, error) {
	data, err := p.store.Get(ctx, txIndexKey(principal, contentID))
	if err != nil {
		if kvstore.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load transaction index: %w", err)
	}
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("failed to decode transaction index: %w", err)
	}
	return ids, nil
}

// SettlePurchase broadcasts a signed purchase transaction and records its
// outcome. The transaction must be signed by principal and must raise
// principal's balance of contentID by at least quantity; only then is a
// purchase recorded. A reverted or non-crediting transaction is recorded as
// failed and reported with ErrTransactionFailed.
func (p *PurchaseLedger) SettlePurchase(ctx context.Context, settler ledger.Settler, principal, contentID string, quantity int64, rawTx []byte) (*models.TransactionRecord, error) {
	if settler == nil {
		return nil, fmt.Errorf("%w: no ledger configured for settlement", models.ErrInvalidInput)
	}
	if len(rawTx) == 0 || quantity <= 0 {
		return nil, fmt.Errorf("%w: settlement requires a signed transaction and positive quantity", models.ErrInvalidInput)
	}
	principal = models.NormalizePrincipal(principal)

	before, err := settler.BalanceOf(ctx, principal, contentID)
	if err != nil {
		return nil, fmt.Errorf("failed to read balance before settlement: %w", err)
	}

	receipt, err := settler.SubmitTransaction(ctx, rawTx)
	if err != nil {
		return nil, fmt.Errorf("failed to submit purchase: %w", err)
	}
	if models.NormalizePrincipal(receipt.From) != principal {
		p.logger.Warn("Purchase transaction %s for %s signed by %q, not %s", receipt.TxHash, contentID, receipt.From, principal)
		return nil, fmt.Errorf("%w: transaction %s is not signed by %s", models.ErrNotAuthorized, receipt.TxHash, principal)
	}

	record := func(status models.TransactionStatus) (*models.TransactionRecord, error) {
		return p.RecordTransaction(ctx, &models.TransactionRecord{
			Type:      models.TransactionPurchase,
			Status:    status,
			Principal: principal,
			ContentID: contentID,
			Quantity:  quantity,
			TxHash:    receipt.TxHash,
		})
	}

	if !receipt.Succeeded() {
		tx, err := record(models.TransactionFailed)
		if err != nil {
			return nil, err
		}
		p.logger.Warn("Purchase transaction %s for %s reverted", receipt.TxHash, contentID)
		return tx, fmt.Errorf("%w: %s", models.ErrTransactionFailed, receipt.TxHash)
	}

	after, err := settler.BalanceOf(ctx, principal, contentID)
	if err != nil {
		tx, recErr := record(models.TransactionPending)
		if recErr != nil {
			return nil, recErr
		}
		return tx, fmt.Errorf("failed to confirm purchase %s: %w", receipt.TxHash, err)
	}
	if credited := new(big.Int).Sub(after, before); credited.Cmp(big.NewInt(quantity)) < 0 {
		tx, err := record(models.TransactionFailed)
		if err != nil {
			return nil, err
		}
		p.logger.Warn("Purchase transaction %s credited %s with %s of %s, expected %d", receipt.TxHash, principal, credited, contentID, quantity)
		return tx, fmt.Errorf("%w: %s did not credit %d of %s", models.ErrTransactionFailed, receipt.TxHash, quantity, contentID)
	}

	tx, err := record(models.TransactionCompleted)
	if err != nil {
		return nil, err
	}
	if err := p.RecordPurchase(ctx, &models.PurchaseRecord{
		ContentID: contentID,
		Principal: principal,
		Quantity:  quantity,
		TxHash:    receipt.TxHash,
	}); err != nil {
		return tx, err
	}
	return tx, nil
}
