package key_access

import (
	"context"
	"testing"

	"wylloh/pkg/kvstore"
	"wylloh/pkg/ledger"
	"wylloh/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPurchaseLedgerRecordsCurrentSchema(t *testing.T) {
	ctx := context.Background()
	p := NewPurchaseLedger(kvstore.NewMemoryStore("memory"))

	rec := &models.PurchaseRecord{
		ContentID: "film-1",
		Principal: "0xAA",
		Quantity:  2,
		TxHash:    "0xdead",
		Classification: &models.ContentClassification{
			Kind: models.ClassificationFilm,
			Film: &models.FilmDetails{Title: "Night Train", Rights: models.FilmRights{RoyaltyBasisPoints: 500}},
		},
	}
	require.NoError(t, p.RecordPurchase(ctx, rec))

	got, err := p.Purchase(ctx, "0xaa", "film-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "0xaa", got.Principal)
	assert.Equal(t, int64(2), got.Quantity)
	assert.False(t, got.PurchasedAt.IsZero())
	require.NotNil(t, got.Classification)
	assert.Equal(t, "Night Train", got.Classification.Film.Title)

	missing, err := p.Purchase(ctx, "0xaa", "film-2")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestPurchaseLedgerRejectsInvalidClassification(t *testing.T) {
	p := NewPurchaseLedger(kvstore.NewMemoryStore("memory"))
	err := p.RecordPurchase(context.Background(), &models.PurchaseRecord{
		ContentID: "film-1",
		Principal: "0xaa",
		Quantity:  1,
		Classification: &models.ContentClassification{
			Kind:    models.ClassificationTrailer,
			Film:    &models.FilmDetails{Title: "x"},
			Trailer: &models.TrailerDetails{ParentContentID: "film-0"},
		},
	})
	assert.ErrorIs(t, err, models.ErrInvalidClassification)
}

func TestPurchaseLedgerTransactionIndex(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemoryStore("memory")
	p := NewPurchaseLedger(store)

	first, err := p.RecordTransaction(ctx, &models.TransactionRecord{
		Type: models.TransactionPurchase, Status: models.TransactionCompleted,
		Principal: "0xAA", ContentID: "film-1", Quantity: 1,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, "0xaa", first.Principal)

	_, err = p.RecordTransaction(ctx, &models.TransactionRecord{
		ID: "tx-2", Type: models.TransactionTransfer, Status: models.TransactionCompleted,
		Principal: "0xaa", ContentID: "film-1", Quantity: 1,
	})
	require.NoError(t, err)
	_, err = p.RecordTransaction(ctx, &models.TransactionRecord{
		ID: "tx-3", Type: models.TransactionPurchase, Status: models.TransactionCompleted,
		Principal: "0xaa", ContentID: "film-2", Quantity: 1,
	})
	require.NoError(t, err)

	txs, err := p.Transactions(ctx, "0xaa", "film-1")
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, first.ID, txs[0].ID)
	assert.Equal(t, "tx-2", txs[1].ID)

	// One record, one index entry per (principal, content) pair.
	assert.Equal(t, 5, store.Len())

	ok, err := p.HasCompletedPurchase(ctx, "0xaa", "film-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = p.HasCompletedPurchase(ctx, "0xbb", "film-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPurchaseLedgerRejectsBadTransactions(t *testing.T) {
	p := NewPurchaseLedger(kvstore.NewMemoryStore("memory"))
	_, err := p.RecordTransaction(context.Background(), &models.TransactionRecord{
		Type: "gift", Status: models.TransactionCompleted, Principal: "0xaa", ContentID: "film-1",
	})
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	_, err = p.RecordTransaction(context.Background(), nil)
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}

// chainSettler credits credit tokens of contentID to signer on success.
type chainSettler struct {
	*ledger.MemoryLedger
	signer    string
	contentID string
	credit    int64
	status    uint64
}

func (c *chainSettler) SubmitTransaction(ctx context.Context, rawTx []byte) (*ledger.TxReceipt, error) {
	if c.status == 1 {
		balance, err := c.BalanceOf(ctx, c.signer, c.contentID)
		if err != nil {
			return nil, err
		}
		c.SetBalance(c.signer, c.contentID, balance.Int64()+c.credit)
	}
	return &ledger.TxReceipt{TxHash: "0x" + string(rawTx), From: c.signer, Status: c.status}, nil
}

func TestSettlePurchase(t *testing.T) {
	tests := []struct {
		name       string
		held       int64
		signer     string
		credit     int64
		status     uint64
		wantErr    error
		wantStatus models.TransactionStatus
		purchased  bool
	}{
		{name: "credited", signer: "0xAA", credit: 2, status: 1, wantStatus: models.TransactionCompleted, purchased: true},
		{name: "reverted", signer: "0xaa", credit: 2, status: 0, wantErr: models.ErrTransactionFailed, wantStatus: models.TransactionFailed},
		{name: "signed by another wallet", signer: "0xbb", credit: 2, status: 1, wantErr: models.ErrNotAuthorized},
		{name: "unrelated transaction from a holder", held: 5, signer: "0xaa", status: 1, wantErr: models.ErrTransactionFailed, wantStatus: models.TransactionFailed},
		{name: "short credit", signer: "0xaa", credit: 1, status: 1, wantErr: models.ErrTransactionFailed, wantStatus: models.TransactionFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			p := NewPurchaseLedger(kvstore.NewMemoryStore("memory"))
			chain := &chainSettler{MemoryLedger: ledger.NewMemoryLedger("chain"), signer: tt.signer, contentID: "film-1", credit: tt.credit, status: tt.status}
			chain.SetBalance("0xaa", "film-1", tt.held)

			tx, err := p.SettlePurchase(ctx, chain, "0xaa", "film-1", 2, []byte("feed"))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			if tt.wantStatus == "" {
				assert.Nil(t, tx)
			} else {
				require.NotNil(t, tx)
				assert.Equal(t, tt.wantStatus, tx.Status)
			}

			rec, err := p.Purchase(ctx, "0xaa", "film-1")
			require.NoError(t, err)
			assert.Equal(t, tt.purchased, rec != nil)
			done, err := p.HasCompletedPurchase(ctx, "0xaa", "film-1")
			require.NoError(t, err)
			assert.Equal(t, tt.purchased, done)
		})
	}

	_, err := NewPurchaseLedger(kvstore.NewMemoryStore("memory")).SettlePurchase(context.Background(), nil, "0xaa", "film-1", 1, []byte("x"))
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}
