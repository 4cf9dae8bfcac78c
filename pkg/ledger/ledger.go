// Package ledger queries token ownership on the chain that records content
// purchases, and submits signed purchase transactions.
package ledger

import (
	"context"
	"math/big"
)

// Ledger answers balance queries for one access path (RPC endpoint).
type Ledger interface {
	Name() string
	BalanceOf(ctx context.Context, principal, contentID string) (*big.Int, error)
}

// Submitter broadcasts a signed transaction and waits for its receipt.
type Submitter interface {
	SubmitTransaction(ctx context.Context, rawTx []byte) (*TxReceipt, error)
}

// Settler submits purchases and confirms them against balances on the same
// chain.
type Settler interface {
	Ledger
	Submitter
}

// TxReceipt is the subset of a chain receipt callers act on. From is the
// recovered signer.
type TxReceipt struct {
	TxHash      string `json:"txHash"`
	From        string `json:"from"`
	BlockNumber uint64 `json:"blockNumber"`
	Status      uint64 `json:"status"`
	GasUsed     uint64 `json:"gasUsed"`
}

// Succeeded reports whether the transaction executed without reverting.
func (r *TxReceipt) Succeeded() bool {
	return r != nil && r.Status == 1
}
