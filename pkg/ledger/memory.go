package ledger

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"wylloh/pkg/models"
)

// MemoryLedger is an in-process ledger for development and tests. Failures
// can be injected to exercise fallback paths.
type MemoryLedger struct {
	name string

	mu       sync.Mutex
	balances map[string]*big.Int
	failWith error
	calls    int
}

func NewMemoryLedger(name string) *MemoryLedger {
	return &MemoryLedger{name: name, balances: make(map[string]*big.Int)}
}

func (m *MemoryLedger) Name() string { return m.name }

func balanceKey(principal, contentID string) string {
	return models.NormalizePrincipal(principal) + "|" + contentID
}

// SetBalance records quantity for (principal, contentID).
func (m *MemoryLedger) SetBalance(principal, contentID string, quantity int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[balanceKey(principal, contentID)] = big.NewInt(quantity)
}

// FailWith makes every BalanceOf return err until cleared with nil.
func (m *MemoryLedger) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWith = err
}

// Calls returns how many BalanceOf calls were made.
func (m *MemoryLedger) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *MemoryLedger) BalanceOf(ctx context.Context, principal, contentID string) (*big.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.failWith != nil {
		return nil, fmt.Errorf("%s: %w", m.name, m.failWith)
	}
	if b, ok := m.balances[balanceKey(principal, contentID)]; ok {
		return new(big.Int).Set(b), nil
	}
	return big.NewInt(0), nil
}
