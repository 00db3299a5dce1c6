package token

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	xerrors "agentmarket/internal/errors"
)

// MockToken is an in-memory ledger Token implementation grounded on the
// teacher's mutex-guarded in-memory store idiom. It optionally simulates a
// fee-on-transfer token, deducting FeeBps from every transfer so tests can
// exercise the market's "pull + verify delta" custody-violation rejection.
type MockToken struct {
	mu        sync.Mutex
	address   common.Address
	custodian common.Address
	balances  map[common.Address]uint64
	FeeBps    uint64
}

// NewMockToken constructs a MockToken at the given address with the supplied
// initial balances. custodian is the address that outbound Transfer calls
// debit from — in production this is the market's own custody address; in
// tests it must match the value the market implementation under test uses.
func NewMockToken(address, custodian common.Address, initial map[common.Address]uint64) *MockToken {
	balances := make(map[common.Address]uint64, len(initial))
	for addr, amount := range initial {
		balances[addr] = amount
	}
	return &MockToken{address: address, custodian: custodian, balances: balances}
}

// Mint credits amount to owner, for test setup.
func (m *MockToken) Mint(owner common.Address, amount uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[owner] += amount
}

// Address implements Token.
func (m *MockToken) Address() common.Address { return m.address }

// BalanceOf implements Token.
func (m *MockToken) BalanceOf(_ context.Context, owner common.Address) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[owner], nil
}

func (m *MockToken) applyFee(amount uint64) uint64 {
	if m.FeeBps == 0 {
		return amount
	}
	fee := amount * m.FeeBps / 10000
	if fee >= amount {
		return 0
	}
	return amount - fee
}

// TransferFrom implements Token.
func (m *MockToken) TransferFrom(_ context.Context, from, to common.Address, amount uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.balances[from] < amount {
		return xerrors.New(CodeInsufficientBal, "sender balance too low")
	}
	m.balances[from] -= amount
	m.balances[to] += m.applyFee(amount)
	return nil
}

// Transfer implements Token.
func (m *MockToken) Transfer(ctx context.Context, to common.Address, amount uint64) error {
	return m.TransferFrom(ctx, m.custodian, to, amount)
}

// Credit deposits amount directly into owner without debiting anyone,
// used by the market's escrow custody to represent tokens it now holds.
func (m *MockToken) Credit(owner common.Address, amount uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[owner] += amount
}
