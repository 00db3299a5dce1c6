// Package token abstracts the ERC20-style payment tokens the Task Market
// custodies, providing both a real EVM-backed implementation and an
// in-memory ledger used by tests, including a fee-on-transfer simulation
// mode that exercises the custody-violation rejection path.
package token

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	xerrors "agentmarket/internal/errors"
)

const (
	CodeTransferFailed  xerrors.Code = "TOKEN_TRANSFER_FAILED"
	CodeInsufficientBal xerrors.Code = "TOKEN_INSUFFICIENT_BALANCE"
	CodeUnknownToken    xerrors.Code = "TOKEN_UNKNOWN"
)

func init() {
	xerrors.Register(CodeTransferFailed, xerrors.Attributes{Message: "token transfer failed", Severity: xerrors.SeverityCritical, Retryable: true, Alert: true})
	xerrors.Register(CodeInsufficientBal, xerrors.Attributes{Message: "insufficient token balance", Severity: xerrors.SeverityWarning})
	xerrors.Register(CodeUnknownToken, xerrors.Attributes{Message: "unknown payment token", Severity: xerrors.SeverityWarning})
}

// Token is the narrow collaborator interface Task Market custody logic
// depends on. Implementations must provide exact-amount transfer semantics;
// fee-on-transfer/rebasing tokens are unsupported by design and rejected by
// callers using BalanceOf-delta verification (see market.pullExact).
type Token interface {
	Address() common.Address
	BalanceOf(ctx context.Context, owner common.Address) (uint64, error)
	TransferFrom(ctx context.Context, from, to common.Address, amount uint64) error
	Transfer(ctx context.Context, to common.Address, amount uint64) error
}

// Registry resolves a payment token address to a Token collaborator.
type Registry interface {
	Resolve(ctx context.Context, address common.Address) (Token, error)
}

// StaticRegistry is a Registry backed by a fixed set of pre-constructed
// Token implementations, keyed by address.
type StaticRegistry struct {
	mu     sync.RWMutex
	tokens map[common.Address]Token
}

// NewStaticRegistry builds a registry from the given tokens.
func NewStaticRegistry(tokens ...Token) *StaticRegistry {
	r := &StaticRegistry{tokens: make(map[common.Address]Token, len(tokens))}
	for _, t := range tokens {
		r.tokens[t.Address()] = t
	}
	return r
}

// Register adds or replaces a token in the registry.
func (r *StaticRegistry) Register(t Token) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens[t.Address()] = t
}

// Resolve implements Registry.
func (r *StaticRegistry) Resolve(_ context.Context, address common.Address) (Token, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tokens[address]
	if !ok {
		return nil, xerrors.New(CodeUnknownToken, fmt.Sprintf("no token registered for address %s", address.Hex()))
	}
	return t, nil
}
