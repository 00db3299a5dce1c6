package token

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"

	xerrors "agentmarket/internal/errors"
)

// erc20ABI is the minimal ERC20 surface the market custody logic needs:
// balanceOf, transfer, transferFrom.
const erc20ABI = `[
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"name":"transferFrom","outputs":[{"name":"","type":"bool"}],"type":"function"}
]`

// EVMToken is a Token implementation backed by a live ERC20 contract,
// reached through the shared web3.Client.Backend() contract backend so it
// shares connection/nonce management with the rest of the chain-connectivity
// stack instead of dialing its own RPC connection.
type EVMToken struct {
	address  common.Address
	contract *bind.BoundContract
	auth     *bind.TransactOpts
}

// NewEVMToken binds an ERC20 contract at address using backend, the same
// bind.ContractBackend exposed by internal/web3/ethereum.Client.Backend().
// auth is used to sign the outbound transfer transactions issued by the
// market when it pays out escrow/bond balances; it is typically the
// market operator's hot wallet key.
func NewEVMToken(address common.Address, backend bind.ContractBackend, auth *bind.TransactOpts) (*EVMToken, error) {
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("parse erc20 abi: %w", err)
	}
	contract := bind.NewBoundContract(address, parsed, backend, backend, backend)
	return &EVMToken{address: address, contract: contract, auth: auth}, nil
}

// Address implements Token.
func (t *EVMToken) Address() common.Address { return t.address }

// BalanceOf implements Token.
func (t *EVMToken) BalanceOf(ctx context.Context, owner common.Address) (uint64, error) {
	var out []interface{}
	callOpts := &bind.CallOpts{Context: ctx}
	if err := t.contract.Call(callOpts, &out, "balanceOf", owner); err != nil {
		return 0, xerrors.Wrap(CodeTransferFailed, err, "query balanceOf")
	}
	if len(out) != 1 {
		return 0, xerrors.New(CodeTransferFailed, "unexpected balanceOf return arity")
	}
	balance, ok := out[0].(*big.Int)
	if !ok {
		return 0, xerrors.New(CodeTransferFailed, "unexpected balanceOf return type")
	}
	if !balance.IsUint64() {
		return 0, xerrors.New(CodeTransferFailed, "balance exceeds uint64 range")
	}
	return balance.Uint64(), nil
}

// TransferFrom implements Token.
func (t *EVMToken) TransferFrom(ctx context.Context, from, to common.Address, amount uint64) error {
	opts := *t.auth
	opts.Context = ctx
	if _, err := t.contract.Transact(&opts, "transferFrom", from, to, new(big.Int).SetUint64(amount)); err != nil {
		return xerrors.Wrap(CodeTransferFailed, err, "transferFrom failed")
	}
	return nil
}

// Transfer implements Token.
func (t *EVMToken) Transfer(ctx context.Context, to common.Address, amount uint64) error {
	opts := *t.auth
	opts.Context = ctx
	if _, err := t.contract.Transact(&opts, "transfer", to, new(big.Int).SetUint64(amount)); err != nil {
		return xerrors.Wrap(CodeTransferFailed, err, "transfer failed")
	}
	return nil
}
