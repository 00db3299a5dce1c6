package token

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
)

// EVMRegistry lazily binds an ERC20 Token for whichever payment-token
// address a listing names, sharing one chain backend and signer across every
// binding it produces. Grounded on StaticRegistry's mutex-guarded map, with
// Resolve constructing and caching on first use instead of requiring every
// token to be pre-registered.
type EVMRegistry struct {
	backend bind.ContractBackend
	auth    *bind.TransactOpts

	mu     sync.Mutex
	tokens map[common.Address]Token
}

// NewEVMRegistry constructs a registry that binds tokens against backend,
// signing outbound transfers with auth.
func NewEVMRegistry(backend bind.ContractBackend, auth *bind.TransactOpts) *EVMRegistry {
	return &EVMRegistry{
		backend: backend,
		auth:    auth,
		tokens:  make(map[common.Address]Token),
	}
}

// Resolve implements Registry.
func (r *EVMRegistry) Resolve(_ context.Context, address common.Address) (Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.tokens[address]; ok {
		return t, nil
	}
	t, err := NewEVMToken(address, r.backend, r.auth)
	if err != nil {
		return nil, err
	}
	r.tokens[address] = t
	return t, nil
}
