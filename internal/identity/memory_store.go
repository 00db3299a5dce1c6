package identity

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	xerrors "agentmarket/internal/errors"
)

type approvalKey struct {
	owner    common.Address
	operator common.Address
}

// MemoryStore is an in-memory Store implementation grounded on the teacher's
// mutex-guarded map idiom (internal/task/memory_store.go).
type MemoryStore struct {
	mu         sync.RWMutex
	agents     map[uint64]Agent
	operators  map[approvalKey]bool
	nextIDSeed uint64
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents:    make(map[uint64]Agent),
		operators: make(map[approvalKey]bool),
	}
}

// NextID implements Store.
func (m *MemoryStore) NextID(_ context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextIDSeed++
	return m.nextIDSeed, nil
}

// Create implements Store.
func (m *MemoryStore) Create(_ context.Context, agent Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.agents[agent.ID]; exists {
		return xerrors.New(CodeInvalidArgument, "agent id already exists")
	}
	m.agents[agent.ID] = agent
	return nil
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, id uint64) (Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	agent, ok := m.agents[id]
	if !ok {
		return Agent{}, xerrors.New(CodeUnknownAgent, "agent not found")
	}
	return agent, nil
}

// Update implements Store.
func (m *MemoryStore) Update(_ context.Context, agent Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[agent.ID]; !ok {
		return xerrors.New(CodeUnknownAgent, "agent not found")
	}
	m.agents[agent.ID] = agent
	return nil
}

// SetApprovalForAll implements Store.
func (m *MemoryStore) SetApprovalForAll(_ context.Context, owner, operator common.Address, approved bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := approvalKey{owner: owner, operator: operator}
	if approved {
		m.operators[key] = true
	} else {
		delete(m.operators, key)
	}
	return nil
}

// IsApprovedForAll implements Store.
func (m *MemoryStore) IsApprovedForAll(_ context.Context, owner, operator common.Address) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.operators[approvalKey{owner: owner, operator: operator}], nil
}
