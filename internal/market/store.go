package market

import (
	"context"
	"sync"

	xerrors "agentmarket/internal/errors"
)

const (
	CodeUnknownTask       xerrors.Code = "MARKET_UNKNOWN_TASK"
	CodeStateViolation    xerrors.Code = "MARKET_STATE_VIOLATION"
	CodeInputViolation    xerrors.Code = "MARKET_INPUT_VIOLATION"
	CodeWindowViolation   xerrors.Code = "MARKET_WINDOW_VIOLATION"
	CodeCustodyViolation  xerrors.Code = "MARKET_CUSTODY_VIOLATION"
	CodeConfigViolation   xerrors.Code = "MARKET_CONFIGURATION_VIOLATION"
	CodeAuthorization     xerrors.Code = "MARKET_AUTHORIZATION_VIOLATION"
	CodeStorageFailure    xerrors.Code = "MARKET_STORAGE_FAILURE"
)

func init() {
	xerrors.Register(CodeUnknownTask, xerrors.Attributes{Message: "unknown task", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeStateViolation, xerrors.Attributes{Message: "task not in required state", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeInputViolation, xerrors.Attributes{Message: "invalid input for operation", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeWindowViolation, xerrors.Attributes{Message: "operation outside allowed time window", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeCustodyViolation, xerrors.Attributes{Message: "token custody invariant violated", Severity: xerrors.SeverityCritical, Retryable: false, Alert: true})
	xerrors.Register(CodeConfigViolation, xerrors.Attributes{Message: "market configuration rejected", Severity: xerrors.SeverityWarning})
	xerrors.Register(CodeAuthorization, xerrors.Attributes{Message: "caller not authorized for this operation", Severity: xerrors.SeverityWarning})
	xerrors.Register(CodeStorageFailure, xerrors.Attributes{Message: "market storage failure", Severity: xerrors.SeverityCritical, Retryable: true, Alert: true})
}

// Store persists tasks.
type Store interface {
	NextID(ctx context.Context) (uint64, error)
	Create(ctx context.Context, task Task) error
	Get(ctx context.Context, id uint64) (Task, error)
	Update(ctx context.Context, task Task) error
	ListByStatus(ctx context.Context, status Status) ([]Task, error)
}

// MemoryStore is an in-memory Store implementation grounded on the teacher's
// mutex-guarded map idiom (internal/task/memory_store.go).
type MemoryStore struct {
	mu         sync.RWMutex
	tasks      map[uint64]Task
	nextIDSeed uint64
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[uint64]Task)}
}

// NextID implements Store.
func (m *MemoryStore) NextID(_ context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextIDSeed++
	return m.nextIDSeed, nil
}

// Create implements Store.
func (m *MemoryStore) Create(_ context.Context, task Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.tasks[task.ID]; exists {
		return xerrors.New(CodeInputViolation, "task id already exists")
	}
	m.tasks[task.ID] = task
	return nil
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, id uint64) (Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	task, ok := m.tasks[id]
	if !ok {
		return Task{}, xerrors.New(CodeUnknownTask, "task not found")
	}
	return task, nil
}

// Update implements Store.
func (m *MemoryStore) Update(_ context.Context, task Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[task.ID]; !ok {
		return xerrors.New(CodeUnknownTask, "task not found")
	}
	m.tasks[task.ID] = task
	return nil
}

// ListByStatus implements Store.
func (m *MemoryStore) ListByStatus(_ context.Context, status Status) ([]Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Task
	for _, task := range m.tasks {
		if task.Status == status {
			out = append(out, task)
		}
	}
	return out, nil
}
