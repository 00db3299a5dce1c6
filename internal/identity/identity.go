// Package identity implements the Agent Identity component: transferable,
// non-fungible agent records with owner/approval based authorization.
package identity

import (
	"context"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	xerrors "agentmarket/internal/errors"
	"agentmarket/internal/events"
)

const maxURILength = 2048

const (
	CodeUnknownAgent    xerrors.Code = "IDENTITY_UNKNOWN_AGENT"
	CodeNotAuthorized   xerrors.Code = "IDENTITY_NOT_AUTHORIZED"
	CodeURITooLong      xerrors.Code = "IDENTITY_URI_TOO_LONG"
	CodeStorageFailure  xerrors.Code = "IDENTITY_STORAGE_FAILURE"
	CodeInvalidArgument xerrors.Code = "IDENTITY_INVALID_ARGUMENT"
)

func init() {
	xerrors.Register(CodeUnknownAgent, xerrors.Attributes{Message: "unknown agent", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeNotAuthorized, xerrors.Attributes{Message: "caller not authorized for agent", Severity: xerrors.SeverityWarning})
	xerrors.Register(CodeURITooLong, xerrors.Attributes{Message: "uri exceeds maximum length", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeStorageFailure, xerrors.Attributes{Message: "identity storage failure", Severity: xerrors.SeverityCritical, Retryable: true, Alert: true})
	xerrors.Register(CodeInvalidArgument, xerrors.Attributes{Message: "invalid argument", Severity: xerrors.SeverityInfo})
}

// Agent is a single registered agent identity.
type Agent struct {
	ID       uint64
	Owner    common.Address
	Approved common.Address
	URI      string
}

// Store persists agents and operator-approval relations.
type Store interface {
	NextID(ctx context.Context) (uint64, error)
	Create(ctx context.Context, agent Agent) error
	Get(ctx context.Context, id uint64) (Agent, error)
	Update(ctx context.Context, agent Agent) error
	SetApprovalForAll(ctx context.Context, owner, operator common.Address, approved bool) error
	IsApprovedForAll(ctx context.Context, owner, operator common.Address) (bool, error)
}

// Service implements the Agent Identity operations described in the
// specification: registration, URI updates, transfers and approvals.
type Service struct {
	store   Store
	emitter events.Emitter
	mu      sync.Mutex
}

// Option configures optional Service behaviour.
type Option func(*Service)

// WithEmitter attaches an events.Emitter so identity mutations are published
// alongside their market-side counterparts.
func WithEmitter(emitter events.Emitter) Option {
	return func(s *Service) { s.emitter = emitter }
}

// NewService constructs a Service backed by the given Store.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{store: store}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *Service) emit(ctx context.Context, name string, agentID uint64, fields map[string]any) {
	if s.emitter == nil {
		return
	}
	_ = s.emitter.Emit(ctx, events.Event{Name: name, AgentID: agentID, Fields: fields})
}

func validateURI(uri string) error {
	if len(uri) > maxURILength {
		return xerrors.New(CodeURITooLong, "agent uri exceeds maximum length")
	}
	return nil
}

// RegisterAgent creates a new agent owned by owner.
func (s *Service) RegisterAgent(ctx context.Context, owner common.Address, uri string) (uint64, error) {
	if owner == (common.Address{}) {
		return 0, xerrors.New(CodeInvalidArgument, "owner address cannot be zero")
	}
	if err := validateURI(uri); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.store.NextID(ctx)
	if err != nil {
		return 0, xerrors.Wrap(CodeStorageFailure, err, "allocate agent id")
	}
	agent := Agent{ID: id, Owner: owner, URI: strings.TrimSpace(uri)}
	if err := s.store.Create(ctx, agent); err != nil {
		return 0, xerrors.Wrap(CodeStorageFailure, err, "create agent")
	}
	s.emit(ctx, "AgentRegistered", id, map[string]any{"owner": owner.Hex(), "uri": agent.URI})
	return id, nil
}

// OwnerOf returns the current owner of agentID.
func (s *Service) OwnerOf(ctx context.Context, agentID uint64) (common.Address, error) {
	agent, err := s.store.Get(ctx, agentID)
	if err != nil {
		return common.Address{}, xerrors.Wrap(CodeUnknownAgent, err, "lookup agent")
	}
	return agent.Owner, nil
}

// GetApproved returns the single-address approval for agentID.
func (s *Service) GetApproved(ctx context.Context, agentID uint64) (common.Address, error) {
	agent, err := s.store.Get(ctx, agentID)
	if err != nil {
		return common.Address{}, xerrors.Wrap(CodeUnknownAgent, err, "lookup agent")
	}
	return agent.Approved, nil
}

// IsApprovedForAll reports whether operator holds operator-approval from owner.
func (s *Service) IsApprovedForAll(ctx context.Context, owner, operator common.Address) (bool, error) {
	ok, err := s.store.IsApprovedForAll(ctx, owner, operator)
	if err != nil {
		return false, xerrors.Wrap(CodeStorageFailure, err, "lookup operator approval")
	}
	return ok, nil
}

// IsAuthorized reports whether caller may act on behalf of agentID: owner,
// single-approved address, or an approved-for-all operator of the owner.
func (s *Service) IsAuthorized(ctx context.Context, agentID uint64, caller common.Address) (bool, error) {
	agent, err := s.store.Get(ctx, agentID)
	if err != nil {
		return false, xerrors.Wrap(CodeUnknownAgent, err, "lookup agent")
	}
	if agent.Owner == caller || agent.Approved == caller {
		return true, nil
	}
	return s.IsApprovedForAll(ctx, agent.Owner, caller)
}

// RequireAuthorized returns a CodeNotAuthorized error unless caller is
// authorized for agentID.
func (s *Service) RequireAuthorized(ctx context.Context, agentID uint64, caller common.Address) error {
	ok, err := s.IsAuthorized(ctx, agentID, caller)
	if err != nil {
		return err
	}
	if !ok {
		return xerrors.New(CodeNotAuthorized, "caller is not authorized for this agent")
	}
	return nil
}

// SetAgentURI updates the metadata uri for agentID.
func (s *Service) SetAgentURI(ctx context.Context, agentID uint64, caller common.Address, uri string) error {
	if err := validateURI(uri); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	agent, err := s.store.Get(ctx, agentID)
	if err != nil {
		return xerrors.Wrap(CodeUnknownAgent, err, "lookup agent")
	}
	if err := s.RequireAuthorized(ctx, agentID, caller); err != nil {
		return err
	}
	agent.URI = strings.TrimSpace(uri)
	if err := s.store.Update(ctx, agent); err != nil {
		return xerrors.Wrap(CodeStorageFailure, err, "update agent")
	}
	s.emit(ctx, "AgentURIUpdated", agentID, map[string]any{"uri": agent.URI})
	return nil
}

// TransferAgent moves ownership of agentID from its current owner to to,
// clearing any single-address approval.
func (s *Service) TransferAgent(ctx context.Context, agentID uint64, caller, to common.Address) error {
	if to == (common.Address{}) {
		return xerrors.New(CodeInvalidArgument, "recipient address cannot be zero")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	agent, err := s.store.Get(ctx, agentID)
	if err != nil {
		return xerrors.Wrap(CodeUnknownAgent, err, "lookup agent")
	}
	if err := s.RequireAuthorized(ctx, agentID, caller); err != nil {
		return err
	}
	from := agent.Owner
	agent.Owner = to
	agent.Approved = common.Address{}
	if err := s.store.Update(ctx, agent); err != nil {
		return xerrors.Wrap(CodeStorageFailure, err, "transfer agent")
	}
	s.emit(ctx, "AgentTransferred", agentID, map[string]any{"from": from.Hex(), "to": to.Hex()})
	return nil
}

// Approve sets the single-address approval for agentID. Only the owner may
// call this.
func (s *Service) Approve(ctx context.Context, agentID uint64, caller, approved common.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	agent, err := s.store.Get(ctx, agentID)
	if err != nil {
		return xerrors.Wrap(CodeUnknownAgent, err, "lookup agent")
	}
	if agent.Owner != caller {
		return xerrors.New(CodeNotAuthorized, "only the owner may approve")
	}
	agent.Approved = approved
	if err := s.store.Update(ctx, agent); err != nil {
		return xerrors.Wrap(CodeStorageFailure, err, "approve agent")
	}
	s.emit(ctx, "AgentApproved", agentID, map[string]any{"approved": approved.Hex()})
	return nil
}

// SetApprovalForAll grants or revokes operator approval across all of
// caller's agents.
func (s *Service) SetApprovalForAll(ctx context.Context, caller, operator common.Address, approved bool) error {
	if err := s.store.SetApprovalForAll(ctx, caller, operator, approved); err != nil {
		return xerrors.Wrap(CodeStorageFailure, err, "set approval for all")
	}
	s.emit(ctx, "AgentApprovalForAll", 0, map[string]any{"owner": caller.Hex(), "operator": operator.Hex(), "approved": approved})
	return nil
}

// Get returns the full agent record.
func (s *Service) Get(ctx context.Context, agentID uint64) (Agent, error) {
	agent, err := s.store.Get(ctx, agentID)
	if err != nil {
		return Agent{}, xerrors.Wrap(CodeUnknownAgent, err, "lookup agent")
	}
	return agent, nil
}
