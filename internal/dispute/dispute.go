// Package dispute implements the Dispute Module: buyer-gated dispute
// opening within the task's challenge window, and resolution by an
// approved resolver, delegating state transitions back to Task Market
// through a narrow collaborator interface.
package dispute

import (
	"context"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	xerrors "agentmarket/internal/errors"
	"agentmarket/internal/events"
	"agentmarket/internal/market"
)

const maxURILength = 2048

const (
	CodeUnknownDispute  xerrors.Code = "DISPUTE_UNKNOWN"
	CodeAlreadyOpened   xerrors.Code = "DISPUTE_ALREADY_OPENED"
	CodeAlreadyResolved xerrors.Code = "DISPUTE_ALREADY_RESOLVED"
	CodeNotAuthorized   xerrors.Code = "DISPUTE_NOT_AUTHORIZED"
	CodeWindowViolation xerrors.Code = "DISPUTE_WINDOW_VIOLATION"
	CodeURITooLong      xerrors.Code = "DISPUTE_URI_TOO_LONG"
	CodeStorageFailure  xerrors.Code = "DISPUTE_STORAGE_FAILURE"
)

func init() {
	xerrors.Register(CodeUnknownDispute, xerrors.Attributes{Message: "unknown dispute record", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeAlreadyOpened, xerrors.Attributes{Message: "dispute already opened for this task", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeAlreadyResolved, xerrors.Attributes{Message: "dispute already resolved", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeNotAuthorized, xerrors.Attributes{Message: "caller not authorized for this dispute operation", Severity: xerrors.SeverityWarning})
	xerrors.Register(CodeWindowViolation, xerrors.Attributes{Message: "dispute operation outside allowed time window", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeURITooLong, xerrors.Attributes{Message: "uri exceeds maximum length", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeStorageFailure, xerrors.Attributes{Message: "dispute storage failure", Severity: xerrors.SeverityCritical, Retryable: true, Alert: true})
}

// Record is the per-task dispute record.
type Record struct {
	TaskID        uint64
	Buyer         common.Address
	Opened        bool
	Resolved      bool
	DisputeURI    string
	ResolutionURI string
	Outcome       market.DisputeOutcome
}

// Market is the narrow collaborator interface Dispute Module needs from
// Task Market: enough to validate an open request and to deliver the two
// callbacks the state machine depends on. Satisfied by *market.Service
// without Task Market importing this package.
type Market interface {
	GetTaskWindow(ctx context.Context, taskID uint64) (market.TaskWindow, error)
	MarkDisputed(ctx context.Context, taskID uint64, caller common.Address, disputeURI string) error
	ResolveDispute(ctx context.Context, taskID uint64, caller common.Address, outcome market.DisputeOutcome, resolutionURI string) error
}

// Store persists dispute records.
type Store interface {
	Get(ctx context.Context, taskID uint64) (Record, error)
	Create(ctx context.Context, record Record) error
	Update(ctx context.Context, record Record) error
}

// Service implements Dispute Module operations. selfAddress is the address
// this module presents to Task Market as its caller identity, so
// market.Service.requireDisputeModule can authorize its callbacks.
type Service struct {
	mu sync.Mutex

	store       Store
	mkt         Market
	emitter     events.Emitter
	clock       Clock
	selfAddress common.Address

	owner        common.Address
	pendingOwner common.Address
	resolvers    map[common.Address]bool
}

// Option configures optional Service behaviour.
type Option func(*Service)

// WithEmitter attaches an events.Emitter for dispute lifecycle events.
func WithEmitter(emitter events.Emitter) Option {
	return func(s *Service) { s.emitter = emitter }
}

// WithClock overrides the default SystemClock, used by tests to pin the
// challenge-window deadline check.
func WithClock(clock Clock) Option {
	return func(s *Service) { s.clock = clock }
}

// NewService constructs a Dispute Module Service. selfAddress must equal
// the address Task Market has installed as its active dispute module (see
// market.Service.SetDisputeModule) or every callback will be rejected.
func NewService(store Store, mkt Market, owner, selfAddress common.Address, opts ...Option) *Service {
	s := &Service{
		store:       store,
		mkt:         mkt,
		selfAddress: selfAddress,
		clock:       SystemClock{},
		owner:       owner,
		resolvers:   map[common.Address]bool{owner: true},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *Service) emit(ctx context.Context, name string, taskID uint64, fields map[string]any) {
	if s.emitter == nil {
		return
	}
	_ = s.emitter.Emit(ctx, events.Event{Name: name, TaskID: taskID, Fields: fields})
}

// OpenDispute implements market.DisputeOpener: it is called either directly
// by a buyer, or by Task Market's DisputeSubmission delegating on the buyer's
// behalf. In both cases buyer must be the task's buyer address; any other
// address is rejected.
func (s *Service) OpenDispute(ctx context.Context, taskID uint64, buyer common.Address, uri string) error {
	if len(uri) > maxURILength {
		return xerrors.New(CodeURITooLong, "dispute uri exceeds maximum length")
	}
	window, err := s.mkt.GetTaskWindow(ctx, taskID)
	if err != nil {
		return xerrors.Wrap(CodeUnknownDispute, err, "lookup task window")
	}
	if window.Status != market.StatusSubmitted {
		return xerrors.New(CodeWindowViolation, "task is not submitted")
	}
	if window.Buyer != buyer {
		return xerrors.New(CodeNotAuthorized, "caller is not the task buyer")
	}

	s.mu.Lock()
	existing, err := s.store.Get(ctx, taskID)
	if err == nil && existing.Opened {
		s.mu.Unlock()
		return xerrors.New(CodeAlreadyOpened, "dispute already opened for this task")
	}
	s.mu.Unlock()

	// strict less-than at the challenge-window deadline.
	if s.clock.Now() >= window.SubmittedAt+int64(window.ChallengeWindowSec) {
		return xerrors.New(CodeWindowViolation, "challenge window has elapsed")
	}

	record := Record{TaskID: taskID, Buyer: buyer, Opened: true, DisputeURI: strings.TrimSpace(uri), Outcome: market.OutcomeSellerWins}
	if err := s.store.Create(ctx, record); err != nil {
		return xerrors.Wrap(CodeStorageFailure, err, "create dispute record")
	}
	s.emit(ctx, "DisputeOpened", taskID, map[string]any{"buyer": buyer.Hex(), "dispute_uri": record.DisputeURI})

	if err := s.mkt.MarkDisputed(ctx, taskID, s.selfAddress, record.DisputeURI); err != nil {
		return xerrors.Wrap(CodeStorageFailure, err, "mark task disputed")
	}
	return nil
}

// ResolveDispute persists the resolver's verdict and invokes Task Market's
// resolveDispute callback. If no record was ever opened for this task
// (e.g. the module was upgraded mid-dispute), a minimal record is
// reconstructed so resolution can still proceed.
func (s *Service) ResolveDispute(ctx context.Context, taskID uint64, resolver common.Address, outcome market.DisputeOutcome, resolutionURI string) error {
	if len(resolutionURI) > maxURILength {
		return xerrors.New(CodeURITooLong, "resolution uri exceeds maximum length")
	}
	s.mu.Lock()
	if !s.resolvers[resolver] {
		s.mu.Unlock()
		return xerrors.New(CodeNotAuthorized, "caller is not an approved resolver")
	}
	s.mu.Unlock()

	window, err := s.mkt.GetTaskWindow(ctx, taskID)
	if err != nil {
		return xerrors.Wrap(CodeUnknownDispute, err, "lookup task window")
	}
	if window.Status != market.StatusDisputed {
		return xerrors.New(CodeWindowViolation, "task is not disputed")
	}

	record, err := s.store.Get(ctx, taskID)
	if err != nil {
		record = Record{TaskID: taskID, Buyer: window.Buyer, Opened: true}
	}
	if record.Resolved {
		return xerrors.New(CodeAlreadyResolved, "dispute already resolved")
	}
	record.Resolved = true
	record.Outcome = outcome
	record.ResolutionURI = strings.TrimSpace(resolutionURI)
	if err := s.upsert(ctx, record); err != nil {
		return err
	}

	if err := s.mkt.ResolveDispute(ctx, taskID, s.selfAddress, outcome, record.ResolutionURI); err != nil {
		return xerrors.Wrap(CodeStorageFailure, err, "resolve task dispute")
	}
	s.emit(ctx, "DisputeResolved", taskID, map[string]any{"resolver": resolver.Hex(), "outcome": string(outcome), "resolution_uri": record.ResolutionURI})
	return nil
}

func (s *Service) upsert(ctx context.Context, record Record) error {
	if _, err := s.store.Get(ctx, record.TaskID); err != nil {
		if err := s.store.Create(ctx, record); err != nil {
			return xerrors.Wrap(CodeStorageFailure, err, "create dispute record")
		}
		return nil
	}
	if err := s.store.Update(ctx, record); err != nil {
		return xerrors.Wrap(CodeStorageFailure, err, "update dispute record")
	}
	return nil
}

// GetRecord returns the full dispute record for a task.
func (s *Service) GetRecord(ctx context.Context, taskID uint64) (Record, error) {
	record, err := s.store.Get(ctx, taskID)
	if err != nil {
		return Record{}, xerrors.Wrap(CodeUnknownDispute, err, "lookup dispute record")
	}
	return record, nil
}

// SetResolver grants or revokes resolver status. Only the module owner may
// call this.
func (s *Service) SetResolver(ctx context.Context, caller, resolver common.Address, approved bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.owner != caller {
		return xerrors.New(CodeNotAuthorized, "only the module owner may manage resolvers")
	}
	if approved {
		s.resolvers[resolver] = true
	} else {
		delete(s.resolvers, resolver)
	}
	s.emit(ctx, "ResolverSet", 0, map[string]any{"resolver": resolver.Hex(), "approved": approved})
	return nil
}

// TransferOwner proposes a new module owner, taking effect only once
// accepted.
func (s *Service) TransferOwner(ctx context.Context, caller, proposed common.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.owner != caller {
		return xerrors.New(CodeNotAuthorized, "only the module owner may transfer ownership")
	}
	s.pendingOwner = proposed
	s.emit(ctx, "DisputeModuleOwnerTransferProposed", 0, map[string]any{"proposed_owner": proposed.Hex()})
	return nil
}

// AcceptOwner completes a two-step owner transfer.
func (s *Service) AcceptOwner(ctx context.Context, caller common.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pendingOwner == (common.Address{}) || s.pendingOwner != caller {
		return xerrors.New(CodeNotAuthorized, "caller is not the pending owner")
	}
	s.owner = caller
	s.resolvers[caller] = true
	s.pendingOwner = common.Address{}
	s.emit(ctx, "DisputeModuleOwnerTransferAccepted", 0, map[string]any{"owner": caller.Hex()})
	return nil
}
