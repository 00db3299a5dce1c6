package market

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "agentmarket/internal/errors"
	"agentmarket/internal/events"
	"agentmarket/internal/listing"
	"agentmarket/internal/observability/alerting"
	redislock "agentmarket/internal/storage/redis"
	"agentmarket/internal/token"
)

// DisputeModuleUpdateDelay is the timelock delay for swapping the dispute
// module address, per the specification's DISPUTE_MODULE_UPDATE_DELAY.
const DisputeModuleUpdateDelay = 24 * 60 * 60

const maxURILength = 2048

// IdentityView is the narrow collaborator Task Market needs from Agent
// Identity. identity.Service already exposes exactly this method set, so no
// import of the identity package (nor any adapter) is required.
type IdentityView interface {
	OwnerOf(ctx context.Context, agentID uint64) (common.Address, error)
	RequireAuthorized(ctx context.Context, agentID uint64, caller common.Address) error
}

// ListingView is the narrow collaborator Task Market needs from the Listing
// Registry.
type ListingView interface {
	RequireActive(ctx context.Context, listingID uint64) (listing.Listing, error)
}

// TaskLocker is the narrow collaborator Task Market uses to coordinate a
// mutating call across multiple marketd replicas, satisfied structurally by
// *redis.LockManager. It mirrors the SETNX-based cross-process lock the
// spec's escrow state machine assumes guards each transition, complementing
// the in-process taskLock a single replica already uses.
type TaskLocker interface {
	Lock(ctx context.Context, name string) (*redislock.Handle, error)
	Unlock(ctx context.Context, h *redislock.Handle) error
}

// DisputeOpener is the narrow interface Task Market uses to delegate an
// opened dispute to whichever Dispute Module component is wired in. It is
// satisfied structurally by dispute.Service without this package importing
// the dispute package, avoiding the import cycle that a direct dependency
// would create (Dispute Module also needs to call back into Task Market).
type DisputeOpener interface {
	OpenDispute(ctx context.Context, taskID uint64, buyer common.Address, uri string) error
}

// upgradeState tracks the two-step timelocked dispute-module swap.
type upgradeState struct {
	activeModule    common.Address
	pendingModule   common.Address
	activationTime  int64
	pendingArmed    bool
}

// adminState tracks the two-step admin transfer.
type adminState struct {
	admin        common.Address
	pendingAdmin common.Address
}

// Service implements the Task Market operations.
type Service struct {
	mu sync.Mutex

	store    Store
	identity IdentityView
	listings ListingView
	tokens   token.Registry
	emitter  events.Emitter
	clock    Clock
	alerter  alerting.Dispatcher
	distLock TaskLocker

	disputeOpener DisputeOpener

	upgrade upgradeState
	admin   adminState

	locks map[uint64]*sync.Mutex
}

// Option configures optional Service behaviour.
type Option func(*Service)

// WithEmitter attaches an events.Emitter used to publish every task
// lifecycle event.
func WithEmitter(emitter events.Emitter) Option {
	return func(s *Service) { s.emitter = emitter }
}

// WithClock overrides the default SystemClock, used by tests to pin
// boundary conditions.
func WithClock(clock Clock) Option {
	return func(s *Service) { s.clock = clock }
}

// WithAlerter attaches an alerting.Dispatcher notified whenever a custody
// operation (pullExact/pushExact) fails, so an on-call channel hears about a
// stuck escrow transfer instead of it only surfacing as an API error.
func WithAlerter(dispatcher alerting.Dispatcher) Option {
	return func(s *Service) { s.alerter = dispatcher }
}

// WithLockManager attaches a TaskLocker (typically *redis.LockManager) so
// mutating transitions also hold a cross-process lock for the task's
// duration, not just the in-process mutex taskLock already provides. Without
// this option only that in-process mutex serializes mutations: Store.Update
// overwrites the stored task without compare-and-swap, so replicas sharing a
// store are not serialized against each other.
func WithLockManager(locker TaskLocker) Option {
	return func(s *Service) { s.distLock = locker }
}

// WithDisputeOpener wires the Dispute Module collaborator used by
// DisputeSubmission. It is optional (rather than required by NewService), and
// SetDisputeOpener can supply it after construction, so cmd/marketd can
// construct Task Market and Dispute Module in
// either order and cross-wire them afterward.
func WithDisputeOpener(opener DisputeOpener) Option {
	return func(s *Service) { s.disputeOpener = opener }
}

// NewService constructs a Task Market Service. admin becomes the initial
// admin principal for the timelocked dispute-module upgrade and the
// two-step admin transfer.
func NewService(store Store, identity IdentityView, listings ListingView, tokens token.Registry, admin common.Address, opts ...Option) *Service {
	s := &Service{
		store:    store,
		identity: identity,
		listings: listings,
		tokens:   tokens,
		clock:    SystemClock{},
		admin:    adminState{admin: admin},
		locks:    make(map[uint64]*sync.Mutex),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// SetDisputeOpener wires the Dispute Module collaborator after construction.
func (s *Service) SetDisputeOpener(opener DisputeOpener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disputeOpener = opener
}

// taskLock returns the per-task mutex used to serialize mutating calls and
// guard against reentrance during an outbound token transfer.
func (s *Service) taskLock(taskID uint64) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[taskID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[taskID] = l
	}
	return l
}

// acquireTaskLock acquires the in-process per-task mutex and, if a
// TaskLocker is configured, the matching cross-process Redis lock, for the
// duration of one mutating transition. The returned func releases both, in
// reverse order, and must be called via defer at every call site.
func (s *Service) acquireTaskLock(ctx context.Context, taskID uint64) (func(), error) {
	local := s.taskLock(taskID)
	local.Lock()

	if s.distLock == nil {
		return local.Unlock, nil
	}

	handle, err := s.distLock.Lock(ctx, "task:"+strconv.FormatUint(taskID, 10))
	if err != nil {
		local.Unlock()
		return nil, xerrors.Wrap(CodeStorageFailure, err, "acquire distributed task lock")
	}
	return func() {
		_ = s.distLock.Unlock(ctx, handle)
		local.Unlock()
	}, nil
}

func (s *Service) emit(ctx context.Context, name string, taskID uint64, fields map[string]any) {
	if s.emitter == nil {
		return
	}
	_ = s.emitter.Emit(ctx, events.Event{Name: name, TaskID: taskID, OccurredAt: s.clock.Now(), Fields: fields})
}

// alertCustody notifies the configured alerting.Dispatcher of a custody
// transfer failure and returns err unchanged, so call sites can write
// `return s.alertCustody(ctx, taskID, err)` without altering control flow.
func (s *Service) alertCustody(ctx context.Context, taskID uint64, err error) error {
	if s.alerter == nil || err == nil {
		return err
	}
	_ = s.alerter.Notify(ctx, alerting.Event{
		Code:       xerrors.CodeOf(err),
		Message:    err.Error(),
		Severity:   xerrors.SeverityOf(err),
		TaskID:     strconv.FormatUint(taskID, 10),
		OccurredAt: time.Unix(s.clock.Now(), 0).UTC(),
	})
	return err
}

func (s *Service) resolveToken(ctx context.Context, addr common.Address) (token.Token, error) {
	tok, err := s.tokens.Resolve(ctx, addr)
	if err != nil {
		return nil, xerrors.Wrap(CodeConfigViolation, err, "resolve payment token")
	}
	return tok, nil
}

// GetTask returns the full task record.
func (s *Service) GetTask(ctx context.Context, taskID uint64) (Task, error) {
	task, err := s.store.Get(ctx, taskID)
	if err != nil {
		return Task{}, xerrors.Wrap(CodeUnknownTask, err, "lookup task")
	}
	return task, nil
}

// TaskWindow is the minimal submission-window view Dispute Module needs to
// validate an openDispute call without depending on the full Task struct.
type TaskWindow struct {
	Status             Status
	Buyer              common.Address
	SubmittedAt        int64
	ChallengeWindowSec uint64
}

// GetTaskWindow returns the submission-window view of a task, resolving the
// listing's challenge window alongside it.
func (s *Service) GetTaskWindow(ctx context.Context, taskID uint64) (TaskWindow, error) {
	task, err := s.store.Get(ctx, taskID)
	if err != nil {
		return TaskWindow{}, xerrors.Wrap(CodeUnknownTask, err, "lookup task")
	}
	l, err := s.listings.RequireActive(ctx, task.ListingID)
	if err != nil {
		return TaskWindow{}, err
	}
	return TaskWindow{
		Status:             task.Status,
		Buyer:              task.Buyer,
		SubmittedAt:        task.SubmittedAt,
		ChallengeWindowSec: l.Policy.ChallengeWindowSec,
	}, nil
}

// DisputeModuleAddress returns the currently active dispute module address.
func (s *Service) DisputeModuleAddress() common.Address {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upgrade.activeModule
}
