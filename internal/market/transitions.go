package market

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	xerrors "agentmarket/internal/errors"
)

func validateURI(uri string) error {
	if len(uri) > maxURILength {
		return xerrors.New(CodeInputViolation, "uri exceeds maximum length")
	}
	return nil
}

// PostTask creates a task in OPEN status against an active listing.
func (s *Service) PostTask(ctx context.Context, listingID uint64, buyer common.Address, taskURI string, proposedUnits uint64) (uint64, error) {
	if buyer == (common.Address{}) {
		return 0, xerrors.New(CodeInputViolation, "buyer address cannot be zero")
	}
	if err := validateURI(taskURI); err != nil {
		return 0, err
	}
	l, err := s.listings.RequireActive(ctx, listingID)
	if err != nil {
		return 0, err
	}
	if proposedUnits < l.Pricing.MinUnits || proposedUnits > l.Pricing.MaxUnits {
		return 0, xerrors.New(CodeInputViolation, "proposed units outside listing bounds")
	}

	id, err := s.store.NextID(ctx)
	if err != nil {
		return 0, xerrors.Wrap(CodeStorageFailure, err, "allocate task id")
	}
	task := Task{
		ID:            id,
		ListingID:     listingID,
		AgentID:       l.AgentID,
		Buyer:         buyer,
		PaymentToken:  l.Pricing.PaymentToken,
		TaskURI:       taskURI,
		ProposedUnits: proposedUnits,
		Status:        StatusOpen,
	}
	if err := s.store.Create(ctx, task); err != nil {
		return 0, xerrors.Wrap(CodeStorageFailure, err, "create task")
	}
	s.emit(ctx, "TaskPosted", id, map[string]any{
		"listing_id": listingID, "agent_id": l.AgentID, "buyer": buyer.Hex(),
		"task_uri": taskURI, "proposed_units": proposedUnits,
	})
	return id, nil
}

// ProposeQuote lets the agent's authorized controller quote a task in OPEN
// status.
func (s *Service) ProposeQuote(ctx context.Context, taskID uint64, caller common.Address, quotedUnits uint64, quoteExpiry int64) error {
	unlock, err := s.acquireTaskLock(ctx, taskID)
	if err != nil {
		return err
	}
	defer unlock()

	task, err := s.store.Get(ctx, taskID)
	if err != nil {
		return xerrors.Wrap(CodeUnknownTask, err, "lookup task")
	}
	if task.Status != StatusOpen {
		return xerrors.New(CodeStateViolation, "task is not open")
	}
	l, err := s.listings.RequireActive(ctx, task.ListingID)
	if err != nil {
		return err
	}
	if err := s.identity.RequireAuthorized(ctx, task.AgentID, caller); err != nil {
		return xerrors.Wrap(CodeAuthorization, err, "caller not authorized for agent")
	}
	if quotedUnits == 0 || quotedUnits < l.Pricing.MinUnits || quotedUnits > l.Pricing.MaxUnits {
		return xerrors.New(CodeInputViolation, "quoted units outside listing bounds")
	}

	task.QuotedUnits = quotedUnits
	task.QuotedTotalPrice = l.Pricing.BasePrice + quotedUnits*l.Pricing.UnitPrice
	task.QuoteExpiry = quoteExpiry
	task.Status = StatusQuoted
	if err := s.store.Update(ctx, task); err != nil {
		return xerrors.Wrap(CodeStorageFailure, err, "update task")
	}
	s.emit(ctx, "QuoteProposed", taskID, map[string]any{
		"quoted_units": quotedUnits, "quoted_total_price": task.QuotedTotalPrice, "expiry": quoteExpiry,
	})
	return nil
}

// AcceptTask implicitly quotes a task whose listing does not require an
// explicit quote, deriving price from the listing's pricing schedule.
func (s *Service) AcceptTask(ctx context.Context, taskID uint64, caller common.Address) error {
	unlock, err := s.acquireTaskLock(ctx, taskID)
	if err != nil {
		return err
	}
	defer unlock()

	task, err := s.store.Get(ctx, taskID)
	if err != nil {
		return xerrors.Wrap(CodeUnknownTask, err, "lookup task")
	}
	if task.Status != StatusOpen {
		return xerrors.New(CodeStateViolation, "task is not open")
	}
	l, err := s.listings.RequireActive(ctx, task.ListingID)
	if err != nil {
		return err
	}
	if l.Pricing.QuoteRequired {
		return xerrors.New(CodeConfigViolation, "listing requires an explicit quote")
	}
	if err := s.identity.RequireAuthorized(ctx, task.AgentID, caller); err != nil {
		return xerrors.Wrap(CodeAuthorization, err, "caller not authorized for agent")
	}

	task.QuotedUnits = task.ProposedUnits
	task.QuotedTotalPrice = l.Pricing.BasePrice + task.ProposedUnits*l.Pricing.UnitPrice
	task.Status = StatusQuoted
	if err := s.store.Update(ctx, task); err != nil {
		return xerrors.Wrap(CodeStorageFailure, err, "update task")
	}
	s.emit(ctx, "TaskAccepted", taskID, map[string]any{"quoted_units": task.QuotedUnits, "quoted_total_price": task.QuotedTotalPrice})
	return nil
}

// FundSellerBond deposits the seller bond required by the listing's policy.
func (s *Service) FundSellerBond(ctx context.Context, taskID uint64, caller common.Address, amount uint64) error {
	unlock, err := s.acquireTaskLock(ctx, taskID)
	if err != nil {
		return err
	}
	defer unlock()

	task, err := s.store.Get(ctx, taskID)
	if err != nil {
		return xerrors.Wrap(CodeUnknownTask, err, "lookup task")
	}
	if task.Status != StatusQuoted {
		return xerrors.New(CodeStateViolation, "task is not quoted")
	}
	if task.BondFunder != (common.Address{}) {
		return xerrors.New(CodeStateViolation, "seller bond already funded")
	}
	l, err := s.listings.RequireActive(ctx, task.ListingID)
	if err != nil {
		return err
	}
	if err := s.identity.RequireAuthorized(ctx, task.AgentID, caller); err != nil {
		return xerrors.Wrap(CodeAuthorization, err, "caller not authorized for agent")
	}
	required := requiredBond(task.QuotedTotalPrice, l.Policy.SellerBondBps)
	if required == 0 {
		return xerrors.New(CodeConfigViolation, "listing does not require a seller bond")
	}
	if amount != required {
		return xerrors.New(CodeInputViolation, "bond amount must equal required bond exactly")
	}

	tok, err := s.resolveToken(ctx, task.PaymentToken)
	if err != nil {
		return err
	}
	if err := pullExact(ctx, tok, caller, amount); err != nil {
		return s.alertCustody(ctx, taskID, err)
	}

	task.SellerBond = amount
	task.BondFunder = caller
	if err := s.store.Update(ctx, task); err != nil {
		return xerrors.Wrap(CodeStorageFailure, err, "update task")
	}
	s.emit(ctx, "SellerBondFunded", taskID, map[string]any{"amount": amount})
	return nil
}

// FundTask deposits the buyer's escrow payment.
func (s *Service) FundTask(ctx context.Context, taskID uint64, buyer common.Address, amount uint64) error {
	unlock, err := s.acquireTaskLock(ctx, taskID)
	if err != nil {
		return err
	}
	defer unlock()

	task, err := s.store.Get(ctx, taskID)
	if err != nil {
		return xerrors.Wrap(CodeUnknownTask, err, "lookup task")
	}
	if task.Status != StatusQuoted {
		return xerrors.New(CodeStateViolation, "task is not quoted")
	}
	if task.Buyer != buyer {
		return xerrors.New(CodeAuthorization, "caller is not the task buyer")
	}
	if task.FundedAmount != 0 {
		return xerrors.New(CodeStateViolation, "task already funded")
	}
	if amount != task.QuotedTotalPrice {
		return xerrors.New(CodeInputViolation, "funded amount must equal quoted total price exactly")
	}
	if task.QuoteExpiry != 0 && s.clock.Now() > task.QuoteExpiry {
		return xerrors.New(CodeWindowViolation, "quote has expired")
	}
	l, err := s.listings.RequireActive(ctx, task.ListingID)
	if err != nil {
		return err
	}
	required := requiredBond(task.QuotedTotalPrice, l.Policy.SellerBondBps)
	if required > 0 && task.SellerBond != required {
		return xerrors.New(CodeStateViolation, "seller bond has not been funded")
	}

	tok, err := s.resolveToken(ctx, task.PaymentToken)
	if err != nil {
		return err
	}
	if err := pullExact(ctx, tok, buyer, amount); err != nil {
		return s.alertCustody(ctx, taskID, err)
	}

	task.FundedAmount = amount
	if err := s.store.Update(ctx, task); err != nil {
		return xerrors.Wrap(CodeStorageFailure, err, "update task")
	}
	s.emit(ctx, "TaskFunded", taskID, map[string]any{"amount": amount})
	return nil
}

// AcceptQuote activates the task, snapshotting the current agent owner as
// the seller for the remainder of the task's lifecycle.
func (s *Service) AcceptQuote(ctx context.Context, taskID uint64, buyer common.Address) error {
	unlock, err := s.acquireTaskLock(ctx, taskID)
	if err != nil {
		return err
	}
	defer unlock()

	task, err := s.store.Get(ctx, taskID)
	if err != nil {
		return xerrors.Wrap(CodeUnknownTask, err, "lookup task")
	}
	if task.Status != StatusQuoted {
		return xerrors.New(CodeStateViolation, "task is not quoted")
	}
	if task.Buyer != buyer {
		return xerrors.New(CodeAuthorization, "caller is not the task buyer")
	}
	if task.FundedAmount != task.QuotedTotalPrice {
		return xerrors.New(CodeStateViolation, "task is not fully funded")
	}
	l, err := s.listings.RequireActive(ctx, task.ListingID)
	if err != nil {
		return err
	}
	required := requiredBond(task.QuotedTotalPrice, l.Policy.SellerBondBps)
	if required > 0 && task.SellerBond != required {
		return xerrors.New(CodeStateViolation, "seller bond has not been funded")
	}

	owner, err := s.identity.OwnerOf(ctx, task.AgentID)
	if err != nil {
		return xerrors.Wrap(CodeUnknownTask, err, "lookup agent owner")
	}

	task.Seller = owner
	task.Status = StatusActive
	task.ActivatedAt = s.clock.Now()
	if err := s.store.Update(ctx, task); err != nil {
		return xerrors.Wrap(CodeStorageFailure, err, "update task")
	}
	s.emit(ctx, "QuoteAccepted", taskID, map[string]any{"seller": owner.Hex(), "activated_at": task.ActivatedAt})
	return nil
}

// SellerCancelQuote lets the agent controller withdraw an unfunded quote,
// refunding any posted bond to its funder.
func (s *Service) SellerCancelQuote(ctx context.Context, taskID uint64, caller common.Address) error {
	unlock, err := s.acquireTaskLock(ctx, taskID)
	if err != nil {
		return err
	}
	defer unlock()

	task, err := s.store.Get(ctx, taskID)
	if err != nil {
		return xerrors.Wrap(CodeUnknownTask, err, "lookup task")
	}
	if task.Status != StatusQuoted {
		return xerrors.New(CodeStateViolation, "task is not quoted")
	}
	if task.FundedAmount != 0 {
		return xerrors.New(CodeStateViolation, "cannot cancel a funded task")
	}
	if err := s.identity.RequireAuthorized(ctx, task.AgentID, caller); err != nil {
		return xerrors.Wrap(CodeAuthorization, err, "caller not authorized for agent")
	}

	task.Status = StatusCancelled
	bondRefund := task.SellerBond
	bondFunder := task.BondFunder
	task.SellerBond = 0
	task.BondFunder = common.Address{}
	task.QuotedUnits = 0
	task.QuotedTotalPrice = 0
	task.QuoteExpiry = 0
	if err := s.store.Update(ctx, task); err != nil {
		return xerrors.Wrap(CodeStorageFailure, err, "update task")
	}

	if bondRefund > 0 {
		tok, err := s.resolveToken(ctx, task.PaymentToken)
		if err != nil {
			return err
		}
		if err := pushExact(ctx, tok, bondFunder, bondRefund); err != nil {
			return s.alertCustody(ctx, taskID, err)
		}
	}
	s.emit(ctx, "SellerCancelledQuote", taskID, map[string]any{"bond_refund": bondRefund})
	return nil
}

// CancelTask lets the buyer cancel a task before activation, refunding any
// escrow and any seller bond.
func (s *Service) CancelTask(ctx context.Context, taskID uint64, buyer common.Address) error {
	unlock, err := s.acquireTaskLock(ctx, taskID)
	if err != nil {
		return err
	}
	defer unlock()

	task, err := s.store.Get(ctx, taskID)
	if err != nil {
		return xerrors.Wrap(CodeUnknownTask, err, "lookup task")
	}
	if task.Status != StatusOpen && task.Status != StatusQuoted {
		return xerrors.New(CodeStateViolation, "task cannot be cancelled from its current status")
	}
	if task.Buyer != buyer {
		return xerrors.New(CodeAuthorization, "caller is not the task buyer")
	}

	task.Status = StatusCancelled
	escrowRefund := task.FundedAmount
	bondRefund := task.SellerBond
	bondFunder := task.BondFunder
	task.FundedAmount = 0
	task.SellerBond = 0
	task.BondFunder = common.Address{}
	if err := s.store.Update(ctx, task); err != nil {
		return xerrors.Wrap(CodeStorageFailure, err, "update task")
	}

	if escrowRefund > 0 || bondRefund > 0 {
		tok, err := s.resolveToken(ctx, task.PaymentToken)
		if err != nil {
			return err
		}
		if err := pushExact(ctx, tok, buyer, escrowRefund); err != nil {
			return s.alertCustody(ctx, taskID, err)
		}
		if err := pushExact(ctx, tok, bondFunder, bondRefund); err != nil {
			return s.alertCustody(ctx, taskID, err)
		}
	}
	s.emit(ctx, "TaskCancelled", taskID, map[string]any{"escrow_refund": escrowRefund, "bond_refund": bondRefund})
	return nil
}

// SubmitDeliverable is callable only by the snapshotted seller, independent
// of any later transfer of the underlying agent NFT.
func (s *Service) SubmitDeliverable(ctx context.Context, taskID uint64, caller common.Address, artifactURI string, artifactHash [32]byte) error {
	if err := validateURI(artifactURI); err != nil {
		return err
	}
	unlock, err := s.acquireTaskLock(ctx, taskID)
	if err != nil {
		return err
	}
	defer unlock()

	task, err := s.store.Get(ctx, taskID)
	if err != nil {
		return xerrors.Wrap(CodeUnknownTask, err, "lookup task")
	}
	if task.Status != StatusActive {
		return xerrors.New(CodeStateViolation, "task is not active")
	}
	if task.Seller != caller {
		return xerrors.New(CodeAuthorization, "caller is not the snapshotted seller for this task")
	}
	l, err := s.listings.RequireActive(ctx, task.ListingID)
	if err != nil {
		return err
	}
	if s.clock.Now() >= task.ActivatedAt+int64(l.Policy.DeliveryWindowSec) {
		return xerrors.New(CodeWindowViolation, "delivery window has elapsed")
	}

	task.Status = StatusSubmitted
	task.SubmittedAt = s.clock.Now()
	task.ArtifactURI = artifactURI
	task.ArtifactHash = artifactHash
	if err := s.store.Update(ctx, task); err != nil {
		return xerrors.Wrap(CodeStorageFailure, err, "update task")
	}
	s.emit(ctx, "DeliverableSubmitted", taskID, map[string]any{"artifact_uri": artifactURI})
	return nil
}

// AcceptSubmission settles the task via the ACCEPTED path.
func (s *Service) AcceptSubmission(ctx context.Context, taskID uint64, buyer common.Address) error {
	unlock, err := s.acquireTaskLock(ctx, taskID)
	if err != nil {
		return err
	}
	defer unlock()

	task, err := s.store.Get(ctx, taskID)
	if err != nil {
		return xerrors.Wrap(CodeUnknownTask, err, "lookup task")
	}
	if task.Status != StatusSubmitted {
		return xerrors.New(CodeStateViolation, "task is not submitted")
	}
	if task.Buyer != buyer {
		return xerrors.New(CodeAuthorization, "caller is not the task buyer")
	}
	s.emit(ctx, "SubmissionAccepted", taskID, nil)
	return s.settle(ctx, &task, PathAccepted)
}

// SettleAfterTimeout is a permissionless settlement path available once the
// challenge window has elapsed without buyer action.
func (s *Service) SettleAfterTimeout(ctx context.Context, taskID uint64) error {
	unlock, err := s.acquireTaskLock(ctx, taskID)
	if err != nil {
		return err
	}
	defer unlock()

	task, err := s.store.Get(ctx, taskID)
	if err != nil {
		return xerrors.Wrap(CodeUnknownTask, err, "lookup task")
	}
	if task.Status != StatusSubmitted {
		return xerrors.New(CodeStateViolation, "task is not submitted")
	}
	l, err := s.listings.RequireActive(ctx, task.ListingID)
	if err != nil {
		return err
	}
	if s.clock.Now() < task.SubmittedAt+int64(l.Policy.ChallengeWindowSec) {
		return xerrors.New(CodeWindowViolation, "challenge window has not elapsed")
	}
	return s.settle(ctx, &task, PathTimeout)
}

// DisputeSubmission lets the buyer open a dispute within the challenge
// window, delegating to whichever Dispute Module is wired in.
func (s *Service) DisputeSubmission(ctx context.Context, taskID uint64, buyer common.Address, uri string) error {
	if err := validateURI(uri); err != nil {
		return err
	}
	task, err := s.store.Get(ctx, taskID)
	if err != nil {
		return xerrors.Wrap(CodeUnknownTask, err, "lookup task")
	}
	if task.Status != StatusSubmitted {
		return xerrors.New(CodeStateViolation, "task is not submitted")
	}
	if task.Buyer != buyer {
		return xerrors.New(CodeAuthorization, "caller is not the task buyer")
	}
	if s.disputeOpener == nil {
		return xerrors.New(CodeConfigViolation, "dispute module is not configured")
	}
	return s.disputeOpener.OpenDispute(ctx, taskID, buyer, uri)
}

// MarkDisputed is called by the active Dispute Module once it accepts an
// opened dispute. disputeURI is the dispute evidence URI recorded by the
// Dispute Module, threaded through so the emitted event carries it.
func (s *Service) MarkDisputed(ctx context.Context, taskID uint64, caller common.Address, disputeURI string) error {
	unlock, err := s.acquireTaskLock(ctx, taskID)
	if err != nil {
		return err
	}
	defer unlock()

	task, err := s.store.Get(ctx, taskID)
	if err != nil {
		return xerrors.Wrap(CodeUnknownTask, err, "lookup task")
	}
	if err := s.requireDisputeModule(caller); err != nil {
		return err
	}
	if task.Status != StatusSubmitted {
		return xerrors.New(CodeStateViolation, "task is not submitted")
	}
	task.Status = StatusDisputed
	task.DisputedAt = s.clock.Now()
	if err := s.store.Update(ctx, task); err != nil {
		return xerrors.Wrap(CodeStorageFailure, err, "update task")
	}
	s.emit(ctx, "SubmissionDisputed", taskID, map[string]any{"dispute_uri": disputeURI})
	return nil
}

// ResolveDispute is called by the active Dispute Module with the four-way
// verdict; it drives one of the DISPUTE_* settlement paths.
func (s *Service) ResolveDispute(ctx context.Context, taskID uint64, caller common.Address, outcome DisputeOutcome, resolutionURI string) error {
	unlock, err := s.acquireTaskLock(ctx, taskID)
	if err != nil {
		return err
	}
	defer unlock()

	task, err := s.store.Get(ctx, taskID)
	if err != nil {
		return xerrors.Wrap(CodeUnknownTask, err, "lookup task")
	}
	if err := s.requireDisputeModule(caller); err != nil {
		return err
	}
	if task.Status != StatusDisputed {
		return xerrors.New(CodeStateViolation, "task is not disputed")
	}
	path := outcome.settlementPath()
	if path == PathNone {
		return xerrors.New(CodeInputViolation, "unknown dispute outcome")
	}
	// DisputeResolved itself is emitted by dispute.Service, which knows the
	// resolver address; Task Market's own event for this transition is
	// SubmissionDisputed (emitted when the dispute opened), so only settle here.
	return s.settle(ctx, &task, path)
}

// SettleAfterPostDisputeTimeout is a permissionless settlement path treating
// a stalled dispute as a seller win.
func (s *Service) SettleAfterPostDisputeTimeout(ctx context.Context, taskID uint64) error {
	unlock, err := s.acquireTaskLock(ctx, taskID)
	if err != nil {
		return err
	}
	defer unlock()

	task, err := s.store.Get(ctx, taskID)
	if err != nil {
		return xerrors.Wrap(CodeUnknownTask, err, "lookup task")
	}
	if task.Status != StatusDisputed {
		return xerrors.New(CodeStateViolation, "task is not disputed")
	}
	l, err := s.listings.RequireActive(ctx, task.ListingID)
	if err != nil {
		return err
	}
	if l.Policy.PostDisputeWindowSec == 0 {
		return xerrors.New(CodeConfigViolation, "listing has no post-dispute window")
	}
	if s.clock.Now() < task.DisputedAt+int64(l.Policy.PostDisputeWindowSec) {
		return xerrors.New(CodeWindowViolation, "post-dispute window has not elapsed")
	}
	s.emit(ctx, "PostDisputeTimeoutSettled", taskID, map[string]any{"deadline": task.DisputedAt + int64(l.Policy.PostDisputeWindowSec), "outcome": string(OutcomeSellerWins)})
	return s.settle(ctx, &task, PathPostDisputeTimeout)
}

// CancelForNonDelivery lets the buyer cancel an active task whose seller
// never submitted within the delivery window, forfeiting the seller bond to
// the buyer.
func (s *Service) CancelForNonDelivery(ctx context.Context, taskID uint64, buyer common.Address) error {
	unlock, err := s.acquireTaskLock(ctx, taskID)
	if err != nil {
		return err
	}
	defer unlock()

	task, err := s.store.Get(ctx, taskID)
	if err != nil {
		return xerrors.Wrap(CodeUnknownTask, err, "lookup task")
	}
	if task.Status != StatusActive {
		return xerrors.New(CodeStateViolation, "task is not active")
	}
	if task.Buyer != buyer {
		return xerrors.New(CodeAuthorization, "caller is not the task buyer")
	}
	l, err := s.listings.RequireActive(ctx, task.ListingID)
	if err != nil {
		return err
	}
	if s.clock.Now() < task.ActivatedAt+int64(l.Policy.DeliveryWindowSec) {
		return xerrors.New(CodeWindowViolation, "delivery window has not elapsed")
	}

	task.Status = StatusCancelled
	task.Settled = true
	payout := task.FundedAmount + task.SellerBond
	sellerBond := task.SellerBond
	task.FundedAmount = 0
	task.SellerBond = 0
	if err := s.store.Update(ctx, task); err != nil {
		return xerrors.Wrap(CodeStorageFailure, err, "update task")
	}

	if payout > 0 {
		tok, err := s.resolveToken(ctx, task.PaymentToken)
		if err != nil {
			return err
		}
		if err := pushExact(ctx, tok, buyer, payout); err != nil {
			return s.alertCustody(ctx, taskID, err)
		}
	}
	s.emit(ctx, "TaskCancelledForNonDelivery", taskID, map[string]any{"escrow_refund": payout - sellerBond, "seller_bond_penalty": sellerBond})
	return nil
}

// settle performs the checks->effects->interactions settlement common to
// every terminal SETTLED path: it marks the task settled before issuing any
// payout, then pays buyer, seller, and bond funder in that order, skipping
// zero amounts.
func (s *Service) settle(ctx context.Context, task *Task, path SettlementPath) error {
	buyerEscrow, buyerBond := computeSettlement(task.FundedAmount, task.SellerBond, path)
	sellerEscrow := task.FundedAmount - buyerEscrow
	sellerBondRefund := task.SellerBond - buyerBond

	task.Status = StatusSettled
	task.SettlementPath = path
	task.Settled = true
	buyer, seller, bondFunder := task.Buyer, task.Seller, task.BondFunder
	fundedAmount, sellerBond := task.FundedAmount, task.SellerBond
	task.FundedAmount = 0
	task.SellerBond = 0

	if err := s.store.Update(ctx, *task); err != nil {
		return xerrors.Wrap(CodeStorageFailure, err, "update task")
	}

	tok, err := s.resolveToken(ctx, task.PaymentToken)
	if err != nil {
		return err
	}
	if err := pushExact(ctx, tok, buyer, buyerEscrow+buyerBond); err != nil {
		return s.alertCustody(ctx, task.ID, err)
	}
	if err := pushExact(ctx, tok, seller, sellerEscrow); err != nil {
		return s.alertCustody(ctx, task.ID, err)
	}
	if err := pushExact(ctx, tok, bondFunder, sellerBondRefund); err != nil {
		return s.alertCustody(ctx, task.ID, err)
	}

	s.emit(ctx, "TaskSettled", task.ID, map[string]any{"buyer_payout": buyerEscrow + buyerBond, "seller_bond_refund": sellerBondRefund})
	s.emit(ctx, "TaskSettledV2", task.ID, map[string]any{
		"buyer": buyer.Hex(), "seller": seller.Hex(), "bond_funder": bondFunder.Hex(),
		"buyer_escrow_payout": buyerEscrow, "buyer_bond_payout": buyerBond,
		"seller_escrow_payout": sellerEscrow, "seller_bond_refund": sellerBondRefund,
		"path": string(path), "funded": fundedAmount, "bond": sellerBond,
	})
	return nil
}
