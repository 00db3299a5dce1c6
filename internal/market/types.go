// Package market implements the Task Market: the escrow state machine that
// drives a task from posting through funding, activation, delivery and
// settlement, including timeouts, cancellations and the dispute hand-off.
package market

import (
	"github.com/ethereum/go-ethereum/common"
)

// Status is the closed set of states a task may occupy.
type Status string

const (
	StatusOpen      Status = "OPEN"
	StatusQuoted    Status = "QUOTED"
	StatusActive    Status = "ACTIVE"
	StatusSubmitted Status = "SUBMITTED"
	StatusDisputed  Status = "DISPUTED"
	StatusSettled   Status = "SETTLED"
	StatusCancelled Status = "CANCELLED"
)

// SettlementPath discriminates which terminal transition produced a SETTLED
// task, per the settlement math table.
type SettlementPath string

const (
	PathNone                SettlementPath = ""
	PathAccepted            SettlementPath = "ACCEPTED"
	PathTimeout             SettlementPath = "TIMEOUT"
	PathPostDisputeTimeout  SettlementPath = "POST_DISPUTE_TIMEOUT"
	PathDisputeSellerWins   SettlementPath = "DISPUTE_SELLER_WINS"
	PathDisputeBuyerWins    SettlementPath = "DISPUTE_BUYER_WINS"
	PathDisputeSplit        SettlementPath = "DISPUTE_SPLIT"
	PathDisputeCancel       SettlementPath = "DISPUTE_CANCEL"
)

// DisputeOutcome is the four-way verdict the Dispute Module hands back to
// ResolveDispute. It is defined here (rather than in the dispute package) so
// that this package never needs to import the dispute package, breaking the
// mutual dependency between Task Market and Dispute Module at the interface
// level as described in the design notes.
type DisputeOutcome string

const (
	OutcomeSellerWins DisputeOutcome = "SELLER_WINS"
	OutcomeBuyerWins  DisputeOutcome = "BUYER_WINS"
	OutcomeSplit      DisputeOutcome = "SPLIT"
	OutcomeCancel     DisputeOutcome = "CANCEL"
)

func (o DisputeOutcome) settlementPath() SettlementPath {
	switch o {
	case OutcomeSellerWins:
		return PathDisputeSellerWins
	case OutcomeBuyerWins:
		return PathDisputeBuyerWins
	case OutcomeSplit:
		return PathDisputeSplit
	case OutcomeCancel:
		return PathDisputeCancel
	default:
		return PathNone
	}
}

// Task is the full record of a single task's lifecycle.
type Task struct {
	ID        uint64
	ListingID uint64
	AgentID   uint64
	Buyer     common.Address

	PaymentToken common.Address
	TaskURI      string
	ProposedUnits uint64

	QuotedUnits      uint64
	QuotedTotalPrice uint64
	QuoteExpiry      int64

	FundedAmount uint64
	SellerBond   uint64
	BondFunder   common.Address

	Seller common.Address

	ArtifactURI  string
	ArtifactHash [32]byte

	ActivatedAt  int64
	SubmittedAt  int64
	DisputedAt   int64

	Status         Status
	SettlementPath SettlementPath
	Settled        bool
}

// requiredBond returns the seller bond owed under bps against total.
func requiredBond(total, bps uint64) uint64 {
	return total * bps / 10000
}
