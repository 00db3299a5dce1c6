package dispute

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"agentmarket/internal/identity"
	"agentmarket/internal/listing"
	"agentmarket/internal/market"
	"agentmarket/internal/token"
)

var (
	testBuyer    = common.HexToAddress("0x1111111111111111111111111111111111111a")
	testSeller   = common.HexToAddress("0x2222222222222222222222222222222222222b")
	testAdmin    = common.HexToAddress("0x3333333333333333333333333333333333333c")
	testOwner    = common.HexToAddress("0x9999999999999999999999999999999999999f")
	testResolver = common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	testToken    = common.HexToAddress("0x4444444444444444444444444444444444444d")
	moduleAddr   = common.HexToAddress("0x7777777777777777777777777777777777777a")
)

type fixture struct {
	market  *market.Service
	dispute *Service
	tok     *token.MockToken
	clock   *market.FixedClock
	taskID  uint64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	idSvc := identity.NewService(identity.NewMemoryStore())
	agentID, err := idSvc.RegisterAgent(ctx, testSeller, "ipfs://agent")
	if err != nil {
		t.Fatalf("register agent: %v", err)
	}
	listingSvc := listing.NewService(listing.NewMemoryStore(), idSvc)
	listingID, err := listingSvc.CreateListing(ctx, agentID, testSeller, "ipfs://listing", listing.Pricing{
		PaymentToken: testToken,
		BasePrice:    100,
		MinUnits:     1,
		MaxUnits:     1,
	}, listing.Policy{ChallengeWindowSec: 100, PostDisputeWindowSec: 200, DeliveryWindowSec: 300})
	if err != nil {
		t.Fatalf("create listing: %v", err)
	}

	mockTok := token.NewMockToken(testToken, market.CustodyAddress, map[common.Address]uint64{testBuyer: 1_000_000})
	registry := token.NewStaticRegistry(mockTok)
	clock := market.NewFixedClock(1_000_000)
	marketSvc := market.NewService(market.NewMemoryStore(), idSvc, listingSvc, registry, testAdmin, market.WithClock(clock))

	disputeSvc := NewService(NewMemoryStore(), marketSvc, testOwner, moduleAddr, WithClock(clock))
	marketSvc.SetDisputeOpener(disputeSvc)

	if err := marketSvc.SetDisputeModule(ctx, testAdmin, moduleAddr); err != nil {
		t.Fatalf("set dispute module: %v", err)
	}

	taskID, err := marketSvc.PostTask(ctx, listingID, testBuyer, "ipfs://task", 1)
	if err != nil {
		t.Fatalf("post task: %v", err)
	}
	if err := marketSvc.AcceptTask(ctx, taskID, testSeller); err != nil {
		t.Fatalf("accept task: %v", err)
	}
	task, err := marketSvc.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if err := marketSvc.FundTask(ctx, taskID, testBuyer, task.QuotedTotalPrice); err != nil {
		t.Fatalf("fund task: %v", err)
	}
	if err := marketSvc.AcceptQuote(ctx, taskID, testBuyer); err != nil {
		t.Fatalf("accept quote: %v", err)
	}
	if err := marketSvc.SubmitDeliverable(ctx, taskID, testSeller, "ipfs://artifact", [32]byte{}); err != nil {
		t.Fatalf("submit deliverable: %v", err)
	}

	return &fixture{market: marketSvc, dispute: disputeSvc, tok: mockTok, clock: clock, taskID: taskID}
}

func TestOpenDisputeMarksTaskDisputed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.market.DisputeSubmission(ctx, f.taskID, testBuyer, "ipfs://dispute"); err != nil {
		t.Fatalf("dispute submission: %v", err)
	}
	task, err := f.market.GetTask(ctx, f.taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != market.StatusDisputed {
		t.Fatalf("expected task disputed, got %s", task.Status)
	}
	record, err := f.dispute.GetRecord(ctx, f.taskID)
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if !record.Opened || record.Buyer != testBuyer {
		t.Fatalf("expected opened record for buyer, got %+v", record)
	}
}

func TestOpenDisputeRejectsAfterChallengeWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.clock.Advance(100)
	if err := f.market.DisputeSubmission(ctx, f.taskID, testBuyer, "ipfs://dispute"); err == nil {
		t.Fatalf("expected window violation after challenge window elapses")
	}
}

func TestResolveDisputeRequiresApprovedResolver(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.market.DisputeSubmission(ctx, f.taskID, testBuyer, "ipfs://dispute"); err != nil {
		t.Fatalf("dispute submission: %v", err)
	}
	if err := f.dispute.ResolveDispute(ctx, f.taskID, testResolver, market.OutcomeBuyerWins, "ipfs://resolution"); err == nil {
		t.Fatalf("expected not-authorized error for unapproved resolver")
	}
	if err := f.dispute.SetResolver(ctx, testOwner, testResolver, true); err != nil {
		t.Fatalf("set resolver: %v", err)
	}
	if err := f.dispute.ResolveDispute(ctx, f.taskID, testResolver, market.OutcomeBuyerWins, "ipfs://resolution"); err != nil {
		t.Fatalf("resolve dispute: %v", err)
	}
	task, err := f.market.GetTask(ctx, f.taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != market.StatusSettled || task.SettlementPath != market.PathDisputeBuyerWins {
		t.Fatalf("expected settled/buyer-wins, got %s/%s", task.Status, task.SettlementPath)
	}
}

func TestResolveDisputeRejectsDoubleResolution(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.market.DisputeSubmission(ctx, f.taskID, testBuyer, "ipfs://dispute"); err != nil {
		t.Fatalf("dispute submission: %v", err)
	}
	if err := f.dispute.ResolveDispute(ctx, f.taskID, testOwner, market.OutcomeSplit, "ipfs://resolution"); err != nil {
		t.Fatalf("resolve dispute: %v", err)
	}
	if err := f.dispute.ResolveDispute(ctx, f.taskID, testOwner, market.OutcomeSplit, "ipfs://again"); err == nil {
		t.Fatalf("expected already-resolved error")
	}
}

func TestOwnerTransferIsTwoStep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	newOwner := common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")

	if err := f.dispute.AcceptOwner(ctx, newOwner); err == nil {
		t.Fatalf("expected accept to fail before a transfer is proposed")
	}
	if err := f.dispute.TransferOwner(ctx, testOwner, newOwner); err != nil {
		t.Fatalf("transfer owner: %v", err)
	}
	if err := f.dispute.SetResolver(ctx, newOwner, testResolver, true); err == nil {
		t.Fatalf("expected pending owner to lack owner privileges before accepting")
	}
	if err := f.dispute.AcceptOwner(ctx, newOwner); err != nil {
		t.Fatalf("accept owner: %v", err)
	}
	if err := f.dispute.SetResolver(ctx, newOwner, testResolver, true); err != nil {
		t.Fatalf("expected new owner to hold owner privileges: %v", err)
	}
}
