package identity

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestRegisterAndTransferAgent(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryStore())

	owner := common.HexToAddress("0x1")
	id, err := svc.RegisterAgent(ctx, owner, "ipfs://agent-1")
	if err != nil {
		t.Fatalf("register agent: %v", err)
	}
	if id == 0 {
		t.Fatal("expected non-zero agent id")
	}

	got, err := svc.OwnerOf(ctx, id)
	if err != nil {
		t.Fatalf("owner of: %v", err)
	}
	if got != owner {
		t.Fatalf("expected owner %s, got %s", owner.Hex(), got.Hex())
	}

	stranger := common.HexToAddress("0x2")
	if err := svc.TransferAgent(ctx, id, stranger, stranger); err == nil {
		t.Fatal("expected unauthorized transfer to fail")
	}

	newOwner := common.HexToAddress("0x3")
	if err := svc.TransferAgent(ctx, id, owner, newOwner); err != nil {
		t.Fatalf("transfer agent: %v", err)
	}
	got, err = svc.OwnerOf(ctx, id)
	if err != nil {
		t.Fatalf("owner of after transfer: %v", err)
	}
	if got != newOwner {
		t.Fatalf("expected new owner %s, got %s", newOwner.Hex(), got.Hex())
	}
}

func TestApprovalAuthorizesTransfer(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryStore())

	owner := common.HexToAddress("0x1")
	approved := common.HexToAddress("0x2")
	id, err := svc.RegisterAgent(ctx, owner, "ipfs://agent-1")
	if err != nil {
		t.Fatalf("register agent: %v", err)
	}
	if err := svc.Approve(ctx, id, owner, approved); err != nil {
		t.Fatalf("approve: %v", err)
	}

	dest := common.HexToAddress("0x4")
	if err := svc.TransferAgent(ctx, id, approved, dest); err != nil {
		t.Fatalf("transfer by approved address: %v", err)
	}

	// approval is cleared after transfer
	got, err := svc.GetApproved(ctx, id)
	if err != nil {
		t.Fatalf("get approved: %v", err)
	}
	if got != (common.Address{}) {
		t.Fatalf("expected approval cleared, got %s", got.Hex())
	}
}

func TestOperatorApprovalForAll(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryStore())

	owner := common.HexToAddress("0x1")
	operator := common.HexToAddress("0x5")
	id, err := svc.RegisterAgent(ctx, owner, "ipfs://agent-1")
	if err != nil {
		t.Fatalf("register agent: %v", err)
	}

	if err := svc.RequireAuthorized(ctx, id, operator); err == nil {
		t.Fatal("expected operator without approval to be unauthorized")
	}

	if err := svc.SetApprovalForAll(ctx, owner, operator, true); err != nil {
		t.Fatalf("set approval for all: %v", err)
	}
	if err := svc.RequireAuthorized(ctx, id, operator); err != nil {
		t.Fatalf("expected operator to be authorized: %v", err)
	}
}

func TestURITooLongRejected(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryStore())
	owner := common.HexToAddress("0x1")

	long := make([]byte, maxURILength+1)
	if _, err := svc.RegisterAgent(ctx, owner, string(long)); err == nil {
		t.Fatal("expected uri-too-long rejection")
	}
}
