package listing

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	xerrors "agentmarket/internal/errors"
)

type fakeIdentity struct {
	authorized map[uint64]common.Address
}

func (f *fakeIdentity) RequireAuthorized(_ context.Context, agentID uint64, caller common.Address) error {
	if f.authorized[agentID] == caller {
		return nil
	}
	return xerrors.New("NOT_AUTHORIZED", "not authorized")
}

func basicPricing() Pricing {
	return Pricing{
		PaymentToken: common.HexToAddress("0x10"),
		BasePrice:    100,
		UnitPrice:    10,
		MinUnits:     1,
		MaxUnits:     10,
	}
}

func basicPolicy() Policy {
	return Policy{ChallengeWindowSec: 3600, DeliveryWindowSec: 7200}
}

func TestCreateListingRequiresAuthorization(t *testing.T) {
	ctx := context.Background()
	owner := common.HexToAddress("0x1")
	identity := &fakeIdentity{authorized: map[uint64]common.Address{1: owner}}
	svc := NewService(NewMemoryStore(), identity)

	if _, err := svc.CreateListing(ctx, 1, common.HexToAddress("0x2"), "ipfs://listing", basicPricing(), basicPolicy()); err == nil {
		t.Fatal("expected unauthorized caller to be rejected")
	}

	id, err := svc.CreateListing(ctx, 1, owner, "ipfs://listing", basicPricing(), basicPolicy())
	if err != nil {
		t.Fatalf("create listing: %v", err)
	}
	got, err := svc.GetListing(ctx, id)
	if err != nil {
		t.Fatalf("get listing: %v", err)
	}
	if got.AgentID != 1 || !got.Active {
		t.Fatalf("unexpected listing state: %+v", got)
	}
}

func TestUpdateListingKeepsPricingImmutable(t *testing.T) {
	ctx := context.Background()
	owner := common.HexToAddress("0x1")
	identity := &fakeIdentity{authorized: map[uint64]common.Address{1: owner}}
	svc := NewService(NewMemoryStore(), identity)

	id, err := svc.CreateListing(ctx, 1, owner, "ipfs://listing", basicPricing(), basicPolicy())
	if err != nil {
		t.Fatalf("create listing: %v", err)
	}

	if err := svc.UpdateListing(ctx, id, owner, "ipfs://listing-v2", false); err != nil {
		t.Fatalf("update listing: %v", err)
	}
	got, err := svc.GetListing(ctx, id)
	if err != nil {
		t.Fatalf("get listing: %v", err)
	}
	if got.Active {
		t.Fatal("expected listing to be inactive after update")
	}
	if got.Pricing.BasePrice != basicPricing().BasePrice {
		t.Fatal("expected pricing to remain unchanged")
	}
}

func TestInvalidPolicyRejected(t *testing.T) {
	ctx := context.Background()
	owner := common.HexToAddress("0x1")
	identity := &fakeIdentity{authorized: map[uint64]common.Address{1: owner}}
	svc := NewService(NewMemoryStore(), identity)

	badPolicy := Policy{ChallengeWindowSec: 0, DeliveryWindowSec: 100}
	if _, err := svc.CreateListing(ctx, 1, owner, "ipfs://listing", basicPricing(), badPolicy); err == nil {
		t.Fatal("expected zero challenge window to be rejected")
	}
}
