package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"agentmarket/internal/dispute"
	"agentmarket/internal/identity"
	"agentmarket/internal/listing"
	"agentmarket/internal/market"
	"agentmarket/internal/token"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	identitySvc := identity.NewService(identity.NewMemoryStore())
	listingSvc := listing.NewService(listing.NewMemoryStore(), identitySvc)
	paymentToken := token.NewMockToken(common.HexToAddress("0xTOKEN"), common.HexToAddress("0xCUSTODY"), nil)
	registry := token.NewStaticRegistry(paymentToken)
	admin := common.HexToAddress("0xADMIN")
	marketSvc := market.NewService(market.NewMemoryStore(), identitySvc, listingSvc, registry, admin)
	disputeSvc := dispute.NewService(dispute.NewMemoryStore(), marketSvc, admin, common.HexToAddress("0xMODULE"))
	marketSvc.SetDisputeOpener(disputeSvc)
	return NewServer(":0", identitySvc, listingSvc, marketSvc, disputeSvc, nil)
}

func TestHandleRegisterAgent(t *testing.T) {
	server := newTestServer(t)

	body, _ := json.Marshal(registerAgentRequest{
		Owner: "0x00000000000000000000000000000000000000aa",
		URI:   "ipfs://agent-card",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/agents", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	server.handleAgents(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("unexpected status: got %d want %d, body=%s", rec.Code, http.StatusCreated, rec.Body.String())
	}
	var resp map[string]uint64
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["agent_id"] != 1 {
		t.Fatalf("unexpected agent id: %+v", resp)
	}
}

func TestHandleRegisterAgentRejectsBadMethod(t *testing.T) {
	server := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/agents", nil)
	rec := httptest.NewRecorder()

	server.handleAgents(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected status %d, got %d", http.StatusMethodNotAllowed, rec.Code)
	}
}

func TestHandleGetAgentNotFound(t *testing.T) {
	server := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/agents/999", nil)
	rec := httptest.NewRecorder()

	server.handleAgentByID(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected status %d, got %d, body=%s", http.StatusNotFound, rec.Code, rec.Body.String())
	}
}

func TestHandleCreateListing(t *testing.T) {
	server := newTestServer(t)

	owner := common.HexToAddress("0x000000000000000000000000000000000000bb")
	agentID, err := server.identity.RegisterAgent(context.Background(), owner, "ipfs://agent")
	if err != nil {
		t.Fatalf("register agent: %v", err)
	}

	body, _ := json.Marshal(createListingRequest{
		AgentID: agentID,
		Caller:  owner.Hex(),
		URI:     "ipfs://listing",
		Pricing: pricingRequest{
			PaymentToken: "0x00000000000000000000000000000000000000cc",
			BasePrice:    100,
			UnitPrice:    10,
			MinUnits:     1,
			MaxUnits:     5,
		},
		Policy: policyRequest{
			ChallengeWindowSec:   3600,
			PostDisputeWindowSec: 3600,
			DeliveryWindowSec:    3600,
			SellerBondBps:        500,
		},
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/listings", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	server.handleListings(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("unexpected status: got %d want %d, body=%s", rec.Code, http.StatusCreated, rec.Body.String())
	}
}

func TestHandleTaskByIDMissingID(t *testing.T) {
	server := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks/", nil)
	rec := httptest.NewRecorder()

	server.handleTaskByID(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected status %d, got %d", http.StatusNotFound, rec.Code)
	}
}

func TestHandleAuthTokenDisabled(t *testing.T) {
	server := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/token", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()

	server.handleAuthToken(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status %d, got %d", http.StatusServiceUnavailable, rec.Code)
	}
}
