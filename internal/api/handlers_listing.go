package api

import (
	"encoding/json"
	"net/http"

	"agentmarket/internal/listing"
)

type pricingRequest struct {
	PaymentToken  string `json:"payment_token"`
	BasePrice     uint64 `json:"base_price"`
	UnitType      string `json:"unit_type"`
	UnitPrice     uint64 `json:"unit_price"`
	MinUnits      uint64 `json:"min_units"`
	MaxUnits      uint64 `json:"max_units"`
	QuoteRequired bool   `json:"quote_required"`
}

type policyRequest struct {
	ChallengeWindowSec   uint64 `json:"challenge_window_sec"`
	PostDisputeWindowSec uint64 `json:"post_dispute_window_sec"`
	DeliveryWindowSec    uint64 `json:"delivery_window_sec"`
	SellerBondBps        uint64 `json:"seller_bond_bps"`
}

type createListingRequest struct {
	AgentID uint64         `json:"agent_id"`
	Caller  string         `json:"caller"`
	URI     string         `json:"uri"`
	Pricing pricingRequest `json:"pricing"`
	Policy  policyRequest  `json:"policy"`
}

type updateListingRequest struct {
	Caller string `json:"caller"`
	URI    string `json:"uri"`
	Active bool   `json:"active"`
}

func (s *Server) handleListings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	var req createListingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		http.Error(w, "caller 地址无效", http.StatusBadRequest)
		return
	}
	paymentToken, err := parseAddress(req.Pricing.PaymentToken)
	if err != nil {
		http.Error(w, "payment_token 地址无效", http.StatusBadRequest)
		return
	}
	var unitType [32]byte
	copy(unitType[:], req.Pricing.UnitType)

	pricing := listing.Pricing{
		PaymentToken:  paymentToken,
		BasePrice:     req.Pricing.BasePrice,
		UnitType:      unitType,
		UnitPrice:     req.Pricing.UnitPrice,
		MinUnits:      req.Pricing.MinUnits,
		MaxUnits:      req.Pricing.MaxUnits,
		QuoteRequired: req.Pricing.QuoteRequired,
	}
	policy := listing.Policy{
		ChallengeWindowSec:   req.Policy.ChallengeWindowSec,
		PostDisputeWindowSec: req.Policy.PostDisputeWindowSec,
		DeliveryWindowSec:    req.Policy.DeliveryWindowSec,
		SellerBondBps:        req.Policy.SellerBondBps,
	}

	id, err := s.listings.CreateListing(r.Context(), req.AgentID, caller, req.URI, pricing, policy)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]uint64{"listing_id": id})
}

func (s *Server) handleListingByID(w http.ResponseWriter, r *http.Request) {
	rest, ok := pathTail("/api/v1/listings/", r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}
	listingID, err := parseID(rest)
	if err != nil {
		http.Error(w, "listing id 无效", http.StatusBadRequest)
		return
	}
	switch r.Method {
	case http.MethodGet:
		l, err := s.listings.GetListing(r.Context(), listingID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, l)
	case http.MethodPatch:
		var req updateListingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "请求体解析失败", http.StatusBadRequest)
			return
		}
		caller, err := parseAddress(req.Caller)
		if err != nil {
			http.Error(w, "caller 地址无效", http.StatusBadRequest)
			return
		}
		if err := s.listings.UpdateListing(r.Context(), listingID, caller, req.URI, req.Active); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	default:
		http.Error(w, "仅支持 GET/PATCH", http.StatusMethodNotAllowed)
	}
}
