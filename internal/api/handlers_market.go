package api

import (
	"encoding/hex"
	"encoding/json"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"agentmarket/internal/market"
)

type postTaskRequest struct {
	ListingID     uint64 `json:"listing_id"`
	Buyer         string `json:"buyer"`
	TaskURI       string `json:"task_uri"`
	ProposedUnits uint64 `json:"proposed_units"`
}

type proposeQuoteRequest struct {
	Caller       string `json:"caller"`
	QuotedUnits  uint64 `json:"quoted_units"`
	QuoteExpiry  int64  `json:"quote_expiry"`
}

type callerOnlyRequest struct {
	Caller string `json:"caller"`
}

type fundBondRequest struct {
	Caller string `json:"caller"`
	Amount uint64 `json:"amount"`
}

type fundTaskRequest struct {
	Buyer  string `json:"buyer"`
	Amount uint64 `json:"amount"`
}

type submitDeliverableRequest struct {
	Caller       string `json:"caller"`
	ArtifactURI  string `json:"artifact_uri"`
	ArtifactHash string `json:"artifact_hash"`
}

type buyerOnlyRequest struct {
	Buyer string `json:"buyer"`
}

type openDisputeRequest struct {
	Buyer string `json:"buyer"`
	URI   string `json:"uri"`
}

type resolveDisputeRequest struct {
	Resolver      string `json:"resolver"`
	Outcome       string `json:"outcome"`
	ResolutionURI string `json:"resolution_uri"`
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	var req postTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	buyer, err := parseAddress(req.Buyer)
	if err != nil {
		http.Error(w, "buyer 地址无效", http.StatusBadRequest)
		return
	}
	id, err := s.market.PostTask(r.Context(), req.ListingID, buyer, req.TaskURI, req.ProposedUnits)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]uint64{"task_id": id})
}

// handleTaskByID dispatches /api/v1/tasks/{id}[/action].
func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	rest, ok := pathTail("/api/v1/tasks/", r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}
	idPart, action, hasAction := splitFirstSegment(rest)
	taskID, err := parseID(idPart)
	if err != nil {
		http.Error(w, "task id 无效", http.StatusBadRequest)
		return
	}

	if !hasAction {
		if r.Method != http.MethodGet {
			http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
			return
		}
		task, err := s.market.GetTask(r.Context(), taskID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, task)
		return
	}

	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}

	switch action {
	case "quote":
		s.handleProposeQuote(w, r, taskID)
	case "accept":
		s.handleAcceptTask(w, r, taskID)
	case "bond":
		s.handleFundSellerBond(w, r, taskID)
	case "fund":
		s.handleFundTask(w, r, taskID)
	case "accept-quote":
		s.handleAcceptQuote(w, r, taskID)
	case "seller-cancel":
		s.handleSellerCancelQuote(w, r, taskID)
	case "cancel":
		s.handleCancelTask(w, r, taskID)
	case "submit":
		s.handleSubmitDeliverable(w, r, taskID)
	case "accept-submission":
		s.handleAcceptSubmission(w, r, taskID)
	case "settle-timeout":
		s.handleSettleAfterTimeout(w, r, taskID)
	case "dispute":
		s.handleOpenDispute(w, r, taskID)
	case "resolve":
		s.handleResolveDispute(w, r, taskID)
	case "settle-post-dispute-timeout":
		s.handleSettleAfterPostDisputeTimeout(w, r, taskID)
	case "cancel-non-delivery":
		s.handleCancelForNonDelivery(w, r, taskID)
	default:
		http.NotFound(w, r)
	}
}

func decodeAddress(w http.ResponseWriter, raw, field string) (common.Address, bool) {
	addr, err := parseAddress(raw)
	if err != nil {
		http.Error(w, field+" 地址无效", http.StatusBadRequest)
		return common.Address{}, false
	}
	return addr, true
}

func (s *Server) handleProposeQuote(w http.ResponseWriter, r *http.Request, taskID uint64) {
	var req proposeQuoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	caller, ok := decodeAddress(w, req.Caller, "caller")
	if !ok {
		return
	}
	if err := s.market.ProposeQuote(r.Context(), taskID, caller, req.QuotedUnits, req.QuoteExpiry); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAcceptTask(w http.ResponseWriter, r *http.Request, taskID uint64) {
	var req callerOnlyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	caller, ok := decodeAddress(w, req.Caller, "caller")
	if !ok {
		return
	}
	if err := s.market.AcceptTask(r.Context(), taskID, caller); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleFundSellerBond(w http.ResponseWriter, r *http.Request, taskID uint64) {
	var req fundBondRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	caller, ok := decodeAddress(w, req.Caller, "caller")
	if !ok {
		return
	}
	if err := s.market.FundSellerBond(r.Context(), taskID, caller, req.Amount); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleFundTask(w http.ResponseWriter, r *http.Request, taskID uint64) {
	var req fundTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	buyer, ok := decodeAddress(w, req.Buyer, "buyer")
	if !ok {
		return
	}
	if err := s.market.FundTask(r.Context(), taskID, buyer, req.Amount); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAcceptQuote(w http.ResponseWriter, r *http.Request, taskID uint64) {
	var req buyerOnlyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	buyer, ok := decodeAddress(w, req.Buyer, "buyer")
	if !ok {
		return
	}
	if err := s.market.AcceptQuote(r.Context(), taskID, buyer); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSellerCancelQuote(w http.ResponseWriter, r *http.Request, taskID uint64) {
	var req callerOnlyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	caller, ok := decodeAddress(w, req.Caller, "caller")
	if !ok {
		return
	}
	if err := s.market.SellerCancelQuote(r.Context(), taskID, caller); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request, taskID uint64) {
	var req buyerOnlyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	buyer, ok := decodeAddress(w, req.Buyer, "buyer")
	if !ok {
		return
	}
	if err := s.market.CancelTask(r.Context(), taskID, buyer); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSubmitDeliverable(w http.ResponseWriter, r *http.Request, taskID uint64) {
	var req submitDeliverableRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	caller, ok := decodeAddress(w, req.Caller, "caller")
	if !ok {
		return
	}
	raw, err := hex.DecodeString(trimHexPrefix(req.ArtifactHash))
	if err != nil || len(raw) != 32 {
		http.Error(w, "artifact_hash 必须是 32 字节十六进制", http.StatusBadRequest)
		return
	}
	var hash [32]byte
	copy(hash[:], raw)
	if err := s.market.SubmitDeliverable(r.Context(), taskID, caller, req.ArtifactURI, hash); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAcceptSubmission(w http.ResponseWriter, r *http.Request, taskID uint64) {
	var req buyerOnlyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	buyer, ok := decodeAddress(w, req.Buyer, "buyer")
	if !ok {
		return
	}
	if err := s.market.AcceptSubmission(r.Context(), taskID, buyer); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSettleAfterTimeout(w http.ResponseWriter, r *http.Request, taskID uint64) {
	if err := s.market.SettleAfterTimeout(r.Context(), taskID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSettleAfterPostDisputeTimeout(w http.ResponseWriter, r *http.Request, taskID uint64) {
	if err := s.market.SettleAfterPostDisputeTimeout(r.Context(), taskID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCancelForNonDelivery(w http.ResponseWriter, r *http.Request, taskID uint64) {
	var req buyerOnlyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	buyer, ok := decodeAddress(w, req.Buyer, "buyer")
	if !ok {
		return
	}
	if err := s.market.CancelForNonDelivery(r.Context(), taskID, buyer); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleOpenDispute(w http.ResponseWriter, r *http.Request, taskID uint64) {
	if s.dispute == nil {
		http.Error(w, "Dispute Module 未启用", http.StatusServiceUnavailable)
		return
	}
	var req openDisputeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	buyer, ok := decodeAddress(w, req.Buyer, "buyer")
	if !ok {
		return
	}
	if err := s.dispute.OpenDispute(r.Context(), taskID, buyer, req.URI); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleResolveDispute(w http.ResponseWriter, r *http.Request, taskID uint64) {
	if s.dispute == nil {
		http.Error(w, "Dispute Module 未启用", http.StatusServiceUnavailable)
		return
	}
	var req resolveDisputeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	resolver, ok := decodeAddress(w, req.Resolver, "resolver")
	if !ok {
		return
	}
	outcome := market.DisputeOutcome(req.Outcome)
	if err := s.dispute.ResolveDispute(r.Context(), taskID, resolver, outcome, req.ResolutionURI); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
