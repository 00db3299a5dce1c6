package api

import (
	"encoding/json"
	"net/http"
)

type setDisputeModuleRequest struct {
	Caller string `json:"caller"`
	Module string `json:"module"`
}

type adminCallerRequest struct {
	Caller string `json:"caller"`
}

type transferAdminRequest struct {
	Caller   string `json:"caller"`
	Proposed string `json:"proposed"`
}

// handleAdmin dispatches the Task Market privileged/timelocked upgrade
// surface (§4.3.4): dispute-module rotation and the two-step admin
// transfer. Every route requires a valid operator bearer token via the
// server's auth middleware; the domain-level admin check happens inside
// market.Service itself (requireAdmin/requireDisputeModule).
func (s *Server) handleAdmin(w http.ResponseWriter, r *http.Request) {
	rest, ok := pathTail("/api/v1/admin/", r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	switch rest {
	case "dispute-module":
		s.handleSetDisputeModule(w, r)
	case "dispute-module/cancel":
		s.handleCancelDisputeModuleUpdate(w, r)
	case "dispute-module/execute":
		s.handleExecuteDisputeModuleUpdate(w, r)
	case "transfer-admin":
		s.handleTransferAdmin(w, r)
	case "accept-admin":
		s.handleAcceptAdmin(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleSetDisputeModule(w http.ResponseWriter, r *http.Request) {
	var req setDisputeModuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	caller, ok := decodeAddress(w, req.Caller, "caller")
	if !ok {
		return
	}
	module, ok := decodeAddress(w, req.Module, "module")
	if !ok {
		return
	}
	if err := s.market.SetDisputeModule(r.Context(), caller, module); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCancelDisputeModuleUpdate(w http.ResponseWriter, r *http.Request) {
	var req adminCallerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	caller, ok := decodeAddress(w, req.Caller, "caller")
	if !ok {
		return
	}
	if err := s.market.CancelDisputeModuleUpdate(r.Context(), caller); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleExecuteDisputeModuleUpdate is permissionless: ExecuteDisputeModuleUpdate
// itself enforces the timelock, not caller identity.
func (s *Server) handleExecuteDisputeModuleUpdate(w http.ResponseWriter, r *http.Request) {
	if err := s.market.ExecuteDisputeModuleUpdate(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleTransferAdmin(w http.ResponseWriter, r *http.Request) {
	var req transferAdminRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	caller, ok := decodeAddress(w, req.Caller, "caller")
	if !ok {
		return
	}
	proposed, ok := decodeAddress(w, req.Proposed, "proposed")
	if !ok {
		return
	}
	if err := s.market.TransferAdmin(r.Context(), caller, proposed); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAcceptAdmin(w http.ResponseWriter, r *http.Request) {
	var req adminCallerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	caller, ok := decodeAddress(w, req.Caller, "caller")
	if !ok {
		return
	}
	if err := s.market.AcceptAdmin(r.Context(), caller); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
