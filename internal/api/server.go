package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"agentmarket/internal/auth"
	"agentmarket/internal/dispute"
	xerrors "agentmarket/internal/errors"
	"agentmarket/internal/identity"
	"agentmarket/internal/listing"
	"agentmarket/internal/market"
	"agentmarket/internal/observability/metrics"
)

// Server 暴露 Agent Identity / Listing Registry / Task Market / Dispute
// Module 的 REST 接口。
type Server struct {
	addr     string
	identity *identity.Service
	listings *listing.Service
	market   *market.Service
	dispute  *dispute.Service
	auth     *auth.Service
}

// NewServer 构造 API 服务实例。authSvc 可为 nil，此时不启用鉴权中间件（用于
// 本地开发或测试）。
func NewServer(addr string, identitySvc *identity.Service, listingSvc *listing.Service, marketSvc *market.Service, disputeSvc *dispute.Service, authSvc *auth.Service) *Server {
	return &Server{
		addr:     addr,
		identity: identitySvc,
		listings: listingSvc,
		market:   marketSvc,
		dispute:  disputeSvc,
		auth:     authSvc,
	}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	protected := http.NewServeMux()
	protected.HandleFunc("/api/v1/agents", s.handleAgents)
	protected.HandleFunc("/api/v1/agents/", s.handleAgentByID)
	protected.HandleFunc("/api/v1/listings", s.handleListings)
	protected.HandleFunc("/api/v1/listings/", s.handleListingByID)
	protected.HandleFunc("/api/v1/tasks", s.handleTasks)
	protected.HandleFunc("/api/v1/tasks/", s.handleTaskByID)
	protected.HandleFunc("/api/v1/admin/", s.handleAdmin)

	var protectedHandler http.Handler = protected
	if s.auth != nil {
		protectedHandler = s.auth.Middleware(auth.MiddlewareConfig{AuditEvent: "api_request"})(protected)
	}

	// /api/v1/auth/token issues the bearer token consumed by every other
	// endpoint, so it must sit outside the auth middleware it feeds.
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/auth/token", s.handleAuthToken)
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/", protectedHandler)

	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, instrumentRequests(mux)),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}

// instrumentRequests records request-level metrics for every request the
// mux dispatches, keyed by the first three path segments (e.g. "/api/v1/tasks")
// so per-task and per-listing IDs don't explode the metric cardinality.
func instrumentRequests(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		handler.ServeHTTP(rec, r)
		metrics.ObserveHTTPRequest(metricsHandlerLabel(r.URL.Path), r.Method, rec.status, time.Since(started))
	})
}

// metricsHandlerLabel collapses a request path down to its route, discarding
// any trailing resource ID segment.
func metricsHandlerLabel(path string) string {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) >= 3 && segments[0] == "api" {
		return "/" + strings.Join(segments[:3], "/")
	}
	return path
}

// statusRecorder captures the status code written by the wrapped handler so
// it can be reported to the metrics collector after the handler returns.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// writeJSON writes v as a JSON response body with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps a domain error onto an HTTP status code using the
// registered severity/code, following the teacher's convention of surfacing
// the error message directly rather than a generic message.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := xerrors.CodeOf(err)
	switch {
	case strings.HasSuffix(string(code), "_UNKNOWN") || strings.Contains(string(code), "_UNKNOWN_"):
		status = http.StatusNotFound
	case strings.Contains(string(code), "NOT_AUTHORIZED") || strings.Contains(string(code), "AUTHORIZATION"):
		status = http.StatusForbidden
	case strings.Contains(string(code), "STATE_VIOLATION") ||
		strings.Contains(string(code), "ALREADY_") ||
		strings.Contains(string(code), "WINDOW_VIOLATION") ||
		strings.Contains(string(code), "INACTIVE"):
		status = http.StatusConflict
	case strings.Contains(string(code), "INPUT_VIOLATION") ||
		strings.Contains(string(code), "INVALID_") ||
		strings.Contains(string(code), "URI_TOO_LONG") ||
		strings.Contains(string(code), "CONFIGURATION_VIOLATION"):
		status = http.StatusBadRequest
	case strings.Contains(string(code), "CUSTODY_VIOLATION"):
		status = http.StatusUnprocessableEntity
	case strings.Contains(string(code), "STORAGE_FAILURE"):
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, map[string]string{"error": err.Error(), "code": string(code)})
}

func parseID(raw string) (uint64, error) {
	return strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
}

func pathTail(prefix, path string) (string, bool) {
	rest := strings.TrimPrefix(path, prefix)
	rest = strings.Trim(rest, "/")
	if rest == "" {
		return "", false
	}
	return rest, true
}

func parseAddress(raw string) (common.Address, error) {
	if !common.IsHexAddress(raw) {
		return common.Address{}, errors.New("invalid address")
	}
	return common.HexToAddress(raw), nil
}
