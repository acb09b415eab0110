// Package api is the HTTP surface of the governance core: execute,
// approvals, actions, audit, health. Handlers translate between JSON
// and the orchestrator; every error kind maps onto one status code.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/switchboard/backend/internal/audit"
	"github.com/switchboard/backend/internal/guard"
	"github.com/switchboard/backend/internal/lifecycle"
	"github.com/switchboard/backend/internal/secrets"
	"github.com/switchboard/backend/internal/store"
	"github.com/switchboard/backend/pkg/cartridge"
)

// Config tunes the HTTP layer.
type Config struct {
	// CORSOrigins is the allowlist; empty reflects the request origin.
	CORSOrigins []string
	// InternalAPISecret signs inbound adapter webhooks. Empty disables
	// the /api/hooks surface.
	InternalAPISecret string
	RateLimitMax      int
	RateLimitWindow   time.Duration
}

// Server wires the handlers to their collaborators.
type Server struct {
	orch     *lifecycle.Orchestrator
	ledger   *audit.Ledger
	stores   *store.Stores
	registry *cartridge.Registry
	executor *guard.Executor
	keeper   *secrets.Keeper
	limiter  *rateLimiter
	cfg      Config
}

func NewServer(orch *lifecycle.Orchestrator, ledger *audit.Ledger, stores *store.Stores, registry *cartridge.Registry, executor *guard.Executor, keeper *secrets.Keeper, cfg Config) *Server {
	return &Server{
		orch:     orch,
		ledger:   ledger,
		stores:   stores,
		registry: registry,
		executor: executor,
		keeper:   keeper,
		limiter:  newRateLimiter(cfg.RateLimitMax, cfg.RateLimitWindow),
		cfg:      cfg,
	}
}

// Router builds the full route table with middleware applied.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.corsMiddleware)
	r.Use(s.limiter.middleware)

	r.HandleFunc("/api/execute", s.handleExecute).Methods(http.MethodPost)
	r.HandleFunc("/api/simulate", s.handleSimulate).Methods(http.MethodPost)

	r.HandleFunc("/api/approvals/pending", s.handlePendingApprovals).Methods(http.MethodGet)
	r.HandleFunc("/api/approvals/{id}", s.handleGetApproval).Methods(http.MethodGet)
	r.HandleFunc("/api/approvals/{id}/respond", s.handleRespond).Methods(http.MethodPost)
	r.HandleFunc("/api/approvals/{id}/remind", s.handleRemind).Methods(http.MethodPost)

	r.HandleFunc("/api/actions/{id}", s.handleGetAction).Methods(http.MethodGet)
	r.HandleFunc("/api/actions/{id}/execute", s.handleExecuteApproved).Methods(http.MethodPost)
	r.HandleFunc("/api/actions/{id}/undo", s.handleUndo).Methods(http.MethodPost)

	r.HandleFunc("/api/audit", s.handleAuditQuery).Methods(http.MethodGet)
	r.HandleFunc("/api/audit/verify", s.handleAuditVerify).Methods(http.MethodGet)

	r.HandleFunc("/api/connections", s.handleCreateConnection).Methods(http.MethodPost)

	if s.cfg.InternalAPISecret != "" {
		hooks := r.PathPrefix("/api/hooks").Subrouter()
		hooks.Use(s.signatureMiddleware)
		hooks.HandleFunc("/approvals", s.handleInboundApproval).Methods(http.MethodPost)
	}

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}

// healthCheckTimeout bounds each cartridge probe during /healthz.
const healthCheckTimeout = 2 * time.Second

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	type cartridgeHealth struct {
		ID           string `json:"id"`
		Version      string `json:"version"`
		Status       string `json:"status"`
		LatencyMs    int64  `json:"latencyMs"`
		BreakerState string `json:"breakerState"`
	}
	report := struct {
		Status     string            `json:"status"`
		Cartridges []cartridgeHealth `json:"cartridges"`
	}{Status: "ok"}

	for _, info := range s.registry.List() {
		reg, ok := s.registry.Get(info.ID)
		if !ok {
			continue
		}
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		health := reg.Cartridge.HealthCheck(ctx)
		cancel()
		ch := cartridgeHealth{
			ID:           info.ID,
			Version:      info.Version,
			Status:       health.Status,
			LatencyMs:    health.LatencyMs,
			BreakerState: s.executor.BreakerState(info.ID),
		}
		if ch.Status != "ok" || ch.BreakerState == "open" {
			report.Status = "degraded"
		}
		report.Cartridges = append(report.Cartridges, ch)
	}
	writeJSON(w, http.StatusOK, report)
}
