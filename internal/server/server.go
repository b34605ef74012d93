// Package server exposes the HTTP surface: the evaluation and verification
// endpoints, the admin API for policies, wallets, escalations, channels and
// the kill switch, span ingestion, and the real-time SSE and WebSocket
// streams.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/opencontrolgate/opencontrolgate/internal/bus"
	"github.com/opencontrolgate/opencontrolgate/internal/config"
	"github.com/opencontrolgate/opencontrolgate/internal/escalation"
	"github.com/opencontrolgate/opencontrolgate/internal/governor"
	"github.com/opencontrolgate/opencontrolgate/internal/killswitch"
	"github.com/opencontrolgate/opencontrolgate/internal/ledger"
	"github.com/opencontrolgate/opencontrolgate/internal/policy"
	"github.com/opencontrolgate/opencontrolgate/internal/store"
	"github.com/opencontrolgate/opencontrolgate/internal/trace"
)

// Server is the governance gateway HTTP server.
type Server struct {
	config     config.ServerConfig
	store      store.Store
	governor   *governor.Governor
	policies   *policy.Admin
	ledger     *ledger.Ledger
	killSwitch *killswitch.Switch
	escalation *escalation.Engine
	ingestor   *trace.Ingestor
	bus        *bus.Bus
	wsHub      *WebSocketHub

	mux        *http.ServeMux
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates the HTTP server and registers all routes.
func New(
	cfg config.ServerConfig,
	st store.Store,
	gov *governor.Governor,
	policies *policy.Admin,
	lg *ledger.Ledger,
	ks *killswitch.Switch,
	esc *escalation.Engine,
	ingestor *trace.Ingestor,
	b *bus.Bus,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		config:     cfg,
		store:      st,
		governor:   gov,
		policies:   policies,
		ledger:     lg,
		killSwitch: ks,
		escalation: esc,
		ingestor:   ingestor,
		bus:        b,
		wsHub:      NewWebSocketHub(b, logger, cfg.CORS),
		mux:        http.NewServeMux(),
		logger:     logger.With("component", "server"),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	// Core evaluation surface
	s.mux.HandleFunc("POST /v1/evaluate", s.handleEvaluate)
	s.mux.HandleFunc("POST /v1/verify", s.handleVerify)

	// Streams
	s.mux.HandleFunc("GET /v1/stream", s.handleStream)
	s.mux.HandleFunc("GET /v1/ws", s.wsHub.HandleWebSocket)

	// Audit log
	s.mux.HandleFunc("GET /v1/actions", s.handleListActions)
	s.mux.HandleFunc("GET /v1/actions/{id}", s.handleGetAction)
	s.mux.HandleFunc("GET /v1/actions/{id}/verifications", s.handleListVerifications)

	// Policy admin
	s.mux.HandleFunc("GET /v1/policies", s.handleListPolicies)
	s.mux.HandleFunc("POST /v1/policies", s.handleCreatePolicy)
	s.mux.HandleFunc("GET /v1/policies/{id}", s.handleGetPolicy)
	s.mux.HandleFunc("PUT /v1/policies/{id}", s.handleUpdatePolicy)
	s.mux.HandleFunc("DELETE /v1/policies/{id}", s.handleArchivePolicy)
	s.mux.HandleFunc("GET /v1/policies/{id}/versions", s.handleListPolicyVersions)
	s.mux.HandleFunc("POST /v1/policies/{id}/restore", s.handleRestorePolicy)
	s.mux.HandleFunc("GET /v1/policies/{id}/audit", s.handlePolicyAudit)

	// Wallets and receipts
	s.mux.HandleFunc("GET /v1/wallets", s.handleListWallets)
	s.mux.HandleFunc("POST /v1/wallets", s.handleCreateWallet)
	s.mux.HandleFunc("GET /v1/wallets/{id}", s.handleGetWallet)
	s.mux.HandleFunc("POST /v1/wallets/{id}/topup", s.handleTopUpWallet)
	s.mux.HandleFunc("GET /v1/receipts", s.handleListReceipts)
	s.mux.HandleFunc("GET /v1/receipts/{id}", s.handleGetReceipt)

	// Escalations
	s.mux.HandleFunc("GET /v1/escalations", s.handleListEscalations)
	s.mux.HandleFunc("POST /v1/escalations/{id}/resolve", s.handleResolveEscalation)
	s.mux.HandleFunc("GET /v1/escalation-config/{scope}", s.handleGetEscalationConfig)
	s.mux.HandleFunc("PUT /v1/escalation-config/{scope}", s.handleSetEscalationConfig)

	// Notification channels
	s.mux.HandleFunc("POST /v1/channels", s.handleUpsertChannel)
	s.mux.HandleFunc("GET /v1/channels", s.handleListChannels)

	// Kill switch
	s.mux.HandleFunc("GET /v1/killswitch", s.handleKillSwitchStatus)
	s.mux.HandleFunc("POST /v1/killswitch", s.handleKillSwitchSet)

	// Traces
	s.mux.HandleFunc("POST /v1/traces/spans", s.handleIngestSpans)
	s.mux.HandleFunc("GET /v1/traces/{id}", s.handleGetTrace)
	s.mux.HandleFunc("DELETE /v1/traces/{id}", s.handleDeleteTrace)

	// Health is always public.
	s.mux.HandleFunc("GET /v1/health", s.handleHealth)
}

// Handler returns the HTTP handler, wrapped with CORS when enabled.
func (s *Server) Handler() http.Handler {
	if s.config.CORS {
		return corsMiddleware(s.mux)
	}
	return s.mux
}

// Start runs the server until it fails or is shut down.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.Port)
	s.httpServer = &http.Server{
		Addr:        addr,
		Handler:     s.Handler(),
		ReadTimeout: 15 * time.Second,
		// Write timeout would sever long-lived SSE streams; per-handler
		// deadlines cover the JSON endpoints instead.
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("gateway listening", "addr", addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server and closes the stream hubs.
func (s *Server) Shutdown(ctx context.Context) error {
	s.wsHub.Close()
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ---------------------------------------------------------------------------
// JSON helpers and error mapping
// ---------------------------------------------------------------------------

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{
		"ok":      false,
		"message": message,
	})
}

// writeMappedError translates domain errors onto HTTP statuses: validation
// 400, payment required 402, not found 404, conflict 409, everything else
// 500.
func (s *Server) writeMappedError(w http.ResponseWriter, err error) {
	var verr *policy.ValidationError
	var perr *ledger.PaymentRequiredError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Error())
	case errors.As(err, &perr):
		writeJSON(w, http.StatusPaymentRequired, map[string]interface{}{
			"ok":      false,
			"message": perr.Error(),
			"wallet":  perr.WalletID,
			"balance": perr.Balance,
		})
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("internal error", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
