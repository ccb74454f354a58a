// Package api is the REST and websocket boundary of the broker. Handlers
// parse payloads into engine operations; money crosses this boundary as
// decimal strings only.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kaustubh76/synapse/internal/core"
	"github.com/kaustubh76/synapse/internal/engine"
	"github.com/kaustubh76/synapse/internal/money"
	"github.com/kaustubh76/synapse/internal/payment"
	"github.com/kaustubh76/synapse/internal/push"
	"github.com/kaustubh76/synapse/internal/registry"
)

// Server exposes the broker over REST/JSON plus the /ws push ingress.
type Server struct {
	engine   *engine.Engine
	registry *registry.Registry
	payments *payment.Orchestrator
	hub      *push.Hub

	httpSrv *http.Server
	logger  *log.Logger
}

// NewServer wires the boundary to the core services.
func NewServer(eng *engine.Engine, reg *registry.Registry, pay *payment.Orchestrator, hub *push.Hub) *Server {
	return &Server{
		engine:   eng,
		registry: reg,
		payments: pay,
		hub:      hub,
		logger:   log.New(log.Writer(), "[API] ", log.LstdFlags),
	}
}

// Router builds the route table. Exposed so tests can drive handlers with
// httptest without binding a port.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	// CORS middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Provider-ID")
			if req.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, req)
		})
	})

	// Intent API
	r.HandleFunc("/api/intents", s.handleCreateIntent).Methods("POST")
	r.HandleFunc("/api/intents", s.handleListIntents).Methods("GET")
	r.HandleFunc("/api/intents/{id}", s.handleGetIntent).Methods("GET")
	r.HandleFunc("/api/intents/{id}/bids", s.handleSubmitBid).Methods("POST")
	r.HandleFunc("/api/intents/{id}/bids", s.handleGetBids).Methods("GET")
	r.HandleFunc("/api/intents/{id}/close", s.handleCloseBidding).Methods("POST")
	r.HandleFunc("/api/intents/{id}/ack", s.handleAcknowledge).Methods("POST")
	r.HandleFunc("/api/intents/{id}/result", s.handleReportResult).Methods("POST")
	r.HandleFunc("/api/intents/{id}/failure", s.handleReportFailure).Methods("POST")

	// Provider API
	r.HandleFunc("/api/providers", s.handleRegisterProvider).Methods("POST")
	r.HandleFunc("/api/providers", s.handleListProviders).Methods("GET")
	r.HandleFunc("/api/providers/stats", s.handleProviderStats).Methods("GET")
	r.HandleFunc("/api/providers/{id}", s.handleGetProvider).Methods("GET")
	r.HandleFunc("/api/providers/{id}/heartbeat", s.handleHeartbeat).Methods("POST")

	// Payment API
	r.HandleFunc("/api/payments/stats", s.handlePaymentStats).Methods("GET")
	r.HandleFunc("/api/payments/{intentId}", s.handleGetSettlement).Methods("GET")

	// Push + operational surface
	r.HandleFunc("/api/push/stats", s.handlePushStats).Methods("GET")
	r.HandleFunc("/ws", s.hub.HandleWebSocket)
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")

	return r
}

// Start serves until Shutdown.
func (s *Server) Start(port int) error {
	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	s.logger.Printf("Listening on %s", s.httpSrv.Addr)
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// --- Intent handlers ---

func (s *Server) handleCreateIntent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type              string                 `json:"type"`
		Category          string                 `json:"category"`
		ClientAddress     string                 `json:"client_address"`
		Params            map[string]interface{} `json:"params"`
		MaxBudget         string                 `json:"max_budget"`
		MinReputation     float64                `json:"min_reputation"`
		BiddingDurationMs int64                  `json:"bidding_duration_ms"`
		PaymentPayload    string                 `json:"payment_payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, core.WrapError(core.KindValidation, err, "malformed request body"))
		return
	}
	budget, err := money.Parse(req.MaxBudget)
	if err != nil {
		s.writeError(w, core.WrapError(core.KindValidation, err, "max_budget"))
		return
	}

	intent, err := s.engine.CreateIntent(engine.CreateIntentRequest{
		Type:            req.Type,
		Category:        core.Category(req.Category),
		ClientAddress:   req.ClientAddress,
		Params:          req.Params,
		MaxBudget:       budget,
		MinReputation:   req.MinReputation,
		BiddingDuration: time.Duration(req.BiddingDurationMs) * time.Millisecond,
		PaymentPayload:  req.PaymentPayload,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, intent)
}

func (s *Server) handleListIntents(w http.ResponseWriter, r *http.Request) {
	// Only the open set is listable; terminal intents are fetched by id
	// until the retention sweep drops them.
	if status := r.URL.Query().Get("status"); status != "" && status != "open" {
		s.writeError(w, core.Errorf(core.KindValidation, "unsupported status filter %q", status))
		return
	}
	s.writeJSON(w, http.StatusOK, s.engine.OpenIntents())
}

func (s *Server) handleGetIntent(w http.ResponseWriter, r *http.Request) {
	intent, ok := s.engine.GetIntent(mux.Vars(r)["id"])
	if !ok {
		s.writeError(w, core.Errorf(core.KindValidation, "intent not found"))
		return
	}
	s.writeJSON(w, http.StatusOK, intent)
}

func (s *Server) handleSubmitBid(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Provider        string  `json:"provider"`
		BidAmount       string  `json:"bid_amount"`
		EstimatedTimeMs int64   `json:"estimated_time_ms"`
		Confidence      float64 `json:"confidence"`
		Quality         float64 `json:"quality"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, core.WrapError(core.KindValidation, err, "malformed request body"))
		return
	}
	amount, err := money.Parse(req.BidAmount)
	if err != nil {
		s.writeError(w, core.WrapError(core.KindValidation, err, "bid_amount"))
		return
	}

	bid, err := s.engine.SubmitBid(engine.SubmitBidRequest{
		IntentID:        mux.Vars(r)["id"],
		Provider:        req.Provider,
		BidAmount:       amount,
		EstimatedTimeMs: req.EstimatedTimeMs,
		Confidence:      req.Confidence,
		Quality:         req.Quality,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, bid)
}

func (s *Server) handleGetBids(w http.ResponseWriter, r *http.Request) {
	bids, ok := s.engine.BidsForIntent(mux.Vars(r)["id"])
	if !ok {
		s.writeError(w, core.Errorf(core.KindValidation, "intent not found"))
		return
	}
	s.writeJSON(w, http.StatusOK, bids)
}

func (s *Server) handleCloseBidding(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.engine.ForceCloseBidding(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	intent, _ := s.engine.GetIntent(id)
	s.writeJSON(w, http.StatusOK, intent)
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Provider string `json:"provider"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, core.WrapError(core.KindValidation, err, "malformed request body"))
		return
	}
	if err := s.engine.AcknowledgeAssignment(mux.Vars(r)["id"], req.Provider); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
}

func (s *Server) handleReportResult(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Provider        string                 `json:"provider"`
		Data            map[string]interface{} `json:"data"`
		ExecutionTimeMs int64                  `json:"execution_time_ms"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, core.WrapError(core.KindValidation, err, "malformed request body"))
		return
	}
	intent, err := s.engine.ReportResult(r.Context(), mux.Vars(r)["id"], req.Provider, req.Data, req.ExecutionTimeMs)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, intent)
}

func (s *Server) handleReportFailure(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Provider string `json:"provider"`
		Reason   string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, core.WrapError(core.KindValidation, err, "malformed request body"))
		return
	}
	if err := s.engine.ReportFailure(mux.Vars(r)["id"], req.Provider, req.Reason); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "failover"})
}

// --- Provider handlers ---

func (s *Server) handleRegisterProvider(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Address      string   `json:"address"`
		Name         string   `json:"name"`
		Capabilities []string `json:"capabilities"`
		TEEAttested  bool     `json:"tee_attested"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, core.WrapError(core.KindValidation, err, "malformed request body"))
		return
	}
	p, err := s.registry.Register(registry.Spec{
		Address:      req.Address,
		Name:         req.Name,
		Capabilities: req.Capabilities,
		TEEAttested:  req.TEEAttested,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	if cap := r.URL.Query().Get("capability"); cap != "" {
		s.writeJSON(w, http.StatusOK, s.registry.FindByCapability(cap))
		return
	}
	s.writeJSON(w, http.StatusOK, s.registry.All())
}

func (s *Server) handleGetProvider(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	p, ok := s.registry.Get(id)
	if !ok {
		p, ok = s.registry.GetByAddress(id)
	}
	if !ok {
		s.writeError(w, core.Errorf(core.KindValidation, "provider not found"))
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Heartbeat(mux.Vars(r)["id"]); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (s *Server) handleProviderStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.registry.GetStats())
}

// --- Payment handlers ---

func (s *Server) handleGetSettlement(w http.ResponseWriter, r *http.Request) {
	settlement, ok := s.payments.GetSettlement(mux.Vars(r)["intentId"])
	if !ok {
		s.writeError(w, core.Errorf(core.KindValidation, "no settlement for intent"))
		return
	}
	s.writeJSON(w, http.StatusOK, settlement)
}

func (s *Server) handlePaymentStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.payments.GetStats())
}

// --- Operational handlers ---

func (s *Server) handlePushStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.hub.GetStats())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"providers": s.registry.GetStats().Online,
		"intents":   len(s.engine.OpenIntents()),
	})
}

// --- Helpers ---

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps error kinds to HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch core.KindOf(err) {
	case core.KindValidation:
		status = http.StatusBadRequest
	case core.KindBudget:
		status = http.StatusUnprocessableEntity
	case core.KindState:
		status = http.StatusConflict
	case core.KindVerification:
		status = http.StatusPaymentRequired
	case core.KindSettlement, core.KindTransport:
		status = http.StatusBadGateway
	case core.KindTimeout:
		status = http.StatusGatewayTimeout
	}
	s.writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"kind":  string(core.KindOf(err)),
	})
}
