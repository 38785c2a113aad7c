// Package api exposes the check-quota controller over HTTP/JSON.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/codelaboratoryltd/checkquota/pkg/checkquota"
	"github.com/codelaboratoryltd/checkquota/pkg/flows"
)

// Controller is the part of checkquota.Controller the API drives.
type Controller interface {
	ApplyQuotaUpdates(updates []checkquota.QuotaUpdate)
	Setup(ctx context.Context, req checkquota.SetupRequest) checkquota.SetupResult
	Subscribers() []checkquota.Subscriber
	Connected() bool
}

// FlowDumper lists installed rules.
type FlowDumper interface {
	Dump() []flows.Rule
}

// QuotaUpdatesRequest is the body of POST /v1/quota-updates.
type QuotaUpdatesRequest struct {
	Updates []checkquota.QuotaUpdate `json:"updates"`
}

// QuotaUpdatesResponse reports how many updates were received.
type QuotaUpdatesResponse struct {
	Received int `json:"received"`
}

// SetupResponse is the body returned by POST /v1/setup.
type SetupResponse struct {
	Result checkquota.SetupResult `json:"result"`
}

// SubscribersResponse lists redirected subscribers.
type SubscribersResponse struct {
	Subscribers []checkquota.Subscriber `json:"subscribers"`
	Count       int                     `json:"count"`
}

// FlowsResponse lists installed rules in ovs-ofctl syntax.
type FlowsResponse struct {
	Flows []string `json:"flows"`
	Count int      `json:"count"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status          string `json:"status"`
	SwitchConnected bool   `json:"switch_connected"`
}

// Server serves the control API.
type Server struct {
	ctrl   Controller
	dumper FlowDumper
	logger *zap.Logger
}

// NewServer creates an API server for ctrl.
func NewServer(ctrl Controller, logger *zap.Logger) *Server {
	return &Server{
		ctrl:   ctrl,
		logger: logger,
	}
}

// SetFlowDumper enables GET /v1/flows.
func (s *Server) SetFlowDumper(d FlowDumper) {
	s.dumper = d
}

// RegisterHandlers registers the API HTTP handlers.
func (s *Server) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/v1/quota-updates", s.handleQuotaUpdates)
	mux.HandleFunc("/v1/setup", s.handleSetup)
	mux.HandleFunc("/v1/subscribers", s.handleSubscribers)
	mux.HandleFunc("/v1/flows", s.handleFlows)
	mux.HandleFunc("/health", s.handleHealth)
}

func (s *Server) handleQuotaUpdates(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req QuotaUpdatesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	s.logger.Debug("Received quota updates", zap.Int("count", len(req.Updates)))
	s.ctrl.ApplyQuotaUpdates(req.Updates)

	writeJSON(w, http.StatusOK, QuotaUpdatesResponse{Received: len(req.Updates)})
}

func (s *Server) handleSetup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req checkquota.SetupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	result := s.ctrl.Setup(r.Context(), req)
	status := http.StatusOK
	if result != checkquota.SetupSuccess {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, SetupResponse{Result: result})
}

func (s *Server) handleSubscribers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	subs := s.ctrl.Subscribers()
	writeJSON(w, http.StatusOK, SubscribersResponse{Subscribers: subs, Count: len(subs)})
}

func (s *Server) handleFlows(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.dumper == nil {
		http.Error(w, "flow dump not available", http.StatusNotFound)
		return
	}

	rules := s.dumper.Dump()
	resp := FlowsResponse{Flows: make([]string, 0, len(rules)), Count: len(rules)}
	for _, rule := range rules {
		resp.Flows = append(resp.Flows, rule.String())
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:          "ok",
		SwitchConnected: s.ctrl.Connected(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
