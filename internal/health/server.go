package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pipewatch/pipewatch/internal/core/domain"
	"github.com/pipewatch/pipewatch/internal/infra/storage"
	"github.com/pipewatch/pipewatch/internal/monitor"
	"github.com/pipewatch/pipewatch/internal/recovery"
)

// Server exposes health, metrics and the operator API.
type Server struct {
	monitor *monitor.Monitor
	server  *http.Server
}

// NewServer creates a new health server.
func NewServer(mon *monitor.Monitor, port int) *Server {
	mux := http.NewServeMux()
	s := &Server{
		monitor: mon,
		server: &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: mux,
		},
	}

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /health/detailed", s.handleDetailed)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /api/v1/dashboard", s.handleDashboard)
	mux.HandleFunc("GET /api/v1/patterns", s.handlePatterns)
	mux.HandleFunc("GET /api/v1/runs/{run}/checkpoints", s.handleListCheckpoints)
	mux.HandleFunc("POST /api/v1/checkpoints", s.handleSaveCheckpoint)
	mux.HandleFunc("POST /api/v1/recoveries", s.handleTriggerRecovery)

	return s
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Stop stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.monitor.Health(r.Context())

	w.Header().Set("Content-Type", "application/json")
	if status.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(map[string]string{"status": status.Status})
}

func (s *Server) handleDetailed(w http.ResponseWriter, r *http.Request) {
	status := s.monitor.Health(r.Context())
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	summary, err := s.monitor.Dashboard(r.Context(), r.URL.Query().Get("repository"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handlePatterns(w http.ResponseWriter, r *http.Request) {
	patterns, err := s.monitor.Patterns(r.Context(), r.URL.Query().Get("repository"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, patterns)
}

func (s *Server) handleListCheckpoints(w http.ResponseWriter, r *http.Request) {
	cps, err := s.monitor.ListCheckpoints(r.Context(), r.PathValue("run"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, cps)
}

func (s *Server) handleSaveCheckpoint(w http.ResponseWriter, r *http.Request) {
	var cp domain.WorkflowCheckpoint
	if err := json.NewDecoder(r.Body).Decode(&cp); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	stored, err := s.monitor.SaveCheckpoint(r.Context(), &cp)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

func (s *Server) handleTriggerRecovery(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FailureID          string              `json:"failure_id"`
		Type               domain.RecoveryType `json:"type"`
		TargetCheckpointID string              `json:"target_checkpoint_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.FailureID == "" {
		writeError(w, http.StatusBadRequest, errors.New("failure_id is required"))
		return
	}

	state, err := s.monitor.TriggerRecovery(r.Context(), req.FailureID, req.Type, req.TargetCheckpointID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, recovery.ErrAlreadyRecovering):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, recovery.ErrFailureClosed):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, recovery.ErrNoRollbackTarget):
		// The attempt exists and is failed; report it with the error.
		writeJSON(w, http.StatusUnprocessableEntity, state)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, state)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
