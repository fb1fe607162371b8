package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/civicmesh/coordinator/internal/config"
	"github.com/civicmesh/coordinator/internal/ledger"
	"github.com/civicmesh/coordinator/internal/models"
	"github.com/civicmesh/coordinator/internal/orchestrator"
)

type Server struct {
	cfg  config.Config
	orch *orchestrator.Orchestrator
}

func New(cfg config.Config, orch *orchestrator.Orchestrator) *Server {
	return &Server{cfg: cfg, orch: orch}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.cfg.ApprovalTimeout + 30*time.Second))

	r.Get("/health", s.handleHealth)

	r.Route("/coordination", func(r chi.Router) {
		r.Post("/submit", s.handleSubmit)
		r.Post("/check-conflicts", s.handleCheckConflicts)
		r.Get("/ledger", s.handleLedger)

		r.Route("/cases/{caseID}", func(r chi.Router) {
			r.Get("/", s.handleGetCase)
			r.Post("/cancel", s.handleCancel)
			r.Group(func(r chi.Router) {
				r.Use(s.approverAuth)
				r.Post("/decision", s.handleDecision)
			})
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := map[string]interface{}{
		"ok":   true,
		"time": time.Now().UTC(),
	}
	if err := s.orch.PingLedger(ctx); err != nil {
		status["ok"] = false
		status["ledger"] = err.Error()
		respondJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

type submitRequest struct {
	Proposals []models.AgentProposal `json:"proposals"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	result, err := s.orch.Submit(r.Context(), req.Proposals)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, result)
}

func (s *Server) handleCheckConflicts(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	conflicts, err := s.orch.CheckConflicts(req.Proposals)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"conflicts": conflicts,
		"count":     len(conflicts),
	})
}

func (s *Server) handleGetCase(w http.ResponseWriter, r *http.Request) {
	c, err := s.orch.GetCase(chi.URLParam(r, "caseID"))
	if err != nil {
		respondError(w, http.StatusNotFound, "case not found")
		return
	}
	respondJSON(w, http.StatusOK, c)
}

type cancelRequest struct {
	AgentID string `json:"agentId"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.AgentID == "" {
		respondError(w, http.StatusBadRequest, "agentId required")
		return
	}
	err := s.orch.Cancel(chi.URLParam(r, "caseID"), req.AgentID)
	switch {
	case errors.Is(err, models.ErrNotFound):
		respondError(w, http.StatusNotFound, "case not found")
	case errors.Is(err, orchestrator.ErrAlreadyResolved):
		respondError(w, http.StatusConflict, "case already resolved")
	case err != nil:
		respondError(w, http.StatusBadRequest, err.Error())
	default:
		respondJSON(w, http.StatusOK, map[string]string{"status": "cancellation accepted"})
	}
}

type decisionRequest struct {
	Decision    models.HumanDecisionKind `json:"decision"`
	Notes       string                   `json:"notes"`
	Replacement *models.Resolution       `json:"replacement,omitempty"`
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	decision := models.HumanDecision{
		Kind:        req.Decision,
		Approver:    approverFrom(r.Context()),
		Notes:       req.Notes,
		Replacement: req.Replacement,
	}
	err := s.orch.SubmitHumanDecision(chi.URLParam(r, "caseID"), decision)
	switch {
	case errors.Is(err, models.ErrNotFound):
		respondError(w, http.StatusNotFound, "case not found")
	case errors.Is(err, orchestrator.ErrAlreadyResolved):
		respondError(w, http.StatusConflict, "case already resolved")
	case err != nil:
		respondError(w, http.StatusBadRequest, err.Error())
	default:
		respondJSON(w, http.StatusOK, map[string]string{"status": "decision recorded"})
	}
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ledger.Filter{
		AgentID:  q.Get("agentId"),
		Location: q.Get("location"),
		Outcome:  models.Outcome(q.Get("outcome")),
		Method:   models.ResolutionMethod(q.Get("method")),
	}
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid from timestamp")
			return
		}
		filter.From = &t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid to timestamp")
			return
		}
		filter.To = &t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			respondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = n
	}
	entries, err := s.orch.QueryLedger(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
