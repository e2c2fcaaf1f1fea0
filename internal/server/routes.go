package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/lattice-dev/lattice/internal/executor"
	"github.com/lattice-dev/lattice/internal/fleet"
	"github.com/lattice-dev/lattice/internal/intent"
	"github.com/lattice-dev/lattice/internal/safety"
)

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	// Fleet API
	mux.HandleFunc("GET /api/v1/fleet", s.handleFleetList)
	mux.HandleFunc("GET /api/v1/fleet/summary", s.handleFleetSummary)
	mux.HandleFunc("POST /api/v1/fleet/wake", s.handleFleetWake)
	mux.HandleFunc("POST /api/v1/fleet/sleep", s.handleFleetSleep)
	mux.HandleFunc("POST /api/v1/fleet/audit", s.handleFleetAudit)

	// Intents
	mux.HandleFunc("GET /api/v1/intents", s.handleListIntents)
	mux.HandleFunc("POST /api/v1/intents", s.handleProposeIntent)
	mux.HandleFunc("GET /api/v1/intents/{id}", s.handleGetIntent)
	mux.HandleFunc("POST /api/v1/intents/{id}/approve", s.handleApproveIntent)
	mux.HandleFunc("POST /api/v1/intents/{id}/reject", s.handleRejectIntent)
	mux.HandleFunc("POST /api/v1/intents/{id}/cancel", s.handleCancelIntent)
	mux.HandleFunc("POST /api/v1/intents/{id}/resume", s.handleResumeIntent)

	// Approvals
	mux.HandleFunc("GET /api/v1/approvals", s.handlePendingApprovals)

	// Runs
	mux.HandleFunc("GET /api/v1/runs", s.handleListRuns)
	mux.HandleFunc("GET /api/v1/runs/{id}", s.handleGetRun)

	// Audit
	mux.HandleFunc("GET /api/v1/audit", s.handleAuditQuery)

	// Health observations
	if s.health != nil {
		mux.HandleFunc("POST /api/v1/observations", s.handleObservation)
	}

	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	if s.webhook != nil {
		mux.Handle("POST /api/webhooks/github", s.webhook)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}

// ── Fleet API ────────────────────────────────────────────────

func (s *Server) handleFleetList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.fleet.List())
}

func (s *Server) handleFleetSummary(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.fleet.Summary())
}

type fleetOpRequest struct {
	IDs []string `json:"ids"`
}

// fleetOpResponse maps sprite id to "ok" or the dispatch error.
func fleetOpResponse(results map[string]error) map[string]string {
	out := make(map[string]string, len(results))
	for id, err := range results {
		if err != nil {
			out[id] = err.Error()
		} else {
			out[id] = "ok"
		}
	}
	return out
}

func (s *Server) handleFleetWake(w http.ResponseWriter, r *http.Request) {
	var body fleetOpRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.IDs) == 0 {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "ids required")
		return
	}
	writeJSON(w, http.StatusOK, fleetOpResponse(s.fleet.Wake(body.IDs)))
}

func (s *Server) handleFleetSleep(w http.ResponseWriter, r *http.Request) {
	var body fleetOpRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.IDs) == 0 {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "ids required")
		return
	}
	writeJSON(w, http.StatusOK, fleetOpResponse(s.fleet.Sleep(body.IDs)))
}

func (s *Server) handleFleetAudit(w http.ResponseWriter, r *http.Request) {
	sum, err := s.fleet.RunAudit(r.Context())
	if err != nil {
		// Partial audits still carry whatever aggregated.
		writeJSON(w, http.StatusGatewayTimeout, sum)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// ── Intents ──────────────────────────────────────────────────

func (s *Server) handleListIntents(w http.ResponseWriter, r *http.Request) {
	filter := intent.Filter{
		Kind:       intent.Kind(r.URL.Query().Get("kind")),
		State:      intent.State(r.URL.Query().Get("state")),
		SourceType: intent.SourceType(r.URL.Query().Get("source")),
	}
	intents, err := s.pipeline.Lifecycle().Store().List(r.Context(), filter)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, intents)
}

func (s *Server) handleProposeIntent(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Kind              string         `json:"kind"`
		Summary           string         `json:"summary"`
		Payload           map[string]any `json:"payload"`
		AffectedResources []string       `json:"affected_resources"`
		Operator          string         `json:"operator"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid request")
		return
	}
	if body.Kind == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "kind required")
		return
	}

	in := intent.New(intent.Kind(body.Kind),
		intent.Source{Type: intent.SourceOperator, ID: operator(r, body.Operator)},
		body.Summary, body.Payload)
	in.AffectedResources = body.AffectedResources

	out, err := s.pipeline.Propose(r.Context(), in)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	s.logger.Info("intent proposed via API",
		zap.String("intent", out.ID),
		zap.String("kind", string(out.Kind)),
		zap.String("state", string(out.State)))
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) handleGetIntent(w http.ResponseWriter, r *http.Request) {
	in, err := s.pipeline.Lifecycle().Store().Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeIntentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, in)
}

func (s *Server) handleApproveIntent(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Operator string `json:"operator"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	in, err := s.pipeline.Approve(r.Context(), r.PathValue("id"), operator(r, body.Operator))
	if err != nil {
		s.writeIntentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, in)
}

func (s *Server) handleRejectIntent(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Operator string `json:"operator"`
		Reason   string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Reason == "" {
		body.Reason = "rejected by operator"
	}

	in, err := s.pipeline.Reject(r.Context(), r.PathValue("id"), operator(r, body.Operator), body.Reason)
	if err != nil {
		s.writeIntentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, in)
}

func (s *Server) handleCancelIntent(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Operator string `json:"operator"`
		Reason   string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Reason == "" {
		body.Reason = "canceled by operator"
	}

	in, err := s.pipeline.Cancel(r.Context(), r.PathValue("id"), operator(r, body.Operator), body.Reason)
	if err != nil {
		s.writeIntentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, in)
}

func (s *Server) handleResumeIntent(w http.ResponseWriter, r *http.Request) {
	if s.executor == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "service_unavailable", "executor not running")
		return
	}
	var body struct {
		Inputs map[string]any `json:"inputs"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	run, err := s.executor.Resume(r.Context(), r.PathValue("id"), body.Inputs)
	if err != nil {
		s.writeIntentError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

func (s *Server) handlePendingApprovals(w http.ResponseWriter, r *http.Request) {
	intents, err := s.pipeline.Lifecycle().Store().List(r.Context(),
		intent.Filter{State: intent.StateAwaitingApproval})
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, intents)
}

func (s *Server) writeIntentError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, intent.ErrNotFound), errors.Is(err, executor.ErrRunNotFound):
		writeJSONError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, intent.ErrInvalidTransition):
		writeJSONError(w, http.StatusConflict, "invalid_transition", err.Error())
	default:
		writeJSONError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

// ── Observations ─────────────────────────────────────────────

func (s *Server) handleObservation(w http.ResponseWriter, r *http.Request) {
	var obs fleet.Observation
	if err := json.NewDecoder(r.Body).Decode(&obs); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid request")
		return
	}
	if obs.SpriteID == "" || obs.Type == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "sprite_id and type required")
		return
	}
	if err := s.health.Ingest(r.Context(), obs); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// ── Runs ─────────────────────────────────────────────────────

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	filter := executor.RunFilter{
		IntentID: r.URL.Query().Get("intent_id"),
		SpriteID: r.URL.Query().Get("sprite_id"),
		Status:   executor.Status(r.URL.Query().Get("status")),
	}
	runs, err := s.runs.List(r.Context(), filter)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.runs.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, executor.ErrRunNotFound) {
			writeJSONError(w, http.StatusNotFound, "not_found", err.Error())
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// ── Audit ────────────────────────────────────────────────────

func (s *Server) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	filter := safety.Filter{
		Capability: r.URL.Query().Get("capability"),
		Result:     r.URL.Query().Get("result"),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}
	if v := r.URL.Query().Get("since"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "since must be RFC3339")
			return
		}
		filter.Since = ts
	}
	writeJSON(w, http.StatusOK, s.audit.Query(filter))
}
