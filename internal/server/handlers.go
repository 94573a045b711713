package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/shelfsight/upcguard/internal/model"
	"github.com/shelfsight/upcguard/internal/resilience"
	"github.com/shelfsight/upcguard/internal/store"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRunAnalysis(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeFromRequest(w, r)
	if !ok {
		return
	}
	analysisID := chi.URLParam(r, "analysisID")

	outcome, err := s.engine.RunAnalysis(r.Context(), scope, analysisID)
	if err != nil {
		// Partial counts travel with the error response.
		writeErrorPayload(w, err, map[string]any{"outcome": outcome})
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) handleListConflicts(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeFromRequest(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	filter := store.ConflictFilter{
		AnalysisID: q.Get("analysisId"),
		Status:     model.ConflictStatus(q.Get("status")),
		Type:       model.ConflictType(q.Get("type")),
		AssignedTo: q.Get("assignedTo"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, resilience.NewValidation("limit", "must be a non-negative integer"))
			return
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, resilience.NewValidation("offset", "must be a non-negative integer"))
			return
		}
		filter.Offset = n
	}

	conflicts, err := s.store.ListConflicts(r.Context(), scope.OrganizationID, filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conflicts": conflicts, "count": len(conflicts)})
}

func (s *Server) handleGetConflict(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeFromRequest(w, r)
	if !ok {
		return
	}
	c, err := s.store.FindConflictByID(r.Context(), scope.OrganizationID, chi.URLParam(r, "conflictID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeFromRequest(w, r)
	if !ok {
		return
	}
	entries, err := s.store.ListAudit(r.Context(), scope.OrganizationID, chi.URLParam(r, "conflictID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeFromRequest(w, r)
	if !ok {
		return
	}
	var req struct {
		AssigneeID string `json:"assigneeId"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	c, err := s.lifecycle.Assign(r.Context(), scope, chi.URLParam(r, "conflictID"), req.AssigneeID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleBulkAssign(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeFromRequest(w, r)
	if !ok {
		return
	}
	var req struct {
		ConflictIDs []string `json:"conflictIds"`
		AssigneeID  string   `json:"assigneeId"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	result, err := s.lifecycle.BulkAssign(r.Context(), scope, req.ConflictIDs, req.AssigneeID)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if len(result.Failed) > 0 {
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, result)
}

func (s *Server) handleStartWork(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeFromRequest(w, r)
	if !ok {
		return
	}
	c, err := s.lifecycle.StartWork(r.Context(), scope, chi.URLParam(r, "conflictID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeFromRequest(w, r)
	if !ok {
		return
	}
	var req struct {
		Resolution string `json:"resolution"`
		Notes      string `json:"notes"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	c, err := s.lifecycle.Resolve(r.Context(), scope, chi.URLParam(r, "conflictID"), model.Resolution(req.Resolution), req.Notes)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeFromRequest(w, r)
	if !ok {
		return
	}
	var req struct {
		Notes string `json:"notes"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	c, err := s.lifecycle.Reject(r.Context(), scope, chi.URLParam(r, "conflictID"), req.Notes)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// handleEvents streams the caller's organization topic as server-sent
// events until the client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeFromRequest(w, r)
	if !ok {
		return
	}
	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sub := s.broadcaster.Subscribe(scope.OrganizationID)
	defer sub.Cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, open := <-sub.C:
			if !open {
				return
			}
			data, err := json.Marshal(evt)
			if err != nil {
				zap.L().Warn("events: marshal failed", zap.Error(err))
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Name, data)
			flusher.Flush()
		}
	}
}

// scopeFromRequest extracts the caller identity headers. A missing org
// header ends the request with a 400.
func scopeFromRequest(w http.ResponseWriter, r *http.Request) (model.Scope, bool) {
	org := r.Header.Get("X-Org-ID")
	if org == "" {
		writeError(w, resilience.NewValidation("X-Org-ID", "header is required"))
		return model.Scope{}, false
	}
	return model.Scope{OrganizationID: org, UserID: r.Header.Get("X-User-ID")}, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, resilience.NewValidation("body", "invalid JSON"))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("server: encode response", zap.Error(err))
	}
}

// statusFor maps the engine's error taxonomy onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case resilience.IsValidation(err):
		return http.StatusBadRequest
	case resilience.IsNotFound(err):
		return http.StatusNotFound
	case resilience.IsConcurrentModification(err):
		return http.StatusConflict
	case resilience.IsInvalidTransition(err):
		return http.StatusUnprocessableEntity
	case resilience.IsDependencyFailure(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeErrorPayload(w, err, nil)
}

func writeErrorPayload(w http.ResponseWriter, err error, extra map[string]any) {
	body := map[string]any{"error": err.Error()}
	for k, v := range extra {
		body[k] = v
	}
	writeJSON(w, statusFor(err), body)
}
