package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/harun/drover/pkg/session"
)

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, body ErrorBody) {
	s.writeJSON(w, status, ErrorResponse{Error: body})
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	s.writeError(w, statusOf(err), errorBody(err))
}

// ownedSession resolves the session and enforces that the caller's
// owner token matches
func (s *Server) ownedSession(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	sess, err := s.registry.Get(r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return nil, false
	}
	if sess.OwnerToken != r.Header.Get(OwnerHeader) {
		// Hide other owners' sessions entirely
		s.writeError(w, http.StatusNotFound, ErrorBody{
			Code:    session.ErrCodeNotFound,
			Message: "session not found: " + sess.ID,
		})
		return nil, false
	}
	return sess, true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.healthMu.RLock()
	checks := make(map[string]HealthCheck, len(s.healthChecks))
	for name, check := range s.healthChecks {
		checks[name] = check
	}
	s.healthMu.RUnlock()

	status := "ok"
	components := make(map[string]string, len(checks))
	for name, check := range checks {
		ctx, cancel := context.WithTimeout(r.Context(), time.Second)
		if err := check(ctx); err != nil {
			components[name] = err.Error()
			status = "degraded"
		} else {
			components[name] = "ok"
		}
		cancel()
	}

	body := map[string]interface{}{
		"status":          status,
		"uptime":          time.Since(s.startTime).Seconds(),
		"active_sessions": s.registry.ActiveCount(),
		"timestamp":       time.Now().UnixMilli(),
	}
	if len(components) > 0 {
		body["components"] = components
	}
	s.writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, ErrorBody{
				Code:    session.ErrCodeValidation,
				Message: "invalid request body: " + err.Error(),
			})
			return
		}
	}

	cfg, err := session.ParseCreateConfig(req.Config)
	if err != nil {
		s.fail(w, err)
		return
	}

	owner := r.Header.Get(OwnerHeader)
	sess, err := s.registry.Create(r.Context(), owner, cfg)
	if err != nil {
		s.fail(w, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, sess.Snapshot())
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	owner := r.Header.Get(OwnerHeader)
	var out []session.Info
	for _, info := range s.registry.List() {
		if info.OwnerToken == owner {
			out = append(out, info)
		}
	}
	if out == nil {
		out = []session.Info{}
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.ownedSession(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, sess.Snapshot())
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.ownedSession(w, r)
	if !ok {
		return
	}
	if err := s.registry.Close(r.Context(), sess.ID); err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, sess.Snapshot())
}

func (s *Server) handleSubmitCommand(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.ownedSession(w, r)
	if !ok {
		return
	}

	var req SubmitCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, ErrorBody{
			Code:    session.ErrCodeValidation,
			Message: "invalid request body: " + err.Error(),
		})
		return
	}

	p, err := s.dispatcher.Submit(r.Context(), sess.ID, req.command())
	if err != nil {
		s.fail(w, err)
		return
	}

	resp := CommandResponse{
		CommandID:   p.ID,
		SessionID:   sess.ID,
		SubmittedAt: p.SubmittedAt,
	}

	wait := req.Wait == nil || *req.Wait
	if !wait {
		resp.Status = "queued"
		s.writeJSON(w, http.StatusAccepted, resp)
		return
	}

	res, err := p.Wait(r.Context())
	if err != nil {
		if r.Context().Err() != nil {
			// Client went away; the command keeps running
			return
		}
		resp.Status = "failed"
		body := errorBody(err)
		resp.Error = &body
		s.writeJSON(w, statusOf(err), resp)
		return
	}

	resp.Status = "completed"
	resp.Result = res
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCommandHistory(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.ownedSession(w, r)
	if !ok {
		return
	}
	if s.history == nil {
		s.writeJSON(w, http.StatusOK, []struct{}{})
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, ErrorBody{
				Code:    session.ErrCodeValidation,
				Message: "limit must be a non-negative integer",
			})
			return
		}
		limit = n
	}

	records, err := s.history.CommandHistory(sess.ID, limit)
	if err != nil {
		s.logger.Error().Err(err).Str("session_id", sess.ID).Msg("History query failed")
		s.writeError(w, http.StatusInternalServerError, ErrorBody{
			Code:    "INTERNAL",
			Message: "failed to load command history",
		})
		return
	}

	out := make([]CommandResponse, 0, len(records))
	for _, rec := range records {
		cr := CommandResponse{
			CommandID:   rec.CommandID,
			SessionID:   rec.SessionID,
			Status:      rec.Result,
			SubmittedAt: rec.SubmittedAt,
		}
		if rec.ErrorCode != "" {
			cr.Error = &ErrorBody{Code: rec.ErrorCode}
		}
		out = append(out, cr)
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCancelCommand(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.ownedSession(w, r)
	if !ok {
		return
	}
	if err := s.dispatcher.Cancel(sess.ID, r.PathValue("commandID")); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
