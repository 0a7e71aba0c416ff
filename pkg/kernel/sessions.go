package kernel

import (
	"encoding/json"
	"net/http"

	"github.com/manthysbr/quickloan-kb/internal/core/domain"
)

const defaultSessionTitle = "New session"

// --- Sessions ---

// GET /v1/sessions
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.agent.ListSessions(r.Context())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if sessions == nil {
		sessions = []domain.Session{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// POST /v1/sessions
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title string `json:"title"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.Title == "" {
		body.Title = defaultSessionTitle
	}

	sess, err := s.agent.CreateSession(r.Context(), body.Title)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

// GET /v1/sessions/{id}
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}
	sess, err := s.agent.GetSession(r.Context(), id)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// DELETE /v1/sessions/{id}
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}
	if _, err := s.agent.GetSession(r.Context(), id); err != nil {
		s.writeErr(w, err)
		return
	}
	if err := s.agent.DeleteSession(r.Context(), id); err != nil {
		s.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Agent loop ---

// handleAsk starts a run and blocks until it answers, aborts or asks for clarification.
// POST /v1/sessions/{id}/ask
func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}
	var body struct {
		Query string `json:"query"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	reply, err := s.agent.Ask(r.Context(), id, body.Query)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

// handleClarify resumes the session's suspended run.
// POST /v1/sessions/{id}/clarify
func (s *Server) handleClarify(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}
	var body struct {
		Response string `json:"response"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	reply, err := s.agent.Clarify(r.Context(), id, body.Response)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

// GET /v1/sessions/{id}/turns?limit=20
func (s *Server) handleListTurns(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}
	limit, err := limitParam(r, 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	turns, err := s.agent.History(r.Context(), id, limit)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if turns == nil {
		turns = []domain.Turn{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"turns": turns,
		"count": len(turns),
	})
}

// GET /v1/sessions/{id}/runs
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}
	if _, err := s.agent.GetSession(r.Context(), id); err != nil {
		s.writeErr(w, err)
		return
	}

	runs, err := s.agent.ListRuns(r.Context(), id)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if runs == nil {
		runs = []domain.RunRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"runs":  runs,
		"count": len(runs),
	})
}

// GET /v1/runs/{id}
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id, err := pathParam(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	run, err := s.agent.GetRun(r.Context(), domain.RunID(id))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) sessionID(w http.ResponseWriter, r *http.Request) (domain.SessionID, bool) {
	id, err := pathParam(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return domain.SessionID(id), true
}
