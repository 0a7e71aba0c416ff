package kernel

import (
	"encoding/json"
	"net/http"

	"github.com/manthysbr/quickloan-kb/internal/core/domain"
)

// GET /v1/settings
func (s *Server) handleGetSettings(w http.ResponseWriter, _ *http.Request) {
	if s.settings == nil {
		writeError(w, http.StatusNotFound, "settings are not available")
		return
	}
	writeJSON(w, http.StatusOK, s.settings.GetMaskedConfig())
}

// handleUpdateSettings replaces the LLM provider settings. A masked or empty
// api_key keeps the stored key.
// PUT /v1/settings
func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	if s.settings == nil {
		writeError(w, http.StatusNotFound, "settings are not available")
		return
	}

	var body struct {
		LLM domain.LLMProviderConfig `json:"llm"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.settings.UpdateProvider(r.Context(), body.LLM); err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.settings.GetMaskedConfig())
}
