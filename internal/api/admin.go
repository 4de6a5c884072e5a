package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"unsubscribe-engine/internal/models"
)

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.store.GetSettings(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

// handlePutSettings replaces the engine settings. Validation runs before
// anything is persisted, so a bad update leaves the old values in force.
func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var settings models.Settings
	if err := decodeJSON(r, &settings); err != nil {
		badRequest(w, "invalid json")
		return
	}
	if err := settings.Validate(); err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.PutSettings(r.Context(), settings); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.store.ListRules(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": rules})
}

// handlePutRule upserts a per-sender rule keyed by sender email.
func (s *Server) handlePutRule(w http.ResponseWriter, r *http.Request) {
	var rule models.SenderRule
	if err := decodeJSON(r, &rule); err != nil {
		badRequest(w, "invalid json")
		return
	}
	if rule.SenderEmail == "" {
		badRequest(w, "sender_email is required")
		return
	}
	if !rule.RuleType.Valid() {
		writeError(w, fmt.Errorf("%w: unknown rule_type %q", models.ErrConfigInvalid, rule.RuleType))
		return
	}
	if err := s.store.PutRule(r.Context(), rule); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	senderEmail := chi.URLParam(r, "senderEmail")
	if err := s.store.DeleteRule(r.Context(), senderEmail); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
