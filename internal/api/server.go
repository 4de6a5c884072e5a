// Package api exposes the engine over HTTP: job submission and inspection,
// admin settings and sender rules, and audit queries and exports.
package api

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"unsubscribe-engine/internal/config"
	"unsubscribe-engine/internal/export"
	"unsubscribe-engine/internal/models"
	"unsubscribe-engine/internal/queue"
	"unsubscribe-engine/internal/ratelimit"
	"unsubscribe-engine/internal/safety"
	"unsubscribe-engine/internal/store"
	"unsubscribe-engine/internal/telemetry"
)

var validate = validator.New()

// Server wires HTTP handlers for the engine API.
type Server struct {
	cfg      config.Config
	store    store.Store
	queue    *queue.RunQueue
	gate     *safety.Gate
	limiter  *ratelimit.TokenBucket
	exporter *export.Exporter
}

// New constructs the API server. The limiter may be nil to disable
// request throttling.
func New(cfg config.Config, st store.Store, q *queue.RunQueue, gate *safety.Gate, limiter *ratelimit.TokenBucket, exporter *export.Exporter) *Server {
	return &Server{
		cfg:      cfg,
		store:    st,
		queue:    q,
		gate:     gate,
		limiter:  limiter,
		exporter: exporter,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleCreateJob)
	r.Get("/jobs", s.handleListJobs)
	r.Get("/jobs/active", s.handleActiveJobs)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Get("/jobs/{id}/status", s.handleJobStatus)
	r.Post("/jobs/{id}/retry", s.handleRetryJob)
	r.Get("/jobs/{id}/failed-urls", s.handleFailedURLs)

	r.Get("/settings", s.handleGetSettings)
	r.Put("/settings", s.handlePutSettings)
	r.Get("/rules", s.handleListRules)
	r.Put("/rules", s.handlePutRule)
	r.Delete("/rules/{senderEmail}", s.handleDeleteRule)

	r.Get("/audit", s.handleQueryAudit)
	r.Get("/audit/export", s.handleExportAudit)
	r.Post("/manual-open", s.handleManualOpen)
	r.Get("/dlq", s.handleDLQ)

	return r
}

// handleDLQ returns dead-lettered run IDs for operational inspection.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	ids, err := s.queue.DLQPeek(r.Context(), 100)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": ids})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError maps the store and gate error taxonomy onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, models.ErrInvalidState):
		code = http.StatusConflict
	case errors.Is(err, models.ErrSafetyBlocked):
		code = http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrConfigInvalid):
		code = http.StatusBadRequest
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
}
