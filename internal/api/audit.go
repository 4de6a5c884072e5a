package api

import (
	"fmt"
	"net/http"
	"time"

	"unsubscribe-engine/internal/models"
	"unsubscribe-engine/internal/store"
)

// auditFilterFromQuery builds a store filter from request parameters.
// Timestamps must be RFC3339.
func auditFilterFromQuery(r *http.Request) (store.AuditFilter, error) {
	q := r.URL.Query()
	f := store.AuditFilter{
		SenderEmail: q.Get("sender_email"),
		Action:      models.AuditAction(q.Get("action")),
		JobID:       q.Get("job_id"),
		Offset:      queryInt(r, "offset", 0),
	}
	if v := q.Get("from"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, fmt.Errorf("from must be RFC3339")
		}
		f.From = &ts
	}
	if v := q.Get("to"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, fmt.Errorf("to must be RFC3339")
		}
		f.To = &ts
	}
	return f, nil
}

func (s *Server) handleQueryAudit(w http.ResponseWriter, r *http.Request) {
	filter, err := auditFilterFromQuery(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	filter.Limit = queryInt(r, "limit", 100)

	records, err := s.store.QueryAudit(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

// handleExportAudit renders every matching audit row as CSV and delivers
// the file locally or to S3, depending on the destination parameter.
func (s *Server) handleExportAudit(w http.ResponseWriter, r *http.Request) {
	filter, err := auditFilterFromQuery(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	records, err := s.store.QueryAudit(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}

	location, err := s.exporter.Export(r.Context(), records, r.URL.Query().Get("destination"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"location": location,
		"records":  len(records),
	})
}

type manualOpenRequest struct {
	JobID       *string `json:"job_id"`
	Sender      string  `json:"sender"`
	SenderEmail string  `json:"sender_email"`
	URL         string  `json:"url"`
}

// handleManualOpen records that a user opened an unsubscribe page by hand,
// keeping the audit trail complete for attempts the engine did not make
// itself.
func (s *Server) handleManualOpen(w http.ResponseWriter, r *http.Request) {
	var req manualOpenRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, "invalid json")
		return
	}
	if req.SenderEmail == "" {
		badRequest(w, "sender_email is required")
		return
	}
	if req.JobID != nil {
		if _, err := s.store.GetJob(r.Context(), *req.JobID); err != nil {
			writeError(w, err)
			return
		}
	}

	rec := models.AuditRecord{
		Timestamp:   time.Now().UTC(),
		JobID:       req.JobID,
		Sender:      req.Sender,
		SenderEmail: req.SenderEmail,
		Action:      models.ActionManualOpen,
		Method:      models.MethodManual,
		URLUsed:     req.URL,
	}
	if err := s.store.AppendAudit(r.Context(), rec); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "recorded"})
}
