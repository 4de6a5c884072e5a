package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"unsubscribe-engine/internal/models"
	"unsubscribe-engine/internal/safety"
	"unsubscribe-engine/internal/telemetry"
)

type createJobRequest struct {
	Candidates []models.Candidate `json:"candidates"`
	DryRun     *bool              `json:"dry_run"`
	Confirm    bool               `json:"confirm"`
}

type createJobResponse struct {
	Job       *models.Job   `json:"job,omitempty"`
	Preflight safety.Result `json:"preflight"`
}

// handleCreateJob admits a candidate batch through the safety gate and, if
// anything survives, persists a job and enqueues its run. A request over
// the confirmation threshold comes back without a job until it is
// re-submitted with confirm set.
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, "invalid json")
		return
	}
	if len(req.Candidates) == 0 {
		badRequest(w, "at least one candidate is required")
		return
	}
	for i, c := range req.Candidates {
		if err := validate.Struct(c); err != nil {
			badRequest(w, fmt.Sprintf("candidate %d: sender_email is required", i))
			return
		}
	}

	if s.limiter != nil {
		key := "rl:jobs:" + clientIP(r)
		allowed, _, err := s.limiter.Allow(r.Context(), key)
		if err != nil {
			writeError(w, err)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limited"})
			return
		}
	}

	res, err := s.gate.Preflight(r.Context(), req.Candidates, req.Confirm)
	if err != nil {
		writeError(w, err)
		return
	}
	if res.Blocked {
		writeError(w, fmt.Errorf("%w: %s", models.ErrSafetyBlocked, res.BlockReason))
		return
	}
	if res.NeedsConfirmation || len(res.Items) == 0 {
		writeJSON(w, http.StatusOK, createJobResponse{Preflight: res})
		return
	}

	dryRun := false
	if req.DryRun != nil {
		dryRun = *req.DryRun
	} else {
		settings, err := s.store.GetSettings(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		dryRun = settings.DryRunDefault
	}

	job, err := s.store.CreateJob(r.Context(), res.Items, dryRun)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.queue.Enqueue(r.Context(), job.ID); err != nil {
		_ = s.store.FailJob(r.Context(), job.ID, "enqueue failed: "+err.Error())
		writeError(w, err)
		return
	}
	telemetry.JobsCreated.Inc()

	writeJSON(w, http.StatusAccepted, createJobResponse{Job: &job, Preflight: res})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	jobs, err := s.store.ListJobs(r.Context(), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleActiveJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.store.ActiveJobs(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type jobStatusResponse struct {
	ID              string           `json:"id"`
	Status          models.JobStatus `json:"status"`
	DryRun          bool             `json:"dry_run"`
	TotalItems      int              `json:"total_items"`
	CompletedItems  int              `json:"completed_items"`
	SuccessfulItems int              `json:"successful_items"`
	FailedItems     int              `json:"failed_items"`
	Progress        float64          `json:"progress"`
	LastError       *string          `json:"last_error,omitempty"`
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	resp := jobStatusResponse{
		ID:              job.ID,
		Status:          job.Status,
		DryRun:          job.DryRun,
		TotalItems:      job.TotalItems,
		CompletedItems:  job.CompletedItems,
		SuccessfulItems: job.SuccessfulItems,
		FailedItems:     job.FailedItems,
		LastError:       job.LastError,
	}
	if job.TotalItems > 0 {
		resp.Progress = float64(job.CompletedItems) / float64(job.TotalItems)
	}
	writeJSON(w, http.StatusOK, resp)
}

type retryJobRequest struct {
	ItemIDs []int64 `json:"item_ids"`
}

type retryJobResponse struct {
	Job        models.Job `json:"job"`
	ResetItems int        `json:"reset_items"`
}

// handleRetryJob reopens failed items on a finished job and, when the job
// went back to pending, puts its run on the queue again.
func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req retryJobRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, "invalid json")
		return
	}

	reset, err := s.store.RetryJob(r.Context(), id, req.ItemIDs)
	if err != nil {
		writeError(w, err)
		return
	}
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	code := http.StatusOK
	if job.Status == models.JobPending {
		if _, err := s.queue.EnqueueIfAbsent(r.Context(), job.ID); err != nil {
			writeError(w, err)
			return
		}
		code = http.StatusAccepted
	}
	writeJSON(w, code, retryJobResponse{Job: job, ResetItems: reset})
}

type failedURL struct {
	Sender      string `json:"sender"`
	SenderEmail string `json:"sender_email"`
	URL         string `json:"url"`
}

// handleFailedURLs lists the unsubscribe pages of failed items so a user
// can open them by hand.
func (s *Server) handleFailedURLs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetJob(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	items, err := s.store.GetItems(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	urls := make([]failedURL, 0)
	for _, item := range items {
		if item.Status != models.ItemFailed || item.UnsubscribeURL == nil {
			continue
		}
		urls = append(urls, failedURL{
			Sender:      item.Sender,
			SenderEmail: item.SenderEmail,
			URL:         *item.UnsubscribeURL,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"urls": urls})
}

// decodeJSON tolerates an empty body so optional request payloads can be
// omitted entirely.
func decodeJSON(r *http.Request, dst any) error {
	err := json.NewDecoder(r.Body).Decode(dst)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
