package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"unsubscribe-engine/internal/models"
)

// Memory is a mutex-guarded in-process Store with the same semantics as
// Postgres. It backs tests and single-process deployments.
type Memory struct {
	mu        sync.Mutex
	jobs      map[string]*models.Job
	items     map[string][]*models.JobItem
	audit     []models.AuditRecord
	nextAudit int64
	nextItem  int64
	settings  *models.Settings
	rules     map[string]models.SenderRule
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		jobs:  make(map[string]*models.Job),
		items: make(map[string][]*models.JobItem),
		rules: make(map[string]models.SenderRule),
	}
}

func (s *Memory) Close() {}

func (s *Memory) CreateJob(_ context.Context, candidates []models.Candidate, dryRun bool) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job := &models.Job{
		ID:         uuid.New().String(),
		Status:     models.JobPending,
		DryRun:     dryRun,
		CreatedAt:  time.Now().UTC(),
		TotalItems: len(candidates),
	}
	s.jobs[job.ID] = job

	items := make([]*models.JobItem, 0, len(candidates))
	for _, c := range candidates {
		s.nextItem++
		items = append(items, &models.JobItem{
			ID:                s.nextItem,
			JobID:             job.ID,
			Sender:            c.Sender,
			SenderEmail:       c.SenderEmail,
			UnsubscribeURL:    copyStr(c.UnsubscribeURL),
			UnsubscribeMailto: copyStr(c.UnsubscribeMailto),
			Status:            models.ItemPending,
		})
	}
	s.items[job.ID] = items
	return copyJob(job), nil
}

func (s *Memory) GetJob(_ context.Context, id string) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	return copyJob(job), nil
}

func (s *Memory) ListJobs(_ context.Context, limit, offset int) ([]models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	all := make([]*models.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		all = append(all, job)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID < all[j].ID
	})
	var out []models.Job
	for i := offset; i < len(all) && len(out) < limit; i++ {
		out = append(out, copyJob(all[i]))
	}
	return out, nil
}

func (s *Memory) ActiveJobs(_ context.Context) ([]models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var active []*models.Job
	for _, job := range s.jobs {
		if job.Status == models.JobRunning {
			active = append(active, job)
		}
	}
	sort.Slice(active, func(i, j int) bool {
		a, b := active[i], active[j]
		switch {
		case a.StartedAt == nil:
			return b.StartedAt != nil || a.ID < b.ID
		case b.StartedAt == nil:
			return false
		case !a.StartedAt.Equal(*b.StartedAt):
			return a.StartedAt.Before(*b.StartedAt)
		}
		return a.ID < b.ID
	})
	out := make([]models.Job, 0, len(active))
	for _, job := range active {
		out = append(out, copyJob(job))
	}
	return out, nil
}

func (s *Memory) StartJob(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	if job.Status != models.JobPending {
		return fmt.Errorf("start job %s in status %s: %w", id, job.Status, models.ErrInvalidState)
	}
	now := time.Now().UTC()
	job.Status = models.JobRunning
	job.StartedAt = &now
	return nil
}

func (s *Memory) CompleteJob(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	if job.Status == models.JobCompleted || job.Status == models.JobFailed {
		return nil
	}
	open := 0
	for _, item := range s.items[id] {
		if !item.Status.Terminal() {
			open++
		}
	}
	if open > 0 {
		return fmt.Errorf("complete job %s with %d open items: %w", id, open, models.ErrInvalidState)
	}
	now := time.Now().UTC()
	job.Status = models.JobCompleted
	job.CompletedAt = &now
	return nil
}

func (s *Memory) FailJob(_ context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	switch job.Status {
	case models.JobCompleted:
		return fmt.Errorf("fail completed job %s: %w", id, models.ErrInvalidState)
	case models.JobFailed:
		return nil
	}
	now := time.Now().UTC()
	job.Status = models.JobFailed
	job.CompletedAt = &now
	job.LastError = &reason
	return nil
}

func (s *Memory) RetryJob(_ context.Context, id string, itemIDs []int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return 0, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	if job.Status == models.JobRunning {
		return 0, fmt.Errorf("retry running job %s: %w", id, models.ErrInvalidState)
	}

	items := s.items[id]
	targets := items
	if len(itemIDs) > 0 {
		byID := make(map[int64]*models.JobItem, len(items))
		for _, item := range items {
			byID[item.ID] = item
		}
		targets = make([]*models.JobItem, 0, len(itemIDs))
		for _, itemID := range itemIDs {
			item, ok := byID[itemID]
			if !ok {
				return 0, fmt.Errorf("item %d in job %s: %w", itemID, id, models.ErrNotFound)
			}
			targets = append(targets, item)
		}
	}

	reset := 0
	for _, item := range targets {
		if item.Status != models.ItemFailed {
			continue
		}
		item.Status = models.ItemPending
		item.ErrorMessage = nil
		item.RetryCount++
		reset++
	}
	pending := 0
	for _, item := range items {
		if item.Status == models.ItemPending {
			pending++
		}
	}
	if reset == 0 && pending == 0 {
		return 0, nil
	}

	job.Status = models.JobPending
	job.CompletedAt = nil
	job.LastError = nil
	job.CompletedItems -= reset
	job.FailedItems -= reset
	return reset, nil
}

func (s *Memory) GetItems(_ context.Context, jobID string) ([]models.JobItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[jobID]; !ok {
		return nil, fmt.Errorf("job %s: %w", jobID, models.ErrNotFound)
	}
	items := s.items[jobID]
	out := make([]models.JobItem, 0, len(items))
	for _, item := range items {
		out = append(out, copyItem(item))
	}
	return out, nil
}

func (s *Memory) PendingItems(_ context.Context, jobID string) ([]models.JobItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.JobItem
	for _, item := range s.items[jobID] {
		if item.Status == models.ItemPending {
			out = append(out, copyItem(item))
		}
	}
	return out, nil
}

func (s *Memory) MarkItemRunning(_ context.Context, jobID string, itemID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, err := s.findItem(jobID, itemID)
	if err != nil {
		return err
	}
	if item.Status != models.ItemPending {
		return fmt.Errorf("mark running item %d in status %s: %w", itemID, item.Status, models.ErrInvalidState)
	}
	now := time.Now().UTC()
	item.Status = models.ItemRunning
	item.AttemptedAt = &now
	return nil
}

func (s *Memory) ResetRunningItems(_ context.Context, jobID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, item := range s.items[jobID] {
		if item.Status == models.ItemRunning {
			item.Status = models.ItemPending
			n++
		}
	}
	return n, nil
}

func (s *Memory) UpdateItem(_ context.Context, jobID string, itemID int64, outcome ItemOutcome) error {
	if outcome.Status != models.ItemSuccess && outcome.Status != models.ItemFailed {
		return fmt.Errorf("update item to non-terminal status %s: %w", outcome.Status, models.ErrInvalidState)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	item, err := s.findItem(jobID, itemID)
	if err != nil {
		return err
	}
	if item.Status.Terminal() {
		return fmt.Errorf("update item %d in status %s: %w", itemID, item.Status, models.ErrInvalidState)
	}

	item.Status = outcome.Status
	if outcome.Method != "" {
		method := outcome.Method
		item.MethodAttempted = &method
	}
	item.ErrorMessage = copyStr(outcome.ErrorMessage)
	if item.AttemptedAt == nil {
		now := time.Now().UTC()
		item.AttemptedAt = &now
	}

	job := s.jobs[jobID]
	job.CompletedItems++
	if outcome.Status == models.ItemSuccess {
		job.SuccessfulItems++
	} else {
		job.FailedItems++
	}
	return nil
}

func (s *Memory) findItem(jobID string, itemID int64) (*models.JobItem, error) {
	for _, item := range s.items[jobID] {
		if item.ID == itemID {
			return item, nil
		}
	}
	return nil, fmt.Errorf("item %d in job %s: %w", itemID, jobID, models.ErrNotFound)
}

func (s *Memory) AppendAudit(_ context.Context, rec models.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextAudit++
	rec.ID = s.nextAudit
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	rec.JobID = copyStr(rec.JobID)
	rec.ErrorMessage = copyStr(rec.ErrorMessage)
	if rec.HTTPStatus != nil {
		v := *rec.HTTPStatus
		rec.HTTPStatus = &v
	}
	s.audit = append(s.audit, rec)
	return nil
}

func (s *Memory) CountAttemptsSince(_ context.Context, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, rec := range s.audit {
		if rec.Action == models.ActionAttempt && !rec.DryRun && !rec.Timestamp.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *Memory) LastAttemptAt(_ context.Context, senderEmails []string) (map[string]time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[string]bool, len(senderEmails))
	for _, email := range senderEmails {
		want[email] = true
	}
	out := make(map[string]time.Time, len(senderEmails))
	for _, rec := range s.audit {
		if rec.DryRun || !want[rec.SenderEmail] {
			continue
		}
		if last, ok := out[rec.SenderEmail]; !ok || rec.Timestamp.After(last) {
			out[rec.SenderEmail] = rec.Timestamp
		}
	}
	return out, nil
}

func (s *Memory) QueryAudit(_ context.Context, f AuditFilter) ([]models.AuditRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []models.AuditRecord
	for _, rec := range s.audit {
		if f.SenderEmail != "" && rec.SenderEmail != f.SenderEmail {
			continue
		}
		if f.Action != "" && rec.Action != f.Action {
			continue
		}
		if f.JobID != "" && (rec.JobID == nil || *rec.JobID != f.JobID) {
			continue
		}
		if f.From != nil && rec.Timestamp.Before(*f.From) {
			continue
		}
		if f.To != nil && !rec.Timestamp.Before(*f.To) {
			continue
		}
		matched = append(matched, rec)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].Timestamp.Equal(matched[j].Timestamp) {
			return matched[i].Timestamp.After(matched[j].Timestamp)
		}
		return matched[i].ID > matched[j].ID
	})
	if f.Offset > 0 {
		if f.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[f.Offset:]
	}
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	out := make([]models.AuditRecord, len(matched))
	copy(out, matched)
	return out, nil
}

func (s *Memory) GetSettings(_ context.Context) (models.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.settings == nil {
		return models.DefaultSettings(), nil
	}
	out := *s.settings
	out.StrategyOrder = append([]string(nil), s.settings.StrategyOrder...)
	return out, nil
}

func (s *Memory) PutSettings(_ context.Context, settings models.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := settings
	stored.StrategyOrder = append([]string(nil), settings.StrategyOrder...)
	s.settings = &stored
	return nil
}

func (s *Memory) ListRules(_ context.Context) ([]models.SenderRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.SenderRule, 0, len(s.rules))
	for _, r := range s.rules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SenderEmail < out[j].SenderEmail })
	return out, nil
}

func (s *Memory) PutRule(_ context.Context, r models.SenderRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.rules[r.SenderEmail]; ok {
		r.CreatedAt = existing.CreatedAt
	} else if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	s.rules[r.SenderEmail] = r
	return nil
}

func (s *Memory) DeleteRule(_ context.Context, senderEmail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[senderEmail]; !ok {
		return fmt.Errorf("rule for %s: %w", senderEmail, models.ErrNotFound)
	}
	delete(s.rules, senderEmail)
	return nil
}

func copyJob(j *models.Job) models.Job {
	out := *j
	out.StartedAt = copyTime(j.StartedAt)
	out.CompletedAt = copyTime(j.CompletedAt)
	out.LastError = copyStr(j.LastError)
	return out
}

func copyItem(i *models.JobItem) models.JobItem {
	out := *i
	out.UnsubscribeURL = copyStr(i.UnsubscribeURL)
	out.UnsubscribeMailto = copyStr(i.UnsubscribeMailto)
	out.MethodAttempted = copyStr(i.MethodAttempted)
	out.ErrorMessage = copyStr(i.ErrorMessage)
	out.AttemptedAt = copyTime(i.AttemptedAt)
	return out
}

func copyStr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
