// Package store persists jobs, items, audit history, settings and sender
// rules. Two implementations share one contract: Postgres for deployments and
// Memory for tests and single-process use. Job state in the store is the only
// source of truth for run progress; nothing is cached beside it.
package store

import (
	"context"
	"time"

	"unsubscribe-engine/internal/models"
)

// ItemOutcome is the terminal result of one item's ladder walk. Status must
// be success or failed; the running transition goes through MarkItemRunning.
type ItemOutcome struct {
	Status       models.ItemStatus
	Method       string
	ErrorMessage *string
}

// AuditFilter narrows QueryAudit. Zero fields match everything; Limit <= 0
// means no limit.
type AuditFilter struct {
	SenderEmail string
	Action      models.AuditAction
	JobID       string
	From        *time.Time
	To          *time.Time
	Limit       int
	Offset      int
}

// Store is the persistence contract the engine runs against.
//
// UpdateItem is atomic per item: the item transition and the owning job's
// counter bump land together, and concurrent completions within one job must
// not corrupt the counters. A storage fault on one item never touches the
// state of its siblings.
type Store interface {
	// Jobs.
	CreateJob(ctx context.Context, candidates []models.Candidate, dryRun bool) (models.Job, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	ListJobs(ctx context.Context, limit, offset int) ([]models.Job, error)
	ActiveJobs(ctx context.Context) ([]models.Job, error)
	StartJob(ctx context.Context, id string) error
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id, reason string) error
	RetryJob(ctx context.Context, id string, itemIDs []int64) (int, error)

	// Items.
	GetItems(ctx context.Context, jobID string) ([]models.JobItem, error)
	PendingItems(ctx context.Context, jobID string) ([]models.JobItem, error)
	MarkItemRunning(ctx context.Context, jobID string, itemID int64) error
	ResetRunningItems(ctx context.Context, jobID string) (int, error)
	UpdateItem(ctx context.Context, jobID string, itemID int64, outcome ItemOutcome) error

	// Audit.
	AppendAudit(ctx context.Context, rec models.AuditRecord) error
	CountAttemptsSince(ctx context.Context, since time.Time) (int, error)
	LastAttemptAt(ctx context.Context, senderEmails []string) (map[string]time.Time, error)
	QueryAudit(ctx context.Context, f AuditFilter) ([]models.AuditRecord, error)

	// Settings and rules.
	GetSettings(ctx context.Context) (models.Settings, error)
	PutSettings(ctx context.Context, s models.Settings) error
	ListRules(ctx context.Context) ([]models.SenderRule, error)
	PutRule(ctx context.Context, r models.SenderRule) error
	DeleteRule(ctx context.Context, senderEmail string) error

	Close()
}

var (
	_ Store = (*Postgres)(nil)
	_ Store = (*Memory)(nil)
)

// RulesByType splits a rule list into block and allow lookups keyed by sender
// email. Skip rules land in the block map.
func RulesByType(rules []models.SenderRule) (blocked, allowed map[string]models.SenderRule) {
	blocked = make(map[string]models.SenderRule)
	allowed = make(map[string]models.SenderRule)
	for _, r := range rules {
		switch r.RuleType {
		case models.RuleBlock, models.RuleSkip:
			blocked[r.SenderEmail] = r
		case models.RuleAllow:
			allowed[r.SenderEmail] = r
		}
	}
	return blocked, allowed
}
