// Package safety enforces the admission policy in front of job creation: the
// daily action budget, per-sender block rules, per-sender cooldown, and the
// confirmation threshold for large batches.
package safety

import (
	"context"
	"fmt"
	"sync"
	"time"

	"unsubscribe-engine/internal/models"
	"unsubscribe-engine/internal/store"
)

// Result is the outcome of one preflight. When Blocked is set no job may be
// created and BlockReason carries the user-facing text. Otherwise Items holds
// the candidates that survived filtering, with the two skip counts saying why
// the rest fell out. NeedsConfirmation is advisory: the caller must re-submit
// with an explicit confirm flag to proceed.
type Result struct {
	Blocked           bool               `json:"blocked"`
	BlockReason       string             `json:"block_reason,omitempty"`
	Items             []models.Candidate `json:"items"`
	SkippedBlocked    int                `json:"skipped_blocked"`
	SkippedCooldown   int                `json:"skipped_cooldown"`
	NeedsConfirmation bool               `json:"needs_confirmation"`
}

// Gate serializes admission decisions. The mutex closes the read-then-act
// race between concurrent creations: without it two preflights could both
// pass on the same stale daily count. Budget state is always derived from the
// audit history, never cached.
type Gate struct {
	store store.Store
	mu    sync.Mutex
	now   func() time.Time
}

// New returns a gate over the given store.
func New(s store.Store) *Gate {
	return &Gate{store: s, now: time.Now}
}

// Preflight applies the four admission checks in order: daily budget first
// (blocking, ends the check), then block rules, then cooldown, then the
// confirmation threshold over whatever remains. Settings are re-read from the
// store on every call so an admin update takes effect immediately.
func (g *Gate) Preflight(ctx context.Context, candidates []models.Candidate, confirm bool) (Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	settings, err := g.store.GetSettings(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("load settings: %w", err)
	}

	now := g.now()
	today, err := g.store.CountAttemptsSince(ctx, dayStart(now))
	if err != nil {
		return Result{}, fmt.Errorf("count today's attempts: %w", err)
	}
	if today+len(candidates) > settings.DailyLimit {
		return Result{
			Blocked: true,
			BlockReason: fmt.Sprintf("daily limit reached: %d attempted today, %d requested, limit %d",
				today, len(candidates), settings.DailyLimit),
		}, nil
	}

	rules, err := g.store.ListRules(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("load sender rules: %w", err)
	}
	blocked, allowed := store.RulesByType(rules)

	var result Result
	afterBlock := make([]models.Candidate, 0, len(candidates))
	for _, c := range candidates {
		if _, ok := blocked[c.SenderEmail]; ok {
			result.SkippedBlocked++
			continue
		}
		afterBlock = append(afterBlock, c)
	}

	remaining := afterBlock
	if settings.CooldownHours > 0 && len(afterBlock) > 0 {
		emails := make([]string, 0, len(afterBlock))
		for _, c := range afterBlock {
			emails = append(emails, c.SenderEmail)
		}
		last, err := g.store.LastAttemptAt(ctx, emails)
		if err != nil {
			return Result{}, fmt.Errorf("load last attempts: %w", err)
		}
		cutoff := now.Add(-time.Duration(settings.CooldownHours) * time.Hour)
		remaining = remaining[:0]
		for _, c := range afterBlock {
			if _, ok := allowed[c.SenderEmail]; ok {
				remaining = append(remaining, c)
				continue
			}
			if ts, ok := last[c.SenderEmail]; ok && ts.After(cutoff) {
				result.SkippedCooldown++
				continue
			}
			remaining = append(remaining, c)
		}
	}

	result.Items = remaining
	result.NeedsConfirmation = !confirm && len(remaining) > settings.RequireConfirmationThreshold
	return result, nil
}

// BudgetExhausted reports whether the daily budget has no room left. The
// scheduler consults it before each item dispatch; exhaustion mid-run aborts
// the job.
func (g *Gate) BudgetExhausted(ctx context.Context) (bool, error) {
	settings, err := g.store.GetSettings(ctx)
	if err != nil {
		return false, fmt.Errorf("load settings: %w", err)
	}
	today, err := g.store.CountAttemptsSince(ctx, dayStart(g.now()))
	if err != nil {
		return false, fmt.Errorf("count today's attempts: %w", err)
	}
	return today >= settings.DailyLimit, nil
}

// dayStart is midnight in the process's local time zone. Audit timestamps
// are stored in UTC; comparison against an absolute instant keeps the two
// consistent.
func dayStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
