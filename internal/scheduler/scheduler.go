// Package scheduler walks one job's items through their strategy ladders
// under bounded concurrency. Items fan out in parallel; within an item, tier
// attempts are strictly sequential and each one is audited before and after.
// HTTP-class and browser-class tiers draw from independent pools so cheap
// network calls never starve behind browser sessions, and the reverse.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"unsubscribe-engine/internal/executor"
	"unsubscribe-engine/internal/models"
	"unsubscribe-engine/internal/safety"
	"unsubscribe-engine/internal/store"
	"unsubscribe-engine/internal/strategy"
	"unsubscribe-engine/internal/telemetry"
)

// budgetAbortReason is recorded as the job's last_error when the daily
// budget runs out mid-run.
const budgetAbortReason = "daily unsubscribe limit reached mid-run"

// allFailedMessage is the item error when the ladder is exhausted without a
// success or an explicit stop.
const allFailedMessage = "All methods failed"

// Config sizes the two worker pools. Zero values fall back to the reference
// defaults: 5 concurrent HTTP attempts, 3 concurrent browser sessions.
type Config struct {
	HTTPPoolSize    int
	BrowserPoolSize int
}

// Scheduler executes runs. One Scheduler is shared by all runs in a process;
// the pools bound attempts globally, not per job.
type Scheduler struct {
	store       store.Store
	gate        *safety.Gate
	execs       executor.Registry
	httpPool    *semaphore.Weighted
	browserPool *semaphore.Weighted
	itemLimit   int
}

// New wires a scheduler over the store, gate and executor registry.
func New(st store.Store, gate *safety.Gate, execs executor.Registry, cfg Config) *Scheduler {
	if cfg.HTTPPoolSize <= 0 {
		cfg.HTTPPoolSize = 5
	}
	if cfg.BrowserPoolSize <= 0 {
		cfg.BrowserPoolSize = 3
	}
	return &Scheduler{
		store:       st,
		gate:        gate,
		execs:       execs,
		httpPool:    semaphore.NewWeighted(int64(cfg.HTTPPoolSize)),
		browserPool: semaphore.NewWeighted(int64(cfg.BrowserPoolSize)),
		itemLimit:   cfg.HTTPPoolSize + cfg.BrowserPoolSize,
	}
}

// Run drives one job to a terminal state. A pending job is started, a
// running job is resumed (stale running items return to pending first), and
// a terminal job is left alone so redelivered runs are harmless. Per-item
// failures never abort the run; only budget exhaustion and storage faults do.
func (s *Scheduler) Run(ctx context.Context, jobID string) error {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	switch job.Status {
	case models.JobPending:
		if err := s.store.StartJob(ctx, jobID); err != nil {
			return err
		}
	case models.JobRunning:
		// The queue lease guarantees the previous holder is gone, so any
		// running item is an orphan of an interrupted run.
		if _, err := s.store.ResetRunningItems(ctx, jobID); err != nil {
			return err
		}
		telemetry.RunsResumed.Inc()
	default:
		return nil
	}

	items, err := s.store.PendingItems(ctx, jobID)
	if err != nil {
		return err
	}
	settings, err := s.store.GetSettings(ctx)
	if err != nil {
		return err
	}

	registry := s.execs
	if job.DryRun {
		registry = executor.DryRunRegistry(registry)
	}

	// Aborts do not cancel in-flight attempts: the first abort wins, later
	// items skip dispatch, and whatever is mid-attempt finishes and records.
	var (
		abortMu     sync.Mutex
		abortReason string
	)
	abort := func(reason string) {
		abortMu.Lock()
		if abortReason == "" {
			abortReason = reason
		}
		abortMu.Unlock()
	}
	abortedReason := func() string {
		abortMu.Lock()
		defer abortMu.Unlock()
		return abortReason
	}

	g := new(errgroup.Group)
	g.SetLimit(s.itemLimit)
	for _, item := range items {
		g.Go(func() error {
			if abortedReason() != "" {
				return nil
			}
			if !job.DryRun {
				exhausted, err := s.gate.BudgetExhausted(ctx)
				if err != nil {
					abort("check daily budget: " + err.Error())
					return nil
				}
				if exhausted {
					telemetry.SafetyBlocked.Inc()
					abort(budgetAbortReason)
					return nil
				}
			}
			if err := s.runItem(ctx, job, item, settings, registry); err != nil {
				abort("storage fault: " + err.Error())
			}
			return nil
		})
	}
	_ = g.Wait()

	if reason := abortedReason(); reason != "" {
		if err := s.store.FailJob(ctx, jobID, reason); err != nil {
			return err
		}
		// An item whose outcome could not be persisted is still marked
		// running; put it back so a retry can pick it up.
		_, _ = s.store.ResetRunningItems(ctx, jobID)
		return nil
	}
	return s.store.CompleteJob(ctx, jobID)
}

// runItem walks one item's ladder. It returns an error only for storage
// faults; executor failures are absorbed into the item's terminal state.
func (s *Scheduler) runItem(ctx context.Context, job models.Job, item models.JobItem, settings models.Settings, registry executor.Registry) error {
	if err := s.store.MarkItemRunning(ctx, job.ID, item.ID); err != nil {
		if errors.Is(err, models.ErrInvalidState) || errors.Is(err, models.ErrNotFound) {
			// Raced with another transition; the item is no longer ours.
			return nil
		}
		return err
	}

	var (
		last       executor.AttemptOutcome
		lastMethod string
		stopped    bool
	)
	for _, method := range strategy.SelectMethods(item, settings) {
		exec, ok := registry.Get(method)
		if !ok {
			continue
		}

		if err := s.attemptAudit(ctx, job, item, method, models.ActionAttempt, executor.AttemptOutcome{}, 0); err != nil {
			return err
		}

		outcome, duration, err := s.dispatch(ctx, exec, method, item)
		if err != nil {
			return err
		}

		action := models.ActionFail
		label := "fail"
		if outcome.Success {
			action = models.ActionSuccess
			label = "success"
		}
		if err := s.attemptAudit(ctx, job, item, method, action, outcome, duration); err != nil {
			return err
		}
		telemetry.Attempts.WithLabelValues(method, label).Inc()

		last = outcome
		lastMethod = method
		if outcome.Success {
			break
		}
		if outcome.ShouldStop {
			stopped = true
			break
		}
	}

	result := store.ItemOutcome{Status: models.ItemFailed, Method: lastMethod}
	switch {
	case last.Success:
		result.Status = models.ItemSuccess
	case stopped && last.ErrorMessage != "":
		msg := executor.Truncate(last.ErrorMessage)
		result.ErrorMessage = &msg
	default:
		msg := allFailedMessage
		result.ErrorMessage = &msg
	}

	if err := s.store.UpdateItem(ctx, job.ID, item.ID, result); err != nil {
		if errors.Is(err, models.ErrInvalidState) {
			// Lost a race to a concurrent terminal transition; the recorded
			// outcome stands.
			return nil
		}
		return err
	}
	return nil
}

// dispatch runs one executor call inside its class pool.
func (s *Scheduler) dispatch(ctx context.Context, exec executor.Executor, method string, item models.JobItem) (executor.AttemptOutcome, time.Duration, error) {
	pool, gauge := s.poolFor(method)
	if err := pool.Acquire(ctx, 1); err != nil {
		return executor.AttemptOutcome{}, 0, err
	}
	gauge.Inc()
	start := time.Now()
	outcome := exec.Attempt(ctx, item)
	duration := time.Since(start)
	gauge.Dec()
	pool.Release(1)
	return outcome, duration, nil
}

func (s *Scheduler) poolFor(method string) (*semaphore.Weighted, prometheus.Gauge) {
	if strategy.ClassOf(method) == strategy.ClassBrowser {
		return s.browserPool, telemetry.BrowserPoolInflight
	}
	return s.httpPool, telemetry.HTTPPoolInflight
}

// attemptAudit writes one audit row around an executor call. The attempt row
// goes in before the call; the outcome row follows it with the measured
// duration.
func (s *Scheduler) attemptAudit(ctx context.Context, job models.Job, item models.JobItem, method string, action models.AuditAction, outcome executor.AttemptOutcome, duration time.Duration) error {
	jobID := job.ID
	rec := models.AuditRecord{
		Timestamp:   time.Now().UTC(),
		JobID:       &jobID,
		Sender:      item.Sender,
		SenderEmail: item.SenderEmail,
		Action:      action,
		Method:      method,
		URLUsed:     executor.EndpointFor(item, method),
		RetryNumber: item.RetryCount,
		DryRun:      job.DryRun,
	}
	if action != models.ActionAttempt {
		rec.HTTPStatus = outcome.HTTPStatus
		rec.DurationMS = duration.Milliseconds()
		if !outcome.Success && outcome.ErrorMessage != "" {
			msg := executor.Truncate(outcome.ErrorMessage)
			rec.ErrorMessage = &msg
		}
	}
	return s.store.AppendAudit(ctx, rec)
}
