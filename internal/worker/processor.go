// Package worker drives run execution. It leases runs from the queue,
// hands each one to the scheduler, and settles the lease according to how
// the run ended. A run whose worker dies mid-flight comes back through the
// visibility timeout; a run that keeps coming back is dead-lettered.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"unsubscribe-engine/internal/config"
	"unsubscribe-engine/internal/models"
	"unsubscribe-engine/internal/queue"
	"unsubscribe-engine/internal/scheduler"
	"unsubscribe-engine/internal/store"
	"unsubscribe-engine/internal/telemetry"
)

// Processor drives the worker execution loop.
type Processor struct {
	cfg      config.Config
	queue    *queue.RunQueue
	store    store.Store
	sched    *scheduler.Scheduler
	workerID string
}

func NewProcessor(cfg config.Config, q *queue.RunQueue, st store.Store, sched *scheduler.Scheduler) *Processor {
	return NewProcessorWithID(cfg, q, st, sched, "")
}

// NewProcessorWithID creates a processor with a specific worker ID for log
// attribution.
func NewProcessorWithID(cfg config.Config, q *queue.RunQueue, st store.Store, sched *scheduler.Scheduler, workerID string) *Processor {
	return &Processor{
		cfg:      cfg,
		queue:    q,
		store:    st,
		sched:    sched,
		workerID: workerID,
	}
}

// Run starts the main worker loop until context cancellation. Jobs the
// database still shows as running are re-queued first, so runs interrupted
// by a crash of this worker's predecessor resume without operator help.
func (p *Processor) Run(ctx context.Context) error {
	if p.workerID != "" {
		log.Printf("worker %s starting", p.workerID)
	}
	if n, err := p.ResumeInterrupted(ctx); err != nil {
		log.Printf("resume interrupted runs: %v", err)
	} else if n > 0 {
		log.Printf("re-queued %d interrupted runs", n)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		worked, err := p.Step(ctx)
		if err != nil {
			log.Printf("worker step: %v", err)
		}
		if !worked {
			sleepCtx(ctx, p.cfg.WorkerPollInterval)
		}
	}
}

// Step performs one maintenance-and-dequeue cycle: reclaim expired leases,
// refresh the depth gauge, then claim and execute at most one run. It
// reports whether a run was claimed so the caller can idle between empty
// polls.
func (p *Processor) Step(ctx context.Context) (bool, error) {
	if reclaimed, err := p.queue.RequeueExpired(ctx, time.Now(), 100); err == nil && len(reclaimed) > 0 {
		log.Printf("reclaimed %d expired run leases", len(reclaimed))
	}
	if depth, err := p.queue.ReadyDepth(ctx); err == nil {
		telemetry.RunQueueDepth.Set(float64(depth))
	}

	jobID, deliveries, err := p.queue.DequeueWithLease(ctx)
	if err != nil {
		return false, err
	}
	if jobID == "" {
		return false, nil
	}

	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		// A run for a job the database does not know is dropped; anything
		// else keeps its lease and comes back after the visibility timeout.
		if errors.Is(err, models.ErrNotFound) {
			_ = p.queue.Ack(ctx, jobID)
		}
		return true, err
	}
	if job.Status == models.JobCompleted || job.Status == models.JobFailed {
		_ = p.queue.Ack(ctx, jobID)
		return true, nil
	}

	if p.cfg.MaxRunDeliveries > 0 && deliveries > p.cfg.MaxRunDeliveries {
		p.deadLetter(ctx, jobID, deliveries)
		return true, nil
	}

	if err := p.execute(ctx, jobID); err != nil {
		if errors.Is(err, models.ErrNotFound) || errors.Is(err, models.ErrInvalidState) {
			_ = p.queue.Ack(ctx, jobID)
			return true, err
		}
		telemetry.RunsProcessed.WithLabelValues("error").Inc()
		return true, fmt.Errorf("run %s: %w", jobID, err)
	}

	if err := p.queue.Ack(ctx, jobID); err != nil {
		return true, err
	}
	if final, err := p.store.GetJob(ctx, jobID); err == nil {
		telemetry.RunsProcessed.WithLabelValues(string(final.Status)).Inc()
	}
	return true, nil
}

// execute runs the scheduler under a lease heartbeat, so long browser runs
// do not lose their claim halfway through.
func (p *Processor) execute(ctx context.Context, jobID string) error {
	hbCtx, stop := context.WithCancel(ctx)
	defer stop()
	go p.heartbeat(hbCtx, jobID)
	return p.sched.Run(ctx, jobID)
}

func (p *Processor) heartbeat(ctx context.Context, jobID string) {
	ttl := p.cfg.VisibilityTimeout
	if ttl == 0 {
		ttl = 2 * time.Minute
	}
	ticker := time.NewTicker(ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.queue.ExtendLease(ctx, jobID, ttl); err != nil {
				log.Printf("extend lease for run %s: %v", jobID, err)
			}
		}
	}
}

// deadLetter parks a run that keeps getting delivered without finishing.
// The job is failed with the delivery count as reason; Remove closes the
// race where an expired copy of the run was requeued just before parking.
func (p *Processor) deadLetter(ctx context.Context, jobID string, deliveries int) {
	reason := fmt.Sprintf("run delivered %d times, limit %d", deliveries, p.cfg.MaxRunDeliveries)
	if err := p.store.FailJob(ctx, jobID, reason); err != nil {
		log.Printf("fail dead-lettered job %s: %v", jobID, err)
	}
	_, _ = p.store.ResetRunningItems(ctx, jobID)
	_ = p.queue.DLQPush(ctx, jobID)
	_ = p.queue.Remove(ctx, jobID)
	_ = p.queue.Ack(ctx, jobID)
	telemetry.RunsDeadLettered.Inc()
	log.Printf("dead-lettered run %s: %s", jobID, reason)
}

// ResumeInterrupted re-queues every job the database shows as running.
// Runs held by a live worker are already in the in-flight set, so the
// conditional enqueue leaves them alone.
func (p *Processor) ResumeInterrupted(ctx context.Context) (int, error) {
	jobs, err := p.store.ActiveJobs(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, job := range jobs {
		added, err := p.queue.EnqueueIfAbsent(ctx, job.ID)
		if err != nil {
			return n, err
		}
		if added {
			n++
		}
	}
	return n, nil
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
