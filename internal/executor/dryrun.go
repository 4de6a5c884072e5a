package executor

import (
	"context"

	"unsubscribe-engine/internal/models"
)

// dryRun wraps an executor and skips its side effect, reporting synthetic
// success. Audit rows for a dry run are tagged by the scheduler and excluded
// from budget queries.
type dryRun struct {
	inner Executor
}

func (d dryRun) Name() string { return d.inner.Name() }

func (d dryRun) Attempt(_ context.Context, _ models.JobItem) AttemptOutcome {
	return AttemptOutcome{Success: true}
}

// DryRunRegistry mirrors a registry with effect-free executors.
func DryRunRegistry(reg Registry) Registry {
	out := make(Registry, len(reg))
	for name, e := range reg {
		out[name] = dryRun{inner: e}
	}
	return out
}
