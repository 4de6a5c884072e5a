package executor

import (
	"context"

	"unsubscribe-engine/internal/models"
)

// Manual performs no external action. It exists so the manual tier can sit in
// a strategy ladder: the attempt reports failure, the audit row records the
// endpoint, and the item surfaces through the failed-URLs listing for a human
// to finish.
type Manual struct{}

func (Manual) Name() string { return models.MethodManual }

func (Manual) Attempt(_ context.Context, _ models.JobItem) AttemptOutcome {
	return AttemptOutcome{ErrorMessage: "queued for manual action"}
}
