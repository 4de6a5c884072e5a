package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"unsubscribe-engine/internal/models"
)

func seedJob(t *testing.T, s *Memory, n int) (models.Job, []models.JobItem) {
	t.Helper()
	url := "https://news.example.com/unsub"
	candidates := make([]models.Candidate, 0, n)
	for i := 0; i < n; i++ {
		candidates = append(candidates, models.Candidate{
			Sender:         "Sender",
			SenderEmail:    string(rune('a'+i)) + "@example.com",
			UnsubscribeURL: &url,
		})
	}
	job, err := s.CreateJob(context.Background(), candidates, false)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	items, err := s.GetItems(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetItems: %v", err)
	}
	if len(items) != n {
		t.Fatalf("got %d items, want %d", len(items), n)
	}
	return job, items
}

func checkCounters(t *testing.T, job models.Job) {
	t.Helper()
	if job.CompletedItems != job.SuccessfulItems+job.FailedItems {
		t.Fatalf("completed=%d != successful=%d + failed=%d",
			job.CompletedItems, job.SuccessfulItems, job.FailedItems)
	}
	if job.CompletedItems > job.TotalItems {
		t.Fatalf("completed=%d exceeds total=%d", job.CompletedItems, job.TotalItems)
	}
}

func TestUpdateItemKeepsCountersConsistent(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	job, items := seedJob(t, s, 3)
	if err := s.StartJob(ctx, job.ID); err != nil {
		t.Fatalf("StartJob: %v", err)
	}

	outcomes := []ItemOutcome{
		{Status: models.ItemSuccess, Method: models.MethodOneClick},
		{Status: models.ItemFailed, Method: models.MethodOneClick, ErrorMessage: strPtr("All methods failed")},
		{Status: models.ItemSuccess, Method: models.MethodBrowser},
	}
	for i, outcome := range outcomes {
		if err := s.UpdateItem(ctx, job.ID, items[i].ID, outcome); err != nil {
			t.Fatalf("UpdateItem(%d): %v", i, err)
		}
		got, err := s.GetJob(ctx, job.ID)
		if err != nil {
			t.Fatalf("GetJob: %v", err)
		}
		checkCounters(t, got)
		if got.TotalItems != 3 {
			t.Fatalf("total changed to %d", got.TotalItems)
		}
	}

	got, _ := s.GetJob(ctx, job.ID)
	if got.SuccessfulItems != 2 || got.FailedItems != 1 || got.CompletedItems != 3 {
		t.Fatalf("counters = {%d %d %d}, want {2 1 3}",
			got.SuccessfulItems, got.FailedItems, got.CompletedItems)
	}
}

func TestUpdateItemSuccessIsImmutable(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	job, items := seedJob(t, s, 1)
	if err := s.StartJob(ctx, job.ID); err != nil {
		t.Fatalf("StartJob: %v", err)
	}
	if err := s.UpdateItem(ctx, job.ID, items[0].ID, ItemOutcome{Status: models.ItemSuccess, Method: models.MethodOneClick}); err != nil {
		t.Fatalf("UpdateItem: %v", err)
	}

	err := s.UpdateItem(ctx, job.ID, items[0].ID, ItemOutcome{Status: models.ItemFailed, Method: models.MethodOneClick})
	if !errors.Is(err, models.ErrInvalidState) {
		t.Fatalf("second UpdateItem err = %v, want ErrInvalidState", err)
	}

	got, _ := s.GetItems(ctx, job.ID)
	if got[0].Status != models.ItemSuccess {
		t.Fatalf("item status = %s after rejected update", got[0].Status)
	}
	gotJob, _ := s.GetJob(ctx, job.ID)
	if gotJob.CompletedItems != 1 || gotJob.SuccessfulItems != 1 {
		t.Fatalf("counters moved on rejected update: %+v", gotJob)
	}
}

func TestUpdateItemRejectsNonTerminalTarget(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	job, items := seedJob(t, s, 1)
	err := s.UpdateItem(ctx, job.ID, items[0].ID, ItemOutcome{Status: models.ItemRunning})
	if !errors.Is(err, models.ErrInvalidState) {
		t.Fatalf("err = %v, want ErrInvalidState", err)
	}
}

func TestStartJobOnlyFromPending(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	job, _ := seedJob(t, s, 1)

	if err := s.StartJob(ctx, job.ID); err != nil {
		t.Fatalf("StartJob: %v", err)
	}
	if err := s.StartJob(ctx, job.ID); !errors.Is(err, models.ErrInvalidState) {
		t.Fatalf("second StartJob err = %v, want ErrInvalidState", err)
	}
	if err := s.StartJob(ctx, "missing"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("StartJob(missing) err = %v, want ErrNotFound", err)
	}

	got, _ := s.GetJob(ctx, job.ID)
	if got.Status != models.JobRunning || got.StartedAt == nil {
		t.Fatalf("job after start = %+v", got)
	}
}

func TestCompleteJobIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	job, items := seedJob(t, s, 1)
	if err := s.StartJob(ctx, job.ID); err != nil {
		t.Fatalf("StartJob: %v", err)
	}
	if err := s.UpdateItem(ctx, job.ID, items[0].ID, ItemOutcome{Status: models.ItemSuccess, Method: models.MethodOneClick}); err != nil {
		t.Fatalf("UpdateItem: %v", err)
	}
	if err := s.CompleteJob(ctx, job.ID); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}

	first, _ := s.GetJob(ctx, job.ID)
	if first.Status != models.JobCompleted || first.CompletedAt == nil {
		t.Fatalf("job after complete = %+v", first)
	}

	time.Sleep(5 * time.Millisecond)
	if err := s.CompleteJob(ctx, job.ID); err != nil {
		t.Fatalf("second CompleteJob: %v", err)
	}
	second, _ := s.GetJob(ctx, job.ID)
	if !second.CompletedAt.Equal(*first.CompletedAt) {
		t.Fatalf("completed_at moved from %v to %v", first.CompletedAt, second.CompletedAt)
	}
}

func TestCompleteJobRejectsOpenItems(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	job, _ := seedJob(t, s, 2)
	if err := s.StartJob(ctx, job.ID); err != nil {
		t.Fatalf("StartJob: %v", err)
	}
	if err := s.CompleteJob(ctx, job.ID); !errors.Is(err, models.ErrInvalidState) {
		t.Fatalf("CompleteJob err = %v, want ErrInvalidState", err)
	}
}

func TestFailJobAbortsRun(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	job, _ := seedJob(t, s, 2)
	if err := s.StartJob(ctx, job.ID); err != nil {
		t.Fatalf("StartJob: %v", err)
	}
	if err := s.FailJob(ctx, job.ID, "daily unsubscribe limit reached"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}
	got, _ := s.GetJob(ctx, job.ID)
	if got.Status != models.JobFailed || got.LastError == nil || *got.LastError != "daily unsubscribe limit reached" {
		t.Fatalf("job after fail = %+v", got)
	}
	// Failing again is a no-op; failing a completed job is rejected.
	if err := s.FailJob(ctx, job.ID, "other"); err != nil {
		t.Fatalf("second FailJob: %v", err)
	}
	still, _ := s.GetJob(ctx, job.ID)
	if *still.LastError != "daily unsubscribe limit reached" {
		t.Fatalf("last_error overwritten: %s", *still.LastError)
	}
}

func TestRetryJobResetsFailedItems(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	job, items := seedJob(t, s, 3)
	if err := s.StartJob(ctx, job.ID); err != nil {
		t.Fatalf("StartJob: %v", err)
	}
	msg := "connection refused"
	for i, outcome := range []ItemOutcome{
		{Status: models.ItemSuccess, Method: models.MethodOneClick},
		{Status: models.ItemFailed, Method: models.MethodOneClick, ErrorMessage: &msg},
		{Status: models.ItemFailed, Method: models.MethodBrowser, ErrorMessage: &msg},
	} {
		if err := s.UpdateItem(ctx, job.ID, items[i].ID, outcome); err != nil {
			t.Fatalf("UpdateItem(%d): %v", i, err)
		}
	}
	if err := s.CompleteJob(ctx, job.ID); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}

	reset, err := s.RetryJob(ctx, job.ID, nil)
	if err != nil {
		t.Fatalf("RetryJob: %v", err)
	}
	if reset != 2 {
		t.Fatalf("reset = %d, want 2", reset)
	}

	got, _ := s.GetJob(ctx, job.ID)
	if got.Status != models.JobPending || got.CompletedAt != nil {
		t.Fatalf("job after retry = %+v", got)
	}
	if got.CompletedItems != 1 || got.FailedItems != 0 || got.SuccessfulItems != 1 || got.TotalItems != 3 {
		t.Fatalf("counters after retry = %+v", got)
	}
	checkCounters(t, got)

	gotItems, _ := s.GetItems(ctx, job.ID)
	for _, item := range gotItems[1:] {
		if item.Status != models.ItemPending || item.RetryCount != 1 || item.ErrorMessage != nil {
			t.Fatalf("item after retry = %+v", item)
		}
	}
	if gotItems[0].Status != models.ItemSuccess || gotItems[0].RetryCount != 0 {
		t.Fatalf("successful item touched by retry: %+v", gotItems[0])
	}
}

func TestRetryJobNamedItems(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	job, items := seedJob(t, s, 2)
	if err := s.StartJob(ctx, job.ID); err != nil {
		t.Fatalf("StartJob: %v", err)
	}
	for i := range items {
		if err := s.UpdateItem(ctx, job.ID, items[i].ID, ItemOutcome{Status: models.ItemFailed, Method: models.MethodOneClick}); err != nil {
			t.Fatalf("UpdateItem(%d): %v", i, err)
		}
	}
	if err := s.CompleteJob(ctx, job.ID); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}

	if _, err := s.RetryJob(ctx, job.ID, []int64{items[0].ID, 99999}); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("retry with unknown item err = %v, want ErrNotFound", err)
	}

	reset, err := s.RetryJob(ctx, job.ID, []int64{items[0].ID})
	if err != nil {
		t.Fatalf("RetryJob: %v", err)
	}
	if reset != 1 {
		t.Fatalf("reset = %d, want 1", reset)
	}
	got, _ := s.GetJob(ctx, job.ID)
	if got.FailedItems != 1 || got.CompletedItems != 1 {
		t.Fatalf("counters after named retry = %+v", got)
	}
}

func TestRetryJobNoFailedItemsIsNoop(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	job, items := seedJob(t, s, 1)
	if err := s.StartJob(ctx, job.ID); err != nil {
		t.Fatalf("StartJob: %v", err)
	}
	if err := s.UpdateItem(ctx, job.ID, items[0].ID, ItemOutcome{Status: models.ItemSuccess, Method: models.MethodOneClick}); err != nil {
		t.Fatalf("UpdateItem: %v", err)
	}
	if err := s.CompleteJob(ctx, job.ID); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}
	before, _ := s.GetJob(ctx, job.ID)

	reset, err := s.RetryJob(ctx, job.ID, nil)
	if err != nil {
		t.Fatalf("RetryJob: %v", err)
	}
	if reset != 0 {
		t.Fatalf("reset = %d, want 0", reset)
	}
	after, _ := s.GetJob(ctx, job.ID)
	if after.Status != before.Status || !after.CompletedAt.Equal(*before.CompletedAt) {
		t.Fatalf("no-op retry changed job: before=%+v after=%+v", before, after)
	}
}

func TestRetryJobRejectsRunning(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	job, _ := seedJob(t, s, 1)
	if err := s.StartJob(ctx, job.ID); err != nil {
		t.Fatalf("StartJob: %v", err)
	}
	if _, err := s.RetryJob(ctx, job.ID, nil); !errors.Is(err, models.ErrInvalidState) {
		t.Fatalf("retry running err = %v, want ErrInvalidState", err)
	}
}

func TestMarkAndResetRunningItems(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	job, items := seedJob(t, s, 2)
	if err := s.StartJob(ctx, job.ID); err != nil {
		t.Fatalf("StartJob: %v", err)
	}

	if err := s.MarkItemRunning(ctx, job.ID, items[0].ID); err != nil {
		t.Fatalf("MarkItemRunning: %v", err)
	}
	if err := s.MarkItemRunning(ctx, job.ID, items[0].ID); !errors.Is(err, models.ErrInvalidState) {
		t.Fatalf("double mark err = %v, want ErrInvalidState", err)
	}
	pending, _ := s.PendingItems(ctx, job.ID)
	if len(pending) != 1 || pending[0].ID != items[1].ID {
		t.Fatalf("pending = %+v", pending)
	}

	n, err := s.ResetRunningItems(ctx, job.ID)
	if err != nil {
		t.Fatalf("ResetRunningItems: %v", err)
	}
	if n != 1 {
		t.Fatalf("reset %d running items, want 1", n)
	}
	pending, _ = s.PendingItems(ctx, job.ID)
	if len(pending) != 2 {
		t.Fatalf("pending after reset = %d, want 2", len(pending))
	}
}

func TestCountAttemptsSinceExcludesDryRun(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	now := time.Now().UTC()

	rows := []models.AuditRecord{
		{Timestamp: now.Add(-2 * time.Hour), SenderEmail: "a@x.com", Action: models.ActionAttempt},
		{Timestamp: now.Add(-1 * time.Hour), SenderEmail: "b@x.com", Action: models.ActionAttempt, DryRun: true},
		{Timestamp: now.Add(-1 * time.Hour), SenderEmail: "c@x.com", Action: models.ActionSuccess},
		{Timestamp: now.Add(-30 * time.Hour), SenderEmail: "d@x.com", Action: models.ActionAttempt},
	}
	for _, rec := range rows {
		if err := s.AppendAudit(ctx, rec); err != nil {
			t.Fatalf("AppendAudit: %v", err)
		}
	}

	n, err := s.CountAttemptsSince(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("CountAttemptsSince: %v", err)
	}
	if n != 1 {
		t.Fatalf("count = %d, want 1 (dry-run, success action and old rows excluded)", n)
	}
}

func TestLastAttemptAt(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	now := time.Now().UTC()

	for _, rec := range []models.AuditRecord{
		{Timestamp: now.Add(-3 * time.Hour), SenderEmail: "a@x.com", Action: models.ActionAttempt},
		{Timestamp: now.Add(-1 * time.Hour), SenderEmail: "a@x.com", Action: models.ActionFail},
		{Timestamp: now.Add(-2 * time.Hour), SenderEmail: "b@x.com", Action: models.ActionAttempt, DryRun: true},
	} {
		if err := s.AppendAudit(ctx, rec); err != nil {
			t.Fatalf("AppendAudit: %v", err)
		}
	}

	last, err := s.LastAttemptAt(ctx, []string{"a@x.com", "b@x.com", "c@x.com"})
	if err != nil {
		t.Fatalf("LastAttemptAt: %v", err)
	}
	if got, ok := last["a@x.com"]; !ok || !got.Equal(now.Add(-1*time.Hour)) {
		t.Fatalf("last[a@x.com] = %v, want %v", got, now.Add(-1*time.Hour))
	}
	if _, ok := last["b@x.com"]; ok {
		t.Fatal("dry-run row counted for b@x.com")
	}
	if _, ok := last["c@x.com"]; ok {
		t.Fatal("unknown sender has an entry")
	}
}

func TestQueryAuditFiltersAndOrders(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	now := time.Now().UTC()

	jobID := "job-1"
	for i, rec := range []models.AuditRecord{
		{Timestamp: now.Add(-3 * time.Hour), SenderEmail: "a@x.com", Action: models.ActionAttempt, JobID: &jobID},
		{Timestamp: now.Add(-2 * time.Hour), SenderEmail: "a@x.com", Action: models.ActionSuccess, JobID: &jobID},
		{Timestamp: now.Add(-1 * time.Hour), SenderEmail: "b@x.com", Action: models.ActionManualOpen},
	} {
		if err := s.AppendAudit(ctx, rec); err != nil {
			t.Fatalf("AppendAudit(%d): %v", i, err)
		}
	}

	all, err := s.QueryAudit(ctx, AuditFilter{})
	if err != nil {
		t.Fatalf("QueryAudit: %v", err)
	}
	if len(all) != 3 || !all[0].Timestamp.After(all[2].Timestamp) {
		t.Fatalf("unfiltered query = %+v", all)
	}

	bySender, _ := s.QueryAudit(ctx, AuditFilter{SenderEmail: "a@x.com"})
	if len(bySender) != 2 {
		t.Fatalf("sender filter returned %d rows, want 2", len(bySender))
	}
	byAction, _ := s.QueryAudit(ctx, AuditFilter{Action: models.ActionManualOpen})
	if len(byAction) != 1 || byAction[0].JobID != nil {
		t.Fatalf("action filter = %+v", byAction)
	}
	from := now.Add(-150 * time.Minute)
	windowed, _ := s.QueryAudit(ctx, AuditFilter{From: &from})
	if len(windowed) != 2 {
		t.Fatalf("from filter returned %d rows, want 2", len(windowed))
	}
	limited, _ := s.QueryAudit(ctx, AuditFilter{Limit: 1, Offset: 1})
	if len(limited) != 1 || !limited[0].Timestamp.Equal(now.Add(-2*time.Hour)) {
		t.Fatalf("limit/offset = %+v", limited)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	got, err := s.GetSettings(ctx)
	if err != nil {
		t.Fatalf("GetSettings: %v", err)
	}
	if got.DailyLimit != 50 || got.CooldownHours != 24 {
		t.Fatalf("defaults = %+v", got)
	}

	got.DailyLimit = 10
	got.StrategyOrder = []string{models.MethodMailto}
	if err := s.PutSettings(ctx, got); err != nil {
		t.Fatalf("PutSettings: %v", err)
	}
	back, _ := s.GetSettings(ctx)
	if back.DailyLimit != 10 || len(back.StrategyOrder) != 1 || back.StrategyOrder[0] != models.MethodMailto {
		t.Fatalf("settings after put = %+v", back)
	}

	// Mutating the returned slice must not leak into the store.
	back.StrategyOrder[0] = models.MethodBrowser
	again, _ := s.GetSettings(ctx)
	if again.StrategyOrder[0] != models.MethodMailto {
		t.Fatal("stored settings aliased by returned value")
	}
}

func TestRulesUpsertAndDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	rule := models.SenderRule{SenderEmail: "spam@x.com", RuleType: models.RuleBlock, Reason: "aggressive sender"}
	if err := s.PutRule(ctx, rule); err != nil {
		t.Fatalf("PutRule: %v", err)
	}
	rules, _ := s.ListRules(ctx)
	if len(rules) != 1 || rules[0].CreatedAt.IsZero() {
		t.Fatalf("rules = %+v", rules)
	}
	created := rules[0].CreatedAt

	rule.RuleType = models.RuleAllow
	if err := s.PutRule(ctx, rule); err != nil {
		t.Fatalf("PutRule update: %v", err)
	}
	rules, _ = s.ListRules(ctx)
	if rules[0].RuleType != models.RuleAllow || !rules[0].CreatedAt.Equal(created) {
		t.Fatalf("rule after upsert = %+v", rules[0])
	}

	if err := s.DeleteRule(ctx, "spam@x.com"); err != nil {
		t.Fatalf("DeleteRule: %v", err)
	}
	if err := s.DeleteRule(ctx, "spam@x.com"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("second delete err = %v, want ErrNotFound", err)
	}
}

func TestRulesByType(t *testing.T) {
	rules := []models.SenderRule{
		{SenderEmail: "a@x.com", RuleType: models.RuleBlock},
		{SenderEmail: "b@x.com", RuleType: models.RuleSkip},
		{SenderEmail: "c@x.com", RuleType: models.RuleAllow},
	}
	blocked, allowed := RulesByType(rules)
	if len(blocked) != 2 || len(allowed) != 1 {
		t.Fatalf("blocked=%d allowed=%d, want 2/1", len(blocked), len(allowed))
	}
	if _, ok := blocked["b@x.com"]; !ok {
		t.Fatal("skip rule not treated as block")
	}
}

func TestListJobsNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	var ids []string
	for i := 0; i < 3; i++ {
		job, _ := seedJob(t, s, 1)
		ids = append(ids, job.ID)
		time.Sleep(2 * time.Millisecond)
	}

	jobs, err := s.ListJobs(ctx, 2, 0)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(jobs) != 2 || jobs[0].ID != ids[2] || jobs[1].ID != ids[1] {
		t.Fatalf("jobs = %+v, want newest first", jobs)
	}

	rest, _ := s.ListJobs(ctx, 2, 2)
	if len(rest) != 1 || rest[0].ID != ids[0] {
		t.Fatalf("offset page = %+v", rest)
	}
}

func TestActiveJobs(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	first, _ := seedJob(t, s, 1)
	second, _ := seedJob(t, s, 1)
	if err := s.StartJob(ctx, first.ID); err != nil {
		t.Fatalf("StartJob: %v", err)
	}

	active, err := s.ActiveJobs(ctx)
	if err != nil {
		t.Fatalf("ActiveJobs: %v", err)
	}
	if len(active) != 1 || active[0].ID != first.ID {
		t.Fatalf("active = %+v", active)
	}
	for _, job := range active {
		if job.ID == second.ID {
			t.Fatal("pending job reported active")
		}
	}
}

func strPtr(s string) *string { return &s }
