package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"unsubscribe-engine/internal/models"
)

// Postgres wraps pgxpool for durable persistence.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const jobColumns = `id, status, dry_run, created_at, started_at, completed_at, last_error, total_items, completed_items, successful_items, failed_items`

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var startedAt, completedAt pgtype.Timestamptz
	var lastErr pgtype.Text
	err := row.Scan(&job.ID, &job.Status, &job.DryRun, &job.CreatedAt, &startedAt, &completedAt,
		&lastErr, &job.TotalItems, &job.CompletedItems, &job.SuccessfulItems, &job.FailedItems)
	if err != nil {
		return models.Job{}, err
	}
	job.StartedAt = tsPtr(startedAt)
	job.CompletedAt = tsPtr(completedAt)
	job.LastError = textPtr(lastErr)
	return job, nil
}

// CreateJob inserts a pending job and one pending item per candidate in a
// single transaction.
func (s *Postgres) CreateJob(ctx context.Context, candidates []models.Candidate, dryRun bool) (models.Job, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	id := uuid.New().String()
	now := time.Now().UTC()

	_, err = tx.Exec(ctx, `
		INSERT INTO jobs (id, status, dry_run, created_at, total_items, completed_items, successful_items, failed_items)
		VALUES ($1, $2, $3, $4, $5, 0, 0, 0)
	`, id, models.JobPending, dryRun, now, len(candidates))
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}

	for _, c := range candidates {
		_, err = tx.Exec(ctx, `
			INSERT INTO job_items (job_id, sender, sender_email, unsubscribe_url, unsubscribe_mailto, status, retry_count)
			VALUES ($1, $2, $3, $4, $5, $6, 0)
		`, id, c.Sender, c.SenderEmail, c.UnsubscribeURL, c.UnsubscribeMailto, models.ItemPending)
		if err != nil {
			return models.Job{}, fmt.Errorf("insert job item: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, fmt.Errorf("commit: %w", err)
	}

	return models.Job{
		ID:         id,
		Status:     models.JobPending,
		DryRun:     dryRun,
		CreatedAt:  now,
		TotalItems: len(candidates),
	}, nil
}

// GetJob fetches a job by id.
func (s *Postgres) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

// ListJobs returns jobs newest first.
func (s *Postgres) ListJobs(ctx context.Context, limit, offset int) ([]models.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC, id LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// ActiveJobs returns running jobs, oldest start first. The worker resumes
// these after a restart.
func (s *Postgres) ActiveJobs(ctx context.Context) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE status = $1 ORDER BY started_at, id
	`, models.JobRunning)
	if err != nil {
		return nil, fmt.Errorf("query active jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

func collectJobs(rows pgx.Rows) ([]models.Job, error) {
	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// StartJob transitions pending -> running and stamps started_at.
func (s *Postgres) StartJob(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, started_at = $3 WHERE id = $1 AND status = $4
	`, id, models.JobRunning, time.Now().UTC(), models.JobPending)
	if err != nil {
		return fmt.Errorf("start job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		job, err := s.GetJob(ctx, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("start job %s in status %s: %w", id, job.Status, models.ErrInvalidState)
	}
	return nil
}

// CompleteJob sets status completed once every item is terminal. A second
// call on a completed job is a no-op and does not touch completed_at. A
// failed job stays failed.
func (s *Postgres) CompleteJob(ctx context.Context, id string) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var status models.JobStatus
	err = tx.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1 FOR UPDATE`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("lock job: %w", err)
	}
	if status == models.JobCompleted || status == models.JobFailed {
		return nil
	}

	var open int
	err = tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM job_items WHERE job_id = $1 AND status NOT IN ($2, $3)
	`, id, models.ItemSuccess, models.ItemFailed).Scan(&open)
	if err != nil {
		return fmt.Errorf("count open items: %w", err)
	}
	if open > 0 {
		return fmt.Errorf("complete job %s with %d open items: %w", id, open, models.ErrInvalidState)
	}

	_, err = tx.Exec(ctx, `
		UPDATE jobs SET status = $2, completed_at = $3 WHERE id = $1
	`, id, models.JobCompleted, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return tx.Commit(ctx)
}

// FailJob aborts a whole job: safety revocation mid-run or a storage fault.
// Completed jobs cannot fail; failing an already-failed job is a no-op.
func (s *Postgres) FailJob(ctx context.Context, id, reason string) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var status models.JobStatus
	err = tx.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1 FOR UPDATE`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("lock job: %w", err)
	}
	switch status {
	case models.JobCompleted:
		return fmt.Errorf("fail completed job %s: %w", id, models.ErrInvalidState)
	case models.JobFailed:
		return nil
	}

	_, err = tx.Exec(ctx, `
		UPDATE jobs SET status = $2, completed_at = $3, last_error = $4 WHERE id = $1
	`, id, models.JobFailed, time.Now().UTC(), reason)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return tx.Commit(ctx)
}

// RetryJob resets failed items to pending and reopens the job. With no ids it
// targets every failed item; with ids it validates each one belongs to the
// job. Items that are not failed are skipped. Returns the reset count. A job
// with neither resets nor leftover pending items (an aborted run leaves some)
// is untouched.
func (s *Postgres) RetryJob(ctx context.Context, id string, itemIDs []int64) (int, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var status models.JobStatus
	err = tx.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1 FOR UPDATE`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("lock job: %w", err)
	}
	if status == models.JobRunning {
		return 0, fmt.Errorf("retry running job %s: %w", id, models.ErrInvalidState)
	}

	if len(itemIDs) > 0 {
		rows, err := tx.Query(ctx, `SELECT id FROM job_items WHERE job_id = $1 AND id = ANY($2)`, id, itemIDs)
		if err != nil {
			return 0, fmt.Errorf("validate item ids: %w", err)
		}
		found := make(map[int64]bool, len(itemIDs))
		for rows.Next() {
			var itemID int64
			if err := rows.Scan(&itemID); err != nil {
				rows.Close()
				return 0, fmt.Errorf("scan item id: %w", err)
			}
			found[itemID] = true
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return 0, fmt.Errorf("validate item ids: %w", err)
		}
		for _, itemID := range itemIDs {
			if !found[itemID] {
				return 0, fmt.Errorf("item %d in job %s: %w", itemID, id, models.ErrNotFound)
			}
		}
	}

	var tag pgx.CommandTag
	if len(itemIDs) == 0 {
		tag, err = tx.Exec(ctx, `
			UPDATE job_items SET status = $2, error_message = NULL, retry_count = retry_count + 1
			WHERE job_id = $1 AND status = $3
		`, id, models.ItemPending, models.ItemFailed)
	} else {
		tag, err = tx.Exec(ctx, `
			UPDATE job_items SET status = $2, error_message = NULL, retry_count = retry_count + 1
			WHERE job_id = $1 AND status = $3 AND id = ANY($4)
		`, id, models.ItemPending, models.ItemFailed, itemIDs)
	}
	if err != nil {
		return 0, fmt.Errorf("reset items: %w", err)
	}
	reset := int(tag.RowsAffected())

	var pending int
	err = tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM job_items WHERE job_id = $1 AND status = $2
	`, id, models.ItemPending).Scan(&pending)
	if err != nil {
		return 0, fmt.Errorf("count pending items: %w", err)
	}
	if reset == 0 && pending == 0 {
		return 0, nil
	}

	_, err = tx.Exec(ctx, `
		UPDATE jobs SET status = $2, completed_at = NULL, last_error = NULL,
			completed_items = completed_items - $3, failed_items = failed_items - $3
		WHERE id = $1
	`, id, models.JobPending, reset)
	if err != nil {
		return 0, fmt.Errorf("reopen job: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return reset, nil
}

const itemColumns = `id, job_id, sender, sender_email, unsubscribe_url, unsubscribe_mailto, method_attempted, status, error_message, attempted_at, retry_count`

func scanItem(row pgx.Row) (models.JobItem, error) {
	var item models.JobItem
	var url, mailto, method, errMsg pgtype.Text
	var attemptedAt pgtype.Timestamptz
	err := row.Scan(&item.ID, &item.JobID, &item.Sender, &item.SenderEmail, &url, &mailto,
		&method, &item.Status, &errMsg, &attemptedAt, &item.RetryCount)
	if err != nil {
		return models.JobItem{}, err
	}
	item.UnsubscribeURL = textPtr(url)
	item.UnsubscribeMailto = textPtr(mailto)
	item.MethodAttempted = textPtr(method)
	item.ErrorMessage = textPtr(errMsg)
	item.AttemptedAt = tsPtr(attemptedAt)
	return item, nil
}

// GetItems returns all items of a job in creation order.
func (s *Postgres) GetItems(ctx context.Context, jobID string) ([]models.JobItem, error) {
	if _, err := s.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+itemColumns+` FROM job_items WHERE job_id = $1 ORDER BY id
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer rows.Close()
	return collectItems(rows)
}

// PendingItems returns the job's pending items in creation order.
func (s *Postgres) PendingItems(ctx context.Context, jobID string) ([]models.JobItem, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+itemColumns+` FROM job_items WHERE job_id = $1 AND status = $2 ORDER BY id
	`, jobID, models.ItemPending)
	if err != nil {
		return nil, fmt.Errorf("query pending items: %w", err)
	}
	defer rows.Close()
	return collectItems(rows)
}

func collectItems(rows pgx.Rows) ([]models.JobItem, error) {
	var items []models.JobItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item row: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// MarkItemRunning transitions one pending item to running and stamps
// attempted_at.
func (s *Postgres) MarkItemRunning(ctx context.Context, jobID string, itemID int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE job_items SET status = $3, attempted_at = $4
		WHERE id = $2 AND job_id = $1 AND status = $5
	`, jobID, itemID, models.ItemRunning, time.Now().UTC(), models.ItemPending)
	if err != nil {
		return fmt.Errorf("mark item running: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.classifyItemConflict(ctx, jobID, itemID, "mark running")
	}
	return nil
}

// ResetRunningItems returns stale running items to pending. Called when a run
// resumes after a crash; the previous lease holder is gone so nothing is
// actually in flight.
func (s *Postgres) ResetRunningItems(ctx context.Context, jobID string) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE job_items SET status = $2 WHERE job_id = $1 AND status = $3
	`, jobID, models.ItemPending, models.ItemRunning)
	if err != nil {
		return 0, fmt.Errorf("reset running items: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// UpdateItem applies one item's terminal ladder outcome and bumps the owning
// job's counters in the same transaction. Only pending or running items may
// transition; success is immutable.
func (s *Postgres) UpdateItem(ctx context.Context, jobID string, itemID int64, outcome ItemOutcome) error {
	if outcome.Status != models.ItemSuccess && outcome.Status != models.ItemFailed {
		return fmt.Errorf("update item to non-terminal status %s: %w", outcome.Status, models.ErrInvalidState)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE job_items
		SET status = $3, method_attempted = $4, error_message = $5,
			attempted_at = COALESCE(attempted_at, $6)
		WHERE id = $2 AND job_id = $1 AND status IN ($7, $8)
	`, jobID, itemID, outcome.Status, emptyToNil(outcome.Method), outcome.ErrorMessage,
		time.Now().UTC(), models.ItemPending, models.ItemRunning)
	if err != nil {
		return fmt.Errorf("update item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.classifyItemConflict(ctx, jobID, itemID, "update")
	}

	_, err = tx.Exec(ctx, `
		UPDATE jobs SET
			completed_items = completed_items + 1,
			successful_items = successful_items + CASE WHEN $2 = $3 THEN 1 ELSE 0 END,
			failed_items = failed_items + CASE WHEN $2 = $4 THEN 1 ELSE 0 END
		WHERE id = $1
	`, jobID, string(outcome.Status), string(models.ItemSuccess), string(models.ItemFailed))
	if err != nil {
		return fmt.Errorf("bump job counters: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *Postgres) classifyItemConflict(ctx context.Context, jobID string, itemID int64, op string) error {
	var status models.ItemStatus
	err := s.pool.QueryRow(ctx, `
		SELECT status FROM job_items WHERE id = $2 AND job_id = $1
	`, jobID, itemID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("item %d in job %s: %w", itemID, jobID, models.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("inspect item: %w", err)
	}
	return fmt.Errorf("%s item %d in status %s: %w", op, itemID, status, models.ErrInvalidState)
}

// AppendAudit inserts one immutable audit row.
func (s *Postgres) AppendAudit(ctx context.Context, rec models.AuditRecord) error {
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_log (ts, job_id, sender, sender_email, action, method, url_used, http_status, error_message, duration_ms, retry_number, dry_run)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, ts, rec.JobID, rec.Sender, rec.SenderEmail, rec.Action, rec.Method, rec.URLUsed,
		rec.HTTPStatus, rec.ErrorMessage, rec.DurationMS, rec.RetryNumber, rec.DryRun)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

// CountAttemptsSince counts unsubscribe_attempt rows at or after since,
// excluding dry runs. This is the canonical daily-budget number.
func (s *Postgres) CountAttemptsSince(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM audit_log WHERE action = $1 AND ts >= $2 AND dry_run = FALSE
	`, models.ActionAttempt, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count attempts: %w", err)
	}
	return n, nil
}

// LastAttemptAt returns the most recent non-dry-run audit timestamp per
// sender. Senders with no history are absent from the map.
func (s *Postgres) LastAttemptAt(ctx context.Context, senderEmails []string) (map[string]time.Time, error) {
	out := make(map[string]time.Time, len(senderEmails))
	if len(senderEmails) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT sender_email, MAX(ts) FROM audit_log
		WHERE sender_email = ANY($1) AND dry_run = FALSE
		GROUP BY sender_email
	`, senderEmails)
	if err != nil {
		return nil, fmt.Errorf("query last attempts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var email string
		var ts time.Time
		if err := rows.Scan(&email, &ts); err != nil {
			return nil, fmt.Errorf("scan last attempt: %w", err)
		}
		out[email] = ts
	}
	return out, rows.Err()
}

// QueryAudit returns audit rows newest first, filtered by f.
func (s *Postgres) QueryAudit(ctx context.Context, f AuditFilter) ([]models.AuditRecord, error) {
	conds := []string{"TRUE"}
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.SenderEmail != "" {
		conds = append(conds, "sender_email = "+arg(f.SenderEmail))
	}
	if f.Action != "" {
		conds = append(conds, "action = "+arg(f.Action))
	}
	if f.JobID != "" {
		conds = append(conds, "job_id = "+arg(f.JobID))
	}
	if f.From != nil {
		conds = append(conds, "ts >= "+arg(*f.From))
	}
	if f.To != nil {
		conds = append(conds, "ts < "+arg(*f.To))
	}

	query := `
		SELECT id, ts, job_id, sender, sender_email, action, method, url_used, http_status, error_message, duration_ms, retry_number, dry_run
		FROM audit_log WHERE ` + strings.Join(conds, " AND ") + ` ORDER BY ts DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT " + arg(f.Limit)
	}
	if f.Offset > 0 {
		query += " OFFSET " + arg(f.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var recs []models.AuditRecord
	for rows.Next() {
		var rec models.AuditRecord
		var jobID, errMsg pgtype.Text
		var httpStatus pgtype.Int4
		err := rows.Scan(&rec.ID, &rec.Timestamp, &jobID, &rec.Sender, &rec.SenderEmail,
			&rec.Action, &rec.Method, &rec.URLUsed, &httpStatus, &errMsg,
			&rec.DurationMS, &rec.RetryNumber, &rec.DryRun)
		if err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		rec.JobID = textPtr(jobID)
		rec.ErrorMessage = textPtr(errMsg)
		rec.HTTPStatus = int4Ptr(httpStatus)
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

const (
	settingDailyLimit    = "daily_limit"
	settingCooldownHours = "cooldown_hours"
	settingStrategyOrder = "strategy_order"
	settingConfirmAbove  = "require_confirmation_threshold"
	settingDryRunDefault = "dry_run_default"
)

// GetSettings overlays stored rows on the defaults, so partially-written
// settings tables still yield a complete value.
func (s *Postgres) GetSettings(ctx context.Context) (models.Settings, error) {
	out := models.DefaultSettings()
	rows, err := s.pool.Query(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return models.Settings{}, fmt.Errorf("query settings: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return models.Settings{}, fmt.Errorf("scan setting: %w", err)
		}
		if err := applySetting(&out, key, value); err != nil {
			return models.Settings{}, err
		}
	}
	return out, rows.Err()
}

func applySetting(s *models.Settings, key, value string) error {
	var err error
	switch key {
	case settingDailyLimit:
		s.DailyLimit, err = strconv.Atoi(value)
	case settingCooldownHours:
		s.CooldownHours, err = strconv.Atoi(value)
	case settingConfirmAbove:
		s.RequireConfirmationThreshold, err = strconv.Atoi(value)
	case settingDryRunDefault:
		s.DryRunDefault, err = strconv.ParseBool(value)
	case settingStrategyOrder:
		err = json.Unmarshal([]byte(value), &s.StrategyOrder)
	default:
		// Unknown keys are ignored so older binaries tolerate newer rows.
	}
	if err != nil {
		return fmt.Errorf("parse setting %s=%q: %w", key, value, err)
	}
	return nil
}

// PutSettings upserts every settings row in one transaction. Validation
// happens upstream.
func (s *Postgres) PutSettings(ctx context.Context, settings models.Settings) error {
	order, err := json.Marshal(settings.StrategyOrder)
	if err != nil {
		return fmt.Errorf("marshal strategy order: %w", err)
	}
	pairs := [][2]string{
		{settingDailyLimit, strconv.Itoa(settings.DailyLimit)},
		{settingCooldownHours, strconv.Itoa(settings.CooldownHours)},
		{settingStrategyOrder, string(order)},
		{settingConfirmAbove, strconv.Itoa(settings.RequireConfirmationThreshold)},
		{settingDryRunDefault, strconv.FormatBool(settings.DryRunDefault)},
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	for _, kv := range pairs {
		_, err := tx.Exec(ctx, `
			INSERT INTO settings (key, value, updated_at) VALUES ($1, $2, $3)
			ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at
		`, kv[0], kv[1], now)
		if err != nil {
			return fmt.Errorf("upsert setting %s: %w", kv[0], err)
		}
	}
	return tx.Commit(ctx)
}

// ListRules returns all sender rules ordered by email.
func (s *Postgres) ListRules(ctx context.Context) ([]models.SenderRule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT sender_email, rule_type, reason, created_at FROM sender_rules ORDER BY sender_email
	`)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	defer rows.Close()

	var rules []models.SenderRule
	for rows.Next() {
		var r models.SenderRule
		if err := rows.Scan(&r.SenderEmail, &r.RuleType, &r.Reason, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// PutRule upserts a rule by sender email. The original created_at survives an
// update.
func (s *Postgres) PutRule(ctx context.Context, r models.SenderRule) error {
	created := r.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sender_rules (sender_email, rule_type, reason, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (sender_email) DO UPDATE SET rule_type = EXCLUDED.rule_type, reason = EXCLUDED.reason
	`, r.SenderEmail, r.RuleType, r.Reason, created)
	if err != nil {
		return fmt.Errorf("upsert rule: %w", err)
	}
	return nil
}

// DeleteRule removes a rule, reporting ErrNotFound if none exists.
func (s *Postgres) DeleteRule(ctx context.Context, senderEmail string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sender_rules WHERE sender_email = $1`, senderEmail)
	if err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("rule for %s: %w", senderEmail, models.ErrNotFound)
	}
	return nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func tsPtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}

func int4Ptr(i pgtype.Int4) *int {
	if i.Valid {
		v := int(i.Int32)
		return &v
	}
	return nil
}
