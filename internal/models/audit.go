package models

import (
	"time"
)

// AuditAction enumerates the kinds of audit rows.
type AuditAction string

const (
	ActionAttempt    AuditAction = "unsubscribe_attempt"
	ActionSuccess    AuditAction = "unsubscribe_success"
	ActionFail       AuditAction = "unsubscribe_fail"
	ActionManualOpen AuditAction = "manual_open"
)

// AuditRecord is one immutable row per method attempt. An item produces
// several rows across ladder tiers and retries: an unsubscribe_attempt row
// before each executor call and a success/fail row after it. Rows are never
// updated or deleted; their timestamp ordering is the canonical history the
// Safety Gate computes cooldowns and the daily budget from.
//
// JobID is nil for attempts made outside any job, e.g. a manual open
// recorded from the UI. DryRun rows are excluded from budget and cooldown
// queries.
type AuditRecord struct {
	ID           int64       `json:"id"`
	Timestamp    time.Time   `json:"timestamp"`
	JobID        *string     `json:"job_id,omitempty"`
	Sender       string      `json:"sender"`
	SenderEmail  string      `json:"sender_email"`
	Action       AuditAction `json:"action"`
	Method       string      `json:"method"`
	URLUsed      string      `json:"url_used"`
	HTTPStatus   *int        `json:"http_status,omitempty"`
	ErrorMessage *string     `json:"error_message,omitempty"`
	DurationMS   int64       `json:"duration_ms"`
	RetryNumber  int         `json:"retry_number"`
	DryRun       bool        `json:"dry_run"`
}
