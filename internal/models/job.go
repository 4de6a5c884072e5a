package models

import (
	"time"
)

// JobStatus enumerates job lifecycle states persisted in the store.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// ItemStatus enumerates per-sender item states.
type ItemStatus string

const (
	ItemPending ItemStatus = "pending"
	ItemRunning ItemStatus = "running"
	ItemSuccess ItemStatus = "success"
	ItemFailed  ItemStatus = "failed"
)

// Terminal reports whether an item state can no longer change within a run.
func (s ItemStatus) Terminal() bool {
	return s == ItemSuccess || s == ItemFailed
}

// Unsubscribe method names. The set is closed; Settings validation rejects
// anything else, and the executor registry is keyed by these.
const (
	MethodOneClick = "one_click"
	MethodMailto   = "mailto"
	MethodBrowser  = "browser"
	MethodManual   = "manual"
)

// KnownMethods returns the closed set of method names in canonical order.
func KnownMethods() []string {
	return []string{MethodOneClick, MethodMailto, MethodBrowser, MethodManual}
}

// Job is one bulk-unsubscribe run over a set of senders.
// Counters obey completed = successful + failed <= total; a completed job has
// completed = total. Jobs are never deleted, only superseded by new ones.
type Job struct {
	ID              string     `json:"id"`
	Status          JobStatus  `json:"status"`
	DryRun          bool       `json:"dry_run"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	LastError       *string    `json:"last_error,omitempty"`
	TotalItems      int        `json:"total_items"`
	CompletedItems  int        `json:"completed_items"`
	SuccessfulItems int        `json:"successful_items"`
	FailedItems     int        `json:"failed_items"`
}

// JobItem is one sender's unit of work within a job. A success is final;
// a failed item returns to pending only through an explicit retry, which
// bumps RetryCount.
type JobItem struct {
	ID                int64      `json:"id"`
	JobID             string     `json:"job_id"`
	Sender            string     `json:"sender"`
	SenderEmail       string     `json:"sender_email"`
	UnsubscribeURL    *string    `json:"unsubscribe_url,omitempty"`
	UnsubscribeMailto *string    `json:"unsubscribe_mailto,omitempty"`
	MethodAttempted   *string    `json:"method_attempted,omitempty"`
	Status            ItemStatus `json:"status"`
	ErrorMessage      *string    `json:"error_message,omitempty"`
	AttemptedAt       *time.Time `json:"attempted_at,omitempty"`
	RetryCount        int        `json:"retry_count"`
}

// Candidate is the record handed over by the mail-fetch side: one sender with
// whatever unsubscribe endpoints its messages advertised. Both endpoints may
// be absent, in which case only the manual tier can apply.
type Candidate struct {
	Sender            string  `json:"sender"`
	SenderEmail       string  `json:"sender_email" validate:"required"`
	UnsubscribeURL    *string `json:"unsubscribe_url,omitempty"`
	UnsubscribeMailto *string `json:"unsubscribe_mailto,omitempty"`
}
