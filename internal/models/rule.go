package models

import (
	"time"
)

// RuleType enumerates per-sender override rules.
type RuleType string

const (
	// RuleBlock removes the sender from any candidate list before a job is
	// created.
	RuleBlock RuleType = "block"
	// RuleAllow lets a sender through an otherwise-applicable cooldown. It
	// does not override the daily limit or a block rule.
	RuleAllow RuleType = "allow"
	// RuleSkip behaves as block. Kept as a distinct name so existing rows
	// keep their meaning if the two ever diverge.
	RuleSkip RuleType = "skip"
)

// Valid reports whether t is one of the recognized rule types.
func (t RuleType) Valid() bool {
	return t == RuleBlock || t == RuleAllow || t == RuleSkip
}

// SenderRule is an explicit per-sender policy row, keyed by sender email.
type SenderRule struct {
	SenderEmail string    `json:"sender_email" validate:"required"`
	RuleType    RuleType  `json:"rule_type" validate:"required"`
	Reason      string    `json:"reason"`
	CreatedAt   time.Time `json:"created_at"`
}
