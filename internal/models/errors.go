package models

import (
	"errors"
)

// Error taxonomy shared across the engine. Callers match with errors.Is;
// wrapping sites attach the specific reason text, which the API surfaces
// verbatim for ErrSafetyBlocked and ErrConfigInvalid.
var (
	// ErrNotFound: unknown job, item, or sender rule.
	ErrNotFound = errors.New("not found")
	// ErrInvalidState: operation not valid for the current lifecycle state,
	// e.g. starting a job twice or retrying a running job.
	ErrInvalidState = errors.New("invalid state")
	// ErrSafetyBlocked: the Safety Gate refused admission (daily limit).
	// Terminal for the creation attempt; never retried automatically.
	ErrSafetyBlocked = errors.New("safety blocked")
	// ErrConfigInvalid: malformed settings update, rejected before persisting.
	ErrConfigInvalid = errors.New("invalid configuration")
)
