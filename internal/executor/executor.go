// Package executor implements the unsubscribe method tiers behind a uniform
// attempt contract. One executor exists per method name; the registry is
// built once at startup and consulted by the scheduler during ladder walks.
package executor

import (
	"context"

	"unsubscribe-engine/internal/models"
)

// AttemptOutcome is the result of one method attempt. ShouldStop marks a
// definitive rejection (the endpoint answered and said no), which halts the
// ladder even when lower tiers remain. An executor failure is never a system
// error; it only moves the ladder along.
type AttemptOutcome struct {
	Success      bool
	HTTPStatus   *int
	ErrorMessage string
	ShouldStop   bool
}

// Executor performs one concrete unsubscribe method.
type Executor interface {
	Name() string
	Attempt(ctx context.Context, item models.JobItem) AttemptOutcome
}

// Registry maps method names to executors.
type Registry map[string]Executor

// NewRegistry builds a registry keyed by each executor's name.
func NewRegistry(execs ...Executor) Registry {
	r := make(Registry, len(execs))
	for _, e := range execs {
		r[e.Name()] = e
	}
	return r
}

// Get looks up an executor by method name. Unknown names are rejected at
// settings validation; this is the dispatch-time re-check.
func (r Registry) Get(name string) (Executor, bool) {
	e, ok := r[name]
	return e, ok
}

// EndpointFor is the endpoint a method would use on an item, recorded as
// url_used in the audit trail.
func EndpointFor(item models.JobItem, method string) string {
	switch method {
	case models.MethodMailto:
		if item.UnsubscribeMailto != nil {
			return *item.UnsubscribeMailto
		}
	case models.MethodOneClick, models.MethodBrowser:
		if item.UnsubscribeURL != nil {
			return *item.UnsubscribeURL
		}
	case models.MethodManual:
		if item.UnsubscribeURL != nil {
			return *item.UnsubscribeURL
		}
		if item.UnsubscribeMailto != nil {
			return *item.UnsubscribeMailto
		}
	}
	return ""
}

// maxErrorRunes bounds error messages before they are persisted.
const maxErrorRunes = 200

// Truncate clips a message to the persisted error length.
func Truncate(msg string) string {
	runes := []rune(msg)
	if len(runes) <= maxErrorRunes {
		return msg
	}
	return string(runes[:maxErrorRunes])
}
