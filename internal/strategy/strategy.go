// Package strategy decides which unsubscribe methods apply to an item and in
// what order. The order comes from Settings; this package only filters it
// down to the tiers the item structurally supports, so the result is fully
// deterministic for a given item and settings.
package strategy

import (
	"unsubscribe-engine/internal/models"
)

// Class groups method tiers by the worker pool that executes them. HTTP-class
// tiers are cheap network calls; browser-class tiers each hold a full
// headless browser and run under a much smaller bound.
type Class string

const (
	ClassHTTP    Class = "http"
	ClassBrowser Class = "browser"
)

// SelectMethods returns the ladder for one item: settings.StrategyOrder
// filtered to the tiers the item supports. Unknown names are dropped;
// Settings validation rejects them upstream.
func SelectMethods(item models.JobItem, settings models.Settings) []string {
	ladder := make([]string, 0, len(settings.StrategyOrder))
	for _, method := range settings.StrategyOrder {
		if Supports(item, method) {
			ladder = append(ladder, method)
		}
	}
	return ladder
}

// Supports reports whether the item carries the endpoint a method needs.
// The manual tier is always available as a fallback.
func Supports(item models.JobItem, method string) bool {
	switch method {
	case models.MethodOneClick, models.MethodBrowser:
		return item.UnsubscribeURL != nil && *item.UnsubscribeURL != ""
	case models.MethodMailto:
		return item.UnsubscribeMailto != nil && *item.UnsubscribeMailto != ""
	case models.MethodManual:
		return true
	default:
		return false
	}
}

// ClassOf maps a method tier to its worker pool.
func ClassOf(method string) Class {
	if method == models.MethodBrowser {
		return ClassBrowser
	}
	return ClassHTTP
}
