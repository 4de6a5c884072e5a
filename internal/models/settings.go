package models

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Settings is the engine-wide configuration consulted fresh on every Safety
// Gate invocation. Each value is independently updatable through the API.
type Settings struct {
	DailyLimit                   int      `json:"daily_limit" validate:"gt=0"`
	CooldownHours                int      `json:"cooldown_hours" validate:"gte=0"`
	StrategyOrder                []string `json:"strategy_order" validate:"min=1"`
	RequireConfirmationThreshold int      `json:"require_confirmation_threshold" validate:"gte=0"`
	DryRunDefault                bool     `json:"dry_run_default"`
}

// DefaultSettings mirrors the reference deployment: 50 actions/day, 24h
// per-sender cooldown, confirmation above 10 senders, real execution, and the
// one-click -> mailto -> browser ladder. The manual tier is recognized but
// opt-in.
func DefaultSettings() Settings {
	return Settings{
		DailyLimit:                   50,
		CooldownHours:                24,
		StrategyOrder:                []string{MethodOneClick, MethodMailto, MethodBrowser},
		RequireConfirmationThreshold: 10,
		DryRunDefault:                false,
	}
}

// Validate checks numeric bounds and that StrategyOrder is a duplicate-free
// subset of the known method names. A failing update must be rejected before
// anything is persisted.
func (s Settings) Validate() error {
	if err := validator.New().Struct(s); err != nil {
		return fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}
	known := make(map[string]bool, len(KnownMethods()))
	for _, m := range KnownMethods() {
		known[m] = true
	}
	seen := make(map[string]bool, len(s.StrategyOrder))
	for _, m := range s.StrategyOrder {
		if !known[m] {
			return fmt.Errorf("%w: unknown method %q in strategy_order", ErrConfigInvalid, m)
		}
		if seen[m] {
			return fmt.Errorf("%w: duplicate method %q in strategy_order", ErrConfigInvalid, m)
		}
		seen[m] = true
	}
	return nil
}
