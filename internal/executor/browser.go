package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/chromedp"

	"unsubscribe-engine/internal/models"
)

const (
	upperAlpha = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	lowerAlpha = "abcdefghijklmnopqrstuvwxyz"
)

func textMatch(expr, word string) string {
	return fmt.Sprintf("contains(translate(%s, '%s', '%s'), '%s')", expr, upperAlpha, lowerAlpha, word)
}

// clickTargets is the ladder of controls tried on an unsubscribe page, most
// specific first. Matching is case-insensitive on the rendered text.
var clickTargets = []string{
	"//button[" + textMatch("text()", "unsubscribe") + "]",
	"//input[@type='submit' and " + textMatch("@value", "unsubscribe") + "]",
	"//a[" + textMatch("text()", "unsubscribe") + "]",
	"//button[" + textMatch("text()", "confirm") + "]",
	"//button[" + textMatch("text()", "opt out") + "]",
	"//button[" + textMatch("text()", "opt-out") + "]",
	"//button[" + textMatch("text()", "remove") + "]",
	"//a[" + textMatch("text()", "opt out") + "]",
	"//input[@type='submit']",
}

// BrowserConfig tunes the headless browser executor.
type BrowserConfig struct {
	Timeout  time.Duration
	Headless bool
}

// Browser loads the unsubscribe URL in headless Chrome and clicks the first
// control that looks like an unsubscribe or confirmation button. Pages that
// render but expose nothing clickable fail softly so the item can be routed
// to manual follow-up. Requires Chrome or Chromium on the host.
type Browser struct {
	timeout  time.Duration
	headless bool
}

// NewBrowser builds the executor; a zero timeout falls back to 15s.
func NewBrowser(cfg BrowserConfig) *Browser {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Browser{timeout: cfg.Timeout, headless: cfg.Headless}
}

func (b *Browser) Name() string { return models.MethodBrowser }

func (b *Browser) Attempt(ctx context.Context, item models.JobItem) AttemptOutcome {
	if item.UnsubscribeURL == nil || *item.UnsubscribeURL == "" {
		return AttemptOutcome{ErrorMessage: "no unsubscribe url on item"}
	}

	allocCtx, cancel := chromedp.NewExecAllocator(ctx,
		append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", b.headless),
			chromedp.Flag("disable-gpu", true),
			chromedp.Flag("no-sandbox", true),
			chromedp.Flag("disable-dev-shm-usage", true),
		)...,
	)
	defer cancel()

	browserCtx, cancel := chromedp.NewContext(allocCtx)
	defer cancel()

	browserCtx, cancel = context.WithTimeout(browserCtx, b.timeout)
	defer cancel()

	err := chromedp.Run(browserCtx,
		chromedp.Navigate(*item.UnsubscribeURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if err != nil {
		return AttemptOutcome{ErrorMessage: Truncate("browser navigation failed: " + err.Error())}
	}

	for _, target := range clickTargets {
		var nodes []*cdp.Node
		// AtLeast(0) returns immediately instead of waiting for a match, so a
		// page without this control does not burn the whole timeout.
		err := chromedp.Run(browserCtx,
			chromedp.Nodes(target, &nodes, chromedp.BySearch, chromedp.AtLeast(0)),
		)
		if err != nil {
			return AttemptOutcome{ErrorMessage: Truncate("browser query failed: " + err.Error())}
		}
		if len(nodes) == 0 {
			continue
		}
		if err := chromedp.Run(browserCtx, chromedp.MouseClickNode(nodes[0])); err != nil {
			continue
		}
		return AttemptOutcome{Success: true}
	}

	return AttemptOutcome{ErrorMessage: "page loaded (manual action may be needed)"}
}
