package executor

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"unsubscribe-engine/internal/models"
)

const userAgent = "Unsubscribe-Engine/1.0"

// oneClickBody is the RFC 8058 one-click confirmation payload.
const oneClickBody = "List-Unsubscribe=One-Click"

// OneClickConfig tunes the HTTP executor. Zero values fall back to the
// reference defaults: 15s timeout, 2 retries, 1s base backoff growing by 1.5x
// per attempt.
type OneClickConfig struct {
	Timeout       time.Duration
	MaxRetries    int
	BackoffBase   time.Duration
	BackoffFactor float64
}

// OneClick posts the RFC 8058 one-click confirmation to the item's
// unsubscribe URL. Server errors and transport failures are retried with
// growing backoff; a 4xx answer is a definitive rejection and stops the
// ladder.
type OneClick struct {
	client        *http.Client
	maxRetries    int
	backoffBase   time.Duration
	backoffFactor float64
}

// NewOneClick builds the executor with its own timeout-bounded client.
func NewOneClick(cfg OneClickConfig) *OneClick {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffFactor <= 0 {
		cfg.BackoffFactor = 1.5
	}
	return &OneClick{
		client:        &http.Client{Timeout: cfg.Timeout},
		maxRetries:    cfg.MaxRetries,
		backoffBase:   cfg.BackoffBase,
		backoffFactor: cfg.BackoffFactor,
	}
}

func (o *OneClick) Name() string { return models.MethodOneClick }

// Attempt posts to the unsubscribe URL up to 1+MaxRetries times.
func (o *OneClick) Attempt(ctx context.Context, item models.JobItem) AttemptOutcome {
	if item.UnsubscribeURL == nil || *item.UnsubscribeURL == "" {
		return AttemptOutcome{ErrorMessage: "no unsubscribe url on item"}
	}
	url := *item.UnsubscribeURL

	var last AttemptOutcome
	for attempt := 0; attempt <= o.maxRetries; attempt++ {
		if attempt > 0 {
			wait := time.Duration(float64(o.backoffBase) * math.Pow(o.backoffFactor, float64(attempt-1)))
			select {
			case <-ctx.Done():
				return AttemptOutcome{ErrorMessage: Truncate("one-click aborted: " + ctx.Err().Error())}
			case <-time.After(wait):
			}
		}

		outcome, retry := o.post(ctx, url)
		if !retry {
			return outcome
		}
		last = outcome
	}
	return last
}

// post performs a single POST and classifies the response. The second return
// value says whether the failure is worth another attempt.
func (o *OneClick) post(ctx context.Context, url string) (AttemptOutcome, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(oneClickBody))
	if err != nil {
		return AttemptOutcome{ErrorMessage: Truncate("build one-click request: " + err.Error())}, false
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", userAgent)

	resp, err := o.client.Do(req)
	if err != nil {
		// Timeouts and transport errors may be transient.
		return AttemptOutcome{ErrorMessage: Truncate("one-click request failed: " + err.Error())}, true
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	status := resp.StatusCode
	switch {
	case status == http.StatusOK || status == http.StatusAccepted || status == http.StatusNoContent:
		return AttemptOutcome{Success: true, HTTPStatus: &status}, false
	case status >= 300 && status < 400:
		// Redirects are normally followed by the client; one that surfaces
		// still means the endpoint accepted the request.
		return AttemptOutcome{Success: true, HTTPStatus: &status}, false
	case status >= 400 && status < 500:
		return AttemptOutcome{
			HTTPStatus:   &status,
			ErrorMessage: fmt.Sprintf("unsubscribe endpoint rejected the request (HTTP %d)", status),
			ShouldStop:   true,
		}, false
	case status >= 500:
		return AttemptOutcome{
			HTTPStatus:   &status,
			ErrorMessage: fmt.Sprintf("unsubscribe endpoint server error (HTTP %d)", status),
		}, true
	default:
		return AttemptOutcome{
			HTTPStatus:   &status,
			ErrorMessage: fmt.Sprintf("unexpected response (HTTP %d)", status),
		}, false
	}
}
