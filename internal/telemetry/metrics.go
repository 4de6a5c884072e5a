package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsCreated      = prometheus.NewCounter(prometheus.CounterOpts{Name: "unsub_jobs_created_total", Help: "Unsubscribe jobs created"})
	Attempts         = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "unsub_attempts_total", Help: "Method attempts by method and outcome"}, []string{"method", "outcome"})
	SafetyBlocked    = prometheus.NewCounter(prometheus.CounterOpts{Name: "unsub_safety_blocked_total", Help: "Creations refused or runs aborted by the safety gate"})
	RunsResumed      = prometheus.NewCounter(prometheus.CounterOpts{Name: "unsub_runs_resumed_total", Help: "Interrupted runs picked back up"})
	RunsProcessed    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "unsub_runs_processed_total", Help: "Runs finished by the worker, by final job status"}, []string{"status"})
	RunsDeadLettered = prometheus.NewCounter(prometheus.CounterOpts{Name: "unsub_runs_dead_lettered_total", Help: "Runs parked after exceeding the delivery limit"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "unsub_rate_limit_rejects_total", Help: "API requests rejected by the rate limiter"})

	HTTPPoolInflight    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "unsub_http_pool_inflight", Help: "Attempts holding an HTTP pool slot"})
	BrowserPoolInflight = prometheus.NewGauge(prometheus.GaugeOpts{Name: "unsub_browser_pool_inflight", Help: "Attempts holding a browser pool slot"})
	RunQueueDepth       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "unsub_run_queue_depth", Help: "Runs waiting in the ready queue"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsCreated,
			Attempts,
			SafetyBlocked,
			RunsResumed,
			RunsProcessed,
			RunsDeadLettered,
			RateLimitRejects,
			HTTPPoolInflight,
			BrowserPoolInflight,
			RunQueueDepth,
		)
	})
	return promhttp.Handler()
}
