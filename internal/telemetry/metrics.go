package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "offline_enqueued_total", Help: "Mutations captured into the offline queue"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "offline_rate_limit_rejects_total", Help: "Enqueue requests rejected by rate limiter"})
	SyncRuns         = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "offline_sync_runs_total", Help: "Sync runs by outcome"}, []string{"outcome"})
	ItemsSynced      = prometheus.NewCounter(prometheus.CounterOpts{Name: "offline_items_synced_total", Help: "Queue items applied remotely and removed"})
	ItemsFailed      = prometheus.NewCounter(prometheus.CounterOpts{Name: "offline_items_failed_total", Help: "Queue items parked after a permanent failure"})
	ItemsDeferred    = prometheus.NewCounter(prometheus.CounterOpts{Name: "offline_items_deferred_total", Help: "Transient failures that halted a run"})
	PendingGauge     = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "offline_queue_pending", Help: "Pending and failed items per tenant"}, []string{"tenant"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "offline_sync_inflight", Help: "Tenant sync runs currently in flight"})
	OnlineGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "offline_online", Help: "1 when the backend is reachable"})
)

// Run outcomes recorded on SyncRuns.
const (
	OutcomeDrained = "drained"
	OutcomeHalted  = "halted"
	OutcomeSkipped = "skipped"
	OutcomeError   = "error"
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			RateLimitRejects,
			SyncRuns,
			ItemsSynced,
			ItemsFailed,
			ItemsDeferred,
			PendingGauge,
			InFlightGauge,
			OnlineGauge,
		)
	})
	return promhttp.Handler()
}
