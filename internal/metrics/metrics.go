package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SamplesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "monitor_samples_received_total",
		Help: "Location samples received in ingested batches",
	})
	SamplesPersisted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "monitor_samples_persisted_total",
		Help: "Location samples written to storage",
	})
	SamplesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "monitor_samples_rejected_total",
		Help: "Location samples rejected per item",
	}, []string{"reason"})
	BatchesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "monitor_batches_rejected_total",
		Help: "Whole batches rejected by batch-level checks",
	}, []string{"kind"})
	PositionStale = promauto.NewCounter(prometheus.CounterOpts{
		Name: "monitor_position_cache_stale_total",
		Help: "Position updates skipped because a newer position was cached",
	})

	AlertsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "monitor_alerts_created_total",
		Help: "Alerts created by type",
	}, []string{"type", "severity"})
	AlertsDeduplicated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "monitor_alerts_deduplicated_total",
		Help: "Detections suppressed by an already-open alert",
	}, []string{"type"})
	AlertsEscalated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "monitor_alerts_escalated_total",
		Help: "Severity escalations by target severity",
	}, []string{"severity"})

	NotificationsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "monitor_notifications_dropped_total",
		Help: "Notifications dropped because the dispatch queue was full",
	})
	NotificationFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "monitor_notification_failures_total",
		Help: "Notifications the publisher failed to deliver",
	})

	SweepRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "monitor_sweep_runs_total",
		Help: "Scheduler sweep runs by job",
	}, []string{"job"})
	SweepErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "monitor_sweep_errors_total",
		Help: "Per-record failures inside scheduler sweeps",
	}, []string{"job"})
	SweepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "monitor_sweep_duration_seconds",
		Help:    "Scheduler sweep duration",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
