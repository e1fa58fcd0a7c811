package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_enqueued_total", Help: "Jobs accepted by queue and priority"}, []string{"queue", "priority"})
	AdmissionRejects   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_admission_rejects_total", Help: "Enqueue requests rejected at admission by reason"}, []string{"reason"})
	DuplicateEnqueues  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_duplicate_enqueues_total", Help: "Enqueues answered with an existing singleton job"}, []string{"queue"})
	JobsCompleted      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_completed_total", Help: "Jobs completed successfully"}, []string{"queue"})
	JobsRetried        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_retried_total", Help: "Jobs that failed and will retry"}, []string{"queue", "error_type"})
	JobsFailed         = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_failed_total", Help: "Jobs that failed permanently"}, []string{"queue", "error_type"})
	JobsReleased       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_released_total", Help: "Active jobs handed back to retry by drain or the stalled reaper"}, []string{"reason"})
	JobDuration        = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "job_duration_seconds", Help: "Handler execution time", Buckets: prometheus.ExponentialBuckets(0.1, 2, 12)}, []string{"queue"})
	InFlightGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "jobs_inflight", Help: "Jobs currently executing in this process"})
	QueueDepthGauge    = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "jobs_queue_depth", Help: "Jobs per queue and state"}, []string{"queue", "state"})
	LogAppendFailures  = prometheus.NewCounter(prometheus.CounterOpts{Name: "job_log_append_failures_total", Help: "Job log rows that could not be written"})
	SideEffectFailures = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "best_effort_failures_total", Help: "Best effort side effects that failed and were ignored"}, []string{"effect"})
	AlertsSent         = prometheus.NewCounter(prometheus.CounterOpts{Name: "alerts_sent_total", Help: "Alerts delivered to the sink"})
	AlertsDropped      = prometheus.NewCounter(prometheus.CounterOpts{Name: "alerts_dropped_total", Help: "Alerts dropped by throttling"})
	CleanupDeleted     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "cleanup_deleted_rows_total", Help: "Rows deleted by cleanup per category"}, []string{"category"})
	CreditsUnavailable = prometheus.NewCounter(prometheus.CounterOpts{Name: "credits_check_failures_total", Help: "Credits checks that failed and were treated as no credits"})
	HealthStatus       = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "health_status", Help: "Component health: 0 healthy, 1 warning, 2 critical, 3 unhealthy"}, []string{"component"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}

// Register adds every collector to the default registry once.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			CreditsUnavailable,
			AdmissionRejects,
			DuplicateEnqueues,
			JobsCompleted,
			JobsRetried,
			JobsFailed,
			JobsReleased,
			JobDuration,
			InFlightGauge,
			QueueDepthGauge,
			LogAppendFailures,
			SideEffectFailures,
			AlertsSent,
			AlertsDropped,
			CleanupDeleted,
			HealthStatus,
		)
	})
}
