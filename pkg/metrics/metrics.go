package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fleet metrics
	AgentsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "backendai_agents_total",
			Help: "Total number of agents by scaling group and status",
		},
		[]string{"scaling_group", "status"},
	)

	SessionsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "backendai_sessions_total",
			Help: "Total number of sessions by status",
		},
		[]string{"status"},
	)

	KernelsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "backendai_kernels_total",
			Help: "Total number of kernels by status",
		},
		[]string{"status"},
	)

	PendingQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "backendai_pending_queue_depth",
			Help: "Number of pending sessions per scaling group",
		},
		[]string{"scaling_group"},
	)

	// Scheduler metrics
	SchedulerTicks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backendai_scheduler_ticks_total",
			Help: "Scheduling ticks executed per scaling group",
		},
		[]string{"scaling_group"},
	)

	SchedulerTickDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "backendai_scheduler_tick_duration_seconds",
			Help:    "Wall-clock duration of a scheduling tick",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		},
		[]string{"scaling_group"},
	)

	SessionsScheduled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backendai_sessions_scheduled_total",
			Help: "Sessions committed to agents per scaling group",
		},
		[]string{"scaling_group"},
	)

	AdmissionRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backendai_admission_rejections_total",
			Help: "Workloads rejected by the validator, by reason",
		},
		[]string{"reason"},
	)

	SelectionFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "backendai_agent_selection_failures_total",
			Help: "Workloads skipped because no agent passed the filters",
		},
	)

	CommitFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "backendai_allocator_commit_failures_total",
			Help: "Scheduling ticks discarded due to commit failure",
		},
	)

	LockContention = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backendai_lock_busy_total",
			Help: "Tick attempts skipped because the group lock was held",
		},
		[]string{"scaling_group"},
	)

	// Termination metrics
	DestroyRPCs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backendai_destroy_rpcs_total",
			Help: "Destroy-kernel RPCs by outcome",
		},
		[]string{"outcome"},
	)

	SessionsTerminated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "backendai_sessions_terminated_total",
			Help: "Sessions fully terminated by the termination controller",
		},
	)
)

func init() {
	prometheus.MustRegister(
		AgentsTotal,
		SessionsTotal,
		KernelsTotal,
		PendingQueueDepth,
		SchedulerTicks,
		SchedulerTickDuration,
		SessionsScheduled,
		AdmissionRejections,
		SelectionFailures,
		CommitFailures,
		LockContention,
		DestroyRPCs,
		SessionsTerminated,
	)
}

// Timer measures elapsed time for an operation
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time into a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(t.Duration().Seconds())
}

// ObserveDurationVec records the elapsed time into a labeled histogram
func (t *Timer) ObserveDurationVec(vec *prometheus.HistogramVec, labels ...string) {
	vec.WithLabelValues(labels...).Observe(t.Duration().Seconds())
}

// Serve starts the metrics and health HTTP server on addr. Blocks.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", HealthHandler())
	mux.Handle("/ready", ReadyHandler())
	mux.Handle("/livez", LivenessHandler())
	return http.ListenAndServe(addr, mux)
}
