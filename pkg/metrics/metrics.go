// Package metrics exposes prometheus instrumentation for the
// orchestrator's dispatch loop, resource pool, and runner outcomes.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "testkiln_queue_depth",
		Help: "Number of allocation requests currently queued",
	})

	ActiveRuns = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "testkiln_active_runs",
		Help: "Number of tests currently running",
	})

	EnvironmentsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "testkiln_environments_total",
			Help: "Environments by type and status",
		},
		[]string{"type", "status"},
	)

	DispatchLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "testkiln_dispatch_latency_seconds",
		Help:    "Time from a request becoming ready to being handed to a runner",
		Buckets: prometheus.DefBuckets,
	})

	RunDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "testkiln_run_duration_seconds",
			Help:    "Test execution duration by terminal status",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"status"},
	)

	TestsDispatched = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "testkiln_tests_dispatched_total",
		Help: "Total tests handed to a runner",
	})

	TestsTerminal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "testkiln_tests_terminal_total",
			Help: "Total tests reaching a terminal status, by status",
		},
		[]string{"status"},
	)

	EnvironmentQuarantines = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "testkiln_environment_quarantines_total",
		Help: "Total environments moved to quarantine",
	})

	RecoveryRequeued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "testkiln_recovery_requeued_total",
		Help: "Requests re-queued by the recovery coordinator on startup or after an environment failure",
	})
)

func init() {
	prometheus.MustRegister(
		QueueDepth,
		ActiveRuns,
		EnvironmentsTotal,
		DispatchLatency,
		RunDuration,
		TestsDispatched,
		TestsTerminal,
		EnvironmentQuarantines,
		RecoveryRequeued,
	)
}

// Timer measures an operation's wall-clock duration for histogram
// observation.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time on the given observer.
func (t *Timer) ObserveDuration(o prometheus.Observer) time.Duration {
	elapsed := time.Since(t.start)
	o.Observe(elapsed.Seconds())
	return elapsed
}
