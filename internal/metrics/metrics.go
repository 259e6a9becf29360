// Package metrics provides Prometheus metrics for sandbox broker monitoring
// Exports HTTP, task execution, session, and retention metrics
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	instance *Metrics
)

// Metrics holds all Prometheus metric collectors for the broker
type Metrics struct {
	// HTTP Metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// Task Execution Metrics
	TasksExecutedTotal *prometheus.CounterVec
	TaskDuration       *prometheus.HistogramVec
	TaskTimeoutsTotal  prometheus.Counter

	// Session Metrics
	ActiveSessionsGauge prometheus.Gauge
	ActiveBundlesGauge  prometheus.Gauge

	// Remote Channel Metrics
	RemoteCommandsTotal *prometheus.CounterVec

	// Retention Metrics
	RetentionSweepsTotal  prometheus.Counter
	RetentionSweepsFailed prometheus.Counter

	// Status Stream Metrics
	StatusSubscribersGauge prometheus.Gauge
}

// Get returns the singleton Metrics instance
func Get() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

// newMetrics creates and registers all Prometheus metrics
func newMetrics() *Metrics {
	m := &Metrics{}

	m.HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sandbox_http_requests_total",
		Help: "Total HTTP requests processed, labeled by method, endpoint, and status",
	}, []string{"method", "endpoint", "status"})

	m.HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sandbox_http_request_duration_seconds",
		Help:    "HTTP request latency distribution",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "endpoint"})

	m.HTTPRequestsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sandbox_http_requests_in_flight",
		Help: "Number of HTTP requests currently being served",
	})

	m.TasksExecutedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sandbox_tasks_executed_total",
		Help: "Total sandbox tasks dispatched, labeled by runtime and outcome",
	}, []string{"runtime", "outcome"})

	m.TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sandbox_task_duration_seconds",
		Help:    "Wall-clock duration of sandbox task executions",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
	}, []string{"runtime"})

	m.TaskTimeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sandbox_task_timeouts_total",
		Help: "Tasks killed by the inner timeout wrapper (exit code 124)",
	})

	m.ActiveSessionsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sandbox_active_sessions",
		Help: "Number of sessions currently tracked by the session registry",
	})

	m.ActiveBundlesGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sandbox_active_tool_bundles",
		Help: "Number of live per-session tool bundles held by the factory",
	})

	m.RemoteCommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sandbox_remote_commands_total",
		Help: "Total commands dispatched over the management channel, labeled by outcome",
	}, []string{"outcome"})

	m.RetentionSweepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sandbox_retention_sweeps_total",
		Help: "Total retention sweep ticks run against the compute instance",
	})

	m.RetentionSweepsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sandbox_retention_sweeps_failed_total",
		Help: "Retention sweep ticks that ended in a remote failure",
	})

	m.StatusSubscribersGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sandbox_status_subscribers",
		Help: "Connected websocket status-stream subscribers",
	})

	return m
}

// ObserveTask records one completed task execution
func ObserveTask(runtime string, success bool, returnCode int, durationSec float64) {
	m := Get()
	if runtime == "" {
		runtime = "unknown"
	}
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.TasksExecutedTotal.WithLabelValues(runtime, outcome).Inc()
	m.TaskDuration.WithLabelValues(runtime).Observe(durationSec)
	if returnCode == 124 {
		m.TaskTimeoutsTotal.Inc()
	}
}

// ObserveRemoteCommand records one management-channel dispatch
func ObserveRemoteCommand(success bool) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	Get().RemoteCommandsTotal.WithLabelValues(outcome).Inc()
}

// ObserveRetentionSweep records one sweep tick and its outcome
func ObserveRetentionSweep(failed bool) {
	m := Get()
	m.RetentionSweepsTotal.Inc()
	if failed {
		m.RetentionSweepsFailed.Inc()
	}
}

// SetActiveSessions updates the session-registry gauge
func SetActiveSessions(count int) {
	Get().ActiveSessionsGauge.Set(float64(count))
}

// SetActiveBundles updates the tool-bundle gauge
func SetActiveBundles(count int) {
	Get().ActiveBundlesGauge.Set(float64(count))
}
