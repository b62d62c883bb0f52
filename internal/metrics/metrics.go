// Package metrics declares the engine's Prometheus instrumentation: task
// pickup latency and duration, in-flight and completed counts, cron/trigger
// fire outcomes, and recovery actions.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Scheduler/executor metrics

	TaskPickupLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "cloacina",
		Name:      "task_pickup_latency_seconds",
		Help:      "Time from a task becoming Ready to being claimed by the executor.",
		Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	})

	TaskExecutionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "cloacina",
		Name:      "task_execution_duration_seconds",
		Help:      "Duration of a single task invocation.",
		Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"workflow_name", "task_name", "outcome"})

	TasksInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cloacina",
		Name:      "executor_tasks_in_flight",
		Help:      "Number of task invocations currently in flight across all workers.",
	})

	TasksCompletedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cloacina",
		Name:      "tasks_completed_total",
		Help:      "Total task executions finished, by outcome (completed, failed, retried).",
	}, []string{"workflow_name", "task_name", "outcome"})

	PipelinesCompletedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cloacina",
		Name:      "pipelines_completed_total",
		Help:      "Total pipeline executions finalized, by status.",
	}, []string{"workflow_name", "status"})

	// Cron metrics

	CronFiresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cloacina",
		Name:      "cron_fires_total",
		Help:      "Total cron schedule fires, by outcome (submitted, skipped, failed).",
	}, []string{"workflow_name", "outcome"})

	// Trigger metrics

	TriggerFiresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cloacina",
		Name:      "trigger_fires_total",
		Help:      "Total trigger predicate fires, by outcome (submitted, deduped, failed).",
	}, []string{"trigger_name", "outcome"})

	// Recovery metrics

	RecoveryActionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cloacina",
		Name:      "recovery_actions_total",
		Help:      "Total recovery actions taken against orphaned task executions.",
	}, []string{"action"})

	RecoveryCycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "cloacina",
		Name:      "recovery_cycle_duration_seconds",
		Help:      "Time taken for one recovery sweep.",
		Buckets:   prometheus.DefBuckets,
	})

	// Runner lifecycle

	RunnerStartTime = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cloacina",
		Name:      "runner_start_time_seconds",
		Help:      "Unix timestamp when this Runner started.",
	})

	RunnerShutdownsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "cloacina",
		Name:      "runner_shutdowns_total",
		Help:      "Number of times this Runner has shut down.",
	})

	// Admin HTTP surface metrics

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "cloacina",
		Name:      "admin_http_request_duration_seconds",
		Help:      "Admin introspection HTTP request latency.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cloacina",
		Name:      "admin_http_requests_total",
		Help:      "Total admin introspection HTTP requests.",
	}, []string{"method", "path", "status"})
)

func Register() {
	prometheus.MustRegister(
		TaskPickupLatency,
		TaskExecutionDuration,
		TasksInFlight,
		TasksCompletedTotal,
		PipelinesCompletedTotal,
		CronFiresTotal,
		TriggerFiresTotal,
		RecoveryActionsTotal,
		RecoveryCycleDuration,
		RunnerStartTime,
		RunnerShutdownsTotal,
		HTTPRequestDuration,
		HTTPRequestsTotal,
	)
}

func NewServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &http.Server{Addr: addr, Handler: mux}
}
