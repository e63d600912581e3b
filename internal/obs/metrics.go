// Copyright 2025 James Ross
package obs

import (
	"fmt"
	"net/http"

	"github.com/BetterAndBetterII/SiteSearch/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TasksEnqueued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tasks_enqueued_total",
		Help: "Total number of tasks enqueued per queue",
	}, []string{"queue"})
	TasksProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tasks_processed_total",
		Help: "Total number of tasks processed per stage",
	}, []string{"stage"})
	TasksCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tasks_completed_total",
		Help: "Total number of tasks that completed a stage successfully",
	}, []string{"stage"})
	TasksFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tasks_failed_total",
		Help: "Total number of tasks that failed a stage",
	}, []string{"stage"})
	TasksRetried = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tasks_retried_total",
		Help: "Total number of task retries per stage",
	}, []string{"stage"})
	TasksDeadLettered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tasks_dead_lettered_total",
		Help: "Total number of tasks moved to a stage's failed set",
	}, []string{"stage"})
	TasksDeduplicated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tasks_deduplicated_total",
		Help: "Total number of tasks skipped due to a matching content hash",
	})
	StageProcessingDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stage_processing_duration_seconds",
		Help:    "Histogram of per-stage processing durations",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage"})
	QueueLength = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "queue_length",
		Help: "Current length of a pipeline queue's pending list",
	}, []string{"queue"})
	QueueProcessingCount = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "queue_processing_count",
		Help: "Current length of a pipeline queue's processing list",
	}, []string{"queue"})
	CircuitBreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "circuit_breaker_state",
		Help: "0 Closed, 1 HalfOpen, 2 Open",
	}, []string{"stage"})
	CircuitBreakerTrips = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "circuit_breaker_trips_total",
		Help: "Count of times a stage's circuit breaker transitioned to Open",
	}, []string{"stage"})
	StalledTasksRecovered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stalled_tasks_recovered_total",
		Help: "Total number of tasks recovered by the monitor's stall sweep",
	}, []string{"queue"})
	ActiveWorkers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "active_workers",
		Help: "Number of active worker goroutines per stage",
	}, []string{"stage"})
	AlertsDispatched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "alerts_dispatched_total",
		Help: "Total number of health alerts dispatched by the monitor",
	}, []string{"queue", "kind"})
)

func init() {
	prometheus.MustRegister(
		TasksEnqueued, TasksProcessed, TasksCompleted, TasksFailed, TasksRetried,
		TasksDeadLettered, TasksDeduplicated, StageProcessingDuration, QueueLength,
		QueueProcessingCount, CircuitBreakerState, CircuitBreakerTrips,
		StalledTasksRecovered, ActiveWorkers, AlertsDispatched,
	)
}

// StartMetricsServer exposes /metrics and returns a server for controlled shutdown.
// Retained for callers that only want metrics; StartHTTPServer additionally
// registers health endpoints.
func StartMetricsServer(cfg *config.Config) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Observability.MetricsPort), Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
