package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "executioner_executions_total",
			Help: "Total number of sandboxed executions",
		},
		[]string{"language", "outcome"},
	)

	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "executioner_execution_duration_ms",
			Help:    "Execution duration in milliseconds",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000},
		},
		[]string{"language", "phase"}, // phase: "sandbox", "total", "job"
	)

	VerdictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "executioner_verdicts_total",
			Help: "Total number of graded submissions by verdict",
		},
		[]string{"language", "verdict"},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "executioner_queue_depth",
			Help: "Current number of jobs in the queue",
		},
	)

	QueueRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "executioner_queue_rejections_total",
			Help: "Total number of jobs rejected because the queue was full",
		},
	)

	ActiveWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "executioner_active_workers",
			Help: "Number of workers currently processing jobs",
		},
	)

	ContainerCreationTime = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "executioner_container_creation_ms",
			Help:    "Time to create a container",
			Buckets: []float64{50, 100, 200, 500, 1000, 2000},
		},
	)

	OutputTruncations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "executioner_output_truncations_total",
			Help: "Total number of runs whose output hit the capture cap",
		},
		[]string{"stream"},
	)

	WorkspaceCleanupFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "executioner_workspace_cleanup_failures_total",
			Help: "Total number of workspaces that could not be removed",
		},
	)

	DBQueryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "executioner_db_query_duration_ms",
			Help:    "Database query duration in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 1000},
		},
	)

	RateLimitHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "executioner_rate_limit_hits_total",
			Help: "Total number of requests rejected by rate limiter",
		},
	)
)
