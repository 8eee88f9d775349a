package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Core resource-management metrics. Cache-level metrics live in the cache
// package next to the instrumented wrapper.
var (
	ThresholdBreachesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recorder_threshold_breaches_total",
			Help: "Total number of recorded samples that crossed a configured threshold.",
		},
		[]string{"metric", "severity"},
	)

	UnmatchedTimersTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "recorder_unmatched_timers_total",
			Help: "Total number of EndTimer calls without a matching StartTimer.",
		},
	)

	OperationDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "operation_duration_seconds",
			Help:    "Wall-clock duration of measured operations.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	LoaderLoadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loader_loads_total",
			Help: "Total number of item load completions by status.",
		},
		[]string{"status"},
	)

	BatchTasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batch_tasks_total",
			Help: "Total number of batch task completions by status.",
		},
		[]string{"status"},
	)

	ChunkerChunksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chunker_chunks_total",
			Help: "Total number of processed chunks by status.",
		},
		[]string{"status"},
	)

	MemoryPressureTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memory_pressure_transitions_total",
			Help: "Total number of memory pressure level transitions.",
		},
		[]string{"level"},
	)

	CleanupTaskRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memory_cleanup_task_runs_total",
			Help: "Total number of cleanup task invocations by outcome.",
		},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(
		ThresholdBreachesTotal,
		UnmatchedTimersTotal,
		OperationDurationSeconds,
		LoaderLoadsTotal,
		BatchTasksTotal,
		ChunkerChunksTotal,
		MemoryPressureTransitionsTotal,
		CleanupTaskRunsTotal,
	)
}
