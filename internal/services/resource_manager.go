package services

import (
	"context"

	"github.com/studyforge/examcore/internal/chunker"
	"github.com/studyforge/examcore/internal/memory"
	"github.com/studyforge/examcore/internal/metrics"
)

// ProcessOptions are the per-call knobs for ProcessLargeInput.
type ProcessOptions struct {
	ChunkSize     int
	MaxConcurrent int
}

// HealthStatus is the outcome of a health check: a pass/fail per subsystem and
// free-text recommendations derived from current thresholds.
type HealthStatus struct {
	Healthy         bool
	Checks          map[string]bool
	Recommendations []string
}

// SystemStats aggregates observability data across the core's components.
type SystemStats struct {
	Memory       memory.Stats
	CacheEntries int
	CacheBytes   int64
	CacheHits    uint64
	CacheMisses  uint64
	CacheHitRate float64
	Loaded       int
	LoadFailed   int
	Metrics      map[string]metrics.MetricSummary
}

// ResourceManager is the programmatic surface of the resource-management
// core: chunked large-input processing, observability, and memory-pressure
// participation for other subsystems.
type ResourceManager interface {
	// ProcessLargeInput splits buf into chunks and processes each through the
	// extraction collaborator, adapting concurrency to memory pressure.
	ProcessLargeInput(ctx context.Context, buf []byte, opts ProcessOptions) ([]chunker.ChunkResult, error)

	// GetStats returns an aggregate statistics snapshot for dashboards.
	GetStats() SystemStats

	// GetMemoryStatistics returns a fresh memory sample.
	GetMemoryStatistics() memory.Stats

	// RegisterCleanupTask lets other subsystems participate in pressure
	// response.
	RegisterCleanupTask(name string, fn memory.CleanupFunc)

	// OnMemoryPressure subscribes to pressure transitions. The returned
	// function unsubscribes.
	OnMemoryPressure(cb memory.PressureCallback) func()

	// HealthCheck reports overall health plus recommendations.
	HealthCheck() HealthStatus

	// Close releases held resources.
	Close() error
}
