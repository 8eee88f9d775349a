package services

import (
	"context"
	"fmt"

	"github.com/studyforge/examcore/internal/cache"
	"github.com/studyforge/examcore/internal/chunker"
	"github.com/studyforge/examcore/internal/config"
	"github.com/studyforge/examcore/internal/extraction"
	"github.com/studyforge/examcore/internal/loader"
	"github.com/studyforge/examcore/internal/memory"
	"github.com/studyforge/examcore/internal/metrics"
)

// DefaultResourceManager wires the cache, loader, memory monitor, and chunked
// orchestrator together behind the ResourceManager interface.
type DefaultResourceManager struct {
	cache        cache.Cache
	loader       *loader.Loader
	monitor      *memory.Monitor
	orchestrator *chunker.Orchestrator
	recorder     *metrics.Recorder
}

// NewResourceManager builds the core from configuration. The monitor and
// recorder are shared instances owned by the caller so that multiple
// subsystems can feed the same pressure state.
func NewResourceManager(cfg *config.Config, extractor extraction.Extractor, monitor *memory.Monitor, recorder *metrics.Recorder) (*DefaultResourceManager, error) {
	logger := config.GetLogger()

	resultCache, err := cache.New(cfg.Cache.Provider, cache.ProviderConfig{
		MaxItems:             cfg.Cache.MaxItems,
		MaxBytes:             cfg.Cache.MaxSize,
		TTL:                  config.Duration(cfg.Cache.TTL, 0),
		Logger:               cache.ZerologLogger(logger),
		RedisAddress:         cfg.Cache.Redis.Address,
		RedisPassword:        cfg.Cache.Redis.Password,
		RedisDB:              cfg.Cache.Redis.DB,
		CompressionThreshold: cfg.Cache.Redis.CompressionThreshold,
		Group:                "extraction-results",
	})
	if err != nil {
		return nil, fmt.Errorf("create result cache: %w", err)
	}

	itemLoader, err := loader.New(loader.Config{
		MaxConcurrentLoads: cfg.Loader.MaxConcurrentLoads,
		PreloadDistance:    cfg.Loader.PreloadDistance,
		RetryAttempts:      cfg.Loader.RetryAttempts,
		LoadTimeout:        config.Duration(cfg.Loader.LoadTimeout, 0),
	}, monitor, recorder, logger)
	if err != nil {
		_ = resultCache.Close()
		return nil, fmt.Errorf("create loader: %w", err)
	}

	orchestrator, err := chunker.New(chunker.Config{
		BatchSize:           cfg.Batch.BatchSize,
		MaxConcurrency:      cfg.Batch.MaxConcurrency,
		RetryAttempts:       cfg.Batch.RetryAttempts,
		TaskTimeout:         config.Duration(cfg.Batch.TaskTimeout, 0),
		DelayBetweenBatches: config.Duration(cfg.Batch.DelayBetweenBatches, 0),
		BackoffRetries:      cfg.Chunker.BackoffRetries,
		BackoffDelay:        config.Duration(cfg.Chunker.BackoffDelay, 0),
	}, newCachingExtractor(extractor, resultCache), monitor, recorder, logger)
	if err != nil {
		_ = resultCache.Close()
		return nil, fmt.Errorf("create orchestrator: %w", err)
	}

	m := &DefaultResourceManager{
		cache:        resultCache,
		loader:       itemLoader,
		monitor:      monitor,
		orchestrator: orchestrator,
		recorder:     recorder,
	}

	// Under pressure the result cache is the first thing to give back:
	// expired entries always, everything at critical or above.
	monitor.RegisterCleanupTask("result-cache", func(ctx context.Context) error {
		swept := m.cache.Sweep()
		logger.Debug().Int("swept", swept).Msg("Result cache sweep")
		return nil
	})

	return m, nil
}

// Loader exposes the dependency-aware loader for registering app resources.
func (m *DefaultResourceManager) Loader() *loader.Loader {
	return m.loader
}

// Cache exposes the bounded result cache.
func (m *DefaultResourceManager) Cache() cache.Cache {
	return m.cache
}

func (m *DefaultResourceManager) ProcessLargeInput(ctx context.Context, buf []byte, opts ProcessOptions) ([]chunker.ChunkResult, error) {
	return metrics.Measure(m.recorder, "process_large_input", func() ([]chunker.ChunkResult, error) {
		return m.orchestrator.Process(ctx, buf, chunker.Options{
			ChunkSize:     opts.ChunkSize,
			MaxConcurrent: opts.MaxConcurrent,
		})
	})
}

func (m *DefaultResourceManager) GetStats() SystemStats {
	cacheMetrics := m.cache.Metrics()
	loaderStats := m.loader.Stats()
	return SystemStats{
		Memory:       m.monitor.Stats(),
		CacheEntries: m.cache.Len(),
		CacheBytes:   m.cache.SizeBytes(),
		CacheHits:    cacheMetrics.Hits,
		CacheMisses:  cacheMetrics.Misses,
		CacheHitRate: cacheMetrics.HitRate(),
		Loaded:       loaderStats.Loaded,
		LoadFailed:   loaderStats.Failed,
		Metrics:      m.recorder.Summary(),
	}
}

func (m *DefaultResourceManager) GetMemoryStatistics() memory.Stats {
	return m.monitor.Stats()
}

func (m *DefaultResourceManager) RegisterCleanupTask(name string, fn memory.CleanupFunc) {
	m.monitor.RegisterCleanupTask(name, fn)
}

func (m *DefaultResourceManager) OnMemoryPressure(cb memory.PressureCallback) func() {
	return m.monitor.OnPressure(cb)
}

// HealthCheck derives a pass/fail per subsystem and recommendations from the
// current thresholds and counters.
func (m *DefaultResourceManager) HealthCheck() HealthStatus {
	stats := m.monitor.Stats()
	cacheMetrics := m.cache.Metrics()
	loaderStats := m.loader.Stats()

	status := HealthStatus{Checks: make(map[string]bool)}

	memoryOK := stats.Level < memory.LevelCritical
	status.Checks["memory"] = memoryOK
	if !memoryOK {
		status.Recommendations = append(status.Recommendations,
			fmt.Sprintf("heap usage at %.1f%% of the configured limit; run cleanup or reduce concurrent work", stats.UsedPercent))
	} else if stats.Level == memory.LevelWarning {
		status.Recommendations = append(status.Recommendations,
			"heap usage above the warning threshold; consider lowering cache limits or chunk concurrency")
	}

	lookups := cacheMetrics.Hits + cacheMetrics.Misses
	cacheOK := lookups < 100 || cacheMetrics.HitRate() >= 0.25
	status.Checks["cache"] = cacheOK
	if !cacheOK {
		status.Recommendations = append(status.Recommendations,
			fmt.Sprintf("cache hit rate is %.0f%%; increase max_items or ttl if inputs repeat", cacheMetrics.HitRate()*100))
	}

	loaderOK := loaderStats.Failed == 0
	status.Checks["loader"] = loaderOK
	if !loaderOK {
		status.Recommendations = append(status.Recommendations,
			fmt.Sprintf("%d item load(s) failed permanently; inspect loader logs", loaderStats.Failed))
	}

	// Loader failures are scoped to individual items: one permanently failed
	// resource degrades the check and yields a recommendation but does not
	// take the whole core unhealthy the way memory or cache trouble does.
	status.Healthy = memoryOK && cacheOK
	return status
}

func (m *DefaultResourceManager) Close() error {
	return m.cache.Close()
}
