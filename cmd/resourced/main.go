package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/studyforge/examcore/internal/config"
	"github.com/studyforge/examcore/internal/extraction"
	"github.com/studyforge/examcore/internal/memory"
	"github.com/studyforge/examcore/internal/metrics"
	"github.com/studyforge/examcore/internal/services"
)

func main() {
	cfg := config.GetConfig()
	logger := config.GetLogger()

	if len(os.Args) < 2 {
		logger.Fatal().Msg("Usage: resourced <input-file>")
	}
	inputPath := os.Args[1]

	recorder := metrics.NewRecorder(cfg.Metrics.MaxSamples, logger)
	recorder.SetThreshold("process_large_input", 10_000, 30_000, "ms")

	monitor, err := memory.NewMonitor(memory.Config{
		WarningThreshold:   cfg.Memory.WarningThreshold,
		CriticalThreshold:  cfg.Memory.CriticalThreshold,
		EmergencyThreshold: cfg.Memory.EmergencyThreshold,
		MaxHeapBytes:       cfg.Memory.MaxHeapSize,
	}, recorder, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create memory monitor")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := monitor.Start(ctx, config.Duration(cfg.Memory.SampleInterval, 5*time.Second)); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start memory monitor")
	}

	// The stand-in extractor reports basic shape information; deployments
	// plug in the real document-analysis client here.
	extractor := extraction.Func(func(_ context.Context, buffer []byte) (*extraction.Result, error) {
		return &extraction.Result{
			Fields: map[string]string{"bytes": strconv.Itoa(len(buffer))},
		}, nil
	})

	manager, err := services.NewResourceManager(cfg, extractor, monitor, recorder)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create resource manager")
	}
	defer manager.Close()

	// Start Prometheus metrics HTTP server with the health check mounted.
	if cfg.Metrics.Enabled {
		health := func(w http.ResponseWriter, _ *http.Request) {
			status := manager.HealthCheck()
			if !status.Healthy {
				w.WriteHeader(http.StatusServiceUnavailable)
			}
			for _, rec := range status.Recommendations {
				_, _ = w.Write([]byte(rec + "\n"))
			}
		}
		metricsServer := metrics.NewHTTPServer(cfg.Metrics.Address, cfg.Metrics.Port, health)
		go func() {
			logger.Info().Str("address", metricsServer.Addr).Msg("Starting Prometheus metrics HTTP server")
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Fatal().Err(err).Msg("Failed to serve metrics")
			}
		}()
		defer func() {
			if err := metricsServer.Shutdown(context.Background()); err != nil {
				logger.Error().Err(err).Msg("Failed to shutdown metrics server")
			}
		}()
	}

	buf, err := os.ReadFile(inputPath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", inputPath).Msg("Failed to read input file")
	}

	results, err := manager.ProcessLargeInput(ctx, buf, services.ProcessOptions{
		ChunkSize:     cfg.Chunker.ChunkSize,
		MaxConcurrent: cfg.Chunker.MaxConcurrent,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Chunked processing failed")
	}

	failed := 0
	for _, res := range results {
		if res.Err != nil {
			failed++
		}
	}
	stats := manager.GetStats()
	logger.Info().
		Int("chunks", len(results)).
		Int("failed", failed).
		Float64("heap_used_percent", stats.Memory.UsedPercent).
		Float64("cache_hit_rate", stats.CacheHitRate).
		Msg("Processing complete")
}
