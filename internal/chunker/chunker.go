package chunker

import (
	"context"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"

	"github.com/studyforge/examcore/internal/apperrors"
	"github.com/studyforge/examcore/internal/batch"
	"github.com/studyforge/examcore/internal/extraction"
	"github.com/studyforge/examcore/internal/memory"
	"github.com/studyforge/examcore/internal/metrics"
)

// Chunk is a contiguous byte range of the source buffer with a checksum of
// its bytes. Chunk ranges partition the buffer exactly: no gaps, no overlaps.
type Chunk struct {
	Index    int
	Offset   int
	Length   int
	Checksum uint64
}

// ChunkResult pairs a chunk with its processing outcome. Results are always
// returned in ascending offset order, independent of completion order.
type ChunkResult struct {
	Chunk
	Value *extraction.Result
	Err   error
}

// Options are the per-invocation knobs of Process.
type Options struct {
	ChunkSize     int
	MaxConcurrent int
}

// PressureWatcher is the slice of the memory monitor the orchestrator
// consults for backoff and concurrency clamping.
type PressureWatcher interface {
	Stats() memory.Stats
	Level() memory.PressureLevel
}

// Config holds the orchestrator's executor and backoff settings.
type Config struct {
	// BatchSize, retry and timeout settings for the per-invocation executor.
	BatchSize           int
	RetryAttempts       int
	TaskTimeout         time.Duration
	DelayBetweenBatches time.Duration

	// MaxConcurrency caps the per-invocation concurrency regardless of what
	// Options requests. Zero means no cap.
	MaxConcurrency int

	// BackoffRetries bounds how long Process waits for emergency pressure to
	// subside before failing with a memory-exhaustion error.
	BackoffRetries int
	BackoffDelay   time.Duration
}

// Orchestrator splits a large input buffer into chunks, schedules chunk
// processing through a priority batch executor under guidance from the memory
// monitor, and reassembles results in offset order.
type Orchestrator struct {
	cfg       Config
	extractor extraction.Extractor
	watcher   PressureWatcher
	recorder  *metrics.Recorder
	logger    zerolog.Logger
}

// New returns an Orchestrator. watcher may be nil, which disables pressure
// handling.
func New(cfg Config, extractor extraction.Extractor, watcher PressureWatcher, recorder *metrics.Recorder, logger zerolog.Logger) (*Orchestrator, error) {
	if extractor == nil {
		return nil, apperrors.NewValidationError("extractor", "must not be nil")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 8
	}
	if cfg.BackoffRetries <= 0 {
		cfg.BackoffRetries = 5
	}
	if cfg.BackoffDelay <= 0 {
		cfg.BackoffDelay = 200 * time.Millisecond
	}
	return &Orchestrator{
		cfg:       cfg,
		extractor: extractor,
		watcher:   watcher,
		recorder:  recorder,
		logger:    logger,
	}, nil
}

// partition slices buf into ceil(len(buf)/chunkSize) contiguous chunks; the
// last chunk may be shorter.
func partition(buf []byte, chunkSize int) []Chunk {
	chunks := make([]Chunk, 0, (len(buf)+chunkSize-1)/chunkSize)
	for offset := 0; offset < len(buf); offset += chunkSize {
		length := chunkSize
		if offset+length > len(buf) {
			length = len(buf) - offset
		}
		chunks = append(chunks, Chunk{
			Index:    len(chunks),
			Offset:   offset,
			Length:   length,
			Checksum: xxhash.Sum64(buf[offset : offset+length]),
		})
	}
	return chunks
}

// Process partitions buf, runs one extraction task per chunk, and returns the
// per-chunk results ordered by offset. Individual chunk failures are reported
// in their results; the whole operation fails only on invalid options,
// sustained emergency memory pressure, or context cancellation.
func (o *Orchestrator) Process(ctx context.Context, buf []byte, opts Options) ([]ChunkResult, error) {
	if opts.ChunkSize <= 0 {
		return nil, apperrors.NewValidationError("chunk_size", "must be positive")
	}
	if opts.MaxConcurrent <= 0 {
		return nil, apperrors.NewValidationError("max_concurrent", "must be positive")
	}
	if len(buf) == 0 {
		return nil, nil
	}

	if err := o.awaitHeadroom(ctx); err != nil {
		return nil, err
	}

	start := time.Now()
	if o.recorder != nil {
		o.recorder.RecordMemory("chunker.input", uint64(len(buf)))
	}

	chunks := partition(buf, opts.ChunkSize)
	requested := opts.MaxConcurrent
	if o.cfg.MaxConcurrency > 0 && requested > o.cfg.MaxConcurrency {
		requested = o.cfg.MaxConcurrency
	}
	concurrency := o.clampConcurrency(requested)

	executor, err := batch.NewExecutor(batch.Config{
		BatchSize:           o.cfg.BatchSize,
		MaxConcurrency:      concurrency,
		DelayBetweenBatches: o.cfg.DelayBetweenBatches,
		RetryAttempts:       o.cfg.RetryAttempts,
		TaskTimeout:         o.cfg.TaskTimeout,
	}, o.watcher, o.recorder, o.logger)
	if err != nil {
		return nil, err
	}

	// Priority is fixed per invocation: chunks of one buffer never starve
	// each other, and offset order of the returned list is independent of
	// completion order.
	for _, chunk := range chunks {
		data := buf[chunk.Offset : chunk.Offset+chunk.Length]
		if err := executor.Add(&batch.Task{
			ID:      fmt.Sprintf("chunk-%d", chunk.Index),
			Payload: data,
			Process: func(ctx context.Context, payload any) (any, error) {
				return o.extractor.Extract(ctx, payload.([]byte))
			},
		}); err != nil {
			return nil, err
		}
	}

	taskResults := executor.WaitForCompletion(ctx)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if len(taskResults) != len(chunks) {
		return nil, fmt.Errorf("chunk result count %d does not match chunk count %d", len(taskResults), len(chunks))
	}

	byID := make(map[string]batch.TaskResult, len(taskResults))
	for _, res := range taskResults {
		byID[res.ID] = res
	}

	results := make([]ChunkResult, len(chunks))
	for i, chunk := range chunks {
		res, ok := byID[fmt.Sprintf("chunk-%d", chunk.Index)]
		if !ok {
			return nil, fmt.Errorf("missing result for chunk %d", chunk.Index)
		}
		out := ChunkResult{Chunk: chunk, Err: res.Err}
		if res.Success {
			out.Value = res.Value.(*extraction.Result)
			metrics.ChunkerChunksTotal.WithLabelValues("succeeded").Inc()
		} else {
			metrics.ChunkerChunksTotal.WithLabelValues("failed").Inc()
		}
		results[i] = out
	}

	if err := verifyPartition(results, len(buf)); err != nil {
		return nil, err
	}

	if o.recorder != nil {
		o.recorder.RecordTiming("chunker.process", time.Since(start))
	}
	o.logger.Debug().
		Int("chunks", len(results)).
		Int("bytes", len(buf)).
		Dur("elapsed", time.Since(start)).
		Msg("Chunked processing finished")
	return results, nil
}

// awaitHeadroom waits out emergency pressure with a bounded backoff. It fails
// with a memory-exhaustion error rather than hanging indefinitely.
func (o *Orchestrator) awaitHeadroom(ctx context.Context) error {
	if o.watcher == nil {
		return nil
	}
	stats := o.watcher.Stats()
	for attempt := 0; stats.Level >= memory.LevelEmergency; attempt++ {
		if attempt >= o.cfg.BackoffRetries {
			metrics.ChunkerChunksTotal.WithLabelValues("rejected").Inc()
			return apperrors.NewMemoryExhaustedError(stats.UsedPercent, attempt)
		}
		o.logger.Warn().
			Float64("used_percent", stats.UsedPercent).
			Int("attempt", attempt+1).
			Msg("Emergency memory pressure, backing off before chunked processing")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(o.cfg.BackoffDelay):
		}
		stats = o.watcher.Stats()
	}
	return nil
}

// clampConcurrency reduces the requested concurrency under pressure: halved at
// critical, serialized at emergency.
func (o *Orchestrator) clampConcurrency(requested int) int {
	if o.watcher == nil {
		return requested
	}
	switch {
	case o.watcher.Level() >= memory.LevelEmergency:
		return 1
	case o.watcher.Level() >= memory.LevelCritical:
		if requested > 1 {
			return requested / 2
		}
	}
	return requested
}

// verifyPartition asserts the reconstructable-partition invariant: offsets are
// contiguous and the chunk lengths sum to the source length.
func verifyPartition(results []ChunkResult, total int) error {
	expectedOffset := 0
	for _, res := range results {
		if res.Offset != expectedOffset {
			return fmt.Errorf("partition violated: chunk %d at offset %d, expected %d", res.Index, res.Offset, expectedOffset)
		}
		expectedOffset += res.Length
	}
	if expectedOffset != total {
		return fmt.Errorf("partition violated: chunk lengths sum to %d, source is %d bytes", expectedOffset, total)
	}
	return nil
}
