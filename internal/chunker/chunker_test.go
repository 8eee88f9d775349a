package chunker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"

	"github.com/studyforge/examcore/internal/apperrors"
	"github.com/studyforge/examcore/internal/extraction"
	"github.com/studyforge/examcore/internal/memory"
)

// stubWatcher reports a settable pressure state.
type stubWatcher struct {
	percent atomic.Uint64 // used percent, 0..100
	levels  []memory.PressureLevel
	calls   atomic.Int32
}

func (w *stubWatcher) currentLevel() memory.PressureLevel {
	n := int(w.calls.Load())
	if n >= len(w.levels) {
		n = len(w.levels) - 1
	}
	return w.levels[n]
}

func (w *stubWatcher) Stats() memory.Stats {
	level := w.currentLevel()
	w.calls.Add(1)
	return memory.Stats{
		UsedPercent: float64(w.percent.Load()),
		Level:       level,
		SampledAt:   time.Now(),
	}
}

func (w *stubWatcher) Level() memory.PressureLevel {
	return w.currentLevel()
}

func echoExtractor() extraction.Extractor {
	return extraction.Func(func(_ context.Context, buffer []byte) (*extraction.Result, error) {
		return &extraction.Result{Raw: append([]byte(nil), buffer...)}, nil
	})
}

func newTestOrchestrator(t *testing.T, cfg Config, ext extraction.Extractor, watcher PressureWatcher) *Orchestrator {
	t.Helper()
	o, err := New(cfg, ext, watcher, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o
}

func TestOrchestrator_RequiresExtractor(t *testing.T) {
	if _, err := New(Config{}, nil, nil, nil, zerolog.Nop()); !apperrors.IsValidation(err) {
		t.Fatalf("Expected validation error, got %v", err)
	}
}

func TestOrchestrator_InvalidOptions(t *testing.T) {
	o := newTestOrchestrator(t, Config{}, echoExtractor(), nil)

	if _, err := o.Process(context.Background(), []byte("x"), Options{ChunkSize: 0, MaxConcurrent: 1}); !apperrors.IsValidation(err) {
		t.Fatalf("Expected validation error for chunk size, got %v", err)
	}
	if _, err := o.Process(context.Background(), []byte("x"), Options{ChunkSize: 1, MaxConcurrent: 0}); !apperrors.IsValidation(err) {
		t.Fatalf("Expected validation error for concurrency, got %v", err)
	}
}

func TestOrchestrator_EmptyBuffer(t *testing.T) {
	o := newTestOrchestrator(t, Config{}, echoExtractor(), nil)

	results, err := o.Process(context.Background(), nil, Options{ChunkSize: 1024, MaxConcurrent: 2})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("Empty input must produce no chunks, got %d", len(results))
	}
}

func TestOrchestrator_TenMegabyteInput(t *testing.T) {
	o := newTestOrchestrator(t, Config{}, echoExtractor(), nil)

	const mb = 1 << 20
	buf := make([]byte, 10*mb)
	for i := range buf {
		buf[i] = byte(i)
	}

	results, err := o.Process(context.Background(), buf, Options{ChunkSize: mb, MaxConcurrent: 4})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(results) != 10 {
		t.Fatalf("Expected 10 chunks of 1MB, got %d", len(results))
	}

	offset := 0
	for i, res := range results {
		if res.Index != i || res.Offset != offset || res.Length != mb {
			t.Fatalf("Chunk %d: index=%d offset=%d length=%d", i, res.Index, res.Offset, res.Length)
		}
		if res.Err != nil {
			t.Fatalf("Chunk %d failed: %v", i, res.Err)
		}
		want := buf[offset : offset+mb]
		if !bytes.Equal(res.Value.Raw, want) {
			t.Fatalf("Chunk %d content mismatch", i)
		}
		if res.Checksum != xxhash.Sum64(want) {
			t.Fatalf("Chunk %d checksum mismatch", i)
		}
		offset += mb
	}
}

func TestOrchestrator_ShortLastChunk(t *testing.T) {
	o := newTestOrchestrator(t, Config{}, echoExtractor(), nil)

	buf := make([]byte, 2500)
	results, err := o.Process(context.Background(), buf, Options{ChunkSize: 1000, MaxConcurrent: 2})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("Expected 3 chunks, got %d", len(results))
	}
	if results[2].Length != 500 || results[2].Offset != 2000 {
		t.Fatalf("Last chunk: offset=%d length=%d", results[2].Offset, results[2].Length)
	}
}

func TestOrchestrator_SingleChunkWhenBufferSmaller(t *testing.T) {
	o := newTestOrchestrator(t, Config{}, echoExtractor(), nil)

	results, err := o.Process(context.Background(), []byte("tiny"), Options{ChunkSize: 1 << 20, MaxConcurrent: 4})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(results) != 1 || results[0].Length != 4 {
		t.Fatalf("Expected one 4-byte chunk, got %+v", results)
	}
}

func TestOrchestrator_PartialChunkFailure(t *testing.T) {
	boom := errors.New("bad segment")
	ext := extraction.Func(func(_ context.Context, buffer []byte) (*extraction.Result, error) {
		if buffer[0] == 0xFF {
			return nil, boom
		}
		return &extraction.Result{}, nil
	})
	o := newTestOrchestrator(t, Config{}, ext, nil)

	buf := make([]byte, 30)
	buf[10] = 0xFF // poisons the second chunk
	results, err := o.Process(context.Background(), buf, Options{ChunkSize: 10, MaxConcurrent: 2})
	if err != nil {
		t.Fatalf("A chunk failure must not fail the operation: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("Expected 3 results, got %d", len(results))
	}
	if results[0].Err != nil || results[2].Err != nil {
		t.Fatal("Healthy chunks must succeed")
	}
	if !errors.Is(results[1].Err, boom) {
		t.Fatalf("Expected the poisoned chunk to carry its error, got %v", results[1].Err)
	}
}

func TestOrchestrator_RetriesChunkFailures(t *testing.T) {
	var calls atomic.Int32
	ext := extraction.Func(func(context.Context, []byte) (*extraction.Result, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("transient")
		}
		return &extraction.Result{}, nil
	})
	o := newTestOrchestrator(t, Config{RetryAttempts: 2}, ext, nil)

	results, err := o.Process(context.Background(), []byte("abc"), Options{ChunkSize: 3, MaxConcurrent: 1})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if results[0].Err != nil {
		t.Fatalf("Expected retry to succeed, got %v", results[0].Err)
	}
	if calls.Load() != 3 {
		t.Fatalf("Expected 3 attempts, got %d", calls.Load())
	}
}

func TestOrchestrator_EmergencyBackoffThenProceed(t *testing.T) {
	w := &stubWatcher{levels: []memory.PressureLevel{
		memory.LevelEmergency,
		memory.LevelEmergency,
		memory.LevelNormal,
	}}
	o := newTestOrchestrator(t, Config{BackoffRetries: 5, BackoffDelay: 5 * time.Millisecond}, echoExtractor(), w)

	results, err := o.Process(context.Background(), []byte("data"), Options{ChunkSize: 4, MaxConcurrent: 2})
	if err != nil {
		t.Fatalf("Expected processing once pressure dropped: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("Expected 1 chunk, got %d", len(results))
	}
}

func TestOrchestrator_MemoryExhaustedAfterBackoffBudget(t *testing.T) {
	w := &stubWatcher{levels: []memory.PressureLevel{memory.LevelEmergency}}
	w.percent.Store(97)
	o := newTestOrchestrator(t, Config{BackoffRetries: 2, BackoffDelay: time.Millisecond}, echoExtractor(), w)

	_, err := o.Process(context.Background(), []byte("data"), Options{ChunkSize: 4, MaxConcurrent: 2})
	var exhausted *apperrors.ErrMemoryExhausted
	if !errors.As(err, &exhausted) {
		t.Fatalf("Expected memory exhaustion, got %v", err)
	}
	if exhausted.Retries != 2 {
		t.Fatalf("Expected 2 backoff attempts reported, got %d", exhausted.Retries)
	}
	if exhausted.UsedPercent != 97 {
		t.Fatalf("Expected usage carried in the error, got %.1f", exhausted.UsedPercent)
	}
}

func TestOrchestrator_ContextCancelDuringBackoff(t *testing.T) {
	w := &stubWatcher{levels: []memory.PressureLevel{memory.LevelEmergency}}
	o := newTestOrchestrator(t, Config{BackoffRetries: 100, BackoffDelay: 50 * time.Millisecond}, echoExtractor(), w)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := o.Process(ctx, []byte("data"), Options{ChunkSize: 4, MaxConcurrent: 2})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected context error, got %v", err)
	}
}

func TestOrchestrator_ConcurrencyCeilingFromConfig(t *testing.T) {
	var inFlight, peak atomic.Int32
	ext := extraction.Func(func(context.Context, []byte) (*extraction.Result, error) {
		cur := inFlight.Add(1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		return &extraction.Result{}, nil
	})
	o := newTestOrchestrator(t, Config{MaxConcurrency: 2}, ext, nil)

	buf := make([]byte, 800)
	// Options ask for 8 workers; the configured ceiling wins.
	results, err := o.Process(context.Background(), buf, Options{ChunkSize: 100, MaxConcurrent: 8})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(results) != 8 {
		t.Fatalf("Expected 8 chunks, got %d", len(results))
	}
	if peak.Load() > 2 {
		t.Fatalf("Configured ceiling of 2 must bound concurrency, observed %d", peak.Load())
	}
}

func TestClampConcurrency(t *testing.T) {
	cases := []struct {
		level     memory.PressureLevel
		requested int
		want      int
	}{
		{memory.LevelNormal, 8, 8},
		{memory.LevelWarning, 8, 8},
		{memory.LevelCritical, 8, 4},
		{memory.LevelCritical, 1, 1},
		{memory.LevelEmergency, 8, 1},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%s-%d", tc.level, tc.requested), func(t *testing.T) {
			w := &stubWatcher{levels: []memory.PressureLevel{tc.level}}
			o := newTestOrchestrator(t, Config{}, echoExtractor(), w)
			if got := o.clampConcurrency(tc.requested); got != tc.want {
				t.Fatalf("clampConcurrency(%d) at %s = %d, want %d", tc.requested, tc.level, got, tc.want)
			}
		})
	}
}

func TestPartitionInvariant(t *testing.T) {
	for _, size := range []int{1, 7, 100, 1000, 1023, 1024, 1025} {
		buf := make([]byte, size)
		chunks := partition(buf, 256)

		wantCount := (size + 255) / 256
		if len(chunks) != wantCount {
			t.Fatalf("size %d: expected %d chunks, got %d", size, wantCount, len(chunks))
		}
		offset := 0
		total := 0
		for i, c := range chunks {
			if c.Index != i || c.Offset != offset {
				t.Fatalf("size %d: chunk %d offset %d, expected %d", size, c.Index, c.Offset, offset)
			}
			offset += c.Length
			total += c.Length
		}
		if total != size {
			t.Fatalf("size %d: chunk lengths sum to %d", size, total)
		}
	}
}
