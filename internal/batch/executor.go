package batch

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/failsafe-go/failsafe-go/timeout"
	"github.com/rs/zerolog"

	"github.com/studyforge/examcore/internal/apperrors"
	"github.com/studyforge/examcore/internal/memory"
	"github.com/studyforge/examcore/internal/metrics"
)

// ProcessFunc processes one task payload. It is retried with the same payload
// on failure.
type ProcessFunc func(ctx context.Context, payload any) (any, error)

// Task is a unit of work with a priority. Higher priority runs sooner.
type Task struct {
	ID       string
	Priority int
	Payload  any
	Process  ProcessFunc
}

// TaskResult is the terminal outcome of one task. WaitForCompletion returns
// one result per task; individual failures never surface as an executor error.
type TaskResult struct {
	ID       string
	Success  bool
	Value    any
	Err      error
	Attempts int
}

// PressureWatcher is the slice of the memory monitor the executor consults
// before starting a batch.
type PressureWatcher interface {
	Level() memory.PressureLevel
}

// Config holds the executor knobs.
type Config struct {
	BatchSize           int
	MaxConcurrency      int
	DelayBetweenBatches time.Duration
	RetryAttempts       int
	TaskTimeout         time.Duration
	// PressurePollInterval is how often pressure is re-checked while paused at
	// emergency. Defaults to 50ms.
	PressurePollInterval time.Duration
}

// Stats is a snapshot of the executor's task counts.
type Stats struct {
	Added     int
	Pending   int
	InFlight  int
	Succeeded int
	Failed    int
	Cancelled int
}

// Executor drains a priority queue of tasks in batches with bounded
// concurrency. Before each batch it consults the memory monitor: critical
// pressure halves the batch's concurrency, emergency pauses new batches until
// pressure returns to warning or below.
type Executor struct {
	mu        sync.Mutex
	cfg       Config
	queue     taskHeap
	seq       uint64
	order     []string // ids in Add order, for stable result ordering
	results   map[string]*TaskResult
	cancelled map[string]bool
	inflight  map[string]context.CancelFunc
	watcher   PressureWatcher
	recorder  *metrics.Recorder
	logger    zerolog.Logger
}

// NewExecutor validates the configuration and returns an Executor. watcher may
// be nil, in which case pressure is never consulted.
func NewExecutor(cfg Config, watcher PressureWatcher, recorder *metrics.Recorder, logger zerolog.Logger) (*Executor, error) {
	if cfg.BatchSize <= 0 {
		return nil, apperrors.NewValidationError("batch_size", "must be positive")
	}
	if cfg.MaxConcurrency <= 0 {
		return nil, apperrors.NewValidationError("max_concurrency", "must be positive")
	}
	if cfg.RetryAttempts < 0 {
		return nil, apperrors.NewValidationError("retry_attempts", "must not be negative")
	}
	if cfg.PressurePollInterval <= 0 {
		cfg.PressurePollInterval = 50 * time.Millisecond
	}
	return &Executor{
		cfg:       cfg,
		results:   make(map[string]*TaskResult),
		cancelled: make(map[string]bool),
		inflight:  make(map[string]context.CancelFunc),
		watcher:   watcher,
		recorder:  recorder,
		logger:    logger,
	}, nil
}

// Add queues a task. Task ids must be unique per executor.
func (e *Executor) Add(task *Task) error {
	if task == nil || task.ID == "" {
		return apperrors.NewValidationError("task", "id must not be empty")
	}
	if task.Process == nil {
		return apperrors.NewValidationError("task", "process func must not be nil")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.results[task.ID]; dup {
		return apperrors.NewValidationError("task", fmt.Sprintf("id %q already used", task.ID))
	}
	for _, q := range e.queue {
		if q.task.ID == task.ID {
			return apperrors.NewValidationError("task", fmt.Sprintf("id %q already queued", task.ID))
		}
	}
	heap.Push(&e.queue, &queued{task: task, seq: e.seq})
	e.seq++
	e.order = append(e.order, task.ID)
	return nil
}

// Cancel marks a task as cancelled. A pending task never runs; an in-flight
// task's context is cancelled and its concurrency slot is released immediately
// without waiting for the processor to observe the cancellation. Reports
// whether the id was known and not yet settled.
func (e *Executor) Cancel(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if res, done := e.results[id]; done && res != nil {
		return false
	}
	e.cancelled[id] = true
	if cancel, ok := e.inflight[id]; ok {
		cancel()
		return true
	}
	for _, q := range e.queue {
		if q.task.ID == id {
			return true
		}
	}
	return false
}

// WaitForCompletion drains the queue and returns one result per added task, in
// Add order. It never returns an error for individual task failures; the only
// early exit is ctx cancellation, in which case the results gathered so far
// are returned.
func (e *Executor) WaitForCompletion(ctx context.Context) []TaskResult {
	for {
		if err := e.waitForPressureDrop(ctx); err != nil {
			return e.snapshotResults()
		}

		batch := e.nextBatch()
		if len(batch) == 0 {
			return e.snapshotResults()
		}

		concurrency := e.effectiveConcurrency()
		e.runBatch(ctx, batch, concurrency)

		if e.pendingCount() > 0 && e.cfg.DelayBetweenBatches > 0 {
			select {
			case <-ctx.Done():
				return e.snapshotResults()
			case <-time.After(e.cfg.DelayBetweenBatches):
			}
		}
	}
}

// waitForPressureDrop blocks while pressure is at emergency. New batches
// resume once the level returns to warning or below.
func (e *Executor) waitForPressureDrop(ctx context.Context) error {
	if e.watcher == nil {
		return nil
	}
	paused := false
	for e.watcher.Level() >= memory.LevelEmergency {
		if !paused {
			paused = true
			e.logger.Warn().Msg("Pausing batch starts at emergency memory pressure")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.cfg.PressurePollInterval):
		}
	}
	if paused {
		e.logger.Info().Msg("Memory pressure subsided, resuming batch starts")
	}
	return nil
}

func (e *Executor) effectiveConcurrency() int {
	concurrency := e.cfg.MaxConcurrency
	if e.watcher != nil && e.watcher.Level() >= memory.LevelCritical {
		concurrency = concurrency / 2
		if concurrency < 1 {
			concurrency = 1
		}
	}
	return concurrency
}

// nextBatch pops up to BatchSize runnable tasks in priority order. Tasks
// cancelled while pending settle here without running.
func (e *Executor) nextBatch() []*Task {
	e.mu.Lock()
	defer e.mu.Unlock()

	var batch []*Task
	for len(batch) < e.cfg.BatchSize && e.queue.Len() > 0 {
		q := heap.Pop(&e.queue).(*queued)
		if e.cancelled[q.task.ID] {
			e.results[q.task.ID] = &TaskResult{
				ID:  q.task.ID,
				Err: apperrors.NewCancelledError(q.task.ID),
			}
			metrics.BatchTasksTotal.WithLabelValues("cancelled").Inc()
			continue
		}
		batch = append(batch, q.task)
	}
	return batch
}

// runBatch starts the batch's tasks in priority order, at most concurrency at
// a time. Slots are acquired before a task starts, so invocation order within
// the batch follows queue order.
func (e *Executor) runBatch(ctx context.Context, batch []*Task, concurrency int) {
	slots := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	for _, task := range batch {
		select {
		case slots <- struct{}{}:
		case <-ctx.Done():
			// Skipped work is a cancellation, not a failure: the counter and
			// the Stats snapshot must agree.
			e.settle(task, &TaskResult{ID: task.ID, Err: apperrors.NewCancelledError(task.ID)}, "cancelled")
			continue
		}

		wg.Add(1)
		go func(task *Task) {
			defer wg.Done()
			defer func() { <-slots }()
			e.runTask(ctx, task)
		}(task)
	}
	wg.Wait()
}

// runTask executes one task with retry and timeout. The processor runs in its
// own goroutine so that cancelling the task frees the slot immediately even if
// the processor has not returned yet.
func (e *Executor) runTask(ctx context.Context, task *Task) {
	taskCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.inflight[task.ID] = cancel
	e.mu.Unlock()
	defer func() {
		cancel()
		e.mu.Lock()
		delete(e.inflight, task.ID)
		e.mu.Unlock()
	}()

	attempts := 0
	retry := retrypolicy.NewBuilder[any]().
		WithMaxRetries(e.cfg.RetryAttempts).
		ReturnLastFailure().
		Build()
	policies := []failsafe.Policy[any]{retry}
	if e.cfg.TaskTimeout > 0 {
		policies = append(policies, timeout.New[any](e.cfg.TaskTimeout))
	}

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	start := time.Now()
	go func() {
		value, err := failsafe.With[any](policies...).
			WithContext(taskCtx).
			GetWithExecution(func(exec failsafe.Execution[any]) (any, error) {
				e.mu.Lock()
				attempts++
				e.mu.Unlock()
				value, procErr := task.Process(exec.Context(), task.Payload)
				if procErr != nil && !apperrors.IsCancellation(procErr) {
					return value, apperrors.NewTransientError("process", procErr)
				}
				return value, procErr
			})
		done <- outcome{value: value, err: err}
	}()

	var result outcome
	select {
	case result = <-done:
	case <-taskCtx.Done():
		// The slot is released now; the processor goroutine may still be
		// draining its own shutdown.
		result = outcome{err: taskCtx.Err()}
	}

	if e.recorder != nil {
		e.recorder.RecordTiming("batch.task", time.Since(start))
	}

	e.mu.Lock()
	wasCancelled := e.cancelled[task.ID]
	currentAttempts := attempts
	e.mu.Unlock()

	switch {
	case wasCancelled || apperrors.IsCancellation(result.err):
		e.settle(task, &TaskResult{
			ID:       task.ID,
			Err:      apperrors.NewCancelledError(task.ID),
			Attempts: currentAttempts,
		}, "cancelled")
	case result.err != nil:
		e.logger.Warn().Err(result.err).Str("task", task.ID).Int("attempts", currentAttempts).
			Msg("Batch task failed permanently")
		e.settle(task, &TaskResult{
			ID:       task.ID,
			Err:      apperrors.NewPermanentError("process", task.ID, currentAttempts, result.err),
			Attempts: currentAttempts,
		}, "failed")
	default:
		e.settle(task, &TaskResult{
			ID:       task.ID,
			Success:  true,
			Value:    result.value,
			Attempts: currentAttempts,
		}, "succeeded")
	}
}

func (e *Executor) settle(task *Task, result *TaskResult, status string) {
	e.mu.Lock()
	e.results[task.ID] = result
	e.mu.Unlock()
	metrics.BatchTasksTotal.WithLabelValues(status).Inc()
}

func (e *Executor) pendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queue.Len()
}

// snapshotResults returns settled results in Add order.
func (e *Executor) snapshotResults() []TaskResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]TaskResult, 0, len(e.results))
	for _, id := range e.order {
		if res, ok := e.results[id]; ok {
			out = append(out, *res)
		}
	}
	return out
}

// Stats returns a snapshot of task counts.
func (e *Executor) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := Stats{Added: len(e.order), Pending: e.queue.Len(), InFlight: len(e.inflight)}
	for _, res := range e.results {
		switch {
		case res.Success:
			s.Succeeded++
		case apperrors.IsCancellation(res.Err):
			s.Cancelled++
		default:
			s.Failed++
		}
	}
	return s
}
