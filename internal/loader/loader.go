package loader

import (
	"context"
	"fmt"
	"sort"
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

// LoadFunc produces the value for one item. It is retried with the same
// inputs on failure.
type LoadFunc func(ctx context.Context) (any, error)

// Item describes a loadable resource: its identity, scheduling priority,
// and the items that must be loaded before it.
type Item struct {
	ID           string
	Category     string
	Priority     int
	Dependencies []string
	Load         LoadFunc
}

// State is the lifecycle of a registered item.
type State int

const (
	StateUnloaded State = iota
	StateLoading
	StateLoaded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoading:
		return "loading"
	case StateLoaded:
		return "loaded"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// PressureWatcher is the slice of the memory monitor the loader consults
// before preloading.
type PressureWatcher interface {
	Level() memory.PressureLevel
}

// Config holds the loader knobs.
type Config struct {
	MaxConcurrentLoads int
	PreloadDistance    int
	RetryAttempts      int
	LoadTimeout        time.Duration
}

type itemState struct {
	item  Item
	state State
	value any
	err   error
	done  chan struct{} // closed when an in-flight load settles
}

// Stats summarizes the loader's registered items by state.
type Stats struct {
	Registered int
	Loaded     int
	Loading    int
	Failed     int
}

// Loader loads named items respecting priorities and inter-item dependencies.
// A shared dependency loads exactly once: concurrent requests for the same id
// join the in-flight load and all resolve to its single result.
type Loader struct {
	mu       sync.Mutex
	cfg      Config
	items    map[string]*itemState
	sem      *prioritySemaphore
	watcher  PressureWatcher
	recorder *metrics.Recorder
	logger   zerolog.Logger
}

// New validates the configuration and returns a Loader. watcher may be nil.
func New(cfg Config, watcher PressureWatcher, recorder *metrics.Recorder, logger zerolog.Logger) (*Loader, error) {
	if cfg.MaxConcurrentLoads <= 0 {
		return nil, apperrors.NewValidationError("max_concurrent_loads", "must be positive")
	}
	if cfg.RetryAttempts < 0 {
		return nil, apperrors.NewValidationError("retry_attempts", "must not be negative")
	}
	return &Loader{
		cfg:      cfg,
		items:    make(map[string]*itemState),
		sem:      newPrioritySemaphore(cfg.MaxConcurrentLoads),
		watcher:  watcher,
		recorder: recorder,
		logger:   logger,
	}, nil
}

// Register adds an item to the registry. A dependency edge that would close a
// cycle is rejected here, never discovered at load time. Dependencies may
// reference ids registered later.
func (l *Loader) Register(item Item) error {
	if item.ID == "" {
		return apperrors.NewValidationError("id", "must not be empty")
	}
	if item.Load == nil {
		return apperrors.NewValidationError("load", "must not be nil")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.items[item.ID]; exists {
		return apperrors.NewValidationError("id", fmt.Sprintf("item %q already registered", item.ID))
	}
	if path := l.findCycleLocked(item); path != nil {
		return apperrors.NewDependencyCycleError(path)
	}

	l.items[item.ID] = &itemState{item: item, state: StateUnloaded}
	return nil
}

// findCycleLocked walks the dependency graph from the candidate item. The
// existing graph is acyclic, so any new cycle must pass through the candidate:
// a path from the candidate back to its own id is exactly such a cycle.
func (l *Loader) findCycleLocked(candidate Item) []string {
	var walk func(id string, path []string) []string
	walk = func(id string, path []string) []string {
		var deps []string
		if id == candidate.ID {
			deps = candidate.Dependencies
		} else if st, ok := l.items[id]; ok {
			deps = st.item.Dependencies
		}
		for _, dep := range deps {
			next := append(path, dep)
			if dep == candidate.ID {
				return next
			}
			if found := walk(dep, next); found != nil {
				return found
			}
		}
		return nil
	}
	return walk(candidate.ID, []string{candidate.ID})
}

// Load returns the item's value, loading it (and its dependencies, depth
// first) on first request.
func (l *Loader) Load(ctx context.Context, id string) (any, error) {
	l.mu.Lock()
	st, ok := l.items[id]
	l.mu.Unlock()
	if !ok {
		return nil, apperrors.NewValidationError("id", fmt.Sprintf("item %q is not registered", id))
	}

	// Dependencies first. Each is memoized, so shared dependencies load once
	// no matter how many dependents race here.
	for _, dep := range st.item.Dependencies {
		if _, err := l.Load(ctx, dep); err != nil {
			depErr := fmt.Errorf("dependency %q of %q failed: %w", dep, id, err)
			l.settleIfUnloaded(st, depErr)
			return nil, depErr
		}
	}

	l.mu.Lock()
	switch st.state {
	case StateLoaded:
		l.mu.Unlock()
		return st.value, nil
	case StateFailed:
		l.mu.Unlock()
		return nil, st.err
	case StateLoading:
		done := st.done
		l.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		l.mu.Lock()
		defer l.mu.Unlock()
		return st.value, st.err
	}

	// This request claims the load.
	st.state = StateLoading
	st.done = make(chan struct{})
	l.mu.Unlock()

	value, err := l.runLoad(ctx, st)

	l.mu.Lock()
	if err != nil {
		st.state = StateFailed
		st.err = apperrors.NewPermanentError("load", id, l.cfg.RetryAttempts+1, err)
		metrics.LoaderLoadsTotal.WithLabelValues("failed").Inc()
	} else {
		st.state = StateLoaded
		st.value = value
		metrics.LoaderLoadsTotal.WithLabelValues("loaded").Inc()
	}
	close(st.done)
	value, err = st.value, st.err
	l.mu.Unlock()

	return value, err
}

// settleIfUnloaded marks an item failed due to a dependency failure, unless a
// load already settled it.
func (l *Loader) settleIfUnloaded(st *itemState, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if st.state == StateUnloaded {
		st.state = StateFailed
		st.err = err
		metrics.LoaderLoadsTotal.WithLabelValues("failed").Inc()
	}
}

// runLoad executes the item's loader under the concurrency semaphore with
// retry and timeout. Timing out counts as a failure for retry purposes.
func (l *Loader) runLoad(ctx context.Context, st *itemState) (any, error) {
	if err := l.sem.acquire(ctx, st.item.Priority); err != nil {
		return nil, err
	}
	defer l.sem.release()

	start := time.Now()
	retry := retrypolicy.NewBuilder[any]().
		WithMaxRetries(l.cfg.RetryAttempts).
		ReturnLastFailure().
		Build()
	policies := []failsafe.Policy[any]{retry}
	if l.cfg.LoadTimeout > 0 {
		policies = append(policies, timeout.New[any](l.cfg.LoadTimeout))
	}

	value, err := failsafe.With[any](policies...).
		WithContext(ctx).
		GetWithExecution(func(exec failsafe.Execution[any]) (any, error) {
			value, loadErr := st.item.Load(exec.Context())
			if loadErr != nil && !apperrors.IsCancellation(loadErr) {
				// Each failed attempt is transient until the retry budget runs
				// out; the caller sees the escalation to permanent.
				return value, apperrors.NewTransientError("load", loadErr)
			}
			return value, loadErr
		})

	if l.recorder != nil {
		l.recorder.RecordTiming("loader.load", time.Since(start))
	}
	if err != nil {
		l.logger.Warn().
			Err(err).
			Str("item", st.item.ID).
			Str("category", st.item.Category).
			Msg("Item load failed after retries")
	}
	return value, err
}

// IsLoaded reports whether the item has loaded successfully.
func (l *Loader) IsLoaded(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.items[id]
	return ok && st.state == StateLoaded
}

// StateOf returns the item's current lifecycle state.
func (l *Loader) StateOf(id string) (State, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.items[id]
	if !ok {
		return StateUnloaded, false
	}
	return st.state, true
}

// Stats returns a snapshot of item counts by state.
func (l *Loader) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := Stats{Registered: len(l.items)}
	for _, st := range l.items {
		switch st.state {
		case StateLoaded:
			s.Loaded++
		case StateLoading:
			s.Loading++
		case StateFailed:
			s.Failed++
		}
	}
	return s
}

// Preload schedules background loads for up to PreloadDistance of the
// highest-priority unloaded items. It is skipped entirely at critical memory
// pressure or above. Returns the number of loads scheduled.
func (l *Loader) Preload(ctx context.Context) int {
	if l.cfg.PreloadDistance <= 0 {
		return 0
	}
	if l.watcher != nil && l.watcher.Level() >= memory.LevelCritical {
		l.logger.Debug().Msg("Skipping preload under memory pressure")
		return 0
	}

	l.mu.Lock()
	var candidates []*itemState
	for _, st := range l.items {
		if st.state == StateUnloaded {
			candidates = append(candidates, st)
		}
	}
	l.mu.Unlock()

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].item.Priority > candidates[j].item.Priority
	})
	if len(candidates) > l.cfg.PreloadDistance {
		candidates = candidates[:l.cfg.PreloadDistance]
	}

	for _, st := range candidates {
		id := st.item.ID
		go func() {
			if _, err := l.Load(ctx, id); err != nil {
				l.logger.Debug().Err(err).Str("item", id).Msg("Preload failed")
			}
		}()
	}
	return len(candidates)
}
