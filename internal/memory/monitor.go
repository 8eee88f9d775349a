package memory

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/studyforge/examcore/internal/apperrors"
	"github.com/studyforge/examcore/internal/metrics"
)

// PressureLevel classifies current heap usage against the configured
// thresholds. Levels are ordered; comparisons like level >= LevelCritical are
// meaningful.
type PressureLevel int

const (
	LevelNormal PressureLevel = iota
	LevelWarning
	LevelCritical
	LevelEmergency
)

func (l PressureLevel) String() string {
	switch l {
	case LevelNormal:
		return "normal"
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	case LevelEmergency:
		return "emergency"
	default:
		return fmt.Sprintf("unknown(%d)", int(l))
	}
}

// Stats is one sample of heap usage. Level is derived from the sample itself,
// never stored independently of it.
type Stats struct {
	HeapUsed    uint64
	HeapTotal   uint64
	HeapLimit   uint64
	UsedPercent float64
	Level       PressureLevel
	SampledAt   time.Time
}

// Sampler reports current heap usage: bytes in use and bytes obtained from the
// system. The default reads runtime.MemStats; tests inject their own.
type Sampler func() (used, total uint64)

// CleanupFunc releases memory on request. Failures are reported but never
// block other cleanup tasks.
type CleanupFunc func(ctx context.Context) error

// PressureCallback is invoked on transitions into warning or above.
type PressureCallback func(level PressureLevel, stats Stats)

// Config holds the monitor thresholds. Thresholds are fractions of the heap
// limit and must satisfy 0 < warning < critical < emergency <= 1.
type Config struct {
	WarningThreshold   float64
	CriticalThreshold  float64
	EmergencyThreshold float64
	MaxHeapBytes       uint64
	Sampler            Sampler // nil means runtime heap sampling
}

type cleanupTask struct {
	name string
	fn   CleanupFunc
}

// Monitor samples heap usage, classifies it into pressure levels, runs
// registered cleanup tasks, and notifies subscribers on pressure transitions.
// Sampling is caller-driven (every Stats call) plus an optional periodic
// ticker started with Start.
type Monitor struct {
	mu        sync.Mutex
	cfg       Config
	sampler   Sampler
	lastLevel PressureLevel
	cleanups  []cleanupTask
	subs      map[int]PressureCallback
	nextSub   int
	recorder  *metrics.Recorder
	logger    zerolog.Logger
}

// NewMonitor validates the threshold configuration and returns a Monitor.
func NewMonitor(cfg Config, recorder *metrics.Recorder, logger zerolog.Logger) (*Monitor, error) {
	if cfg.WarningThreshold <= 0 || cfg.WarningThreshold >= cfg.CriticalThreshold ||
		cfg.CriticalThreshold >= cfg.EmergencyThreshold || cfg.EmergencyThreshold > 1 {
		return nil, apperrors.NewValidationError("memory thresholds",
			fmt.Sprintf("must satisfy 0 < warning < critical < emergency <= 1, got %.2f/%.2f/%.2f",
				cfg.WarningThreshold, cfg.CriticalThreshold, cfg.EmergencyThreshold))
	}
	if cfg.MaxHeapBytes == 0 {
		return nil, apperrors.NewValidationError("max_heap_size", "must be positive")
	}

	sampler := cfg.Sampler
	if sampler == nil {
		sampler = runtimeSampler
	}
	return &Monitor{
		cfg:      cfg,
		sampler:  sampler,
		subs:     make(map[int]PressureCallback),
		recorder: recorder,
		logger:   logger,
	}, nil
}

func runtimeSampler() (used, total uint64) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapAlloc, ms.HeapSys
}

// LevelFor classifies a usage fraction (0..1) into a pressure level. It is a
// pure function of the sample.
func (m *Monitor) LevelFor(usedFraction float64) PressureLevel {
	switch {
	case usedFraction >= m.cfg.EmergencyThreshold:
		return LevelEmergency
	case usedFraction >= m.cfg.CriticalThreshold:
		return LevelCritical
	case usedFraction >= m.cfg.WarningThreshold:
		return LevelWarning
	default:
		return LevelNormal
	}
}

// Stats takes a fresh sample, reclassifies the pressure level, and fires any
// transition side effects: subscriber notification at warning or above, and an
// automatic Cleanup on entering critical.
func (m *Monitor) Stats() Stats {
	used, total := m.sampler()

	fraction := float64(used) / float64(m.cfg.MaxHeapBytes)
	stats := Stats{
		HeapUsed:    used,
		HeapTotal:   total,
		HeapLimit:   m.cfg.MaxHeapBytes,
		UsedPercent: fraction * 100,
		Level:       m.LevelFor(fraction),
		SampledAt:   time.Now(),
	}

	if m.recorder != nil {
		m.recorder.RecordMemory("heap_used", used)
	}

	m.mu.Lock()
	previous := m.lastLevel
	m.lastLevel = stats.Level
	var callbacks []PressureCallback
	if stats.Level > previous && stats.Level >= LevelWarning {
		for _, cb := range m.subs {
			callbacks = append(callbacks, cb)
		}
	}
	m.mu.Unlock()

	if stats.Level != previous {
		metrics.MemoryPressureTransitionsTotal.WithLabelValues(stats.Level.String()).Inc()
		m.logger.Info().
			Str("from", previous.String()).
			Str("to", stats.Level.String()).
			Float64("used_percent", stats.UsedPercent).
			Msg("Memory pressure level changed")
	}

	for _, cb := range callbacks {
		cb(stats.Level, stats)
	}

	if stats.Level >= LevelCritical && previous < LevelCritical {
		if err := m.Cleanup(context.Background()); err != nil {
			m.logger.Error().Err(err).Msg("Automatic cleanup reported failures")
		}
	}

	return stats
}

// Level returns the pressure level of a fresh sample.
func (m *Monitor) Level() PressureLevel {
	return m.Stats().Level
}

// HasEnoughMemory reports whether an allocation of estimatedBytes fits under
// the heap limit. At emergency pressure all allocation requests are denied
// until the level drops.
func (m *Monitor) HasEnoughMemory(estimatedBytes uint64) bool {
	stats := m.Stats()
	if stats.Level >= LevelEmergency {
		return false
	}
	return stats.HeapUsed+estimatedBytes <= stats.HeapLimit
}

// RegisterCleanupTask adds a named cleanup task invoked by Cleanup.
func (m *Monitor) RegisterCleanupTask(name string, fn CleanupFunc) {
	m.mu.Lock()
	m.cleanups = append(m.cleanups, cleanupTask{name: name, fn: fn})
	m.mu.Unlock()
}

// Cleanup invokes every registered cleanup task. Each task is isolated: a
// failure or panic in one never prevents the others from running. The
// combined error of all failed tasks is returned.
func (m *Monitor) Cleanup(ctx context.Context) error {
	m.mu.Lock()
	tasks := make([]cleanupTask, len(m.cleanups))
	copy(tasks, m.cleanups)
	m.mu.Unlock()

	var errs []error
	for _, task := range tasks {
		if err := m.runCleanupTask(ctx, task); err != nil {
			metrics.CleanupTaskRunsTotal.WithLabelValues("failed").Inc()
			m.logger.Error().Err(err).Str("task", task.name).Msg("Cleanup task failed")
			errs = append(errs, fmt.Errorf("cleanup task %q: %w", task.name, err))
		} else {
			metrics.CleanupTaskRunsTotal.WithLabelValues("succeeded").Inc()
		}
	}
	return errors.Join(errs...)
}

func (m *Monitor) runCleanupTask(ctx context.Context, task cleanupTask) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return task.fn(ctx)
}

// OnPressure subscribes to pressure transitions into warning or above. The
// returned function removes the subscription.
func (m *Monitor) OnPressure(cb PressureCallback) func() {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = cb
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// Start samples on a fixed interval until ctx is cancelled. A non-positive
// interval is rejected so a malformed config value cannot crash the ticker
// goroutine at runtime.
func (m *Monitor) Start(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return apperrors.NewValidationError("sample_interval", "must be positive")
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Stats()
			}
		}
	}()
	return nil
}
