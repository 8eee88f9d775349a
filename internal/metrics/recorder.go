package metrics

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Sample is one recorded observation of a named metric.
type Sample struct {
	Value float64
	At    time.Time
}

// MetricSummary aggregates the retained samples of one metric.
type MetricSummary struct {
	Count   int
	Average float64
	Min     float64
	Max     float64
	Last    float64
	Unit    string
}

type threshold struct {
	warnAt float64
	critAt float64
	unit   string
}

// ring is a fixed-capacity sample buffer. When full, the oldest sample is
// overwritten first.
type ring struct {
	buf   []Sample
	head  int
	count int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]Sample, capacity)}
}

func (r *ring) push(s Sample) {
	r.buf[r.head] = s
	r.head = (r.head + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

// snapshot returns retained samples in oldest-first order.
func (r *ring) snapshot() []Sample {
	out := make([]Sample, 0, r.count)
	start := r.head - r.count
	for i := 0; i < r.count; i++ {
		out = append(out, r.buf[(start+i+len(r.buf))%len(r.buf)])
	}
	return out
}

// Recorder keeps named timing and memory samples in per-metric ring buffers
// and checks them against configured thresholds. Crossing a threshold logs a
// warning and increments a counter; it never blocks the caller.
type Recorder struct {
	mu         sync.Mutex
	maxSamples int
	series     map[string]*ring
	units      map[string]string
	timers     map[string]time.Time
	thresholds map[string]threshold
	logger     zerolog.Logger
}

// NewRecorder creates a Recorder retaining up to maxSamples samples per metric.
func NewRecorder(maxSamples int, logger zerolog.Logger) *Recorder {
	if maxSamples <= 0 {
		maxSamples = 1000
	}
	return &Recorder{
		maxSamples: maxSamples,
		series:     make(map[string]*ring),
		units:      make(map[string]string),
		timers:     make(map[string]time.Time),
		thresholds: make(map[string]threshold),
		logger:     logger,
	}
}

// RecordTiming records a wall-clock duration for the named metric, in
// milliseconds.
func (r *Recorder) RecordTiming(name string, d time.Duration) {
	r.record(name, float64(d.Milliseconds()), "ms")
}

// RecordMemory records a byte count for the named metric.
func (r *Recorder) RecordMemory(name string, bytes uint64) {
	r.record(name, float64(bytes), "bytes")
}

func (r *Recorder) record(name string, value float64, unit string) {
	r.mu.Lock()
	s, ok := r.series[name]
	if !ok {
		s = newRing(r.maxSamples)
		r.series[name] = s
		r.units[name] = unit
	}
	s.push(Sample{Value: value, At: time.Now()})
	th, hasThreshold := r.thresholds[name]
	r.mu.Unlock()

	if !hasThreshold {
		return
	}
	switch {
	case value >= th.critAt:
		ThresholdBreachesTotal.WithLabelValues(name, "critical").Inc()
		r.logger.Warn().
			Str("metric", name).
			Float64("value", value).
			Float64("threshold", th.critAt).
			Str("unit", th.unit).
			Msg("Metric crossed critical threshold")
	case value >= th.warnAt:
		ThresholdBreachesTotal.WithLabelValues(name, "warning").Inc()
		r.logger.Warn().
			Str("metric", name).
			Float64("value", value).
			Float64("threshold", th.warnAt).
			Str("unit", th.unit).
			Msg("Metric crossed warning threshold")
	}
}

// Measure runs fn, records its wall-clock duration under name, and returns its
// result or error unchanged.
func Measure[T any](r *Recorder, name string, fn func() (T, error)) (T, error) {
	start := time.Now()
	result, err := fn()
	elapsed := time.Since(start)
	r.RecordTiming(name, elapsed)
	OperationDurationSeconds.WithLabelValues(name).Observe(elapsed.Seconds())
	return result, err
}

// StartTimer begins a manual timer for name. A second StartTimer for the same
// name restarts it.
func (r *Recorder) StartTimer(name string) {
	r.mu.Lock()
	r.timers[name] = time.Now()
	r.mu.Unlock()
}

// EndTimer stops a manual timer and records its duration. Ending a timer that
// was never started is reported (log + counter) and returns zero; it is not
// fatal.
func (r *Recorder) EndTimer(name string) time.Duration {
	r.mu.Lock()
	start, ok := r.timers[name]
	if ok {
		delete(r.timers, name)
	}
	r.mu.Unlock()

	if !ok {
		UnmatchedTimersTotal.Inc()
		r.logger.Warn().Str("metric", name).Msg("EndTimer called without a matching StartTimer")
		return 0
	}
	elapsed := time.Since(start)
	r.RecordTiming(name, elapsed)
	return elapsed
}

// SetThreshold configures warning and critical levels for a metric. Values at
// or above warnAt log a warning; at or above critAt the breach is counted as
// critical.
func (r *Recorder) SetThreshold(name string, warnAt, critAt float64, unit string) {
	r.mu.Lock()
	r.thresholds[name] = threshold{warnAt: warnAt, critAt: critAt, unit: unit}
	r.mu.Unlock()
}

// Summary returns per-metric aggregates over the retained samples.
func (r *Recorder) Summary() map[string]MetricSummary {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]MetricSummary, len(r.series))
	for name, s := range r.series {
		samples := s.snapshot()
		if len(samples) == 0 {
			continue
		}
		sum := MetricSummary{
			Count: len(samples),
			Min:   samples[0].Value,
			Max:   samples[0].Value,
			Last:  samples[len(samples)-1].Value,
			Unit:  r.units[name],
		}
		total := 0.0
		for _, sample := range samples {
			total += sample.Value
			if sample.Value < sum.Min {
				sum.Min = sample.Value
			}
			if sample.Value > sum.Max {
				sum.Max = sample.Value
			}
		}
		sum.Average = total / float64(len(samples))
		out[name] = sum
	}
	return out
}

// Samples returns a copy of the retained samples for one metric, oldest first.
func (r *Recorder) Samples(name string) []Sample {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.series[name]; ok {
		return s.snapshot()
	}
	return nil
}
