package cache

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// getCounterVecValue reads the current value of a CounterVec for the given label.
func getCounterVecValue(cv *prometheus.CounterVec, label string) float64 {
	c, err := cv.GetMetricWithLabelValues(label)
	if err != nil {
		return 0
	}
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

// newInstrumentedTestCache creates an instrumented memory cache with the given group and
// registers a cleanup that calls Close() at the end of the test.
func newInstrumentedTestCache(t *testing.T, group string) Cache {
	t.Helper()
	c, err := New("memory", ProviderConfig{MaxItems: 10, TTL: time.Hour, Group: group})
	if err != nil {
		t.Fatalf("New instrumented cache: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestInstrumentedCache_Hits(t *testing.T) {
	c := newInstrumentedTestCache(t, "test-hits")

	_ = c.Set("k", []byte("v"))
	before := getCounterVecValue(HitsTotal, "test-hits")

	_, _ = c.Get("k") // hit

	after := getCounterVecValue(HitsTotal, "test-hits")
	if after != before+1 {
		t.Errorf("Expected hits to increment by 1, got diff %.0f", after-before)
	}
}

func TestInstrumentedCache_Misses(t *testing.T) {
	c := newInstrumentedTestCache(t, "test-misses")

	before := getCounterVecValue(MissesTotal, "test-misses")

	_, _ = c.Get("absent") // miss

	after := getCounterVecValue(MissesTotal, "test-misses")
	if after != before+1 {
		t.Errorf("Expected misses to increment by 1, got diff %.0f", after-before)
	}
}

func TestInstrumentedCache_PassThrough(t *testing.T) {
	c := newInstrumentedTestCache(t, "test-passthrough")

	if err := c.SetWithTTL("k", []byte("v"), time.Hour); err != nil {
		t.Fatalf("SetWithTTL: %v", err)
	}
	if !c.Contains("k") {
		t.Fatal("Contains should see the entry")
	}
	if c.Len() != 1 {
		t.Fatalf("Expected Len 1, got %d", c.Len())
	}
	if !c.Remove("k") {
		t.Fatal("Remove should report presence")
	}
	if m := c.Metrics(); m.Hits != 0 {
		t.Fatalf("Expected no hits recorded, got %d", m.Hits)
	}
}
