package cache

import (
	"strings"
	"testing"
	"time"
)

func TestFactory_UnknownProvider(t *testing.T) {
	_, err := New("bogus", ProviderConfig{MaxItems: 10})
	if err == nil {
		t.Fatal("Expected error for unknown provider")
	}
	if !strings.Contains(err.Error(), "bogus") {
		t.Fatalf("Error should name the provider: %v", err)
	}
}

func TestFactory_RegisteredProviders(t *testing.T) {
	names := RegisteredProviders()

	found := map[string]bool{}
	for _, name := range names {
		found[name] = true
	}
	if !found["memory"] || !found["redis"] {
		t.Fatalf("Expected memory and redis providers, got %v", names)
	}
}

func TestFactory_RegisterNilPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("Expected panic for nil provider")
		}
	}()
	Register("nil-provider", nil)
}

func TestFactory_EvictionCallbackCounted(t *testing.T) {
	evicted := make([]string, 0)
	c, err := New("memory", ProviderConfig{
		MaxItems: 2,
		TTL:      time.Hour,
		OnEvict:  func(key string, _ []byte) { evicted = append(evicted, key) },
		Group:    "factory-evict",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	before := getCounterVecValue(EvictionsTotal, "factory-evict")

	_ = c.Set("a", []byte("1"))
	_ = c.Set("b", []byte("2"))
	_ = c.Set("c", []byte("3")) // evicts "a"

	if len(evicted) != 1 || evicted[0] != "a" {
		t.Fatalf("Expected caller callback for evicted 'a', got %v", evicted)
	}
	after := getCounterVecValue(EvictionsTotal, "factory-evict")
	if after != before+1 {
		t.Fatalf("Expected evictions counter to increment by 1, got diff %.0f", after-before)
	}
}
