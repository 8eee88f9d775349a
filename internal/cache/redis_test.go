package cache

import (
	"bytes"
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// Value codec tests need no server: encode/decode are pure.

func TestRedisCodec_RawBelowThreshold(t *testing.T) {
	r := &redisCache{compressMin: 100}

	encoded, err := r.encode([]byte("small value"))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if encoded[0] != encodingRaw {
		t.Fatalf("Expected raw marker, got 0x%02x", encoded[0])
	}

	decoded, err := decode(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(decoded) != "small value" {
		t.Fatalf("Round trip mismatch: %q", decoded)
	}
}

func TestRedisCodec_GzipAboveThreshold(t *testing.T) {
	r := &redisCache{compressMin: 64}
	value := bytes.Repeat([]byte("compressible "), 100)

	encoded, err := r.encode(value)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if encoded[0] != encodingGzip {
		t.Fatalf("Expected gzip marker, got 0x%02x", encoded[0])
	}
	if len(encoded) >= len(value) {
		t.Fatalf("Expected compression to shrink %d bytes, got %d", len(value), len(encoded))
	}

	decoded, err := decode(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(decoded, value) {
		t.Fatal("Round trip mismatch")
	}
}

func TestRedisCodec_CompressionDisabled(t *testing.T) {
	r := &redisCache{compressMin: 0}
	value := bytes.Repeat([]byte("x"), 10000)

	encoded, err := r.encode(value)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if encoded[0] != encodingRaw {
		t.Fatal("Zero threshold must disable compression")
	}
}

func TestRedisCodec_EmptyStoredValue(t *testing.T) {
	if _, err := decode(nil); err == nil {
		t.Fatal("Expected error for empty stored value")
	}
}

func TestRedisCodec_UnknownMarker(t *testing.T) {
	_, err := decode([]byte{0x02, 'd', 'a', 't', 'a'})
	if err == nil {
		t.Fatal("Expected error for unknown encoding marker")
	}
	if !strings.Contains(err.Error(), "0x02") {
		t.Fatalf("Error should name the marker: %v", err)
	}
}

// The tests below require a running Redis/Valkey server (7.4+/8+ for HPEXPIRE).
// Set REDIS_ADDRESS (e.g., "localhost:6379") to enable them.

func skipIfNoRedis(t *testing.T) string {
	t.Helper()
	addr := os.Getenv("REDIS_ADDRESS")
	if addr == "" {
		t.Skip("Skipping Redis tests: set REDIS_ADDRESS to enable")
	}
	return addr
}

// flushTestRedisDB clears DB 15 so tests start with a clean slate.
func flushTestRedisDB(t *testing.T, addr string) {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
	defer client.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush Redis test DB: %v", err)
	}
}

func newTestRedisCache(t *testing.T, maxItems int, ttl time.Duration, onEvict EvictCallback) Cache {
	t.Helper()
	addr := skipIfNoRedis(t)
	flushTestRedisDB(t, addr)
	c, err := New("redis", ProviderConfig{
		MaxItems:             maxItems,
		TTL:                  ttl,
		OnEvict:              onEvict,
		RedisAddress:         addr,
		RedisDB:              15, // use a high DB number for tests
		CompressionThreshold: 64,
	})
	if err != nil {
		t.Fatalf("New redis cache: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestRedisCache_GetSet(t *testing.T) {
	c := newTestRedisCache(t, 100, 10*time.Second, nil)

	val, ok := c.Get("redis-test-key")
	if ok {
		t.Fatal("Expected miss for new key")
	}
	if val != nil {
		t.Fatalf("Expected nil value on miss, got %v", val)
	}

	if err := c.Set("redis-test-key", []byte("hello")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	val, ok = c.Get("redis-test-key")
	if !ok {
		t.Fatal("Expected hit after Set")
	}
	if string(val) != "hello" {
		t.Fatalf("Expected 'hello', got %q", string(val))
	}

	m := c.Metrics()
	if m.Hits != 1 || m.Misses != 1 {
		t.Fatalf("Expected 1 hit / 1 miss, got %+v", m)
	}
}

func TestRedisCache_CompressedValueRoundTrip(t *testing.T) {
	c := newTestRedisCache(t, 100, 10*time.Second, nil)

	value := bytes.Repeat([]byte("large payload "), 200)
	if err := c.Set("big", value); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, ok := c.Get("big")
	if !ok {
		t.Fatal("Expected hit")
	}
	if !bytes.Equal(got, value) {
		t.Fatal("Compressed value did not round trip")
	}
}

func TestRedisCache_EvictionAtMaxItems(t *testing.T) {
	var evicted []string
	c := newTestRedisCache(t, 2, 10*time.Second, func(key string, _ []byte) {
		evicted = append(evicted, key)
	})

	_ = c.Set("a", []byte("1"))
	time.Sleep(2 * time.Millisecond) // distinct LRU scores
	_ = c.Set("b", []byte("2"))
	time.Sleep(2 * time.Millisecond)
	_ = c.Set("c", []byte("3")) // evicts "a"

	if len(evicted) != 1 || evicted[0] != "a" {
		t.Fatalf("Expected 'a' evicted, got %v", evicted)
	}
	if _, ok := c.Get("a"); ok {
		t.Fatal("Evicted key must be gone")
	}
	if c.Len() != 2 {
		t.Fatalf("Expected 2 entries, got %d", c.Len())
	}
}

func TestRedisCache_RemoveAndContains(t *testing.T) {
	c := newTestRedisCache(t, 100, 10*time.Second, nil)

	_ = c.Set("k", []byte("v"))
	if !c.Contains("k") {
		t.Fatal("Expected Contains true after Set")
	}
	if !c.Remove("k") {
		t.Fatal("Expected Remove to report the key was present")
	}
	if c.Contains("k") {
		t.Fatal("Expected Contains false after Remove")
	}
	if c.Remove("k") {
		t.Fatal("Expected Remove false for a missing key")
	}
}

func TestRedisCache_PerCallTTL(t *testing.T) {
	c := newTestRedisCache(t, 100, 10*time.Second, nil)

	if err := c.SetWithTTL("short", []byte("v"), 50*time.Millisecond); err != nil {
		t.Fatalf("SetWithTTL: %v", err)
	}
	if _, ok := c.Get("short"); !ok {
		t.Fatal("Expected hit before expiry")
	}
	time.Sleep(100 * time.Millisecond)
	if _, ok := c.Get("short"); ok {
		t.Fatal("Expected miss after TTL expiry")
	}
}
