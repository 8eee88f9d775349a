package cache

import (
	"time"

	"github.com/rs/zerolog"
)

// EvictCallback is called when an entry is evicted from the cache.
// Callbacks may run while the cache lock is held and must not call back into
// the cache.
type EvictCallback func(key string, value []byte)

// Cache is a bounded key-value store with LRU eviction and per-entry TTL.
// Implementations may use in-memory storage or an external spill backend like
// Redis/Valkey.
type Cache interface {
	// Get retrieves a value by key, refreshing its recency. An expired entry
	// is removed and reported as a miss. The returned slice is a copy owned by
	// the caller.
	Get(key string) ([]byte, bool)

	// Set stores a value under the default TTL. If the key already exists it
	// is overwritten (last write wins). A value that can never fit the
	// configured byte budget is rejected with a capacity error instead of
	// evicting everything.
	Set(key string, value []byte) error

	// SetWithTTL stores a value with an explicit time-to-live. A zero ttl
	// means the entry never expires.
	SetWithTTL(key string, value []byte, ttl time.Duration) error

	// Contains checks whether a live (non-expired) entry exists without
	// affecting LRU ordering.
	Contains(key string) bool

	// Remove deletes an entry, reporting whether it was present.
	Remove(key string) bool

	// Sweep eagerly removes expired entries and returns how many were removed.
	// Backends with server-side expiry return 0.
	Sweep() int

	// Len returns the number of entries currently tracked.
	Len() int

	// SizeBytes returns the total value bytes currently held, or 0 when the
	// backend owns its own memory accounting.
	SizeBytes() int64

	// Metrics returns a snapshot of this instance's hit/miss counters.
	Metrics() Metrics

	// Close releases all entries and any resources held by the cache.
	Close() error
}

// Metrics is a snapshot of one cache instance's counters. Counters only ever
// increase and are discarded with the instance.
type Metrics struct {
	Hits   uint64
	Misses uint64
}

// HitRate returns the fraction of lookups that hit, or 0 before any lookup.
func (m Metrics) HitRate() float64 {
	total := m.Hits + m.Misses
	if total == 0 {
		return 0
	}
	return float64(m.Hits) / float64(total)
}

// Logger receives error reports from cache operations. If nil in
// ProviderConfig, errors are silently ignored.
type Logger interface {
	Error(msg string, err error)
}

type zerologAdapter struct {
	logger zerolog.Logger
}

func (z zerologAdapter) Error(msg string, err error) {
	z.logger.Error().Err(err).Msg(msg)
}

// ZerologLogger adapts a zerolog.Logger to the cache Logger interface.
func ZerologLogger(l zerolog.Logger) Logger {
	return zerologAdapter{logger: l}
}
