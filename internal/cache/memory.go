package cache

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/studyforge/examcore/internal/apperrors"
)

func init() {
	Register("memory", newMemoryCache)
}

// entry is the stored form of one cached value. The value slice is owned by
// the cache; Get hands out copies.
type entry struct {
	value      []byte
	size       int64
	createdAt  time.Time
	lastAccess time.Time
	expiresAt  time.Time // zero means no expiry
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// memoryCache bounds entries by count and by total value bytes on top of
// hashicorp/golang-lru's simplelru core. The recency list gives strict LRU
// order (last access, insertion order for ties); byte accounting and lazy TTL
// expiry are layered on around it.
type memoryCache struct {
	mu         sync.Mutex
	lru        *simplelru.LRU[string, *entry]
	maxBytes   int64
	curBytes   int64
	defaultTTL time.Duration
	hits       uint64
	misses     uint64
	onEvict    EvictCallback
}

func newMemoryCache(cfg ProviderConfig) (Cache, error) {
	if cfg.MaxItems <= 0 {
		return nil, apperrors.NewValidationError("max_items", "must be positive")
	}
	if cfg.MaxBytes < 0 {
		return nil, apperrors.NewValidationError("max_size", "must not be negative")
	}

	c := &memoryCache{
		maxBytes:   cfg.MaxBytes,
		defaultTTL: cfg.TTL,
		onEvict:    cfg.OnEvict,
	}
	// The callback fires for every removal path (capacity eviction, explicit
	// Remove, Purge), so byte accounting lives here and nowhere else.
	lru, err := simplelru.NewLRU[string, *entry](cfg.MaxItems, func(key string, ent *entry) {
		c.curBytes -= ent.size
		if c.onEvict != nil {
			c.onEvict(key, ent.value)
		}
	})
	if err != nil {
		return nil, err
	}
	c.lru = lru
	return c, nil
}

func (c *memoryCache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ent, ok := c.lru.Peek(key)
	if !ok {
		c.misses++
		return nil, false
	}
	now := time.Now()
	if ent.expired(now) {
		c.lru.Remove(key)
		ExpiredTotal.Inc()
		c.misses++
		return nil, false
	}

	// Touch recency and hand out a copy so eviction can never invalidate a
	// caller-held slice.
	c.lru.Get(key)
	ent.lastAccess = now
	c.hits++
	out := make([]byte, len(ent.value))
	copy(out, ent.value)
	return out, true
}

func (c *memoryCache) Set(key string, value []byte) error {
	return c.SetWithTTL(key, value, c.defaultTTL)
}

func (c *memoryCache) SetWithTTL(key string, value []byte, ttl time.Duration) error {
	size := int64(len(value))
	if c.maxBytes > 0 && size > c.maxBytes {
		return apperrors.NewCapacityError(key, size, c.maxBytes)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Replacing an existing key removes the old entry first so the byte
	// accounting and insertion order reflect the new write.
	c.lru.Remove(key)

	if c.maxBytes > 0 {
		for c.curBytes+size > c.maxBytes && c.lru.Len() > 0 {
			c.lru.RemoveOldest()
		}
	}

	now := time.Now()
	ent := &entry{
		value:      append([]byte(nil), value...),
		size:       size,
		createdAt:  now,
		lastAccess: now,
	}
	if ttl > 0 {
		ent.expiresAt = now.Add(ttl)
	}
	c.lru.Add(key, ent)
	c.curBytes += size
	return nil
}

func (c *memoryCache) Contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	ent, ok := c.lru.Peek(key)
	return ok && !ent.expired(time.Now())
}

func (c *memoryCache) Remove(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Remove(key)
}

func (c *memoryCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	removed := 0
	for _, key := range c.lru.Keys() {
		if ent, ok := c.lru.Peek(key); ok && ent.expired(now) {
			c.lru.Remove(key)
			ExpiredTotal.Inc()
			removed++
		}
	}
	return removed
}

func (c *memoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

func (c *memoryCache) SizeBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.curBytes
}

func (c *memoryCache) Metrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Metrics{Hits: c.hits, Misses: c.misses}
}

func (c *memoryCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
	return nil
}
