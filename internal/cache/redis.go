package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/redis/go-redis/v9"
)

const (
	// defaultKeyPrefix namespaces all cache keys in Redis to avoid collisions.
	defaultKeyPrefix = "excache:"

	// Value encoding markers. Every stored value carries a one-byte header so
	// reads know whether to decompress.
	encodingRaw  = 0x00
	encodingGzip = 0x01
)

func init() {
	Register("redis", newRedisCache)
}

// redisCache implements the Cache interface using Redis/Valkey with
// application-level LRU semantics. It serves as an optional spill target for
// deployments that want cached state to survive process restarts.
//
// Requires Redis 7.4+ or Valkey 8+ for per-field hash TTL (HPEXPIRE command).
// Using an older version will cause Set operations to fail silently (values are stored
// but won't expire automatically).
//
// Data is stored in just 2 Redis keys (regardless of the number of cache entries):
//
//   - {prefix}data — a Hash that stores all cached values (field = user key, value = bytes).
//     Per-field TTL is set via HPEXPIRE, so expired fields are automatically
//     removed by Redis without application-side cleanup.
//   - {prefix}lru  — a Sorted Set that tracks LRU ordering (member = user key,
//     score = last-access µs timestamp).
//
// Lua scripts ensure that Get (touch) and Set (write + evict) are each executed
// atomically. Values above the configured compression threshold are gzipped
// before they leave the process.
type redisCache struct {
	client       *redis.Client
	defaultTTL   time.Duration
	maxItems     int
	compressMin  int
	onEvict      EvictCallback
	logger       Logger
	dataKey      string // hash key, e.g. "excache:data"
	lruKey       string // sorted set key, e.g. "excache:lru"
	hits, misses atomic.Uint64
}

// getAndTouch atomically retrieves a value from the hash and refreshes
// the LRU score when the entry exists.
//
// KEYS[1] = data hash, KEYS[2] = LRU sorted set
// ARGV[1] = current µs timestamp, ARGV[2] = member (user key)
//
// Returns the value on hit, or nil on miss (including expired fields).
var getAndTouch = redis.NewScript(`
local val = redis.call('HGET', KEYS[1], ARGV[2])
if val then
    redis.call('ZADD', KEYS[2], ARGV[1], ARGV[2])
end
return val
`)

// setAndEvict atomically stores a value in the hash, sets per-field TTL via
// HPEXPIRE, updates LRU tracking, and evicts the least-recently-used entries
// when the cache exceeds maxItems. Stale sorted-set members whose hash field
// has already expired are silently cleaned up during eviction.
//
// KEYS[1] = data hash, KEYS[2] = LRU sorted set
// ARGV[1] = value, ARGV[2] = current µs timestamp, ARGV[3] = member (user key),
// ARGV[4] = maxItems, ARGV[5] = TTL in milliseconds (0 = no expiry)
//
// Returns a list of evicted member names (may be empty).
var setAndEvict = redis.NewScript(`
local member   = ARGV[3]
local maxItems = tonumber(ARGV[4])
local ttlMs    = tonumber(ARGV[5])

redis.call('HSET', KEYS[1], member, ARGV[1])
if ttlMs > 0 then
    redis.call('HPEXPIRE', KEYS[1], ttlMs, 'FIELDS', 1, member)
end

redis.call('ZADD', KEYS[2], ARGV[2], member)

-- Evict least-recently-used entries if over capacity.
-- If the hash field was already expired by Redis, HDEL is a harmless no-op
-- and we still clean the stale sorted-set member.
local size = redis.call('ZCARD', KEYS[2])
local evicted = {}
while size > maxItems do
    local oldest = redis.call('ZPOPMIN', KEYS[2], 1)
    if #oldest == 0 then break end
    local oldMember = oldest[1]
    redis.call('HDEL', KEYS[1], oldMember)
    table.insert(evicted, oldMember)
    size = size - 1
end

return evicted
`)

func newRedisCache(cfg ProviderConfig) (Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddress,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	// Verify connectivity.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	prefix := defaultKeyPrefix
	return &redisCache{
		client:      client,
		defaultTTL:  cfg.TTL,
		maxItems:    cfg.MaxItems,
		compressMin: cfg.CompressionThreshold,
		onEvict:     cfg.OnEvict,
		logger:      cfg.Logger,
		dataKey:     prefix + "data",
		lruKey:      prefix + "lru",
	}, nil
}

func (r *redisCache) keys() []string {
	return []string{r.dataKey, r.lruKey}
}

func (r *redisCache) logError(msg string, err error) {
	if r.logger != nil {
		r.logger.Error(msg, err)
	}
}

// encode prepends the encoding marker, gzipping values above the threshold.
func (r *redisCache) encode(value []byte) ([]byte, error) {
	if r.compressMin <= 0 || len(value) < r.compressMin {
		return append([]byte{encodingRaw}, value...), nil
	}
	var buf bytes.Buffer
	buf.WriteByte(encodingGzip)
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(value); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decode(stored []byte) ([]byte, error) {
	if len(stored) == 0 {
		return nil, errors.New("empty stored value")
	}
	payload := stored[1:]
	switch stored[0] {
	case encodingRaw:
		return payload, nil
	case encodingGzip:
		gr, err := gzip.NewReader(bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		defer gr.Close()
		return io.ReadAll(gr)
	default:
		return nil, fmt.Errorf("unknown value encoding 0x%02x", stored[0])
	}
}

func (r *redisCache) Get(key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	now := strconv.FormatInt(time.Now().UnixMicro(), 10)
	result, err := getAndTouch.Run(ctx, r.client, r.keys(), now, key).Text()
	if err != nil {
		// redis.Nil means the key doesn't exist — a normal cache miss.
		if !errors.Is(err, redis.Nil) {
			r.logError("redis cache Get failed", err)
		}
		r.misses.Add(1)
		return nil, false
	}

	value, err := decode([]byte(result))
	if err != nil {
		r.logError("redis cache value decode failed", err)
		r.misses.Add(1)
		return nil, false
	}
	r.hits.Add(1)
	return value, true
}

func (r *redisCache) Set(key string, value []byte) error {
	return r.SetWithTTL(key, value, r.defaultTTL)
}

func (r *redisCache) SetWithTTL(key string, value []byte, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	encoded, err := r.encode(value)
	if err != nil {
		return fmt.Errorf("encode value for %q: %w", key, err)
	}

	now := strconv.FormatInt(time.Now().UnixMicro(), 10)
	maxItems := strconv.Itoa(r.maxItems)
	ttlMs := strconv.FormatInt(ttl.Milliseconds(), 10)

	evicted, err := setAndEvict.Run(ctx, r.client, r.keys(),
		encoded, now, key, maxItems, ttlMs,
	).StringSlice()
	if err != nil {
		r.logError("redis cache Set failed", err)
		return err
	}

	if r.onEvict != nil {
		// Value is nil because retrieving evicted values from Redis would require
		// additional roundtrips. Callers should only rely on the key for bookkeeping.
		for _, evictedKey := range evicted {
			r.onEvict(evictedKey, nil)
		}
	}
	return nil
}

func (r *redisCache) Contains(key string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ok, err := r.client.HExists(ctx, r.dataKey, key).Result()
	if err != nil {
		r.logError("redis cache Contains failed", err)
	}
	return err == nil && ok
}

func (r *redisCache) Remove(key string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	n, err := r.client.HDel(ctx, r.dataKey, key).Result()
	if err != nil {
		r.logError("redis cache Remove failed", err)
		return false
	}
	if err := r.client.ZRem(ctx, r.lruKey, key).Err(); err != nil {
		r.logError("redis cache Remove LRU cleanup failed", err)
	}
	return n > 0
}

// Sweep is a no-op: Redis expires hash fields server-side via HPEXPIRE.
func (r *redisCache) Sweep() int {
	return 0
}

func (r *redisCache) Len() int {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	n, err := r.client.HLen(ctx, r.dataKey).Result()
	if err != nil {
		r.logError("redis cache Len failed", err)
		return 0
	}
	return int(n)
}

// SizeBytes returns 0: Redis owns the memory accounting for spilled values.
func (r *redisCache) SizeBytes() int64 {
	return 0
}

func (r *redisCache) Metrics() Metrics {
	return Metrics{Hits: r.hits.Load(), Misses: r.misses.Load()}
}

func (r *redisCache) Close() error {
	return r.client.Close()
}
