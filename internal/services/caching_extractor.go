package services

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/studyforge/examcore/internal/cache"
	"github.com/studyforge/examcore/internal/extraction"
)

// cachingExtractor memoizes extraction results in the bounded cache, keyed by
// a hash of the input bytes. Re-processing an unchanged chunk becomes a cache
// hit instead of another call to the external collaborator.
type cachingExtractor struct {
	inner extraction.Extractor
	cache cache.Cache
}

func newCachingExtractor(inner extraction.Extractor, c cache.Cache) *cachingExtractor {
	return &cachingExtractor{inner: inner, cache: c}
}

func (e *cachingExtractor) key(buffer []byte) string {
	return fmt.Sprintf("extract:%016x", xxhash.Sum64(buffer))
}

func (e *cachingExtractor) Extract(ctx context.Context, buffer []byte) (*extraction.Result, error) {
	key := e.key(buffer)
	if data, ok := e.cache.Get(key); ok {
		var result extraction.Result
		if err := json.Unmarshal(data, &result); err == nil {
			return &result, nil
		}
		// A corrupt entry is dropped and re-extracted.
		e.cache.Remove(key)
	}

	result, err := e.inner.Extract(ctx, buffer)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(result); err == nil {
		// A capacity rejection just means this result is too big to memoize.
		_ = e.cache.Set(key, data)
	}
	return result, nil
}
