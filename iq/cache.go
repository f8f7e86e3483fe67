package iq

import (
	"fmt"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
)

// CacheManager keeps recently read examples in memory.
type CacheManager struct {
	cache   *lru.Cache
	maxSize int

	// Statistics
	hits   int64
	misses int64
}

// NewCacheManager creates a cache holding up to maxSize examples.
func NewCacheManager(maxSize int) (*CacheManager, error) {
	cache, err := lru.New(maxSize)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create example cache")
	}
	return &CacheManager{cache: cache, maxSize: maxSize}, nil
}

// Get retrieves an example from the cache
func (cm *CacheManager) Get(key string) (Samples, bool) {
	if v, ok := cm.cache.Get(key); ok {
		atomic.AddInt64(&cm.hits, 1)
		return v.(Samples), true
	}
	atomic.AddInt64(&cm.misses, 1)
	return Samples{}, false
}

// Put adds an example to the cache, evicting the least recently used one
// when full.
func (cm *CacheManager) Put(key string, samples Samples) {
	cm.cache.Add(key, samples)
}

// Stats returns cache statistics
func (cm *CacheManager) Stats() CacheStats {
	hits := atomic.LoadInt64(&cm.hits)
	misses := atomic.LoadInt64(&cm.misses)
	stats := CacheStats{
		Size:    cm.cache.Len(),
		MaxSize: cm.maxSize,
		Hits:    hits,
		Misses:  misses,
	}
	if total := hits + misses; total > 0 {
		stats.HitRate = float64(hits) / float64(total) * 100
	}
	return stats
}

// Clear drops every cached example; statistics are kept.
func (cm *CacheManager) Clear() {
	cm.cache.Purge()
}

// CacheStats holds cache statistics
type CacheStats struct {
	Size    int
	MaxSize int
	Hits    int64
	Misses  int64
	HitRate float64
}

// String returns a string representation of cache stats
func (cs CacheStats) String() string {
	return fmt.Sprintf("Cache: %d/%d examples, Hits: %d, Misses: %d, Hit Rate: %.1f%%",
		cs.Size, cs.MaxSize, cs.Hits, cs.Misses, cs.HitRate)
}
