package serve

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/foresight/foresight/pkg/types"
)

// Cache stores prediction results keyed by (model, fingerprint). The
// cache is best-effort: implementations never fail a prediction, they
// just miss.
type Cache interface {
	// Get returns the cached result for key, or false on a miss.
	Get(ctx context.Context, key string) (*types.PredictionResult, bool)

	// Set stores a result under key with the cache's TTL.
	// Concurrent writers race benignly; last write wins.
	Set(ctx context.Context, key string, result *types.PredictionResult)

	// Stop releases cache resources.
	Stop()
}

// CacheStats holds cache counters.
type CacheStats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Entries   int
}

type cacheEntry struct {
	result    types.PredictionResult
	expiresAt time.Time
}

// MemoryCache is an in-process TTL cache. Expired entries are dropped
// lazily on read and by a background sweep worker.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	ttl     time.Duration

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	nowFn func() time.Time
}

// NewMemoryCache creates a memory cache with the given entry TTL and
// starts its sweep worker.
func NewMemoryCache(ttl, sweepInterval time.Duration) *MemoryCache {
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}

	c := &MemoryCache{
		entries:  make(map[string]cacheEntry),
		ttl:      ttl,
		stopChan: make(chan struct{}),
		nowFn:    time.Now,
	}

	c.wg.Add(1)
	go c.sweepWorker(sweepInterval)

	return c
}

// Get returns the cached result for key. An entry past its TTL counts
// as a miss and is dropped.
func (c *MemoryCache) Get(_ context.Context, key string) (*types.PredictionResult, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		c.misses.Add(1)
		return nil, false
	}

	if c.nowFn().After(entry.expiresAt) {
		c.mu.Lock()
		// Re-check: a fresh write may have replaced the entry
		if current, still := c.entries[key]; still && c.nowFn().After(current.expiresAt) {
			delete(c.entries, key)
			c.evictions.Add(1)
		}
		c.mu.Unlock()
		c.misses.Add(1)
		return nil, false
	}

	c.hits.Add(1)
	result := entry.result
	return &result, true
}

// Set stores a result under key. The entry expires TTL from now.
func (c *MemoryCache) Set(_ context.Context, key string, result *types.PredictionResult) {
	entry := cacheEntry{
		result:    *result,
		expiresAt: c.nowFn().Add(c.ttl),
	}

	c.mu.Lock()
	c.entries[key] = entry
	c.mu.Unlock()
}

// Stats returns a snapshot of the cache counters.
func (c *MemoryCache) Stats() CacheStats {
	c.mu.RLock()
	entries := len(c.entries)
	c.mu.RUnlock()

	return CacheStats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Entries:   entries,
	}
}

// Stop terminates the sweep worker.
func (c *MemoryCache) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopChan)
	})
	c.wg.Wait()
}

func (c *MemoryCache) sweepWorker(interval time.Duration) {
	defer c.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopChan:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

// sweep removes every expired entry.
func (c *MemoryCache) sweep() {
	now := c.nowFn()

	c.mu.Lock()
	defer c.mu.Unlock()

	for key, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, key)
			c.evictions.Add(1)
		}
	}
}
