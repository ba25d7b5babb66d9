package serve

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/foresight/foresight/pkg/types"
)

// RedisCache stores prediction results in Redis, sharing TTL semantics
// with MemoryCache. Redis failures degrade to misses; serving never
// depends on the cache being up.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache connects to Redis at the given URL.
func NewRedisCache(url string, ttl time.Duration) (*RedisCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("serve: invalid redis url: %w", err)
	}

	return &RedisCache{
		client: redis.NewClient(opts),
		ttl:    ttl,
	}, nil
}

// Get returns the cached result for key, or false on miss or error.
func (c *RedisCache) Get(ctx context.Context, key string) (*types.PredictionResult, bool) {
	data, err := c.client.Get(ctx, cacheNamespace(key)).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		log.Printf("serve: redis get failed: %v", err)
		return nil, false
	}

	var result types.PredictionResult
	if err := json.Unmarshal(data, &result); err != nil {
		log.Printf("serve: corrupt cache entry for %s: %v", key, err)
		return nil, false
	}
	return &result, true
}

// Set stores a result under key with the cache TTL.
func (c *RedisCache) Set(ctx context.Context, key string, result *types.PredictionResult) {
	data, err := json.Marshal(result)
	if err != nil {
		log.Printf("serve: failed to encode cache entry: %v", err)
		return
	}
	if err := c.client.Set(ctx, cacheNamespace(key), data, c.ttl).Err(); err != nil {
		log.Printf("serve: redis set failed: %v", err)
	}
}

// Stop closes the Redis connection.
func (c *RedisCache) Stop() {
	if err := c.client.Close(); err != nil {
		log.Printf("serve: redis close failed: %v", err)
	}
}

func cacheNamespace(key string) string {
	return "foresight:predictions:" + key
}
