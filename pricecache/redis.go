package pricecache

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"resalearb/domain"
)

// RedisCache stores resolved items as TTL'd JSON values, so cache hits survive
// process restarts and are shared across api/worker pods.
type RedisCache struct {
	rdb       *redis.Client
	keyPrefix string
}

func NewRedisCache(rdb *redis.Client, keyPrefix string) *RedisCache {
	keyPrefix = strings.TrimSpace(keyPrefix)
	if keyPrefix == "" {
		keyPrefix = "arb:pricecache:"
	}
	return &RedisCache{rdb: rdb, keyPrefix: keyPrefix}
}

func (c *RedisCache) key(id string) string {
	return c.keyPrefix + strings.TrimSpace(id)
}

func (c *RedisCache) Get(ctx context.Context, id string) (domain.ResolvedItem, bool) {
	if c == nil || c.rdb == nil || strings.TrimSpace(id) == "" {
		return domain.ResolvedItem{}, false
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	val, err := c.rdb.Get(ctx, c.key(id)).Result()
	if err != nil {
		// redis.Nil and transient errors both read as a miss; the pipeline
		// falls through to the provider either way.
		return domain.ResolvedItem{}, false
	}
	var item domain.ResolvedItem
	if err := json.Unmarshal([]byte(val), &item); err != nil {
		return domain.ResolvedItem{}, false
	}
	return item, true
}

func (c *RedisCache) Put(ctx context.Context, item domain.ResolvedItem, ttl time.Duration) {
	if c == nil || c.rdb == nil || strings.TrimSpace(item.ID) == "" {
		return
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	b, err := json.Marshal(item)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	// Best-effort write; a failed Put only costs an extra provider call later.
	_ = c.rdb.Set(ctx, c.key(item.ID), b, ttl).Err()
}
