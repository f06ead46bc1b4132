// Package pricecache caches the last resolved pricing result per identifier so
// repeated runs don't burn provider quota on identifiers seen recently.
package pricecache

import (
	"context"
	"sync"
	"time"

	"resalearb/domain"
)

// Cache maps a product identifier to its last resolved item. Expiry is lazy:
// there is no eviction thread, a stale entry simply reads as absent.
type Cache interface {
	Get(ctx context.Context, id string) (domain.ResolvedItem, bool)
	Put(ctx context.Context, item domain.ResolvedItem, ttl time.Duration)
}

type memoryEntry struct {
	item      domain.ResolvedItem
	expiresAt time.Time
}

type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry

	// now is swappable for tests.
	now func() time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (c *MemoryCache) Get(ctx context.Context, id string) (domain.ResolvedItem, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return domain.ResolvedItem{}, false
	}
	if c.now().After(e.expiresAt) {
		delete(c.entries, id)
		return domain.ResolvedItem{}, false
	}
	return e.item, true
}

func (c *MemoryCache) Put(ctx context.Context, item domain.ResolvedItem, ttl time.Duration) {
	if item.ID == "" {
		return
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[item.ID] = memoryEntry{item: item, expiresAt: c.now().Add(ttl)}
}
