package cache

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

type entry struct {
	value   []byte
	expires time.Time
}

// MemoryCache is an in-process fallback for single-node deployments and
// deterministic tests, backed by the teacher's already-indirect
// hashicorp/golang-lru dependency with a per-entry expiry layered on
// top (the library itself has no notion of TTL).
type MemoryCache struct {
	lru *lru.Cache[string, entry]
}

// NewMemoryCache creates a bounded in-memory cache. size caps the
// number of resident keys; eviction beyond that is LRU, same as any
// other idempotency-cache miss (the guarded stage just re-runs).
func NewMemoryCache(size int) (*MemoryCache, error) {
	c, err := lru.New[string, entry](size)
	if err != nil {
		return nil, err
	}
	return &MemoryCache{lru: c}, nil
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	e, ok := c.lru.Get(key)
	if !ok {
		return nil, false, nil
	}
	if time.Now().After(e.expires) {
		c.lru.Remove(key)
		return nil, false, nil
	}
	return e.value, true, nil
}

func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.lru.Add(key, entry{value: value, expires: time.Now().Add(ttl)})
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.lru.Remove(key)
	return nil
}
