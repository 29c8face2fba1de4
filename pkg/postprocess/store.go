package postprocess

import (
	"context"
	"errors"
	"sync"

	"github.com/redis/go-redis/v9"
)

// ErrMissingCache is returned by Store.LoadAndDelete when cache_key has
// no entry — either it was never written, or a previous attempt at
// this same task already consumed it.
var ErrMissingCache = errors.New("postprocess: missing cache entry")

// Store is the event processing store of spec.md §4.6/§4.7: a
// single-consumption key-value store the pipeline's entry stage reads
// the full event body from, then deletes. It is deliberately a
// narrower interface than pkg/cache.Cache — callers outside the
// pipeline's entry stage should never touch it.
type Store interface {
	// LoadAndDelete atomically fetches and removes the value for key.
	// Returns ErrMissingCache if absent.
	LoadAndDelete(ctx context.Context, key string) ([]byte, error)
}

// RedisStore implements Store with Redis GETDEL, giving single
// consumption without a round-trip race between GET and DEL.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) LoadAndDelete(ctx context.Context, key string) ([]byte, error) {
	value, err := s.client.GetDel(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMissingCache
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

// MemoryStore is an in-process Store for tests and standalone runs.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string][]byte)}
}

func (s *MemoryStore) Put(key string, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

func (s *MemoryStore) LoadAndDelete(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.values[key]
	if !ok {
		return nil, ErrMissingCache
	}
	delete(s.values, key)
	return value, nil
}
