package llmcache

import (
	"context"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Store is the cache backend. Redis in production, the in-memory map in
// tests and single-process deployments without Redis.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration)
}

// -------------------- Redis --------------------

type redisStore struct {
	rdb *goredis.Client
}

func NewRedisStore(rdb *goredis.Client) Store {
	return &redisStore{rdb: rdb}
}

func (s *redisStore) Get(ctx context.Context, key string) ([]byte, bool) {
	if s == nil || s.rdb == nil {
		return nil, false
	}
	raw, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false
	}
	return raw, true
}

func (s *redisStore) Set(ctx context.Context, key string, val []byte, ttl time.Duration) {
	if s == nil || s.rdb == nil {
		return
	}
	_ = s.rdb.Set(ctx, key, val, ttl).Err()
}

// -------------------- in-memory --------------------

type memEntry struct {
	val       []byte
	expiresAt time.Time
}

type memoryStore struct {
	mu      sync.RWMutex
	entries map[string]memEntry
}

func NewMemoryStore() Store {
	return &memoryStore{entries: map[string]memEntry{}}
}

func (s *memoryStore) Get(_ context.Context, key string) ([]byte, bool) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return nil, false
	}
	return e.val, true
}

func (s *memoryStore) Set(_ context.Context, key string, val []byte, ttl time.Duration) {
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	s.mu.Lock()
	s.entries[key] = memEntry{val: val, expiresAt: exp}
	s.mu.Unlock()
}
