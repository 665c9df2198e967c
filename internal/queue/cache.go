package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrCacheMiss is returned by CacheClient.Get when the key is absent or expired
var ErrCacheMiss = errors.New("cache miss")

// Store is a byte-oriented key/value store with per-key TTL
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// RedisStore implements Store on a Redis client
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a Redis-backed store sharing client
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}

type memItem struct {
	v       []byte
	expires time.Time
}

// MemoryStore is an in-process Store, used when Redis is not configured and in tests
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]memItem
	now   func() time.Time
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: map[string]memItem{}, now: time.Now}
}

// WithClock replaces the store's time source
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	it, ok := s.items[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if !it.expires.IsZero() && !s.now().Before(it.expires) {
		s.mu.Lock()
		delete(s.items, key)
		s.mu.Unlock()
		return nil, false, nil
	}
	return append([]byte(nil), it.v...), true, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	it := memItem{v: append([]byte(nil), value...)}
	if ttl > 0 {
		it.expires = s.now().Add(ttl)
	}
	s.mu.Lock()
	s.items[key] = it
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
	return nil
}

// CacheClient stores JSON values on top of a Store
type CacheClient struct {
	store Store
}

// NewCacheClient creates a JSON cache over store
func NewCacheClient(store Store) *CacheClient {
	return &CacheClient{store: store}
}

// Set marshals value and stores it under key, replacing any previous value
func (c *CacheClient) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal cache value: %w", err)
	}
	return c.store.Set(ctx, key, data, expiration)
}

// Get loads key into dest, returning ErrCacheMiss if absent
func (c *CacheClient) Get(ctx context.Context, key string, dest interface{}) error {
	data, ok, err := c.store.Get(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		return ErrCacheMiss
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("failed to unmarshal cache value %s: %w", key, err)
	}
	return nil
}

// Delete removes key
func (c *CacheClient) Delete(ctx context.Context, key string) error {
	return c.store.Delete(ctx, key)
}

// HistoryKey is the cache key of a payer's recent payments
func HistoryKey(payerID string) string {
	return fmt.Sprintf("user_history:%s", payerID)
}

// InsightKey is the cache key of a payer's latest insight
func InsightKey(payerID string) string {
	return fmt.Sprintf("ai_insights:%s", payerID)
}
