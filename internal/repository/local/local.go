// Package local is the per-device key-value store. Values never leave the device.
package local

import (
	"context"
	"sync"

	redisSvc "e2e_vault/internal/service/redis"
)

// Store is the local persistence collaborator. Get returns "" for a missing key.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
}

type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]string)}
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data[key], nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return nil
}

// RedisStore keeps values in a redis instance local to the device, namespaced by prefix.
type RedisStore struct {
	svc    *redisSvc.RedisService
	prefix string
}

func NewRedisStore(svc *redisSvc.RedisService, prefix string) *RedisStore {
	return &RedisStore{svc: svc, prefix: prefix}
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	v, err := s.svc.Get(ctx, s.prefix+key)
	if redisSvc.IsNil(err) {
		return "", nil
	}
	return v, err
}

func (s *RedisStore) Set(ctx context.Context, key, value string) error {
	if value == "" {
		return s.svc.Del(ctx, s.prefix+key)
	}
	return s.svc.Set(ctx, s.prefix+key, value, 0)
}
