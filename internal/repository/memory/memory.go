// Package memory holds in-process implementations of the server stores, for development runs and tests.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	verrors "e2e_vault/internal/errors"
	"e2e_vault/internal/model"

	"github.com/redis/go-redis/v9"
)

// clone deep-copies v through JSON so callers never share state with the store.
func clone[T any](v *T) *T {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("memory: clone: %v", err))
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		panic(fmt.Sprintf("memory: clone: %v", err))
	}
	return &out
}

type AccountRepo struct {
	mu   sync.RWMutex
	data map[string]*model.Account
}

func NewAccountRepo() *AccountRepo {
	return &AccountRepo{data: make(map[string]*model.Account)}
}

func (r *AccountRepo) GetByEmail(_ context.Context, email string) (*model.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	acc, ok := r.data[email]
	if !ok {
		return nil, nil
	}
	return clone(acc), nil
}

func (r *AccountRepo) Create(_ context.Context, acc *model.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.data[acc.Email]; ok {
		return fmt.Errorf("account %s: %w", acc.Email, verrors.ErrConflict)
	}
	r.data[acc.Email] = clone(acc)
	return nil
}

type SecretRepo struct {
	mu   sync.RWMutex
	data map[string]*model.Secret
}

func NewSecretRepo() *SecretRepo {
	return &SecretRepo{data: make(map[string]*model.Secret)}
}

func (r *SecretRepo) Create(_ context.Context, s *model.Secret) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.data[s.ID]; ok {
		return verrors.ErrConflict
	}
	r.data[s.ID] = clone(s)
	return nil
}

func (r *SecretRepo) Get(_ context.Context, id string) (*model.Secret, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.data[id]
	if !ok {
		return nil, nil
	}
	return clone(s), nil
}

func (r *SecretRepo) ListFor(_ context.Context, email string) ([]*model.Secret, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := []*model.Secret{}
	for _, s := range r.data {
		if _, shared := s.Envelope.KeyFor(email); s.Owner == email || shared {
			res = append(res, clone(s))
		}
	}
	sort.Slice(res, func(i, j int) bool {
		if !res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].CreatedAt.Before(res[j].CreatedAt)
		}
		return res[i].ID < res[j].ID
	})
	return res, nil
}

func (r *SecretRepo) Update(_ context.Context, s *model.Secret) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.data[s.ID]; !ok {
		return verrors.ErrNotFound
	}
	r.data[s.ID] = clone(s)
	return nil
}

func (r *SecretRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.data[id]; !ok {
		return verrors.ErrNotFound
	}
	delete(r.data, id)
	return nil
}

// GroupRepo applies updates and rotations under one lock with the same version check as the mongo repository.
type GroupRepo struct {
	mu   sync.RWMutex
	data map[string]*model.Group
}

func NewGroupRepo() *GroupRepo {
	return &GroupRepo{data: make(map[string]*model.Group)}
}

func (r *GroupRepo) Create(_ context.Context, g *model.Group) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.data[g.ID]; ok {
		return verrors.ErrConflict
	}
	r.data[g.ID] = clone(g)
	return nil
}

func (r *GroupRepo) Get(_ context.Context, id string) (*model.Group, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.data[id]
	if !ok {
		return nil, nil
	}
	return clone(g), nil
}

func (r *GroupRepo) ListFor(_ context.Context, email string) ([]*model.Group, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := []*model.Group{}
	for _, g := range r.data {
		if _, ok := g.KeyFor(email); ok {
			res = append(res, clone(g))
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

func (r *GroupRepo) Update(_ context.Context, g *model.Group) (*model.Group, error) {
	return r.swap(g.ID, g.Version, g.Name, g.WrappedKeys, g.Secrets)
}

func (r *GroupRepo) Replace(_ context.Context, id string, rot *model.GroupRotation) (*model.Group, error) {
	return r.swap(id, rot.PreviousVersion, rot.Name, rot.WrappedKeys, rot.Secrets)
}

func (r *GroupRepo) swap(id string, version int, name model.Value, keys []model.WrappedKey, secrets []model.GroupSecret) (*model.Group, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.data[id]
	if !ok {
		return nil, verrors.ErrNotFound
	}
	if cur.Version != version {
		return nil, verrors.ErrConflict
	}
	next := clone(cur)
	next.Name = name
	next.WrappedKeys = keys
	next.Secrets = secrets
	next.Version++
	next.UpdatedAt = time.Now().UTC()
	next = clone(next)
	r.data[id] = next
	return clone(next), nil
}

func (r *GroupRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.data[id]; !ok {
		return verrors.ErrNotFound
	}
	delete(r.data, id)
	return nil
}

type entry struct {
	value   string
	expires time.Time
}

// Cache mimics the redis commands the server uses. Missing keys report redis.Nil.
type Cache struct {
	mu    sync.Mutex
	kv    map[string]entry
	lists map[string][]string
	now   func() time.Time
}

func NewCache() *Cache {
	return &Cache{
		kv:    make(map[string]entry),
		lists: make(map[string][]string),
		now:   time.Now,
	}
}

func str(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	default:
		return fmt.Sprint(x)
	}
}

func (c *Cache) Set(_ context.Context, key string, value any, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := entry{value: str(value)}
	if ttl > 0 {
		e.expires = c.now().Add(ttl)
	}
	c.kv[key] = e
	return nil
}

func (c *Cache) getLocked(key string) (string, error) {
	e, ok := c.kv[key]
	if !ok {
		return "", redis.Nil
	}
	if !e.expires.IsZero() && !c.now().Before(e.expires) {
		delete(c.kv, key)
		return "", redis.Nil
	}
	return e.value, nil
}

func (c *Cache) Get(_ context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(key)
}

func (c *Cache) GetDel(_ context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, err := c.getLocked(key)
	delete(c.kv, key)
	return v, err
}

func (c *Cache) Del(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.kv, key)
	delete(c.lists, key)
	return nil
}

func (c *Cache) RPush(_ context.Context, key string, value ...any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, v := range value {
		c.lists[key] = append(c.lists[key], str(v))
	}
	return nil
}

func (c *Cache) LRange(_ context.Context, key string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.lists[key]...), nil
}
