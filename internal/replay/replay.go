// Package replay detects repeated webhook deliveries
package replay

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Guard remembers keys for a TTL. Seen returns false the first time a key
// is offered and true for every repeat until it expires. Forget drops a
// key so the next Seen treats it as new.
type Guard interface {
	Seen(ctx context.Context, key string) (bool, error)
	Forget(ctx context.Context, key string) error
}

// RedisGuard shares seen keys between gateway instances
type RedisGuard struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

var _ Guard = (*RedisGuard)(nil)

// NewRedisGuard creates a guard on top of a Redis client
func NewRedisGuard(client *redis.Client, ttl time.Duration) *RedisGuard {
	return &RedisGuard{
		client: client,
		ttl:    ttl,
		prefix: "spworlds:webhook:",
	}
}

// Seen records key with SET NX and reports whether it already existed
func (g *RedisGuard) Seen(ctx context.Context, key string) (bool, error) {
	created, err := g.client.SetNX(ctx, g.prefix+key, 1, g.ttl).Result()
	if err != nil {
		return false, err
	}
	return !created, nil
}

// Forget deletes key
func (g *RedisGuard) Forget(ctx context.Context, key string) error {
	return g.client.Del(ctx, g.prefix+key).Err()
}

// MemoryGuard keeps seen keys in process memory
type MemoryGuard struct {
	mu   sync.Mutex
	ttl  time.Duration
	keys map[string]time.Time
	now  func() time.Time
}

var _ Guard = (*MemoryGuard)(nil)

// NewMemoryGuard creates an in-memory guard
func NewMemoryGuard(ttl time.Duration) *MemoryGuard {
	return &MemoryGuard{
		ttl:  ttl,
		keys: make(map[string]time.Time),
		now:  time.Now,
	}
}

// Seen reports whether key was offered within the TTL
func (g *MemoryGuard) Seen(_ context.Context, key string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	for k, expires := range g.keys {
		if !now.Before(expires) {
			delete(g.keys, k)
		}
	}

	if _, ok := g.keys[key]; ok {
		return true, nil
	}
	g.keys[key] = now.Add(g.ttl)
	return false, nil
}

func (g *MemoryGuard) Forget(_ context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.keys, key)
	return nil
}
