package payment

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduper remembers processed webhook event ids.
type Deduper interface {
	// FirstSeen records id and reports whether it was new.
	FirstSeen(ctx context.Context, id string) (bool, error)
	// Forget releases id so a later delivery is processed again.
	Forget(ctx context.Context, id string) error
}

// =============================================================================
// MEMORY DEDUPER
// =============================================================================

type MemoryDeduper struct {
	mu   sync.Mutex
	ttl  time.Duration
	now  func() time.Time
	seen map[string]time.Time
}

func NewMemoryDeduper(ttl time.Duration) *MemoryDeduper {
	return &MemoryDeduper{ttl: ttl, now: time.Now, seen: make(map[string]time.Time)}
}

func (d *MemoryDeduper) FirstSeen(_ context.Context, id string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	for k, exp := range d.seen {
		if now.After(exp) {
			delete(d.seen, k)
		}
	}
	if _, ok := d.seen[id]; ok {
		return false, nil
	}
	d.seen[id] = now.Add(d.ttl)
	return true, nil
}

func (d *MemoryDeduper) Forget(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, id)
	return nil
}

// =============================================================================
// REDIS DEDUPER
// =============================================================================

// RedisDeduper shares the seen-set across instances with SET NX.
type RedisDeduper struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisDeduper(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisDeduper {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "lesson-engine:webhook"
	}
	return &RedisDeduper{client: client, prefix: prefix, ttl: ttl}
}

func (d *RedisDeduper) key(id string) string {
	return fmt.Sprintf("%s:%s", d.prefix, id)
}

func (d *RedisDeduper) FirstSeen(ctx context.Context, id string) (bool, error) {
	ok, err := d.client.SetNX(ctx, d.key(id), 1, d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis dedupe: %w", err)
	}
	return ok, nil
}

func (d *RedisDeduper) Forget(ctx context.Context, id string) error {
	if err := d.client.Del(ctx, d.key(id)).Err(); err != nil {
		return fmt.Errorf("redis dedupe: %w", err)
	}
	return nil
}
