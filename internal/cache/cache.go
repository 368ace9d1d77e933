// Package cache holds the small key/value abstraction shared by the
// verification cache, its redis-backed variant and the template snapshot.
package cache

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// Cache is a best-effort store: losing entries costs extra upstream calls,
// never a wrong booking.
type Cache[V any] interface {
	Get(ctx context.Context, key string) (V, bool, error)
	Put(ctx context.Context, key string, value V, ttl time.Duration) error
	Invalidate(ctx context.Context, keys ...string) error
}

// Memory is an in-process Cache. A zero ttl means the entry never expires.
// Expired entries are swept in the background until Close.
type Memory[V any] struct {
	items *ttlcache.Cache[string, V]
}

func NewMemory[V any]() *Memory[V] {
	items := ttlcache.New[string, V](
		ttlcache.WithDisableTouchOnHit[string, V](),
	)
	go items.Start()
	return &Memory[V]{items: items}
}

func (m *Memory[V]) Get(_ context.Context, key string) (V, bool, error) {
	item := m.items.Get(key)
	if item == nil {
		var zero V
		return zero, false, nil
	}
	return item.Value(), true, nil
}

func (m *Memory[V]) Put(_ context.Context, key string, value V, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = ttlcache.NoTTL
	}
	m.items.Set(key, value, ttl)
	return nil
}

func (m *Memory[V]) Invalidate(_ context.Context, keys ...string) error {
	for _, k := range keys {
		m.items.Delete(k)
	}
	return nil
}

// Close stops the expiry sweeper.
func (m *Memory[V]) Close() {
	m.items.Stop()
}
