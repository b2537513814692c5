package cache

import (
	"sync"
	"time"
)

type item[V any] struct {
	Value     V
	ExpiresAt time.Time
}

// TTLMap is a small concurrent map whose entries go stale after a TTL.
// Stale entries are kept until Purge or overwrite.
type TTLMap[K comparable, V any] struct {
	mu    sync.RWMutex
	items map[K]item[V]
}

func NewTTLMap[K comparable, V any]() *TTLMap[K, V] {
	return &TTLMap[K, V]{items: map[K]item[V]{}}
}

func (m *TTLMap[K, V]) GetFresh(key K, now time.Time) (V, bool) {
	var zero V
	if m == nil {
		return zero, false
	}
	m.mu.RLock()
	it, ok := m.items[key]
	m.mu.RUnlock()
	if !ok {
		return zero, false
	}
	if !it.ExpiresAt.IsZero() && !now.Before(it.ExpiresAt) {
		return zero, false
	}
	return it.Value, true
}

func (m *TTLMap[K, V]) SetWithTTL(key K, value V, now time.Time, ttl time.Duration) {
	if m == nil {
		return
	}
	exp := time.Time{}
	if ttl > 0 {
		exp = now.Add(ttl)
	}
	m.mu.Lock()
	m.items[key] = item[V]{Value: value, ExpiresAt: exp}
	m.mu.Unlock()
}

func (m *TTLMap[K, V]) Delete(key K) {
	if m == nil {
		return
	}
	m.mu.Lock()
	delete(m.items, key)
	m.mu.Unlock()
}

// Clear drops every entry.
func (m *TTLMap[K, V]) Clear() {
	if m == nil {
		return
	}
	m.mu.Lock()
	clear(m.items)
	m.mu.Unlock()
}

// Purge removes expired entries and returns how many were dropped.
func (m *TTLMap[K, V]) Purge(now time.Time) int {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, it := range m.items {
		if !it.ExpiresAt.IsZero() && !now.Before(it.ExpiresAt) {
			delete(m.items, k)
			n++
		}
	}
	return n
}

func (m *TTLMap[K, V]) Len() int {
	if m == nil {
		return 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}
