package session

import (
	"sync"
	"time"
)

// entry wraps a value with expiration metadata
type entry[T any] struct {
	value     T
	expiresAt time.Time
}

func (e *entry[T]) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

// ttlMap is a generic in-memory map with per-key expiry and a background
// cleanup goroutine.
type ttlMap[K comparable, V any] struct {
	mu      sync.RWMutex
	items   map[K]*entry[V]
	stopCh  chan struct{}
	once    sync.Once
	onEvict func(key K, value V)
}

func newTTLMap[K comparable, V any](cleanupInterval time.Duration, onEvict func(K, V)) *ttlMap[K, V] {
	m := &ttlMap[K, V]{
		items:   make(map[K]*entry[V]),
		stopCh:  make(chan struct{}),
		onEvict: onEvict,
	}
	go m.cleanupLoop(cleanupInterval)
	return m
}

// set stores a value with the given TTL
func (m *ttlMap[K, V]) set(key K, value V, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = &entry[V]{value: value, expiresAt: time.Now().Add(ttl)}
}

// get returns the value if present and not expired
func (m *ttlMap[K, V]) get(key K) (V, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.items[key]
	if !ok || e.expired(time.Now()) {
		var zero V
		return zero, false
	}
	return e.value, true
}

func (m *ttlMap[K, V]) delete(key K) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
}

// len returns the number of non-expired items
func (m *ttlMap[K, V]) len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	n := 0
	for _, e := range m.items {
		if !e.expired(now) {
			n++
		}
	}
	return n
}

func (m *ttlMap[K, V]) close() {
	m.once.Do(func() { close(m.stopCh) })
}

func (m *ttlMap[K, V]) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.cleanup()
		case <-m.stopCh:
			return
		}
	}
}

// cleanup removes expired entries and calls the eviction callback outside the lock
func (m *ttlMap[K, V]) cleanup() {
	now := time.Now()
	type evicted struct {
		key   K
		value V
	}
	var expired []evicted

	m.mu.Lock()
	for k, e := range m.items {
		if e.expired(now) {
			expired = append(expired, evicted{k, e.value})
			delete(m.items, k)
		}
	}
	onEvict := m.onEvict
	m.mu.Unlock()

	if onEvict != nil {
		for _, e := range expired {
			onEvict(e.key, e.value)
		}
	}
}
