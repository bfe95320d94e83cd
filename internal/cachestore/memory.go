package cachestore

import (
	"container/list"
	"context"
	"strconv"
	"sync"
	"time"
)

// DefaultMemoryCapacity bounds the in-process KV entry count.
const DefaultMemoryCapacity = 10_000

type memoryItem struct {
	key       string
	value     []byte
	expiresAt time.Time // zero means no TTL
	elem      *list.Element
}

// MemoryKV is an in-process LRU KV for single-instance deployments and
// tests. Capacity eviction is LRU; expired items are dropped on read.
type MemoryKV struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*memoryItem
	order    *list.List // front = most recent
	now      func() time.Time
}

// NewMemoryKV creates a MemoryKV. capacity <= 0 uses DefaultMemoryCapacity.
func NewMemoryKV(capacity int) *MemoryKV {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &MemoryKV{
		capacity: capacity,
		items:    make(map[string]*memoryItem, capacity),
		order:    list.New(),
		now:      time.Now,
	}
}

// Get fetches key, dropping it when expired.
func (m *MemoryKV) Get(_ context.Context, key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	it, ok := m.items[key]
	if !ok {
		return nil, false
	}
	if !it.expiresAt.IsZero() && m.now().After(it.expiresAt) {
		m.removeLocked(it)
		return nil, false
	}
	m.order.MoveToFront(it.elem)
	return it.value, true
}

// SetNX writes key only when absent (or the existing item has expired).
func (m *MemoryKV) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if it, ok := m.items[key]; ok {
		if it.expiresAt.IsZero() || m.now().Before(it.expiresAt) {
			return false, nil
		}
		m.removeLocked(it)
	}
	m.insertLocked(key, value, ttl)
	return true, nil
}

// Incr increments the integer stored at key, creating it at 1.
func (m *MemoryKV) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	if it, ok := m.items[key]; ok && (it.expiresAt.IsZero() || m.now().Before(it.expiresAt)) {
		n, _ = strconv.ParseInt(string(it.value), 10, 64)
		n++
		it.value = []byte(strconv.FormatInt(n, 10))
		m.order.MoveToFront(it.elem)
		return n, nil
	}
	n = 1
	m.insertLocked(key, []byte("1"), ttl)
	return n, nil
}

// Delete removes key.
func (m *MemoryKV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if it, ok := m.items[key]; ok {
		m.removeLocked(it)
	}
	return nil
}

// Len reports the current entry count.
func (m *MemoryKV) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

func (m *MemoryKV) insertLocked(key string, value []byte, ttl time.Duration) {
	it := &memoryItem{key: key, value: value}
	if ttl > 0 {
		it.expiresAt = m.now().Add(ttl)
	}
	it.elem = m.order.PushFront(it)
	m.items[key] = it

	for len(m.items) > m.capacity {
		back := m.order.Back()
		if back == nil {
			break
		}
		m.removeLocked(back.Value.(*memoryItem))
	}
}

func (m *MemoryKV) removeLocked(it *memoryItem) {
	m.order.Remove(it.elem)
	delete(m.items, it.key)
}
