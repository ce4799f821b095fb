package store

import (
	"context"
	"strings"
	"sync"
	"time"

	"perfwatch/internal/clock"
)

// MemoryStore is a bounded in-process store with TTL support. When full, the
// least recently accessed key is evicted.
type MemoryStore struct {
	items   map[string]*memoryItem
	mu      sync.Mutex
	maxSize int
	clk     clock.Clock
}

type memoryItem struct {
	value     string
	expiresAt int64
	accessed  time.Time
}

// NewMemoryStore creates a memory store; maxSize <= 0 means 10000.
func NewMemoryStore(maxSize int, clk clock.Clock) *MemoryStore {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &MemoryStore{
		items:   make(map[string]*memoryItem),
		maxSize: maxSize,
		clk:     clk,
	}
}

func (m *MemoryStore) expired(item *memoryItem) bool {
	return item.expiresAt > 0 && clock.NowMs(m.clk) >= item.expiresAt
}

func (m *MemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[key]
	if !ok {
		return "", false, nil
	}
	if m.expired(item) {
		delete(m.items, key)
		return "", false, nil
	}
	item.accessed = m.clk.Now()
	return item.value, true, nil
}

func (m *MemoryStore) Put(ctx context.Context, key, value string, expiresAtMs int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := ttlUntil(m.clk, expiresAtMs); !ok {
		delete(m.items, key)
		return nil
	}
	if _, exists := m.items[key]; !exists && len(m.items) >= m.maxSize {
		m.evictLRU()
	}
	m.items[key] = &memoryItem{value: value, expiresAt: expiresAtMs, accessed: m.clk.Now()}
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

func (m *MemoryStore) ClearPrefix(ctx context.Context, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.items {
		if strings.HasPrefix(key, prefix) {
			delete(m.items, key)
		}
	}
	return nil
}

// Size returns the number of stored keys, expired or not.
func (m *MemoryStore) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// evictLRU drops expired keys first, otherwise the least recently accessed.
func (m *MemoryStore) evictLRU() {
	var (
		oldestKey  string
		oldestTime time.Time
		first      = true
	)
	for key, item := range m.items {
		if m.expired(item) {
			delete(m.items, key)
			return
		}
		if first || item.accessed.Before(oldestTime) {
			oldestKey = key
			oldestTime = item.accessed
			first = false
		}
	}
	if oldestKey != "" {
		delete(m.items, oldestKey)
	}
}

func (m *MemoryStore) Close() error {
	return nil
}
