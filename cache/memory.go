package cache

import (
	"sync"
	"time"
)

type memoryEntry struct {
	val    []byte
	expiry time.Time
	setAt  time.Time
}

// memoryTier is the hot in-process tier: a capped map with oldest-first
// pruning and lazy TTL expiry.
type memoryTier struct {
	mu         sync.Mutex
	entries    map[string]memoryEntry
	maxEntries int
}

func newMemoryTier(maxEntries int) *memoryTier {
	return &memoryTier{
		entries:    make(map[string]memoryEntry),
		maxEntries: maxEntries,
	}
}

func (m *memoryTier) get(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expiry) {
		delete(m.entries, key)
		return nil, false
	}
	return entry.val, true
}

func (m *memoryTier) set(key string, val []byte, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = memoryEntry{val: val, expiry: time.Now().Add(ttl), setAt: time.Now()}
	if len(m.entries) > m.maxEntries {
		m.prune()
	}
}

// prune drops the oldest entries when the soft cap is exceeded. Caller
// holds the lock.
func (m *memoryTier) prune() {
	drop := m.maxEntries / 20
	if drop < 1 {
		drop = 1
	}
	for i := 0; i < drop; i++ {
		oldestKey := ""
		var oldest time.Time
		for key, entry := range m.entries {
			if oldestKey == "" || entry.setAt.Before(oldest) {
				oldestKey = key
				oldest = entry.setAt
			}
		}
		if oldestKey == "" {
			return
		}
		delete(m.entries, oldestKey)
	}
}

func (m *memoryTier) delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
}

func (m *memoryTier) cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for key, entry := range m.entries {
		if entry.expiry.Before(now) {
			delete(m.entries, key)
		}
	}
}

func (m *memoryTier) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
