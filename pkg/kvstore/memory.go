package kvstore

import (
	"sort"
	"strings"
	"sync"
)

// MemoryBackend keeps entries in a map. Used for ephemeral runs and tests.
type MemoryBackend struct {
	mu      sync.RWMutex
	entries map[string][]byte
	used    int64
	quota   int64
}

// NewMemoryBackend returns an empty in-memory backend limited to quota bytes (0 for unlimited)
func NewMemoryBackend(quota int64) *MemoryBackend {
	return &MemoryBackend{
		entries: make(map[string][]byte),
		quota:   quota,
	}
}

func (m *MemoryBackend) Get(key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	value, ok := m.entries[key]
	if !ok {
		return nil, ErrNotFound
	}

	// Hand out a copy so callers cannot mutate stored bytes
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

func (m *MemoryBackend) Apply(ops ...Op) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Stage every op against an overlay so a quota failure leaves the map untouched
	staged := make(map[string][]byte, len(ops))
	deleted := make(map[string]bool, len(ops))
	used := m.used
	for _, op := range ops {
		var previous []byte
		var existed bool
		if deleted[op.Key] {
			existed = false
		} else if value, ok := staged[op.Key]; ok {
			previous, existed = value, true
		} else {
			previous, existed = m.entries[op.Key]
		}
		if existed {
			used -= entrySize(op.Key, previous)
		}

		if op.Delete {
			delete(staged, op.Key)
			deleted[op.Key] = true
			continue
		}

		value := make([]byte, len(op.Value))
		copy(value, op.Value)
		staged[op.Key] = value
		delete(deleted, op.Key)
		used += entrySize(op.Key, value)
	}

	if m.quota > 0 && used > m.quota {
		return ErrQuotaExceeded
	}

	// Commit overlay
	for key := range deleted {
		delete(m.entries, key)
	}
	for key, value := range staged {
		m.entries[key] = value
	}
	m.used = used
	return nil
}

func (m *MemoryBackend) Keys(prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0)
	for key := range m.entries {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryBackend) Size() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.used
}

func (m *MemoryBackend) Quota() int64 { return m.quota }

func (m *MemoryBackend) Close() error { return nil }
