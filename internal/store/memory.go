// Package store holds the key/value backends for visitor view state.
package store

import (
	"context"
	"sync"
	"time"
)

// sweepEvery is how many Sets pass between scans for expired keys.
const sweepEvery = 256

// Memory is an in-process store. State is lost on restart, which only
// means returning visitors see the default view.
type Memory struct {
	mu   sync.RWMutex
	data map[string]memoryEntry
	ttl  time.Duration
	now  func() time.Time
	sets int
}

type memoryEntry struct {
	value   string
	expires time.Time
}

// NewMemory returns a store whose keys expire ttl after their last Set,
// like RedisConfig.KeyTTL. Zero keeps keys forever.
func NewMemory(ttl time.Duration) *Memory {
	return &Memory{data: make(map[string]memoryEntry), ttl: ttl, now: time.Now}
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.data[key]
	if !ok || e.expired(m.now()) {
		return "", false, nil
	}
	return e.value, true, nil
}

// Set writes value and refreshes the key's TTL. Every sweepEvery calls it
// also drops expired keys.
func (m *Memory) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	e := memoryEntry{value: value}
	if m.ttl > 0 {
		e.expires = now.Add(m.ttl)
	}
	m.data[key] = e

	m.sets++
	if m.ttl > 0 && m.sets >= sweepEvery {
		m.sets = 0
		for k, e := range m.data {
			if e.expired(now) {
				delete(m.data, k)
			}
		}
	}
	return nil
}

func (m *Memory) Close() error { return nil }

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expires.IsZero() && !now.Before(e.expires)
}
