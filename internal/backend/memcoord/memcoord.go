// Package memcoord is an in-memory CoordinationMap used by this module's
// own tests, in the spirit of the teacher's in-memory Raft persister
// (internal/raft/persister.go + its in-memory implementation) — a small,
// dependency-free stand-in for a backing service whose real implementation
// is out of scope.
package memcoord

import (
	"context"
	"sync"
	"time"

	"github.com/allen1211/sessionkv/internal/backend"
)

type entry struct {
	value   string
	expires time.Time
}

// Map is a volatile, TTL-expiring key/value map satisfying
// backend.CoordinationMap.
type Map struct {
	mu      sync.Mutex
	entries map[string]entry

	// Fault injection for tests: Fail, if set, is consulted before every
	// operation and returns an error to simulate a transient backend fault.
	Fail func(op string) error
}

func New() *Map {
	return &Map{entries: make(map[string]entry)}
}

func (m *Map) get(key string) (string, bool) {
	e, ok := m.entries[key]
	if !ok {
		return "", false
	}
	if !e.expires.IsZero() && time.Now().After(e.expires) {
		delete(m.entries, key)
		return "", false
	}
	return e.value, true
}

func (m *Map) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		if err := m.Fail("get"); err != nil {
			return "", false, err
		}
	}
	v, ok := m.get(key)
	return v, ok, nil
}

func (m *Map) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		if err := m.Fail("set"); err != nil {
			return err
		}
	}
	m.entries[key] = entry{value: value, expires: expiry(ttl)}
	return nil
}

func (m *Map) Update(ctx context.Context, key string, ttl time.Duration, mutate backend.CoordMutator) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		if err := m.Fail("update"); err != nil {
			return "", err
		}
	}
	prev, ok := m.get(key)
	next, write := mutate(prev, ok)
	if !write {
		return prev, nil
	}
	m.entries[key] = entry{value: next, expires: expiry(ttl)}
	return next, nil
}

func (m *Map) Remove(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		if err := m.Fail("remove"); err != nil {
			return err
		}
	}
	delete(m.entries, key)
	return nil
}

func expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}
