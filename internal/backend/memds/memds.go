// Package memds is an in-memory, versioned backend.DataStore used by this
// module's own tests, in the spirit of the teacher's in-memory Raft
// persister (internal/raft/persister.go) — a small, dependency-free
// stand-in for a backing service whose production implementation is out
// of scope per spec.md §1.
package memds

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/allen1211/sessionkv/internal/backend"
)

type version struct {
	id      int64
	value   json.RawMessage
	created time.Time
}

type entry struct {
	versions []version // ascending by id; last is current
	seq      int64
}

// Store is an in-memory backend.DataStore that keeps every version of
// every key, so ListVersions/GetVersion (and therefore tx recovery, per
// spec.md §4.9) are exercisable without a real backend.
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry

	// Fail, if set, is consulted before every operation and returns an
	// error to simulate a transient or fatal backend fault, the same
	// injection hook memcoord.Map exposes.
	Fail func(op, key string) error
}

func New() *Store {
	return &Store{entries: make(map[string]*entry)}
}

func (s *Store) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		if err := s.Fail("get", key); err != nil {
			return nil, false, err
		}
	}
	e, ok := s.entries[key]
	if !ok || len(e.versions) == 0 {
		return nil, false, nil
	}
	return e.versions[len(e.versions)-1].value, true, nil
}

func (s *Store) Set(ctx context.Context, key string, value json.RawMessage, userIDs []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		if err := s.Fail("set", key); err != nil {
			return err
		}
	}
	s.appendVersion(key, value)
	return nil
}

func (s *Store) Update(ctx context.Context, key string, userIDs []int64, mutate backend.Mutator) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		if err := s.Fail("update", key); err != nil {
			return err
		}
	}
	e, ok := s.entries[key]
	var prev json.RawMessage
	if ok && len(e.versions) > 0 {
		prev = e.versions[len(e.versions)-1].value
	}
	next, write, err := mutate(prev, ok && len(e.versions) > 0)
	if err != nil {
		return err
	}
	if !write {
		return nil
	}
	s.appendVersion(key, next)
	return nil
}

func (s *Store) Remove(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		if err := s.Fail("remove", key); err != nil {
			return err
		}
	}
	delete(s.entries, key)
	return nil
}

// ListVersions returns every retained version of key, most recent first,
// honoring q.Before/q.Limit.
func (s *Store) ListVersions(ctx context.Context, key string, q backend.VersionQuery) ([]backend.VersionInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		if err := s.Fail("list-versions", key); err != nil {
			return nil, err
		}
	}
	e, ok := s.entries[key]
	if !ok {
		return nil, nil
	}
	out := make([]backend.VersionInfo, 0, len(e.versions))
	for _, v := range e.versions {
		if !q.Before.IsZero() && !v.created.Before(q.Before) {
			continue
		}
		out = append(out, backend.VersionInfo{VersionID: versionID(v.id), CreatedAt: v.created})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *Store) GetVersion(ctx context.Context, key, versionIDStr string) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		if err := s.Fail("get-version", key); err != nil {
			return nil, err
		}
	}
	e, ok := s.entries[key]
	if !ok {
		return nil, nil
	}
	for _, v := range e.versions {
		if versionID(v.id) == versionIDStr {
			return v.value, nil
		}
	}
	return nil, nil
}

func (s *Store) Budget(opType string) int {
	return 4 * 1024 * 1024
}

func (s *Store) appendVersion(key string, value json.RawMessage) {
	e, ok := s.entries[key]
	if !ok {
		e = &entry{}
		s.entries[key] = e
	}
	e.seq++
	cp := append(json.RawMessage(nil), value...)
	e.versions = append(e.versions, version{id: e.seq, value: cp, created: time.Now()})
}

func versionID(id int64) string {
	return "v" + strconv.FormatInt(id, 10)
}
