// Package session implements the per-key working copy described in
// spec.md §4.7: validated updates, the save pipeline, and the autosave
// timer, all serialized on the key's queue.SerialQueue so that — per
// spec.md §5 — "session local state is consistent between [suspension
// points] without mutexes because only the session's serial queue executes
// at a time". This mirrors the cooperative, single-writer-per-shard model
// the teacher's ShardKV enforces by routing every mutating RPC through
// Raft's single apply loop (internal/replica/server_apply.go) before
// touching kv.shardDB — here there is no replication log, so the session's
// own queue plays that role directly.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/allen1211/sessionkv/internal/errs"
	"github.com/allen1211/sessionkv/internal/jsonpatch"
	"github.com/allen1211/sessionkv/internal/lease"
	"github.com/allen1211/sessionkv/internal/metrics"
	"github.com/allen1211/sessionkv/internal/migration"
	"github.com/allen1211/sessionkv/internal/queue"
	"github.com/allen1211/sessionkv/internal/retry"
	"github.com/allen1211/sessionkv/internal/shard"
)

// State is the session state machine from spec.md §4.7:
// Loading -> Active -> (Unloading -> Closed) | LockLost -> Closed.
type State int

const (
	Loading State = iota
	Active
	Unloading
	LockLost
	Closed
)

// SchemaCheck validates a decoded data value, per spec.md §6.
type SchemaCheck func(data interface{}) (ok bool, reason string)

// ChangeCallback observes a committed mutable-path update, per spec.md
// §4.7: invoked with (key, newFrozen, oldFrozen).
type ChangeCallback func(key string, newFrozen, oldFrozen interface{})

// AutosaveInterval is the periodic save timer from spec.md §4.7/§5.
const AutosaveInterval = 5 * time.Minute

// Config wires one Session's collaborators; constructed by the store.
type Config struct {
	StoreName   string
	Key         string
	SchemaCheck SchemaCheck
	Migrations  *migration.Chain
	Codec       *shard.Codec
	DS          DataStore
	DSWrapper   *retry.DataStoreWrapper
	Logger      *logrus.Logger
	Metrics     *metrics.Collector
	OnChange    []ChangeCallback
	Autosave    time.Duration
}

// DataStore is the subset of backend.DataStore a session needs, declared
// locally to avoid importing backend's full surface (ListVersions/
// GetVersion live on the store, not the session).
type DataStore interface {
	Get(ctx context.Context, key string) (json.RawMessage, bool, error)
	Set(ctx context.Context, key string, value json.RawMessage, userIDs []int64) error
	Update(ctx context.Context, key string, userIDs []int64, mutate Mutator) error
	Remove(ctx context.Context, key string) error
}

// Mutator matches backend.Mutator; redeclared to keep this package's
// DataStore interface self-contained.
type Mutator func(prev json.RawMessage, ok bool) (next json.RawMessage, write bool, err error)

// Session is the in-memory owner of one key while its lease is held.
type Session struct {
	cfg   Config
	queue *queue.SerialQueue
	lease *lease.Lease

	mu      sync.Mutex
	state   State
	current interface{} // decoded frozen working copy
	dirty   bool
	applied []string // appliedMigrations
	orphans []string
	userIDs []int64

	autosaveStop chan struct{}
	autosaveDone chan struct{}
}

// New constructs a session already holding l, seeded with the (already
// migrated and validated) initial data. Callers (internal/store) are
// responsible for acquiring the lease and running migrations before this
// point — New only starts the queue; the autosave timer is started
// separately with StartAutosave.
func New(cfg Config, l *lease.Lease, initial interface{}, applied []string, orphans []string, userIDs []int64, dirty bool) *Session {
	if cfg.Autosave == 0 {
		cfg.Autosave = AutosaveInterval
	}
	s := &Session{
		cfg:     cfg,
		queue:   queue.New(),
		lease:   l,
		state:   Active,
		current: initial,
		dirty:   dirty,
		applied: append([]string(nil), applied...),
		orphans: append([]string(nil), orphans...),
		userIDs: append([]int64(nil), userIDs...),
	}
	l.OnLost(s.onLockLost)
	cfg.Metrics.IncSessions()
	cfg.Metrics.SetOrphanBacklog(len(s.orphans))
	return s
}

func (s *Session) recordKey() string { return "records/" + s.cfg.StoreName + "/" + s.cfg.Key }

func (s *Session) onLockLost() {
	s.mu.Lock()
	if s.state != Active && s.state != Unloading {
		s.mu.Unlock()
		return
	}
	s.state = LockLost
	s.mu.Unlock()
	s.stopAutosaveLocked()
	s.cfg.Metrics.IncLockLost()
	if s.cfg.Logger != nil {
		s.cfg.Logger.WithField("key", s.cfg.Key).Warn("session lost its lease, closing")
	}
	s.transitionToClosed()
}

func (s *Session) transitionToClosed() {
	s.mu.Lock()
	alreadyClosed := s.state == Closed
	s.state = Closed
	s.mu.Unlock()
	if !alreadyClosed {
		s.cfg.Metrics.DecSessions()
	}
}

// errIfNotActive returns errs.ErrSessionClosed for every public operation
// once the session has left Active, per spec.md §4.7's state machine note.
func (s *Session) errIfNotActive() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Active {
		return errs.ErrSessionClosed
	}
	return nil
}

// Get returns the currently validated, frozen working copy.
func (s *Session) Get() (interface{}, error) {
	f := s.queue.Add(func(ctx context.Context) (interface{}, error) {
		if err := s.errIfNotActive(); err != nil {
			return nil, err
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.current, nil
	})
	v, err := f.Wait()
	return v, err
}

// SetData replaces the working copy after validation and marks the
// session dirty, per spec.md §4.7.
func (s *Session) SetData(v interface{}) error {
	f := s.queue.Add(func(ctx context.Context) (interface{}, error) {
		if err := s.errIfNotActive(); err != nil {
			return nil, err
		}
		if ok, reason := s.cfg.SchemaCheck(v); !ok {
			return nil, fmt.Errorf("%w: %s", errs.ErrSchemaInvalid, reason)
		}
		s.mu.Lock()
		s.current = v
		s.dirty = true
		s.mu.Unlock()
		return nil, nil
	})
	_, err := f.Wait()
	return err
}

// Update is the mutable path from spec.md §4.7: fn receives a mutable deep
// copy of the current data and must return true to commit or false to
// abort. fn runs synchronously on the session's queue goroutine — it must
// not spawn a goroutine that outlives the call, which is how "must not
// suspend" is enforced in Go (there is no yield point to trap; a
// same-goroutine call is atomic with respect to the rest of the session).
func (s *Session) Update(fn func(mutable interface{}) bool) (bool, error) {
	f := s.queue.Add(func(ctx context.Context) (interface{}, error) {
		return s.doUpdate(fn)
	})
	v, err := f.Wait()
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (s *Session) doUpdate(fn func(mutable interface{}) bool) (ok bool, err error) {
	if err := s.errIfNotActive(); err != nil {
		return false, err
	}

	s.mu.Lock()
	oldFrozen := s.current
	s.mu.Unlock()

	mutable := deepCopy(oldFrozen)

	committed, panicErr := runTransform(fn, mutable)
	if panicErr != nil {
		return false, fmt.Errorf("%w: %v", errs.ErrBadTransform, panicErr)
	}
	if !committed {
		return false, nil
	}

	if valid, reason := s.cfg.SchemaCheck(mutable); !valid {
		return false, fmt.Errorf("%w: %s", errs.ErrSchemaInvalid, reason)
	}

	ops := jsonpatch.CreatePatch(oldFrozen, mutable)
	newFrozen, err := jsonpatch.ApplyPatch(oldFrozen, ops)
	if err != nil {
		return false, fmt.Errorf("reconcile update diff: %w", err)
	}

	s.mu.Lock()
	s.current = newFrozen
	s.dirty = true
	s.mu.Unlock()

	for _, cb := range s.cfg.OnChange {
		cb(s.cfg.Key, newFrozen, oldFrozen)
	}
	return true, nil
}

// runTransform isolates the panic-recovery boundary so a user transform's
// panic surfaces as bad-transform rather than killing the session's queue
// goroutine.
func runTransform(fn func(mutable interface{}) bool, mutable interface{}) (committed bool, panicErr interface{}) {
	defer func() {
		if r := recover(); r != nil {
			panicErr = r
		}
	}()
	return fn(mutable), nil
}

// UpdateImmutable is the immutable path from spec.md §4.7: fn receives the
// frozen working copy directly (no deep copy) and must return either a new
// value to commit (ok=true) or (nil, false) to abort.
func (s *Session) UpdateImmutable(fn func(frozen interface{}) (next interface{}, ok bool)) (bool, error) {
	f := s.queue.Add(func(ctx context.Context) (interface{}, error) {
		return s.doUpdateImmutable(fn)
	})
	v, err := f.Wait()
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (s *Session) doUpdateImmutable(fn func(frozen interface{}) (interface{}, bool)) (bool, error) {
	if err := s.errIfNotActive(); err != nil {
		return false, err
	}

	s.mu.Lock()
	oldFrozen := s.current
	s.mu.Unlock()

	next, commit := fn(oldFrozen)
	if !commit {
		return false, nil
	}

	// Testable property 4: structurally-equal data never invokes change
	// callbacks (and, since nothing changed, never marks the session dirty).
	if reflect.DeepEqual(oldFrozen, next) {
		return true, nil
	}

	if valid, reason := s.cfg.SchemaCheck(next); !valid {
		return false, fmt.Errorf("%w: %s", errs.ErrSchemaInvalid, reason)
	}

	s.mu.Lock()
	s.current = next
	s.dirty = true
	s.mu.Unlock()

	for _, cb := range s.cfg.OnChange {
		cb(s.cfg.Key, next, oldFrozen)
	}
	return true, nil
}

// deepCopy recursively clones decoded-JSON containers so user transforms
// can mutate the copy in place without aliasing the frozen working copy.
func deepCopy(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = deepCopy(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = deepCopy(val)
		}
		return out
	default:
		return v
	}
}

// IsDirty reports whether there are unsaved changes.
func (s *Session) IsDirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Lease exposes the underlying lease (used by the store for
// ProbeLockActive pass-through and by tests).
func (s *Session) Lease() *lease.Lease { return s.lease }

// Queue exposes the session's serial queue so the store's transaction
// coordinator can acquire a simultaneous head-of-queue position across
// several sessions via queue.MultiAdd.
func (s *Session) Queue() *queue.SerialQueue { return s.queue }

// Key returns the session's key.
func (s *Session) Key() string { return s.cfg.Key }

// Snapshot returns a deep copy of the current working copy without going
// through the queue, so the caller may mutate it without affecting the
// session. Callers that already hold a head-of-queue position (the
// transaction coordinator, via MultiAdd) may call this directly; anyone
// else should prefer Get.
func (s *Session) Snapshot() interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return deepCopy(s.current)
}

// AdoptCommitted installs data as the session's working copy and orphans
// as its orphan list, marking the session clean, without writing to the
// DataStore. It is used by the transaction coordinator after it has
// already durably committed data on this session's behalf.
func (s *Session) AdoptCommitted(data interface{}, orphans []string) {
	s.mu.Lock()
	s.current = data
	s.dirty = false
	s.orphans = append([]string(nil), orphans...)
	s.mu.Unlock()
}

// Orphans returns a copy of the session's current orphan list.
func (s *Session) Orphans() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.orphans...)
}

// UserIDs returns a copy of the session's associated user IDs, passed to
// the DataStore for its GDPR-style tagging per spec.md §3.
func (s *Session) UserIDs() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.userIDs...)
}

// AppliedMigrations returns a copy of the session's applied-migration list.
func (s *Session) AppliedMigrations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.applied...)
}

// Config exposes the session's static configuration (store name, codec,
// schema check, DataStore handle) for the transaction coordinator, which
// needs to encode and write participant payloads directly.
func (s *Session) Config() Config { return s.cfg }

