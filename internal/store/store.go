// Package store implements the session lifecycle manager from spec.md
// §4.8: it owns the key -> *session.Session map, dispatches
// load/unload/update/tx/save/close/peek, and fans operations out to the
// session, lease, and txn packages. It mirrors the teacher's
// ShardKV/Config.Num "own everything for the keys I'm responsible for"
// shape (internal/replica/server.go), generalized from "own a Raft shard
// group's key range" to "own a set of independently-addressed session
// keys".
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/allen1211/sessionkv/internal/backend"
	"github.com/allen1211/sessionkv/internal/kvlog"
	"github.com/allen1211/sessionkv/internal/metrics"
	"github.com/allen1211/sessionkv/internal/migration"
	"github.com/allen1211/sessionkv/internal/record"
	"github.com/allen1211/sessionkv/internal/retry"
	"github.com/allen1211/sessionkv/internal/session"
	"github.com/allen1211/sessionkv/internal/shard"
)

// ImportLegacyData looks up pre-existing data for key from outside the
// store's own record layout (e.g. a legacy datastore being migrated
// away from). ok=false means "no legacy data; use the template".
type ImportLegacyData func(ctx context.Context, key string) (data interface{}, ok bool, err error)

// Config wires one Store's collaborators, analogous to spec.md §3's
// "Store (in-memory)... store-wide configuration".
type Config struct {
	Name        string
	Template    func() interface{}
	SchemaCheck session.SchemaCheck
	Migrations  *migration.Chain
	MaxChunkSize int

	DS    backend.DataStore
	Coord backend.CoordinationMap

	Logger   *logrus.Logger
	LogLevel string
	Metrics  *metrics.Collector

	OnChange      []session.ChangeCallback
	ImportLegacy  ImportLegacyData
	Autosave      time.Duration

	LeaseTTL             time.Duration
	LeaseRefreshInterval time.Duration
	LeaseAcquireDeadline time.Duration
}

func (c *Config) setDefaults() {
	if c.Logger == nil {
		level := c.LogLevel
		if level == "" {
			level = "info"
		}
		c.Logger, _ = kvlog.New(level, "store:"+c.Name)
	}
	if c.LeaseTTL == 0 {
		c.LeaseTTL = 90 * time.Second
	}
	if c.LeaseRefreshInterval == 0 {
		c.LeaseRefreshInterval = 60 * time.Second
	}
	if c.LeaseAcquireDeadline == 0 {
		c.LeaseAcquireDeadline = 30 * time.Second
	}
	if c.Autosave == 0 {
		c.Autosave = session.AutosaveInterval
	}
	if c.Template == nil {
		c.Template = func() interface{} { return map[string]interface{}{} }
	}
}

type loadState struct {
	cancel context.CancelFunc
}

// Store is the in-memory session manager described in spec.md §4.8.
type Store struct {
	cfg Config

	dsWrapper    *retry.DataStoreWrapper
	coordWrapper *retry.CoordinationWrapper
	codec        *shard.Codec

	mu      sync.Mutex
	closed  bool
	closing bool
	sessions map[string]*session.Session
	loading  map[string]*loadState
}

// New constructs a Store. Collaborators (DataStore, CoordinationMap,
// schema check) are supplied by the caller; production implementations of
// the two backing services are out of scope per spec.md §1.
func New(cfg Config) *Store {
	cfg.setDefaults()
	codec := shard.New()
	if cfg.MaxChunkSize > 0 {
		codec.MaxChunkSize = cfg.MaxChunkSize
	}
	return &Store{
		cfg:          cfg,
		dsWrapper:    retry.NewDataStoreWrapper(cfg.Logger),
		coordWrapper: retry.NewCoordinationWrapper(cfg.Logger),
		codec:        codec,
		sessions:     make(map[string]*session.Session),
		loading:      make(map[string]*loadState),
	}
}

func (st *Store) recordKey(key string) string { return "records/" + st.cfg.Name + "/" + key }
func (st *Store) lockKey(key string) string   { return "locks/" + st.cfg.Name + "/" + key }
func (st *Store) txKey(txID string) string    { return "tx/" + st.cfg.Name + "/" + txID }

// shardKeys prefixes bare "<fileId>-<index>" shard IDs with the store's
// "shards/<name>/" namespace, matching the full DataStore keys the
// session/txn packages record in Orphans.
func (st *Store) shardKeys(ids []string) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = "shards/" + st.cfg.Name + "/" + id
	}
	return out
}

// sessionConfig builds the per-session wiring New hands to session.New.
func (st *Store) sessionConfig(key string) session.Config {
	return session.Config{
		StoreName:   st.cfg.Name,
		Key:         key,
		SchemaCheck: st.cfg.SchemaCheck,
		Migrations:  st.cfg.Migrations,
		Codec:       st.codec,
		DS:          dsAdapter{st.cfg.DS},
		DSWrapper:   st.dsWrapper,
		Logger:      st.cfg.Logger,
		Metrics:     st.cfg.Metrics,
		OnChange:    st.cfg.OnChange,
		Autosave:    st.cfg.Autosave,
	}
}

// dsAdapter narrows backend.DataStore to the session package's local
// DataStore interface (which omits ListVersions/GetVersion/Budget —
// those stay store-level pass-throughs per spec.md §4.8).
type dsAdapter struct{ ds backend.DataStore }

func (a dsAdapter) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	return a.ds.Get(ctx, key)
}
func (a dsAdapter) Set(ctx context.Context, key string, value json.RawMessage, userIDs []int64) error {
	return a.ds.Set(ctx, key, value, userIDs)
}
func (a dsAdapter) Update(ctx context.Context, key string, userIDs []int64, mutate session.Mutator) error {
	return a.ds.Update(ctx, key, userIDs, backend.Mutator(mutate))
}
func (a dsAdapter) Remove(ctx context.Context, key string) error {
	return a.ds.Remove(ctx, key)
}

// sessionFor returns the active session for key, evicting it from the map
// first if it has already left the Active state (lock-lost sessions don't
// unregister themselves, per spec.md §4.7 — the store notices lazily).
func (st *Store) sessionFor(key string) *session.Session {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[key]
	if !ok {
		return nil
	}
	if s.State() != session.Active {
		delete(st.sessions, key)
		return nil
	}
	return s
}

func recordFromJSON(raw json.RawMessage) (*record.Record, bool, error) {
	if len(raw) == 0 {
		return nil, false, nil
	}
	rec := &record.Record{}
	if err := json.Unmarshal(raw, rec); err != nil {
		return nil, false, fmt.Errorf("decode record: %w", err)
	}
	return rec, true, nil
}

// Close sets the store closed, cancels outstanding loads, and concurrently
// unloads every active session, per spec.md §4.8. It drains in two
// phases — stop accepting new loads, then unload concurrently — modeled
// on the teacher's KilledC/exitedC shutdown handshake
// (internal/replica/server.go).
func (st *Store) Close() error {
	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return nil
	}
	st.closing = true
	for _, ls := range st.loading {
		ls.cancel()
	}
	sessions := make([]*session.Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		sessions = append(sessions, s)
	}
	st.mu.Unlock()

	var wg sync.WaitGroup
	errsCh := make(chan error, len(sessions))
	for _, s := range sessions {
		wg.Add(1)
		go func(s *session.Session) {
			defer wg.Done()
			if err := s.Unload(); err != nil {
				errsCh <- err
			}
		}(s)
	}
	wg.Wait()
	close(errsCh)

	st.mu.Lock()
	st.sessions = make(map[string]*session.Session)
	st.closed = true
	st.mu.Unlock()

	var first error
	for err := range errsCh {
		if first == nil {
			first = err
		}
	}
	return first
}

func (st *Store) isClosed() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.closed || st.closing
}
