// Package sessionkv is the public facade over the durable, session-locked,
// transactional key/value store described by this module: single-key
// read/update with schema validation and migration, multi-key atomic
// transactions, at-most-one active writer per key across a cluster,
// large-payload sharding with orphan cleanup, periodic autosave, and
// crash-safe two-phase commit. The core machinery lives in internal/*;
// this file only wires it together and re-exports the types and errors an
// external caller needs.
package sessionkv

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/allen1211/sessionkv/internal/backend"
	"github.com/allen1211/sessionkv/internal/errs"
	"github.com/allen1211/sessionkv/internal/metrics"
	"github.com/allen1211/sessionkv/internal/migration"
	"github.com/allen1211/sessionkv/internal/session"
	"github.com/allen1211/sessionkv/internal/store"
	"github.com/allen1211/sessionkv/internal/txn"
	"github.com/allen1211/sessionkv/pkg/config"
)

// Re-exported error kinds, per spec.md §7.
var (
	ErrStoreClosed      = errs.ErrStoreClosed
	ErrKeyNotLoaded     = errs.ErrKeyNotLoaded
	ErrLoadInProgress   = errs.ErrLoadInProgress
	ErrLoadCancelled    = errs.ErrLoadCancelled
	ErrLockUnavailable  = errs.ErrLockUnavailable
	ErrLockLost         = errs.ErrLockLost
	ErrSchemaInvalid    = errs.ErrSchemaInvalid
	ErrBadTransform     = errs.ErrBadTransform
	ErrTxKeysModified   = errs.ErrTxKeysModified
	ErrTxRecoveryFailed = errs.ErrTxRecoveryFailed
	ErrMigrationMismatch = errs.ErrMigrationMismatch
	ErrBackendTransient = errs.ErrBackendTransient
	ErrBackendFatal     = errs.ErrBackendFatal
	ErrSessionClosed    = errs.ErrSessionClosed
	ErrIncompleteShards = errs.ErrIncompleteShards
)

// ErrorKind maps any error returned by this package to one of the stable
// kind names in spec.md §7, for logging/metrics.
func ErrorKind(err error) string { return errs.Kind(err) }

// Re-exported collaborator contracts, per spec.md §6.
type (
	DataStore       = backend.DataStore
	CoordinationMap = backend.CoordinationMap
	VersionQuery    = backend.VersionQuery
	VersionInfo     = backend.VersionInfo
)

// SchemaCheck validates a decoded data value, per spec.md §6.
type SchemaCheck = session.SchemaCheck

// ChangeCallback observes a committed mutable-path update, per spec.md
// §4.7.
type ChangeCallback = session.ChangeCallback

// ImportLegacyData looks up pre-existing data for a key from outside this
// store's own record layout, per spec.md §4.8.
type ImportLegacyData = store.ImportLegacyData

// MigrationStep is one named, ordered transform in a store's migration
// chain, per spec.md §4.5.
type MigrationStep = migration.Step

// NewMigrationChain builds an ordered migration chain, rejecting
// duplicate step names per spec.md §4.5.
func NewMigrationChain(steps ...MigrationStep) (*migration.Chain, error) {
	return migration.NewChain(steps...)
}

// TxFn is a multi-key transaction body, per spec.md §4.9.
type TxFn = txn.Fn

// Config configures a Store. DS and Coord are the two external backing
// services (spec.md §6); production implementations are out of scope for
// this module (spec.md §1) — see internal/backend/leveldbstore and
// internal/backend/memds for reference/test implementations.
type Config struct {
	// Name scopes every persisted key under records/<name>, shards/<name>,
	// tx/<name>, locks/<name>.
	Name string

	// Template produces a fresh value for keys with no existing record
	// and no legacy data.
	Template func() interface{}

	// SchemaCheck validates every data boundary, per spec.md §6.
	SchemaCheck SchemaCheck

	// Migrations is this store's append-only migration chain, per
	// spec.md §4.5. Nil means no migrations are ever applied.
	Migrations *migration.Chain

	// MaxChunkSize overrides the shard codec's per-shard ceiling; zero
	// keeps the package default (spec.md §3's ~4MB-minus-reserve bound).
	MaxChunkSize int

	DS    DataStore
	Coord CoordinationMap

	// ConfigPath, if set, loads a pkg/config.Config from disk the way the
	// teacher's etc.ParseReplicaConf does, and seeds Name, LogLevel,
	// MaxChunkSize, Autosave, LeaseTTL, LeaseRefreshInterval and
	// LeaseAcquireDeadline where the caller left them at their zero value.
	// Fields already set on Config take precedence over the file.
	ConfigPath string

	Logger  *logrus.Logger
	LogLevel string

	// EnableMetrics registers the Prometheus collectors described in
	// SPEC_FULL.md §1.
	EnableMetrics bool

	OnChange     []ChangeCallback
	ImportLegacy ImportLegacyData
	Autosave     time.Duration

	LeaseTTL             time.Duration
	LeaseRefreshInterval time.Duration
	LeaseAcquireDeadline time.Duration
}

// Store is the lifecycle manager of sessions keyed by string, per
// spec.md §4.8.
type Store struct {
	inner *store.Store
}

// New constructs a Store from cfg.
func New(cfg Config) (*Store, error) {
	if cfg.ConfigPath != "" {
		fileCfg, err := config.Load(cfg.ConfigPath)
		if err != nil {
			return nil, err
		}
		applyFileConfig(&cfg, fileCfg)
	}

	var collector *metrics.Collector
	if cfg.EnableMetrics {
		collector = metrics.New(cfg.Name)
	}
	inner := store.New(store.Config{
		Name:                 cfg.Name,
		Template:             cfg.Template,
		SchemaCheck:          cfg.SchemaCheck,
		Migrations:           cfg.Migrations,
		MaxChunkSize:         cfg.MaxChunkSize,
		DS:                   cfg.DS,
		Coord:                cfg.Coord,
		Logger:               cfg.Logger,
		LogLevel:             cfg.LogLevel,
		Metrics:              collector,
		OnChange:             cfg.OnChange,
		ImportLegacy:         cfg.ImportLegacy,
		Autosave:             cfg.Autosave,
		LeaseTTL:             cfg.LeaseTTL,
		LeaseRefreshInterval: cfg.LeaseRefreshInterval,
		LeaseAcquireDeadline: cfg.LeaseAcquireDeadline,
	})
	return &Store{inner: inner}, nil
}

// applyFileConfig seeds any zero-valued field of cfg from fileCfg, the way
// the teacher's config loaders overlay a defaults struct with whatever the
// on-disk JSON sets. Fields the caller already populated in the Config
// literal are left untouched.
func applyFileConfig(cfg *Config, fileCfg config.Config) {
	if cfg.Name == "" {
		cfg.Name = fileCfg.Name
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = fileCfg.LogLevel
	}
	if cfg.MaxChunkSize == 0 {
		cfg.MaxChunkSize = fileCfg.MaxChunkBytes
	}
	if cfg.Autosave == 0 {
		cfg.Autosave = fileCfg.Autosave()
	}
	if cfg.LeaseTTL == 0 {
		cfg.LeaseTTL = fileCfg.LeaseTTL()
	}
	if cfg.LeaseRefreshInterval == 0 {
		cfg.LeaseRefreshInterval = fileCfg.LeaseRefresh()
	}
	if cfg.LeaseAcquireDeadline == 0 {
		cfg.LeaseAcquireDeadline = fileCfg.LeaseAcquireDeadline()
	}
}

// Load acquires key's lease, loads (or seeds and migrates) its record,
// and registers a session for it, per spec.md §4.8.
func (s *Store) Load(ctx context.Context, key string, userIDs []int64) (interface{}, error) {
	return s.inner.Load(ctx, key, userIDs)
}

// Unload flushes and releases key's session, per spec.md §4.8.
func (s *Store) Unload(key string) error { return s.inner.Unload(key) }

// Get returns key's currently validated, frozen working copy.
func (s *Store) Get(key string) (interface{}, error) { return s.inner.Get(key) }

// SetData replaces key's working copy after validation, per spec.md §4.7.
func (s *Store) SetData(key string, v interface{}) error { return s.inner.SetData(key, v) }

// Update runs fn on key's mutable working copy, per spec.md §4.7.
func (s *Store) Update(key string, fn func(mutable interface{}) bool) (bool, error) {
	return s.inner.Update(key, fn)
}

// UpdateImmutable runs fn on key's frozen working copy, per spec.md §4.7.
func (s *Store) UpdateImmutable(key string, fn func(frozen interface{}) (interface{}, bool)) (bool, error) {
	return s.inner.UpdateImmutable(key, fn)
}

// Save flushes key's pending changes, per spec.md §4.7.
func (s *Store) Save(key string) error { return s.inner.Save(key) }

// Tx runs fn atomically across keys' sessions, per spec.md §4.9.
func (s *Store) Tx(keys []string, fn TxFn) (bool, error) { return s.inner.Tx(keys, fn) }

// TxImmutable is the immutable-path analogue of Tx, per spec.md §4.9.
func (s *Store) TxImmutable(keys []string, fn TxFn) (bool, error) {
	return s.inner.TxImmutable(keys, fn)
}

// Close sets the store closed, cancels outstanding loads, and
// concurrently unloads every active session, per spec.md §4.8.
func (s *Store) Close() error { return s.inner.Close() }

// Peek reads key's record bypassing sessions, per spec.md §4.8.
func (s *Store) Peek(ctx context.Context, key string) (interface{}, error) {
	return s.inner.Peek(ctx, key)
}

// ProbeLockActive reports whether key's lease is currently held, per
// spec.md §4.8.
func (s *Store) ProbeLockActive(ctx context.Context, key string) (bool, error) {
	return s.inner.ProbeLockActive(ctx, key)
}

// ListVersions pass-through to the DataStore's versioning API, per
// spec.md §4.8.
func (s *Store) ListVersions(ctx context.Context, key string, q VersionQuery) ([]VersionInfo, error) {
	return s.inner.ListVersions(ctx, key, q)
}

// ReadVersion pass-through to the DataStore's versioning API, per
// spec.md §4.8.
func (s *Store) ReadVersion(ctx context.Context, key, versionID string) (interface{}, error) {
	return s.inner.ReadVersion(ctx, key, versionID)
}
