package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/allen1211/sessionkv/internal/backend"
	"github.com/allen1211/sessionkv/internal/errs"
	"github.com/allen1211/sessionkv/internal/lease"
)

// Get returns key's currently validated, frozen working copy, per
// spec.md §4.8.
func (st *Store) Get(key string) (interface{}, error) {
	s := st.sessionFor(key)
	if s == nil {
		return nil, errs.ErrKeyNotLoaded
	}
	return s.Get()
}

// SetData replaces key's working copy after validation, per spec.md §4.7,
// delegated through the store per spec.md §4.8.
func (st *Store) SetData(key string, v interface{}) error {
	s := st.sessionFor(key)
	if s == nil {
		return errs.ErrKeyNotLoaded
	}
	return s.SetData(v)
}

// Update runs fn on key's mutable working copy, per spec.md §4.7/§4.8.
func (st *Store) Update(key string, fn func(mutable interface{}) bool) (bool, error) {
	s := st.sessionFor(key)
	if s == nil {
		return false, errs.ErrKeyNotLoaded
	}
	return s.Update(fn)
}

// UpdateImmutable runs fn on key's frozen working copy, per spec.md
// §4.7/§4.8.
func (st *Store) UpdateImmutable(key string, fn func(frozen interface{}) (interface{}, bool)) (bool, error) {
	s := st.sessionFor(key)
	if s == nil {
		return false, errs.ErrKeyNotLoaded
	}
	return s.UpdateImmutable(fn)
}

// Save flushes key's pending changes, per spec.md §4.7/§4.8.
func (st *Store) Save(key string) error {
	s := st.sessionFor(key)
	if s == nil {
		return errs.ErrKeyNotLoaded
	}
	return s.Save()
}

// Peek reads key's record bypassing sessions: fetches, migrates
// in-memory only (no write-back), decodes, and returns, without
// requiring the lease, per spec.md §4.8. Per spec.md §9 open question (b)
// this is a pass-through: a record with a pending transaction is
// returned as written, with no recovery attempt.
func (st *Store) Peek(ctx context.Context, key string) (interface{}, error) {
	if st.isClosed() {
		return nil, errs.ErrStoreClosed
	}

	raw, ok, err := st.dsGetRecord(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		seed, _, err := st.seedFor(ctx, key)
		return seed, err
	}

	rec, _, err := recordFromJSON(raw)
	if err != nil {
		return nil, err
	}

	var decoded interface{}
	if err := st.codec.Decode(ctx, rec.Data, rec.FileRef, st.shardFetcher(key), &decoded); err != nil {
		return nil, err
	}
	decodedRaw, err := json.Marshal(decoded)
	if err != nil {
		return nil, fmt.Errorf("remarshal peeked data for %s: %w", key, err)
	}

	migratedRaw := decodedRaw
	if st.cfg.Migrations != nil {
		migratedRaw, _, err = st.cfg.Migrations.Apply(decodedRaw, rec.AppliedMigrations)
		if err != nil {
			return nil, err
		}
	}

	var final interface{}
	if err := json.Unmarshal(migratedRaw, &final); err != nil {
		return nil, fmt.Errorf("decode peeked data for %s: %w", key, err)
	}
	return final, nil
}

// ProbeLockActive reports whether key's lease is currently held by
// anyone, per spec.md §4.8.
func (st *Store) ProbeLockActive(ctx context.Context, key string) (bool, error) {
	return lease.ProbeActive(ctx, st.cfg.Coord, st.lockKey(key))
}

// ListVersions pass-through to the DataStore's versioning API, per
// spec.md §4.8.
func (st *Store) ListVersions(ctx context.Context, key string, q backend.VersionQuery) ([]backend.VersionInfo, error) {
	return st.cfg.DS.ListVersions(ctx, st.recordKey(key), q)
}

// ReadVersion decodes the record as it stood at versionID, per spec.md
// §4.8. Shards referenced by a historical version may already have been
// orphan-cleaned by a later save; callers reading old versions of a
// previously-sharded value should expect errs.ErrIncompleteShards in that
// case.
func (st *Store) ReadVersion(ctx context.Context, key, versionID string) (interface{}, error) {
	raw, err := st.cfg.DS.GetVersion(ctx, st.recordKey(key), versionID)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}
	rec, _, err := recordFromJSON(raw)
	if err != nil {
		return nil, err
	}
	var decoded interface{}
	if err := st.codec.Decode(ctx, rec.Data, rec.FileRef, st.shardFetcher(key), &decoded); err != nil {
		return nil, err
	}
	return decoded, nil
}
