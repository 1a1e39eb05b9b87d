package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/allen1211/sessionkv/internal/backend"
	"github.com/allen1211/sessionkv/internal/errs"
	"github.com/allen1211/sessionkv/internal/lease"
	"github.com/allen1211/sessionkv/internal/record"
	"github.com/allen1211/sessionkv/internal/session"
	"github.com/allen1211/sessionkv/internal/shard"
)

// Load acquires the key's lease, loads (or seeds) and migrates its
// record, and registers a new session, per spec.md §4.8. If a session is
// already loaded it resolves immediately with the session's current data.
// A concurrent Load for the same key fails with errs.ErrLoadInProgress; a
// concurrent Unload cancels an in-flight Load with errs.ErrLoadCancelled.
func (st *Store) Load(ctx context.Context, key string, userIDs []int64) (interface{}, error) {
	if st.isClosed() {
		return nil, errs.ErrStoreClosed
	}

	st.mu.Lock()
	if s, ok := st.sessions[key]; ok {
		st.mu.Unlock()
		return s.Get()
	}
	if _, ok := st.loading[key]; ok {
		st.mu.Unlock()
		return nil, errs.ErrLoadInProgress
	}
	loadCtx, cancel := context.WithCancel(ctx)
	st.loading[key] = &loadState{cancel: cancel}
	st.mu.Unlock()

	defer func() {
		st.mu.Lock()
		delete(st.loading, key)
		st.mu.Unlock()
	}()

	l, err := lease.Acquire(loadCtx, st.cfg.Coord, st.coordWrapper, st.cfg.Logger, st.lockKey(key), st.cfg.LeaseTTL, st.cfg.LeaseRefreshInterval, st.cfg.LeaseAcquireDeadline)
	if err != nil {
		if loadCtx.Err() != nil {
			return nil, errs.ErrLoadCancelled
		}
		return nil, err
	}
	st.cfg.Metrics.IncLockAcquired()

	data, applied, orphans, loadedUserIDs, migrated, err := st.loadAndMigrate(loadCtx, key, userIDs)
	if err != nil {
		l.Release()
		return nil, err
	}

	select {
	case <-loadCtx.Done():
		l.Release()
		return nil, errs.ErrLoadCancelled
	default:
	}

	sess := session.New(st.sessionConfig(key), l, data, applied, orphans, loadedUserIDs, migrated)
	sess.StartAutosave()

	st.mu.Lock()
	if st.closed || st.closing {
		st.mu.Unlock()
		sess.Unload()
		return nil, errs.ErrStoreClosed
	}
	st.sessions[key] = sess
	st.mu.Unlock()

	return sess.Get()
}

// Unload flushes and releases key's session, per spec.md §4.8. It is
// idempotent: no session means a nil-error no-op. A concurrent in-flight
// Load for the same key is cancelled.
func (st *Store) Unload(key string) error {
	st.mu.Lock()
	if ls, ok := st.loading[key]; ok {
		ls.cancel()
	}
	s, ok := st.sessions[key]
	if ok {
		delete(st.sessions, key)
	}
	st.mu.Unlock()
	if !ok {
		return nil
	}
	return s.Unload()
}

// loadAndMigrate fetches the record (or seeds fresh data from the legacy
// importer/template), recovers any pending transaction, decodes, and
// applies outstanding migrations, per spec.md §4.5 and §4.8.
func (st *Store) loadAndMigrate(ctx context.Context, key string, userIDs []int64) (data interface{}, applied, orphans []string, outUserIDs []int64, migrated bool, err error) {
	raw, ok, err := st.dsGetRecord(ctx, key)
	if err != nil {
		return nil, nil, nil, nil, false, err
	}

	var rec *record.Record
	if ok {
		rec, ok, err = recordFromJSON(raw)
		if err != nil {
			return nil, nil, nil, nil, false, err
		}
	}

	if ok && rec.PendingTx != "" {
		rec, err = st.recoverPendingTx(ctx, key, rec)
		if err != nil {
			return nil, nil, nil, nil, false, err
		}
	}

	var rawData json.RawMessage
	var ref *record.FileRef
	var priorApplied []string
	outUserIDs = userIDs

	if ok {
		rawData = rec.Data
		ref = rec.FileRef
		priorApplied = rec.AppliedMigrations
		orphans = rec.Orphans
		if len(rec.UserIDs) > 0 {
			outUserIDs = rec.UserIDs
		}
	} else {
		seed, imported, ierr := st.seedFor(ctx, key)
		if ierr != nil {
			return nil, nil, nil, nil, false, ierr
		}
		_ = imported
		serialized, merr := json.Marshal(seed)
		if merr != nil {
			return nil, nil, nil, nil, false, fmt.Errorf("marshal seed data for %s: %w", key, merr)
		}
		rawData = serialized
	}

	var decoded interface{}
	if derr := st.codec.Decode(ctx, rawData, ref, st.shardFetcher(key), &decoded); derr != nil {
		return nil, nil, nil, nil, false, derr
	}
	decodedRaw, merr := json.Marshal(decoded)
	if merr != nil {
		return nil, nil, nil, nil, false, fmt.Errorf("remarshal decoded data for %s: %w", key, merr)
	}

	migratedRaw, newApplied := decodedRaw, priorApplied
	if st.cfg.Migrations != nil {
		migratedRaw, newApplied, err = st.cfg.Migrations.Apply(decodedRaw, priorApplied)
		if err != nil {
			return nil, nil, nil, nil, false, err
		}
	}

	var final interface{}
	if err := json.Unmarshal(migratedRaw, &final); err != nil {
		return nil, nil, nil, nil, false, fmt.Errorf("decode migrated data for %s: %w", key, err)
	}
	if valid, reason := st.cfg.SchemaCheck(final); !valid {
		return nil, nil, nil, nil, false, fmt.Errorf("%w: %s", errs.ErrSchemaInvalid, reason)
	}

	migrated = len(newApplied) != len(priorApplied)
	return final, newApplied, orphans, outUserIDs, migrated, nil
}

func (st *Store) seedFor(ctx context.Context, key string) (interface{}, bool, error) {
	if st.cfg.ImportLegacy != nil {
		data, ok, err := st.cfg.ImportLegacy(ctx, key)
		if err != nil {
			return nil, false, fmt.Errorf("import legacy data for %s: %w", key, err)
		}
		if ok {
			return data, true, nil
		}
	}
	return st.cfg.Template(), false, nil
}

// recoverPendingTx implements spec.md §4.9's "Recovery on load": if the
// marker is durably committed, the record is authoritative as written
// (pendingTx is cleared so future loads don't repeat this check);
// otherwise the pre-transaction version is restored from the DataStore's
// version history. If that prior version is unavailable, the load fails
// with errs.ErrTxRecoveryFailed.
func (st *Store) recoverPendingTx(ctx context.Context, key string, rec *record.Record) (*record.Record, error) {
	var raw json.RawMessage
	var present bool
	err := st.dsWrapper.Do(ctx, "tx-marker-read", func(ctx context.Context) error {
		v, ok, e := st.cfg.DS.Get(ctx, st.txKey(rec.PendingTx))
		raw, present = v, ok
		return e
	})
	if err != nil {
		return nil, err
	}

	if present && string(raw) == `"committed"` {
		rec.PendingTx = ""
		_ = st.dsWrapper.Do(ctx, "tx-recover-clear", func(ctx context.Context) error {
			return st.cfg.DS.Update(ctx, st.recordKey(key), nil, func(prev json.RawMessage, ok bool) (json.RawMessage, bool, error) {
				if !ok || len(prev) == 0 {
					return nil, false, nil
				}
				cur := &record.Record{}
				if e := json.Unmarshal(prev, cur); e != nil {
					return nil, false, e
				}
				cur.PendingTx = ""
				out, e := json.Marshal(cur)
				if e != nil {
					return nil, false, e
				}
				return out, true, nil
			})
		})
		return rec, nil
	}

	versions, err := st.cfg.DS.ListVersions(ctx, st.recordKey(key), backend.VersionQuery{})
	if err != nil {
		return nil, err
	}
	if len(versions) < 2 {
		return nil, errs.ErrTxRecoveryFailed
	}
	priorRaw, err := st.cfg.DS.GetVersion(ctx, st.recordKey(key), versions[1].VersionID)
	if err != nil {
		return nil, err
	}
	if len(priorRaw) == 0 {
		return nil, errs.ErrTxRecoveryFailed
	}
	prior := &record.Record{}
	if err := json.Unmarshal(priorRaw, prior); err != nil {
		return nil, fmt.Errorf("decode recovered record for %s: %w", key, err)
	}
	prior.PendingTx = ""

	// The abandoned transaction's shard writes (if the in-flight record was
	// sharded) are now unreferenced by the restored prior version; orphan
	// them the same way doSave/revertParticipant do, per spec.md invariant
	// 4, or they'd be permanently unreferenced with no cleanup path.
	staleShards := rec.Orphans
	if rec.IsSharded() {
		staleShards = shard.MergeOrphans(staleShards, st.shardKeys(rec.FileRef.Shards))
	}
	prior.Orphans = shard.MergeOrphans(prior.Orphans, staleShards)

	_ = st.dsWrapper.Do(ctx, "tx-recover-restore", func(ctx context.Context) error {
		return st.cfg.DS.Update(ctx, st.recordKey(key), nil, func(_ json.RawMessage, _ bool) (json.RawMessage, bool, error) {
			out, e := json.Marshal(prior)
			if e != nil {
				return nil, false, e
			}
			return out, true, nil
		})
	})
	return prior, nil
}

func (st *Store) dsGetRecord(ctx context.Context, key string) (json.RawMessage, bool, error) {
	var raw json.RawMessage
	var ok bool
	err := st.dsWrapper.Do(ctx, "record-read", func(ctx context.Context) error {
		v, present, e := st.cfg.DS.Get(ctx, st.recordKey(key))
		raw, ok = v, present
		return e
	})
	return raw, ok, err
}

// shardFetcher adapts the store's DataStore + retry wrapper into the
// shard.Fetcher signature codec.Decode needs.
func (st *Store) shardFetcher(key string) shard.Fetcher {
	return func(ctx context.Context, shardKey string) ([]byte, bool, error) {
		full := "shards/" + st.cfg.Name + "/" + shardKey
		var raw json.RawMessage
		var ok bool
		err := st.dsWrapper.Do(ctx, "shard-read", func(ctx context.Context) error {
			v, present, e := st.cfg.DS.Get(ctx, full)
			raw, ok = v, present
			return e
		})
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return nil, false, nil
		}
		var decoded []byte
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return nil, false, fmt.Errorf("decode shard %s: %w", shardKey, err)
		}
		return decoded, true, nil
	}
}
