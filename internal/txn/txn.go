// Package txn implements the two-phase commit transaction coordinator
// from spec.md §4.9: a shared status marker key linearizes a write across
// several independently-addressed sessions, so a crash at any point
// leaves every participant's next load observing either all-new or
// all-old state (spec.md §8 property 3). It is modeled on the teacher's
// own multi-step, marker-gated reconfiguration protocol
// (internal/replica/server_migrate.go's PullShard/InstallShard dance,
// gated by a Config.Num "this is the authoritative generation" marker)
// generalized from "adopt a shard migration" to "adopt a multi-key write".
package txn

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/allen1211/sessionkv/internal/errs"
	"github.com/allen1211/sessionkv/internal/queue"
	"github.com/allen1211/sessionkv/internal/record"
	"github.com/allen1211/sessionkv/internal/session"
	"github.com/allen1211/sessionkv/internal/shard"
)

// Fn is the transaction body from spec.md §4.9. It receives a snapshot of
// every participant's current frozen data keyed by session key and
// returns either (next, true) to commit next for every key, or (nil,
// false) to abort with no writes. The returned map must carry exactly the
// same key set as state; otherwise the transaction fails with
// errs.ErrTxKeysModified.
type Fn func(state map[string]interface{}) (next map[string]interface{}, commit bool)

// Run executes fn atomically across sessions per spec.md §4.9's five
// steps. All sessions must share one store (a transaction marker is
// addressed tx/<name>/<txId>, so participants from different stores have
// nowhere consistent to linearize against). A single participant is
// handled without a marker — spec.md §4.9's "single-key tx degrades to a
// straight update" — since there is nothing to linearize against another
// participant's write.
func Run(ctx context.Context, sessions []*session.Session, fn Fn) (bool, error) {
	if len(sessions) == 0 {
		return false, fmt.Errorf("txn: no participants")
	}
	storeName := sessions[0].Config().StoreName
	for _, s := range sessions[1:] {
		if s.Config().StoreName != storeName {
			return false, fmt.Errorf("txn: participants span multiple stores (%q vs %q)", storeName, s.Config().StoreName)
		}
	}

	queues := make([]*queue.SerialQueue, len(sessions))
	for i, s := range sessions {
		queues[i] = s.Queue()
	}

	f := queue.MultiAdd(queues, func(ctx context.Context) (interface{}, error) {
		return runLocked(ctx, storeName, sessions, fn)
	})
	v, err := f.Wait()
	if err != nil {
		return false, err
	}
	if v == nil {
		return false, nil
	}
	return v.(bool), nil
}

// participantWrite tracks what Run has durably written for one
// participant so an abort can revert exactly what succeeded.
type participantWrite struct {
	key           string
	sess          *session.Session
	payload       json.RawMessage
	ref           *record.FileRef
	writtenShards []string
	orphans       []string
	existedBefore bool
	prevRecord    *record.Record
}

func runLocked(ctx context.Context, storeName string, sessions []*session.Session, fn Fn) (interface{}, error) {
	state := make(map[string]interface{}, len(sessions))
	byKey := make(map[string]*session.Session, len(sessions))
	for _, s := range sessions {
		if s.State() != session.Active {
			return false, errs.ErrSessionClosed
		}
		state[s.Key()] = s.Snapshot()
		byKey[s.Key()] = s
	}

	next, commit := fn(state)
	if !commit {
		return false, nil
	}
	if len(next) != len(state) {
		return false, fmt.Errorf("%w: transaction returned %d keys, expected %d", errs.ErrTxKeysModified, len(next), len(state))
	}
	for k := range state {
		if _, ok := next[k]; !ok {
			return false, fmt.Errorf("%w: key %q missing from transaction result", errs.ErrTxKeysModified, k)
		}
	}
	for k, s := range byKey {
		cfg := s.Config()
		if ok, reason := cfg.SchemaCheck(next[k]); !ok {
			return false, fmt.Errorf("%w: %s: %s", errs.ErrSchemaInvalid, k, reason)
		}
	}

	if len(sessions) == 1 {
		return commitSingle(ctx, storeName, sessions[0], next[sessions[0].Key()])
	}

	txID := uuid.NewString()
	writes := make([]*participantWrite, 0, len(byKey))

	abort := func(cause error) (interface{}, error) {
		for _, w := range writes {
			revertParticipant(ctx, storeName, w)
		}
		return false, cause
	}

	for k, s := range byKey {
		pw, err := writeParticipant(ctx, storeName, s, next[k], txID)
		if err != nil {
			return abort(err)
		}
		writes = append(writes, pw)
	}

	// Step 4: the transaction marker is the linearization point. Once this
	// write succeeds, every participant's pendingTx write is authoritative
	// even if the process crashes before step 5 clears it.
	markerKey := "tx/" + storeName + "/" + txID
	markerCfg := sessions[0].Config()
	if err := markerCfg.DSWrapper.Do(ctx, "tx-marker-write", func(ctx context.Context) error {
		return markerCfg.DS.Set(ctx, markerKey, json.RawMessage(`"committed"`), nil)
	}); err != nil {
		return abort(fmt.Errorf("txn: write marker: %w", err))
	}

	for _, w := range writes {
		clearPendingTx(ctx, storeName, w)
		w.sess.AdoptCommitted(next[w.key], w.orphans)
	}

	return true, nil
}

// commitSingle implements the degenerate single-key path: a normal
// conditional record write with no pendingTx tag and no marker, since a
// lone participant can't observe a "mixed" state.
func commitSingle(ctx context.Context, storeName string, s *session.Session, value interface{}) (interface{}, error) {
	pw, err := writeParticipant(ctx, storeName, s, value, "")
	if err != nil {
		return false, err
	}
	s.AdoptCommitted(value, pw.orphans)
	return true, nil
}

// writeParticipant performs spec.md §4.9 step 3 for one participant:
// encode, write new shards, then conditionally write the record tagged
// with pendingTx (or untagged, for the single-key degenerate path).
func writeParticipant(ctx context.Context, storeName string, s *session.Session, value interface{}, pendingTx string) (*participantWrite, error) {
	cfg := s.Config()
	key := s.Key()

	payload, ref, shards, err := cfg.Codec.Encode(value)
	if err != nil {
		return nil, fmt.Errorf("txn: encode %s: %w", key, err)
	}
	pw := &participantWrite{key: key, sess: s, payload: payload, ref: ref}

	for shardKey, chunk := range shards {
		shardVal, merr := json.Marshal(chunk)
		if merr != nil {
			cleanupShards(ctx, cfg, pw.writtenShards)
			return nil, fmt.Errorf("txn: marshal shard %s: %w", shardKey, merr)
		}
		fullKey := "shards/" + storeName + "/" + shardKey
		if serr := cfg.DSWrapper.Do(ctx, "tx-shard-write", func(ctx context.Context) error {
			return cfg.DS.Set(ctx, fullKey, shardVal, nil)
		}); serr != nil {
			cleanupShards(ctx, cfg, pw.writtenShards)
			return nil, fmt.Errorf("txn: write shard %s: %w", shardKey, serr)
		}
		pw.writtenShards = append(pw.writtenShards, fullKey)
	}

	recordKey := "records/" + storeName + "/" + key
	lockLost := false
	uerr := cfg.DSWrapper.Do(ctx, "tx-record-write", func(ctx context.Context) error {
		return cfg.DS.Update(ctx, recordKey, s.UserIDs(), func(prev json.RawMessage, ok bool) (json.RawMessage, bool, error) {
			if !s.Lease().IsLocked() {
				lockLost = true
				return nil, false, nil
			}
			var prevRec *record.Record
			if ok && len(prev) > 0 {
				prevRec = &record.Record{}
				if jerr := json.Unmarshal(prev, prevRec); jerr != nil {
					return nil, false, jerr
				}
			}
			pw.existedBefore = ok && len(prev) > 0
			pw.prevRecord = prevRec

			var staleShards []string
			if prevRec.IsSharded() && (pw.ref == nil || prevRec.FileRef.ID != pw.ref.ID) {
				staleShards = prependPrefix(prevRec.FileRef.Shards, "shards/"+storeName+"/")
			}
			pw.orphans = shard.MergeOrphans(s.Orphans(), staleShards)

			nextRec := &record.Record{
				Data:              pw.payload,
				FileRef:           pw.ref,
				AppliedMigrations: s.AppliedMigrations(),
				PendingTx:         pendingTx,
				Orphans:           pw.orphans,
				UserIDs:           s.UserIDs(),
			}
			out, merr := json.Marshal(nextRec)
			if merr != nil {
				return nil, false, merr
			}
			return out, true, nil
		})
	})
	if uerr != nil {
		cleanupShards(ctx, cfg, pw.writtenShards)
		return nil, fmt.Errorf("txn: write record %s: %w", key, uerr)
	}
	if lockLost {
		cleanupShards(ctx, cfg, pw.writtenShards)
		return nil, fmt.Errorf("%w: %s", errs.ErrLockLost, key)
	}
	return pw, nil
}

// revertParticipant undoes a successfully-written participant during an
// abort that happens before the marker is durable: new shards are
// removed, and the record is restored to its pre-transaction value (or
// deleted outright if it didn't exist before this transaction touched
// it).
func revertParticipant(ctx context.Context, storeName string, w *participantWrite) {
	cfg := w.sess.Config()
	cleanupShards(ctx, cfg, w.writtenShards)

	recordKey := "records/" + storeName + "/" + w.key
	err := cfg.DSWrapper.Do(ctx, "tx-record-revert", func(ctx context.Context) error {
		if !w.existedBefore {
			return cfg.DS.Remove(ctx, recordKey)
		}
		return cfg.DS.Update(ctx, recordKey, w.sess.UserIDs(), func(prev json.RawMessage, ok bool) (json.RawMessage, bool, error) {
			out, merr := json.Marshal(w.prevRecord)
			if merr != nil {
				return nil, false, merr
			}
			return out, true, nil
		})
	})
	if err != nil && cfg.Logger != nil {
		cfg.Logger.WithError(err).WithField("key", w.key).Warn("failed to revert aborted transaction write")
	}
}

// clearPendingTx performs spec.md §4.9 step 5 for one participant:
// best-effort, since a crash here is recovered on the next load via the
// durable marker (spec.md §4.9 "Recovery on load").
func clearPendingTx(ctx context.Context, storeName string, w *participantWrite) {
	cfg := w.sess.Config()
	recordKey := "records/" + storeName + "/" + w.key
	err := cfg.DSWrapper.Do(ctx, "tx-clear-pending", func(ctx context.Context) error {
		return cfg.DS.Update(ctx, recordKey, nil, func(prev json.RawMessage, ok bool) (json.RawMessage, bool, error) {
			if !ok || len(prev) == 0 {
				return nil, false, nil
			}
			rec := &record.Record{}
			if jerr := json.Unmarshal(prev, rec); jerr != nil {
				return nil, false, jerr
			}
			rec.PendingTx = ""
			out, merr := json.Marshal(rec)
			if merr != nil {
				return nil, false, merr
			}
			return out, true, nil
		})
	})
	if err != nil && cfg.Logger != nil {
		cfg.Logger.WithError(err).WithField("key", w.key).Warn("failed to clear pendingTx after commit, will be recovered on next load")
	}
}

func cleanupShards(ctx context.Context, cfg session.Config, keys []string) {
	for _, key := range keys {
		_ = cfg.DSWrapper.Do(ctx, "tx-shard-cleanup", func(ctx context.Context) error {
			return cfg.DS.Remove(ctx, key)
		})
	}
}

func prependPrefix(keys []string, prefix string) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = prefix + k
	}
	return out
}
