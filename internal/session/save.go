package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/allen1211/sessionkv/internal/errs"
	"github.com/allen1211/sessionkv/internal/record"
	"github.com/allen1211/sessionkv/internal/shard"
)

// Save runs the five-step save pipeline from spec.md §4.7. It is a no-op
// when the session isn't dirty.
func (s *Session) Save() error {
	f := s.queue.Add(func(ctx context.Context) (interface{}, error) {
		return nil, s.doSave(ctx)
	})
	_, err := f.Wait()
	return err
}

func (s *Session) doSave(ctx context.Context) error {
	s.mu.Lock()
	active := s.state == Active || s.state == Unloading
	s.mu.Unlock()
	if !active {
		return errs.ErrSessionClosed
	}

	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return nil
	}
	start := time.Now()
	defer func() { s.cfg.Metrics.ObserveSave(time.Since(start).Seconds()) }()
	data := s.current
	applied := append([]string(nil), s.applied...)
	prevOrphans := append([]string(nil), s.orphans...)
	userIDs := append([]int64(nil), s.userIDs...)
	s.mu.Unlock()

	// Step 1: serialize the working copy, sharding it if it's too large
	// to fit inline.
	payload, ref, shards, err := s.cfg.Codec.Encode(data)
	if err != nil {
		return fmt.Errorf("encode working copy: %w", err)
	}

	// Step 2: write new shards, if any, before touching the record so a
	// crash between the two never leaves the record pointing at shards
	// that don't exist.
	written := make([]string, 0, len(shards))
	for key, chunk := range shards {
		shardVal, merr := json.Marshal(chunk)
		if merr != nil {
			s.cleanupShards(written)
			return fmt.Errorf("marshal shard %s: %w", key, merr)
		}
		shardKey := "shards/" + s.cfg.StoreName + "/" + key
		if serr := s.cfg.DSWrapper.Do(ctx, "shard-write", func(ctx context.Context) error {
			return s.cfg.DS.Set(ctx, shardKey, shardVal, nil)
		}); serr != nil {
			s.cleanupShards(written)
			return fmt.Errorf("write shard %s: %w", key, serr)
		}
		written = append(written, shardKey)
	}

	// Step 3: atomically install the new record, re-verifying the lease
	// is still held inside the mutator (a TOCTOU check distinct from the
	// lease's own background refresh loop, per spec.md §5).
	var newOrphans []string
	lockLost := false
	uerr := s.cfg.DSWrapper.Do(ctx, "record-write", func(ctx context.Context) error {
		return s.cfg.DS.Update(ctx, s.recordKey(), userIDs, func(prev json.RawMessage, ok bool) (json.RawMessage, bool, error) {
			if !s.lease.IsLocked() {
				lockLost = true
				return nil, false, nil
			}
			var prevRec *record.Record
			if ok && len(prev) > 0 {
				prevRec = &record.Record{}
				if jerr := json.Unmarshal(prev, prevRec); jerr != nil {
					return nil, false, fmt.Errorf("decode previous record: %w", jerr)
				}
			}

			var staleShards []string
			if prevRec.IsSharded() && (ref == nil || prevRec.FileRef.ID != ref.ID) {
				staleShards = prependPrefix(prevRec.FileRef.Shards, "shards/"+s.cfg.StoreName+"/")
			}
			newOrphans = shard.MergeOrphans(prevOrphans, staleShards)

			next := &record.Record{
				Data:              payload,
				FileRef:           ref,
				AppliedMigrations: applied,
				Orphans:           newOrphans,
				UserIDs:           userIDs,
			}
			if prevRec != nil {
				next.PendingTx = prevRec.PendingTx
			}
			out, merr := json.Marshal(next)
			if merr != nil {
				return nil, false, fmt.Errorf("marshal record: %w", merr)
			}
			return out, true, nil
		})
	})
	if uerr != nil {
		s.cleanupShards(written)
		return fmt.Errorf("write record: %w", uerr)
	}
	if lockLost {
		s.cleanupShards(written)
		s.onLockLost()
		return errs.ErrSessionClosed
	}

	s.mu.Lock()
	s.dirty = false
	s.orphans = newOrphans
	s.mu.Unlock()
	s.cfg.Metrics.SetOrphanBacklog(len(newOrphans))

	// Step 5: best-effort clear of orphaned shards. Failures here are
	// logged and left for the next successful save to retry, since
	// MergeOrphans is superset-safe.
	s.clearOrphans(ctx)
	return nil
}

func (s *Session) cleanupShards(keys []string) {
	ctx, cancel := context.WithTimeout(context.Background(), autosaveCleanupTimeout)
	defer cancel()
	for _, key := range keys {
		_ = s.cfg.DSWrapper.Do(ctx, "shard-cleanup", func(ctx context.Context) error {
			return s.cfg.DS.Remove(ctx, key)
		})
	}
}

// clearOrphans deletes shards listed as orphaned and, if any were removed,
// writes a follow-up record mutation shrinking the orphan list.
func (s *Session) clearOrphans(ctx context.Context) {
	s.mu.Lock()
	orphans := append([]string(nil), s.orphans...)
	s.mu.Unlock()
	if len(orphans) == 0 {
		return
	}

	var cleared []string
	for _, key := range orphans {
		if err := s.cfg.DSWrapper.Do(ctx, "orphan-remove", func(ctx context.Context) error {
			return s.cfg.DS.Remove(ctx, key)
		}); err != nil {
			if s.cfg.Logger != nil {
				s.cfg.Logger.WithError(err).WithField("key", s.cfg.Key).Warn("orphan shard cleanup failed, will retry on next save")
			}
			continue
		}
		cleared = append(cleared, key)
	}
	if len(cleared) == 0 {
		return
	}

	err := s.cfg.DSWrapper.Do(ctx, "record-write", func(ctx context.Context) error {
		return s.cfg.DS.Update(ctx, s.recordKey(), nil, func(prev json.RawMessage, ok bool) (json.RawMessage, bool, error) {
			if !ok || len(prev) == 0 {
				return nil, false, nil
			}
			rec := &record.Record{}
			if jerr := json.Unmarshal(prev, rec); jerr != nil {
				return nil, false, jerr
			}
			rec.Orphans = shard.RemoveCleared(rec.Orphans, cleared)
			out, merr := json.Marshal(rec)
			if merr != nil {
				return nil, false, merr
			}
			return out, true, nil
		})
	})
	s.mu.Lock()
	s.orphans = shard.RemoveCleared(s.orphans, cleared)
	s.mu.Unlock()
	if err != nil && s.cfg.Logger != nil {
		s.cfg.Logger.WithError(err).WithField("key", s.cfg.Key).Warn("failed to persist cleared orphan list, will retry on next save")
	}
}

func prependPrefix(keys []string, prefix string) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = prefix + k
	}
	return out
}
