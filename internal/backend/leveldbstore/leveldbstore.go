// Package leveldbstore is a reference, on-disk backend.DataStore backed by
// goleveldb, adapted from the teacher's LevelStore
// (internal/replica/level_db.go), which wraps a leveldb.DB for a shard's
// raw byte-oriented KV state. Here the same embedded-LevelDB-as-durable-
// store idea is repurposed from "one KV shard's data" to "the DataStore
// contract of spec.md §6": get/set/update/remove plus a version history
// per key so the transaction-recovery path (spec.md §4.9) has a real
// backend to recover against, not just a declared interface.
package leveldbstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/allen1211/sessionkv/internal/backend"
)

// Store is a durable, versioned backend.DataStore over an embedded
// LevelDB file, the way the teacher's LevelStore owns one on-disk
// database per shard (internal/replica/level_db.go's MakeLevelStore).
type Store struct {
	mu   sync.Mutex
	db   *leveldb.DB
	path string
}

// Open creates (or reopens) a leveldbstore.Store at path, mirroring
// MakeLevelStore's options (a write buffer tuned for bursty writes,
// NoSync since durability here is "crash between two writes is
// recoverable", not "every write is fsynced").
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("leveldbstore: mkdir %s: %w", path, err)
	}
	db, err := leveldb.OpenFile(path, &opt.Options{
		WriteBuffer: 4096 * 1024,
		NoSync:      true,
	})
	if err != nil {
		return nil, fmt.Errorf("leveldbstore: open %s: %w", path, err)
	}
	return &Store{db: db, path: path}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func curKey(key string) string { return "cur/" + key }
func verPrefix(key string) string { return "ver/" + key + "/" }
func verKey(key string, seq int64) string {
	return verPrefix(key) + fmt.Sprintf("%020d", seq)
}
func seqKey(key string) string { return "seq/" + key }

type versionEnvelope struct {
	Value     json.RawMessage `json:"value"`
	CreatedAt time.Time       `json:"createdAt"`
}

func (s *Store) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := s.db.Get([]byte(curKey(key)), nil)
	if err == leveldb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var env versionEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, false, fmt.Errorf("leveldbstore: decode %s: %w", key, err)
	}
	return env.Value, true, nil
}

func (s *Store) Set(ctx context.Context, key string, value json.RawMessage, userIDs []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeVersion(key, value)
}

func (s *Store) Update(ctx context.Context, key string, userIDs []int64, mutate backend.Mutator) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := s.db.Get([]byte(curKey(key)), nil)
	var prev json.RawMessage
	ok := true
	if err == leveldb.ErrNotFound {
		ok = false
	} else if err != nil {
		return err
	} else {
		var env versionEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return fmt.Errorf("leveldbstore: decode %s: %w", key, err)
		}
		prev = env.Value
	}

	next, write, err := mutate(prev, ok)
	if err != nil {
		return err
	}
	if !write {
		return nil
	}
	return s.writeVersion(key, next)
}

// writeVersion appends a new version and repoints the current pointer in
// one leveldb.Batch, mirroring the teacher's Batch type
// (internal/replica/level_db.go's LevelBatch) for atomic multi-key writes.
func (s *Store) writeVersion(key string, value json.RawMessage) error {
	seq, err := s.nextSeq(key)
	if err != nil {
		return err
	}
	env := versionEnvelope{Value: value, CreatedAt: time.Now()}
	buf, err := json.Marshal(env)
	if err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	batch.Put([]byte(curKey(key)), buf)
	batch.Put([]byte(verKey(key, seq)), buf)
	batch.Put([]byte(seqKey(key)), []byte(strconv.FormatInt(seq, 10)))
	return s.db.Write(batch, nil)
}

func (s *Store) nextSeq(key string) (int64, error) {
	raw, err := s.db.Get([]byte(seqKey(key)), nil)
	if err == leveldb.ErrNotFound {
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, err
	}
	return n + 1, nil
}

func (s *Store) Remove(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Delete([]byte(curKey(key)), nil)
}

func (s *Store) ListVersions(ctx context.Context, key string, q backend.VersionQuery) ([]backend.VersionInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	iter := s.db.NewIterator(util.BytesPrefix([]byte(verPrefix(key))), nil)
	defer iter.Release()

	var out []backend.VersionInfo
	for iter.First(); iter.Valid(); iter.Next() {
		var env versionEnvelope
		if err := json.Unmarshal(iter.Value(), &env); err != nil {
			return nil, fmt.Errorf("leveldbstore: decode version of %s: %w", key, err)
		}
		if !q.Before.IsZero() && !env.CreatedAt.Before(q.Before) {
			continue
		}
		id := filepath.Base(string(iter.Key()))
		out = append(out, backend.VersionInfo{VersionID: id, CreatedAt: env.CreatedAt})
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *Store) GetVersion(ctx context.Context, key, versionID string) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := s.db.Get([]byte(verPrefix(key)+versionID), nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var env versionEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	return env.Value, nil
}

// Budget mirrors spec.md §3's ~4MB-minus-reserve per-value ceiling; real
// DataStore deployments would size this per opType, but the reference
// store only needs one number.
func (s *Store) Budget(opType string) int {
	return 4 * 1024 * 1024
}
