// Package shard implements the content-sharded side-file layout from
// spec.md §4.4: large payloads are split into size-bounded, individually
// compressed shards addressed by a content-unique file ID, and reassembled
// on read. It is modeled on the teacher's snapshot chunking
// (internal/replica/level_db.go's Snapshot/SnapshotShard, which slices a
// LevelDB keyspace into per-shard byte dumps for install/transfer), here
// generalized from "one chunk per Raft shard" to "N size-bounded chunks
// per oversized record value".
package shard

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/errgroup"

	"github.com/allen1211/sessionkv/internal/errs"
	"github.com/allen1211/sessionkv/internal/record"
)

const (
	// MaxValueBytes is the DataStore's per-value size bound from spec.md
	// §3 ("Shard (persistent)"): ≈4MB minus a fixed reserve for record
	// metadata.
	MaxValueBytes = 4 * 1024 * 1024
	// ReserveBytes is the fixed reserve spec.md §3 sets aside for record
	// metadata alongside a shard's payload.
	ReserveBytes = 10 * 1024
	// DefaultMaxChunkSize is MaxValueBytes-ReserveBytes, the default
	// per-shard ceiling before compression.
	DefaultMaxChunkSize = MaxValueBytes - ReserveBytes
	// InlineReserve is the threshold spec.md §4.4 calls "fits inline": a
	// serialized payload at or under this size (or under the codec's
	// MaxChunkSize, when that is smaller) is stored directly on the record
	// instead of being sharded.
	InlineReserve = ReserveBytes
)

// Codec splits/joins record payloads per spec.md §4.4. MaxChunkSize is
// configurable (tests shrink it to force sharding deterministically, per
// spec.md §8 scenario 4).
type Codec struct {
	MaxChunkSize int
}

func New() *Codec { return &Codec{MaxChunkSize: DefaultMaxChunkSize} }

// ShardKey formats the "<fileId>-<index>" address from spec.md §3.
func ShardKey(fileID string, idx int) string {
	return fmt.Sprintf("%s-%d", fileID, idx)
}

// Encode serializes payload and, if it fits inline (at most the smaller of
// InlineReserve and MaxChunkSize bytes), returns it directly as data with a
// nil ref. Otherwise it partitions the serialized bytes into
// shards of at most MaxChunkSize, compresses each, and returns a fresh
// FileRef plus the shard values to write (keyed by "<fileId>-<index>",
// unprefixed — callers own the store-name/"shards/" key prefix).
func (c *Codec) Encode(payload interface{}) (data json.RawMessage, ref *record.FileRef, shards map[string][]byte, err error) {
	serialized, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("encode payload: %w", err)
	}

	chunkSize := c.MaxChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultMaxChunkSize
	}

	inlineLimit := InlineReserve
	if chunkSize < inlineLimit {
		inlineLimit = chunkSize
	}
	if len(serialized) <= inlineLimit {
		return serialized, nil, nil, nil
	}

	fileID := uuid.NewString()
	shards = make(map[string][]byte)
	var keys []string

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("new zstd encoder: %w", err)
	}
	defer enc.Close()

	for i := 0; i < len(serialized); i += chunkSize {
		end := i + chunkSize
		if end > len(serialized) {
			end = len(serialized)
		}
		compressed := enc.EncodeAll(serialized[i:end], nil)
		key := ShardKey(fileID, len(keys))
		shards[key] = compressed
		keys = append(keys, key)
	}

	ref = &record.FileRef{ID: fileID, Shards: keys, Count: len(keys)}
	return nil, ref, shards, nil
}

// Fetcher retrieves one shard's compressed bytes by its unprefixed
// "<fileId>-<index>" key. ok=false means the shard is missing.
type Fetcher func(ctx context.Context, shardKey string) (data []byte, ok bool, err error)

// Decode reassembles and deserializes rec's payload into out. If rec is
// inline, out is populated directly; if sharded, all rec.FileRef.Count
// shards are fetched concurrently via fetch, failing with
// errs.ErrIncompleteShards if any is missing, per spec.md §4.4 and
// invariant 2.
func (c *Codec) Decode(ctx context.Context, data json.RawMessage, ref *record.FileRef, fetch Fetcher, out interface{}) error {
	if ref == nil {
		if len(data) == 0 {
			return nil
		}
		return json.Unmarshal(data, out)
	}

	if ref.Count != len(ref.Shards) {
		return errs.ErrIncompleteShards
	}

	parts := make([][]byte, ref.Count)
	g, gctx := errgroup.WithContext(ctx)
	for i, key := range ref.Shards {
		i, key := i, key
		g.Go(func() error {
			raw, ok, err := fetch(gctx, key)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: shard %s missing", errs.ErrIncompleteShards, key)
			}
			dec, err := zstd.NewReader(bytes.NewReader(raw))
			if err != nil {
				return fmt.Errorf("new zstd decoder: %w", err)
			}
			defer dec.Close()
			plain, err := io.ReadAll(dec)
			if err != nil {
				return fmt.Errorf("decompress shard %s: %w", key, err)
			}
			parts[i] = plain
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	joined := bytes.Join(parts, nil)
	return json.Unmarshal(joined, out)
}
