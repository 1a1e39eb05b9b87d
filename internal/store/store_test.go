package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/allen1211/sessionkv/internal/backend/memcoord"
	"github.com/allen1211/sessionkv/internal/backend/memds"
	"github.com/allen1211/sessionkv/internal/errs"
	"github.com/allen1211/sessionkv/internal/migration"
	"github.com/allen1211/sessionkv/internal/record"
	"github.com/allen1211/sessionkv/internal/shard"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return l
}

func alwaysValid(interface{}) (bool, string) { return true, "" }

func newTestStore(t *testing.T, mutate func(cfg *Config)) (*Store, *memds.Store, *memcoord.Map) {
	t.Helper()
	ds := memds.New()
	coord := memcoord.New()
	cfg := Config{
		Name:        "test",
		Template:    func() interface{} { return map[string]interface{}{"n": float64(0)} },
		SchemaCheck: alwaysValid,
		DS:          ds,
		Coord:       coord,
		Logger:      testLogger(),
		Autosave:    time.Hour,
		LeaseTTL:    time.Minute,
		LeaseRefreshInterval: time.Minute,
		LeaseAcquireDeadline: time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return New(cfg), ds, coord
}

func TestLoadSeedsFromTemplate(t *testing.T) {
	st, _, _ := newTestStore(t, nil)
	defer st.Close()

	data, err := st.Load(context.Background(), "k1", nil)
	require.NoError(t, err)
	require.Equal(t, float64(0), data.(map[string]interface{})["n"])
}

// TestSaveVisibleToPeek exercises the save-then-peek round trip: a save
// from a loaded session is visible to a lease-free Peek.
func TestSaveVisibleToPeek(t *testing.T) {
	st, _, _ := newTestStore(t, nil)
	defer st.Close()

	_, err := st.Load(context.Background(), "k1", nil)
	require.NoError(t, err)

	ok, err := st.Update("k1", func(mutable interface{}) bool {
		mutable.(map[string]interface{})["n"] = float64(7)
		return true
	})
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, st.Save("k1"))

	peeked, err := st.Peek(context.Background(), "k1")
	require.NoError(t, err)
	require.Equal(t, float64(7), peeked.(map[string]interface{})["n"])
}

// TestUnloadThenReloadPersists exercises a clean unload flushing data
// before a fresh Load observes it.
func TestUnloadThenReloadPersists(t *testing.T) {
	st, _, _ := newTestStore(t, nil)
	defer st.Close()

	_, err := st.Load(context.Background(), "k1", nil)
	require.NoError(t, err)
	_, err = st.Update("k1", func(mutable interface{}) bool {
		mutable.(map[string]interface{})["n"] = float64(3)
		return true
	})
	require.NoError(t, err)
	require.NoError(t, st.Unload("k1"))

	data, err := st.Load(context.Background(), "k1", nil)
	require.NoError(t, err)
	require.Equal(t, float64(3), data.(map[string]interface{})["n"])
}

// TestSecondLoadWhileLockedFails exercises at-most-one-writer: a second
// store holding a lease on the same key cannot also load it.
func TestSecondLoadWhileLockedFails(t *testing.T) {
	ds := memds.New()
	coord := memcoord.New()
	mk := func() *Store {
		return New(Config{
			Name:        "test",
			Template:    func() interface{} { return map[string]interface{}{} },
			SchemaCheck: alwaysValid,
			DS:          ds,
			Coord:       coord,
			Logger:      testLogger(),
			Autosave:    time.Hour,
			LeaseTTL:    time.Minute,
			LeaseRefreshInterval: time.Minute,
			LeaseAcquireDeadline: 100 * time.Millisecond,
		})
	}
	a, b := mk(), mk()
	defer a.Close()
	defer b.Close()

	_, err := a.Load(context.Background(), "shared", nil)
	require.NoError(t, err)

	_, err = b.Load(context.Background(), "shared", nil)
	require.Error(t, err)
}

// TestMigrationChainAppliedOnLoad exercises the migration chain running
// once on load and recording the applied step so a subsequent load is a
// no-op migration.
func TestMigrationChainAppliedOnLoad(t *testing.T) {
	chain, err := migration.NewChain(migration.Step{
		Name: "add-flag",
		Apply: func(data json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(`{"n":0,"flag":true}`), nil
		},
	})
	require.NoError(t, err)

	st, ds, _ := newTestStore(t, func(cfg *Config) {
		cfg.Migrations = chain
	})
	defer st.Close()

	data, err := st.Load(context.Background(), "k1", nil)
	require.NoError(t, err)
	require.Equal(t, true, data.(map[string]interface{})["flag"])

	require.NoError(t, st.Save("k1"))
	require.NoError(t, st.Unload("k1"))

	raw, ok, err := ds.Get(context.Background(), "records/test/k1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Contains(t, string(raw), "add-flag")
}

// TestTxCommitsAcrossKeys exercises a two-key transaction committing a
// consistent transfer.
func TestTxCommitsAcrossKeys(t *testing.T) {
	st, _, _ := newTestStore(t, nil)
	defer st.Close()

	_, err := st.Load(context.Background(), "a", nil)
	require.NoError(t, err)
	_, err = st.Load(context.Background(), "b", nil)
	require.NoError(t, err)

	_, err = st.Update("a", func(mutable interface{}) bool {
		mutable.(map[string]interface{})["n"] = float64(10)
		return true
	})
	require.NoError(t, err)

	ok, err := st.Tx([]string{"a", "b"}, func(state map[string]interface{}) (map[string]interface{}, bool) {
		a := state["a"].(map[string]interface{})
		b := state["b"].(map[string]interface{})
		aN := a["n"].(float64)
		if aN < 5 {
			return nil, false
		}
		a["n"] = aN - 5
		b["n"] = b["n"].(float64) + 5
		return map[string]interface{}{"a": a, "b": b}, true
	})
	require.NoError(t, err)
	require.True(t, ok)

	got, err := st.Get("a")
	require.NoError(t, err)
	require.Equal(t, float64(5), got.(map[string]interface{})["n"])
	got, err = st.Get("b")
	require.NoError(t, err)
	require.Equal(t, float64(5), got.(map[string]interface{})["n"])
}

// TestTxAbortLeavesStateUntouched exercises fn returning commit=false.
func TestTxAbortLeavesStateUntouched(t *testing.T) {
	st, _, _ := newTestStore(t, nil)
	defer st.Close()

	_, err := st.Load(context.Background(), "a", nil)
	require.NoError(t, err)
	_, err = st.Load(context.Background(), "b", nil)
	require.NoError(t, err)

	ok, err := st.Tx([]string{"a", "b"}, func(state map[string]interface{}) (map[string]interface{}, bool) {
		return nil, false
	})
	require.NoError(t, err)
	require.False(t, ok)

	got, err := st.Get("a")
	require.NoError(t, err)
	require.Equal(t, float64(0), got.(map[string]interface{})["n"])
}

// TestCrashDuringTxNeverYieldsMixedState exercises testable property 3: if
// a participant's shard/record write fails before the marker is durable,
// every participant (including ones that already succeeded) reverts to
// its pre-transaction state rather than surfacing a partial write.
func TestCrashDuringTxNeverYieldsMixedState(t *testing.T) {
	ds := memds.New()
	coord := memcoord.New()
	st := New(Config{
		Name:        "test",
		Template:    func() interface{} { return map[string]interface{}{"n": float64(0)} },
		SchemaCheck: alwaysValid,
		DS:          ds,
		Coord:       coord,
		Logger:      testLogger(),
		Autosave:    time.Hour,
		LeaseTTL:    time.Minute,
		LeaseRefreshInterval: time.Minute,
		LeaseAcquireDeadline: time.Second,
	})
	defer st.Close()

	_, err := st.Load(context.Background(), "a", nil)
	require.NoError(t, err)
	_, err = st.Load(context.Background(), "b", nil)
	require.NoError(t, err)

	// Inject a failure on the second participant's record write so the
	// first participant's already-durable write must be reverted.
	failed := false
	ds.Fail = func(op, key string) error {
		if op == "update" && key == "records/test/b" && !failed {
			failed = true
			return errs.ErrBackendFatal
		}
		return nil
	}

	ok, err := st.Tx([]string{"a", "b"}, func(state map[string]interface{}) (map[string]interface{}, bool) {
		a := state["a"].(map[string]interface{})
		b := state["b"].(map[string]interface{})
		a["n"] = float64(100)
		b["n"] = float64(200)
		return map[string]interface{}{"a": a, "b": b}, true
	})
	require.Error(t, err)
	require.False(t, ok)

	ds.Fail = nil

	gotA, err := st.Get("a")
	require.NoError(t, err)
	require.Equal(t, float64(0), gotA.(map[string]interface{})["n"])
	gotB, err := st.Get("b")
	require.NoError(t, err)
	require.Equal(t, float64(0), gotB.(map[string]interface{})["n"])
}

// TestRecoverPendingTxOrphansAbandonedShards exercises load.go's
// crash-recovery-on-load path (spec.md §4.9's "Recovery on load" and the
// "crash before the marker write" half of end-to-end scenario 2, and
// invariant 4): a record left with a non-empty pendingTx and no
// corresponding "committed" marker must have its pre-transaction version
// restored, with the abandoned write's shards merged into the restored
// record's Orphans rather than leaked with no cleanup path.
func TestRecoverPendingTxOrphansAbandonedShards(t *testing.T) {
	ds := memds.New()
	coord := memcoord.New()
	mk := func() *Store {
		return New(Config{
			Name:        "test",
			Template:    func() interface{} { return map[string]interface{}{"n": float64(0)} },
			SchemaCheck: alwaysValid,
			DS:          ds,
			Coord:       coord,
			Logger:      testLogger(),
			Autosave:    time.Hour,
			LeaseTTL:    time.Minute,
			LeaseRefreshInterval: time.Minute,
			LeaseAcquireDeadline: time.Second,
		})
	}

	st := mk()
	_, err := st.Load(context.Background(), "a", nil)
	require.NoError(t, err)
	_, err = st.Update("a", func(mutable interface{}) bool {
		mutable.(map[string]interface{})["n"] = float64(1)
		return true
	})
	require.NoError(t, err)
	require.NoError(t, st.Save("a"))
	require.NoError(t, st.Unload("a"))
	// "a" now has one durable version: {"n":1}, no pendingTx.

	// Simulate a crash between writing the record (step 3 of the two-phase
	// commit in internal/txn/txn.go) and writing the transaction marker
	// (step 4): a new, sharded record version tagged with a pendingTx that
	// never gets a corresponding "committed" marker.
	codec := &shard.Codec{MaxChunkSize: 8}
	payload, ref, shards, err := codec.Encode(map[string]interface{}{
		"n":    float64(999),
		"junk": "enough bytes to force this payload past the inline threshold",
	})
	require.NoError(t, err)
	require.NotNil(t, ref, "payload must be large enough to force sharding")

	var shardKeys []string
	for shardKey, chunk := range shards {
		full := "shards/test/" + shardKey
		shardVal, merr := json.Marshal(chunk)
		require.NoError(t, merr)
		require.NoError(t, ds.Set(context.Background(), full, shardVal, nil))
		shardKeys = append(shardKeys, full)
	}

	abandoned := &record.Record{
		Data:      payload,
		FileRef:   ref,
		PendingTx: "abandoned-tx",
	}
	abandonedRaw, merr := json.Marshal(abandoned)
	require.NoError(t, merr)
	require.NoError(t, ds.Set(context.Background(), "records/test/a", abandonedRaw, nil))
	// No marker written at tx/test/abandoned-tx.

	recovered := mk()
	defer recovered.Close()
	data, err := recovered.Load(context.Background(), "a", nil)
	require.NoError(t, err)
	require.Equal(t, float64(1), data.(map[string]interface{})["n"])

	raw, ok, err := ds.Get(context.Background(), "records/test/a")
	require.NoError(t, err)
	require.True(t, ok)
	rec := &record.Record{}
	require.NoError(t, json.Unmarshal(raw, rec))
	require.Empty(t, rec.PendingTx)
	require.ElementsMatch(t, shardKeys, rec.Orphans)
}

// TestTxRequiresKeysLoaded exercises the dispatch rule: Tx fails if any
// participant key has no active session.
func TestTxRequiresKeysLoaded(t *testing.T) {
	st, _, _ := newTestStore(t, nil)
	defer st.Close()

	_, err := st.Load(context.Background(), "a", nil)
	require.NoError(t, err)

	_, err = st.Tx([]string{"a", "never-loaded"}, func(state map[string]interface{}) (map[string]interface{}, bool) {
		return state, true
	})
	require.ErrorIs(t, err, errs.ErrKeyNotLoaded)
}

// TestGetOnUnloadedKeyFails exercises the store-level dispatch rule for
// every single-key operation.
func TestGetOnUnloadedKeyFails(t *testing.T) {
	st, _, _ := newTestStore(t, nil)
	defer st.Close()

	_, err := st.Get("nope")
	require.ErrorIs(t, err, errs.ErrKeyNotLoaded)
}

// TestCloseUnloadsActiveSessions exercises Close flushing every loaded
// session concurrently.
func TestCloseUnloadsActiveSessions(t *testing.T) {
	st, ds, _ := newTestStore(t, nil)

	_, err := st.Load(context.Background(), "a", nil)
	require.NoError(t, err)
	_, err = st.Update("a", func(mutable interface{}) bool {
		mutable.(map[string]interface{})["n"] = float64(5)
		return true
	})
	require.NoError(t, err)

	require.NoError(t, st.Close())

	raw, ok, err := ds.Get(context.Background(), "records/test/a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Contains(t, string(raw), `"n":5`)

	_, err = st.Load(context.Background(), "a", nil)
	require.ErrorIs(t, err, errs.ErrStoreClosed)
}
