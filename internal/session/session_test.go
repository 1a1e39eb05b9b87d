package session

import (
	"context"
	"encoding/json"
	"reflect"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/allen1211/sessionkv/internal/backend/memcoord"
	"github.com/allen1211/sessionkv/internal/lease"
	"github.com/allen1211/sessionkv/internal/retry"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return l
}

// memDS is a minimal session.DataStore fake, enough for sessions whose
// tests never need to flush (the save pipeline is covered in
// internal/store's tests, which exercise a real DataStore end to end).
type memDS struct{}

func (memDS) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	return nil, false, nil
}
func (memDS) Set(ctx context.Context, key string, value json.RawMessage, userIDs []int64) error {
	return nil
}
func (memDS) Update(ctx context.Context, key string, userIDs []int64, mutate Mutator) error {
	return nil
}
func (memDS) Remove(ctx context.Context, key string) error { return nil }

func alwaysValid(interface{}) (bool, string) { return true, "" }

func newTestSession(t *testing.T, initial interface{}, onChange ...ChangeCallback) *Session {
	t.Helper()
	coord := memcoord.New()
	wrapper := retry.NewCoordinationWrapper(testLogger())
	l, err := lease.Acquire(context.Background(), coord, wrapper, testLogger(), "k1", time.Minute, time.Minute, time.Second)
	require.NoError(t, err)

	cfg := Config{
		StoreName:   "test",
		Key:         "k1",
		SchemaCheck: alwaysValid,
		DS:          memDS{},
		DSWrapper:   retry.NewDataStoreWrapper(testLogger()),
		Logger:      testLogger(),
		OnChange:    onChange,
		Autosave:    time.Hour,
	}
	return New(cfg, l, initial, nil, nil, nil, false)
}

// TestUpdateImmutableNoOpSkipsCallback exercises testable property 4:
// returning a structurally-equal value from UpdateImmutable does not
// invoke change callbacks and leaves the session clean.
func TestUpdateImmutableNoOpSkipsCallback(t *testing.T) {
	called := false
	s := newTestSession(t, map[string]interface{}{"a": float64(1)}, func(key string, newFrozen, oldFrozen interface{}) {
		called = true
	})

	ok, err := s.UpdateImmutable(func(frozen interface{}) (interface{}, bool) {
		m := frozen.(map[string]interface{})
		clone := map[string]interface{}{"a": m["a"]}
		return clone, true
	})
	require.NoError(t, err)
	require.True(t, ok)
	require.False(t, called)
	require.False(t, s.IsDirty())
}

// TestUpdatePreservesUntouchedSubtreeIdentity exercises testable property
// 5: a mutable Update that only touches part of the document leaves
// sibling subtrees intact, keeping their original object identity.
func TestUpdatePreservesUntouchedSubtreeIdentity(t *testing.T) {
	untouched := map[string]interface{}{"y": float64(2)}
	s := newTestSession(t, map[string]interface{}{
		"a": map[string]interface{}{"x": float64(1)},
		"b": untouched,
	})

	ok, err := s.Update(func(mutable interface{}) bool {
		m := mutable.(map[string]interface{})
		m["a"].(map[string]interface{})["x"] = float64(99)
		return true
	})
	require.NoError(t, err)
	require.True(t, ok)

	got, err := s.Get()
	require.NoError(t, err)
	m := got.(map[string]interface{})
	require.Equal(t, float64(99), m["a"].(map[string]interface{})["x"])
	require.Equal(t, float64(2), m["b"].(map[string]interface{})["y"])
	require.Equal(t, reflect.ValueOf(untouched).Pointer(), reflect.ValueOf(m["b"]).Pointer())
}

// TestUpdateFalseIsNoOp exercises testable property 6: a mutable Update
// that returns false leaves data and dirty state untouched even though fn
// mutated its private copy.
func TestUpdateFalseIsNoOp(t *testing.T) {
	s := newTestSession(t, map[string]interface{}{"a": float64(1)})

	ok, err := s.Update(func(mutable interface{}) bool {
		mutable.(map[string]interface{})["a"] = float64(2)
		return false
	})
	require.NoError(t, err)
	require.False(t, ok)
	require.False(t, s.IsDirty())

	got, err := s.Get()
	require.NoError(t, err)
	require.Equal(t, float64(1), got.(map[string]interface{})["a"])
}

// TestConcurrentUpdatesAllApply checks that N concurrent Update calls
// against one session all apply, serialized by the session's queue, with
// no lost updates.
func TestConcurrentUpdatesAllApply(t *testing.T) {
	s := newTestSession(t, map[string]interface{}{"n": float64(0)})

	const n = 100
	errCh := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := s.Update(func(mutable interface{}) bool {
				m := mutable.(map[string]interface{})
				m["n"] = m["n"].(float64) + 1
				return true
			})
			errCh <- err
		}()
	}
	for i := 0; i < n; i++ {
		require.NoError(t, <-errCh)
	}

	got, err := s.Get()
	require.NoError(t, err)
	require.Equal(t, float64(n), got.(map[string]interface{})["n"])
}

// TestBadTransformPanicRecovered exercises spec.md §4.7's panic-recovery
// note: a transform that panics surfaces as errs.ErrBadTransform rather
// than killing the session.
func TestBadTransformPanicRecovered(t *testing.T) {
	s := newTestSession(t, map[string]interface{}{"a": float64(1)})

	_, err := s.Update(func(mutable interface{}) bool {
		panic("boom")
	})
	require.Error(t, err)

	// The session's queue must still be alive afterward.
	got, err := s.Get()
	require.NoError(t, err)
	require.Equal(t, float64(1), got.(map[string]interface{})["a"])
}

// TestSchemaInvalidRejectsUpdate ensures a schema failure aborts the
// update without marking the session dirty.
func TestSchemaInvalidRejectsUpdate(t *testing.T) {
	s := newTestSession(t, map[string]interface{}{"a": float64(1)})
	s.cfg.SchemaCheck = func(data interface{}) (bool, string) { return false, "always invalid" }

	_, err := s.Update(func(mutable interface{}) bool { return true })
	require.Error(t, err)
	require.False(t, s.IsDirty())
}
