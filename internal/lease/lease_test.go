package lease

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/allen1211/sessionkv/internal/backend/memcoord"
	"github.com/allen1211/sessionkv/internal/retry"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return l
}

// TestAtMostOneLeaseHolder exercises testable property 1: at any instant
// at most one lease on a given key reports IsLocked()=true.
func TestAtMostOneLeaseHolder(t *testing.T) {
	coord := memcoord.New()
	wrapper := retry.NewCoordinationWrapper(testLogger())

	const n = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	held := 0

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, err := Acquire(context.Background(), coord, wrapper, testLogger(), "p1", time.Minute, time.Minute, 200*time.Millisecond)
			if err != nil {
				return
			}
			mu.Lock()
			held++
			mu.Unlock()
			require.True(t, l.IsLocked())
			time.Sleep(5 * time.Millisecond)
			mu.Lock()
			held--
			mu.Unlock()
			l.Release()
		}()
	}
	wg.Wait()
	require.Equal(t, 0, held)
}

// TestLeaseLostOnStolenEntry exercises scenario 3 from spec.md §8: when a
// refresh observes the coordination map entry no longer matches this
// lease's ID, the lease transitions to Lost and onLost fires exactly once.
func TestLeaseLostOnStolenEntry(t *testing.T) {
	coord := memcoord.New()
	wrapper := retry.NewCoordinationWrapper(testLogger())

	l, err := Acquire(context.Background(), coord, wrapper, testLogger(), "p1", time.Minute, 20*time.Millisecond, time.Second)
	require.NoError(t, err)
	require.True(t, l.IsLocked())

	lostCh := make(chan struct{}, 2)
	l.OnLost(func() { lostCh <- struct{}{} })

	// Simulate the lease being stolen: force a different value in.
	_, err = coord.Update(context.Background(), "p1", time.Minute, func(prev string, ok bool) (string, bool) {
		return "someone-elses-lease", true
	})
	require.NoError(t, err)

	select {
	case <-lostCh:
	case <-time.After(time.Second):
		t.Fatal("onLost did not fire")
	}
	select {
	case <-lostCh:
		t.Fatal("onLost fired more than once")
	case <-time.After(50 * time.Millisecond):
	}
	require.False(t, l.IsLocked())
}

// TestReleaseShortCircuitsMidBackoffRefresh exercises spec.md line 164:
// "Retry loops cancel immediately on store close; in-flight backoff sleeps
// terminate with cancelled." A failing refresh sits in its ~1s backoff
// sleep, well inside its own refreshInterval-bounded context; Release must
// cancel that sleep immediately rather than waiting for either the
// context's own deadline or attempt exhaustion.
func TestReleaseShortCircuitsMidBackoffRefresh(t *testing.T) {
	coord := memcoord.New()
	wrapper := retry.NewCoordinationWrapper(testLogger())

	refreshInterval := 1100 * time.Millisecond
	l, err := Acquire(context.Background(), coord, wrapper, testLogger(), "p1", time.Minute, refreshInterval, time.Second)
	require.NoError(t, err)

	// Every subsequent coordination-map call looks transient, so the
	// refresh loop's first tick fails its first attempt and sits in the
	// retry policy's ~1s backoff sleep.
	coord.Fail = func(op string) error {
		if op == "update" {
			return errors.New("InternalError")
		}
		return nil
	}

	// Past the tick but still well inside both the backoff sleep and the
	// per-attempt context's own refreshInterval deadline.
	time.Sleep(refreshInterval + 150*time.Millisecond)

	// Let Release's own final write succeed at once; otherwise that write
	// retries against the failing map for up to its 5s budget. The refresh
	// is already parked in its backoff sleep, which would still hold
	// Release for most of a second without the short-circuit.
	coord.Fail = nil

	released := make(chan struct{})
	go func() {
		l.Release()
		close(released)
	}()

	select {
	case <-released:
	case <-time.After(400 * time.Millisecond):
		t.Fatal("Release did not short-circuit a mid-backoff refresh")
	}
}

func TestProbeActive(t *testing.T) {
	coord := memcoord.New()
	wrapper := retry.NewCoordinationWrapper(testLogger())

	active, err := ProbeActive(context.Background(), coord, "p1")
	require.NoError(t, err)
	require.False(t, active)

	l, err := Acquire(context.Background(), coord, wrapper, testLogger(), "p1", time.Minute, time.Minute, time.Second)
	require.NoError(t, err)
	defer l.Release()

	active, err = ProbeActive(context.Background(), coord, "p1")
	require.NoError(t, err)
	require.True(t, active)
}
