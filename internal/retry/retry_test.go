package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDoRetriesTransientThenSucceeds(t *testing.T) {
	calls := 0
	p := Policy{
		Classify:  func(error) bool { return true },
		BaseDelay: time.Millisecond,
	}
	err := p.Do(context.Background(), "test-op", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient boom")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestDoFailsImmediatelyOnNonTransient(t *testing.T) {
	calls := 0
	p := Policy{
		Classify:  func(error) bool { return false },
		BaseDelay: time.Millisecond,
	}
	err := p.Do(context.Background(), "test-op", func(ctx context.Context) error {
		calls++
		return errors.New("fatal boom")
	})
	require.Error(t, err)
	require.Equal(t, 1, calls)
}

func TestDoExhaustsAttemptBudget(t *testing.T) {
	calls := 0
	p := Policy{
		Classify:  func(error) bool { return true },
		BaseDelay: time.Millisecond,
	}
	err := p.Do(context.Background(), "test-op", func(ctx context.Context) error {
		calls++
		return errors.New("always transient")
	})
	require.Error(t, err)
	require.Equal(t, maxAttempts, calls)
}

func TestDoCancelledMidBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{
		Classify:  func(error) bool { return true },
		BaseDelay: 50 * time.Millisecond,
	}
	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := p.Do(ctx, "test-op", func(ctx context.Context) error {
		calls++
		return errors.New("transient")
	})
	require.Error(t, err)
}
