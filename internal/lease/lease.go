// Package lease implements the TTL-bounded, cluster-wide exclusive lock
// described in spec.md §4.2. It is modeled on the teacher's Raft leader
// lease (internal/raft/raft_election.go's `lease` struct, which tracks a
// term and an expiry and is renewed by successful AppendEntries), but
// generalized from "am I still the leader for this term" to "do I still
// hold this key's lease", and backed by a CAS mutation on the coordination
// map instead of a quorum of RPC acks.
package lease

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/allen1211/sessionkv/internal/backend"
	"github.com/allen1211/sessionkv/internal/errs"
	"github.com/allen1211/sessionkv/internal/retry"
)

// State is the lease state machine from spec.md §4.2:
// Acquiring -> Held -> (Released | Lost).
type State int

const (
	Acquiring State = iota
	Held
	Released
	Lost
)

func (s State) String() string {
	switch s {
	case Acquiring:
		return "acquiring"
	case Held:
		return "held"
	case Released:
		return "released"
	case Lost:
		return "lost"
	default:
		return "unknown"
	}
}

// Lease is a held, TTL-bounded exclusive token for one coordination-map key.
type Lease struct {
	key             string
	leaseID         string
	ttl             time.Duration
	refreshInterval time.Duration

	coord   backend.CoordinationMap
	wrapper *retry.CoordinationWrapper
	logger  *logrus.Logger

	mu           sync.Mutex
	state        State
	observers    []func()
	cancelHandle *retry.CancelHandle

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// Acquire polls the coordination map with a CAS update until it wins the
// key or deadline elapses, per spec.md §4.2. Acquisition attempts repeat
// with a poll delay that starts at 50ms and doubles while it is under 1s;
// failing the deadline returns errs.ErrLockUnavailable.
func Acquire(ctx context.Context, coord backend.CoordinationMap, wrapper *retry.CoordinationWrapper, logger *logrus.Logger, key string, ttl, refreshInterval, deadline time.Duration) (*Lease, error) {
	l := &Lease{
		key:             key,
		leaseID:         uuid.NewString(),
		ttl:             ttl,
		refreshInterval: refreshInterval,
		coord:           coord,
		wrapper:         wrapper,
		logger:          logger,
		state:           Acquiring,
		stop:            make(chan struct{}),
		done:            make(chan struct{}),
	}

	deadlineCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	backoffDelay := 50 * time.Millisecond
	for {
		won, err := l.tryAcquire(deadlineCtx)
		if err != nil {
			return nil, err
		}
		if won {
			l.mu.Lock()
			l.state = Held
			l.mu.Unlock()
			go l.refreshLoop()
			return l, nil
		}
		select {
		case <-deadlineCtx.Done():
			return nil, errs.ErrLockUnavailable
		case <-time.After(backoffDelay):
		}
		if backoffDelay < time.Second {
			backoffDelay *= 2
		}
	}
}

func (l *Lease) tryAcquire(ctx context.Context) (bool, error) {
	won := false
	err := l.wrapper.Do(ctx, "lease-acquire", func(ctx context.Context) error {
		_, err := l.coord.Update(ctx, l.key, l.ttl, func(prev string, ok bool) (string, bool) {
			if ok && prev != "" {
				// Held by someone else and not expired (the coordination
				// map itself enforces TTL expiry, so "ok" here already
				// means "present and unexpired"; an empty value is a
				// released lease).
				return prev, false
			}
			won = true
			return l.leaseID, true
		})
		return err
	})
	if err != nil {
		if errors.Is(err, errs.ErrCancelled) {
			return false, errs.ErrLockUnavailable
		}
		return false, nil // transient/fatal backend error: treat as a lost race, retry
	}
	return won, nil
}

func (l *Lease) refreshLoop() {
	defer close(l.done)
	ticker := time.NewTicker(l.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			if !l.refresh() {
				l.transitionTo(Lost)
				return
			}
		}
	}
}

// refresh runs one refresh attempt on a context that Release can cancel
// immediately via l.cancelHandle, per spec.md line 164: "Retry loops cancel
// immediately on store close; in-flight backoff sleeps terminate with
// cancelled."
func (l *Lease) refresh() bool {
	cancelCtx, handle := retry.WithCancel(context.Background())
	ctx, cancel := context.WithTimeout(cancelCtx, l.refreshInterval)
	defer cancel()

	l.mu.Lock()
	l.cancelHandle = handle
	l.mu.Unlock()

	matched := false
	err := l.wrapper.Do(ctx, "lease-refresh", func(ctx context.Context) error {
		_, err := l.coord.Update(ctx, l.key, l.ttl, func(prev string, ok bool) (string, bool) {
			if !ok || prev != l.leaseID {
				matched = false
				return prev, false
			}
			matched = true
			return l.leaseID, true
		})
		return err
	})
	if err != nil {
		return false // TTL-elapse-equivalent: missed refresh after retries
	}
	return matched
}

// IsLocked reports whether the lease is currently believed held.
func (l *Lease) IsLocked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state == Held
}

// Release writes an empty lease ID (best-effort) to the entry, which
// Acquire and ProbeActive treat as free, and transitions to Released. Subsequent calls are no-ops, per spec.md §4.2.
func (l *Lease) Release() {
	l.mu.Lock()
	if l.state != Held {
		l.mu.Unlock()
		return
	}
	l.state = Released
	l.mu.Unlock()

	l.stopOnce.Do(func() { close(l.stop) })
	l.mu.Lock()
	if l.cancelHandle != nil {
		l.cancelHandle.Cancel()
	}
	l.mu.Unlock()
	<-l.done

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = l.wrapper.Do(ctx, "lease-release", func(ctx context.Context) error {
		_, err := l.coord.Update(ctx, l.key, 0, func(prev string, ok bool) (string, bool) {
			if ok && prev == l.leaseID {
				return "", true
			}
			return prev, false
		})
		return err
	})
}

// OnLost registers cb to be invoked exactly once when the lease
// transitions to Lost. It returns an unsubscribe function.
func (l *Lease) OnLost(cb func()) (unsubscribe func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == Lost {
		go cb()
		return func() {}
	}
	idx := len(l.observers)
	l.observers = append(l.observers, cb)
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if idx < len(l.observers) {
			l.observers[idx] = nil
		}
	}
}

func (l *Lease) transitionTo(s State) {
	l.mu.Lock()
	if l.state != Held {
		l.mu.Unlock()
		return
	}
	l.state = s
	observers := append([]func(){}, l.observers...)
	l.mu.Unlock()

	for _, cb := range observers {
		if cb != nil {
			cb()
		}
	}
}

// ProbeActive reads key and reports whether a lease is currently held on
// it (present and unexpired), per spec.md §4.2.
func ProbeActive(ctx context.Context, coord backend.CoordinationMap, key string) (bool, error) {
	v, ok, err := coord.Get(ctx, key)
	if err != nil {
		return false, err
	}
	return ok && v != "", nil
}
