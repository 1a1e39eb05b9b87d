package queue

import (
	"context"
	"sync"
)

// multiAddMu serializes the enqueue step of MultiAdd so that two calls
// sharing queues place their blocks in the same relative order on every
// queue and cannot wait on each other.
var multiAddMu sync.Mutex

// MultiAdd acquires a simultaneous head-of-queue position on every queue
// in queues, per spec.md §4.3: it enqueues a "block" item on each that
// parks until every other block has also begun executing, runs fn once all
// n blocks are active, and releases every block whether fn succeeds or
// fails. The only guarantee is mutual exclusion on all n queues for the
// duration of fn; ordering across queues is unspecified.
func MultiAdd(queues []*SerialQueue, fn func(ctx context.Context) (interface{}, error)) *Future {
	result := newFuture()
	n := len(queues)
	if n == 0 {
		go func() {
			val, err := fn(context.Background())
			result.resolve(val, err)
		}()
		return result
	}

	started := make(chan struct{}, n)
	release := make(chan struct{})

	multiAddMu.Lock()
	for _, q := range queues {
		q.Add(func(ctx context.Context) (interface{}, error) {
			started <- struct{}{}
			<-release
			return nil, nil
		})
	}
	multiAddMu.Unlock()

	go func() {
		for i := 0; i < n; i++ {
			<-started
		}
		val, err := fn(context.Background())
		close(release)
		result.resolve(val, err)
	}()

	return result
}
