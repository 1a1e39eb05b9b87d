package retry

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/allen1211/sessionkv/internal/backend"
)

// DataStoreWrapper retries DataStore calls per spec.md §4.1.
type DataStoreWrapper struct {
	policy Policy
}

func NewDataStoreWrapper(logger *logrus.Logger) *DataStoreWrapper {
	return &DataStoreWrapper{policy: DefaultPolicy(backend.IsTransientDataStoreError, logger)}
}

func (w *DataStoreWrapper) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return w.policy.Do(ctx, op, fn)
}

// CoordinationWrapper retries coordination-map calls per spec.md §4.1. To
// short-circuit a call mid-retry, pass it a context from WithCancel (the
// lease refresh does this so Release can stop it).
type CoordinationWrapper struct {
	policy Policy
}

func NewCoordinationWrapper(logger *logrus.Logger) *CoordinationWrapper {
	return &CoordinationWrapper{policy: DefaultPolicy(backend.IsTransientCoordinationError, logger)}
}

func (w *CoordinationWrapper) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return w.policy.Do(ctx, op, fn)
}

// CancelHandle short-circuits an in-flight retry loop, per spec.md §4.1's
// "cancel handle that short-circuits further attempts".
type CancelHandle struct {
	cancel context.CancelFunc
}

// WithCancel derives a cancellable context for one Do call and returns the
// handle alongside it.
func WithCancel(parent context.Context) (context.Context, *CancelHandle) {
	ctx, cancel := context.WithCancel(parent)
	return ctx, &CancelHandle{cancel: cancel}
}

func (h *CancelHandle) Cancel() { h.cancel() }
