// Package retry implements the transient-error classification and
// exponential-backoff policy described in spec.md §4.1. Both backing
// services share the same shape (execute, classify, backoff, retry up to a
// fixed attempt budget) the way the teacher retries Raft RPCs on election
// timeout (internal/raft/raft_election.go's bounded re-election loop), just
// generalized here from "retry an RPC" to "retry a backend call".
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/allen1211/sessionkv/internal/errs"
)

const maxAttempts = 5

// Classifier reports whether err should be retried.
type Classifier func(err error) bool

// Policy configures one backend's retry wrapper.
type Policy struct {
	Classify Classifier
	Logger   *logrus.Logger
	// BaseDelay is the delay before the first retry; spec.md specifies
	// 2^(attempt-1) seconds, i.e. BaseDelay=1s with factor 2.
	BaseDelay time.Duration
}

func DefaultPolicy(classify Classifier, logger *logrus.Logger) Policy {
	return Policy{Classify: classify, Logger: logger, BaseDelay: time.Second}
}

// newBackoff builds the cenkalti/backoff policy matching spec.md's
// "sleep 2^(attempt-1) seconds, retry up to 5 attempts".
func (p Policy) newBackoff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.BaseDelay
	eb.Multiplier = 2
	eb.RandomizationFactor = 0
	eb.MaxElapsedTime = 0 // bounded by attempt count, not elapsed time
	bounded := backoff.WithMaxRetries(eb, maxAttempts-1)
	return backoff.WithContext(bounded, ctx)
}

// Do executes fn, retrying on transient errors per p.Classify up to 5
// attempts total. A non-transient error fails immediately. Exhaustion of
// the attempt budget returns errs.ErrBackendTransient wrapping the last
// error; a non-transient failure returns errs.ErrBackendFatal wrapping it.
func (p Policy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var lastErr error
	attempt := 0

	wrapped := func() error {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !p.Classify(err) {
			return backoff.Permanent(err)
		}
		if p.Logger != nil {
			p.Logger.WithFields(logrus.Fields{"op": op, "attempt": attempt}).
				Warnf("transient backend error, retrying: %v", err)
		}
		return err
	}

	err := backoff.Retry(wrapped, p.newBackoff(ctx))
	if err == nil {
		return nil
	}

	if ctx.Err() != nil {
		return errs.ErrCancelled
	}

	var perm *backoff.PermanentError
	if asPermanent(err, &perm) || (lastErr != nil && !p.Classify(lastErr)) {
		return wrapErr(errs.ErrBackendFatal, lastErr)
	}
	// Retries exhausted without a permanent classification: transient.
	return wrapErr(errs.ErrBackendTransient, lastErr)
}

func asPermanent(err error, target **backoff.PermanentError) bool {
	pe, ok := err.(*backoff.PermanentError)
	if ok {
		*target = pe
	}
	return ok
}

func wrapErr(kind, cause error) error {
	if cause == nil {
		return kind
	}
	return &wrappedError{kind: kind, cause: cause}
}

type wrappedError struct {
	kind  error
	cause error
}

func (w *wrappedError) Error() string { return w.kind.Error() + ": " + w.cause.Error() }
func (w *wrappedError) Unwrap() []error { return []error{w.kind, w.cause} }
