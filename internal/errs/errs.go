// Package errs defines the sentinel error kinds surfaced to callers of the
// session store, mirroring the Err string-enum the teacher uses
// (pkg/common/err.go) but as wrapped Go errors so callers can errors.Is
// against a stable value instead of comparing strings.
package errs

import "errors"

var (
	ErrStoreClosed      = errors.New("store-closed")
	ErrKeyNotLoaded      = errors.New("key-not-loaded")
	ErrLoadInProgress   = errors.New("load-in-progress")
	ErrLoadCancelled    = errors.New("load-cancelled")
	ErrLockUnavailable  = errors.New("lock-unavailable")
	ErrLockLost         = errors.New("lock-lost")
	ErrSchemaInvalid    = errors.New("schema-invalid")
	ErrBadTransform     = errors.New("bad-transform")
	ErrTxKeysModified   = errors.New("tx-keys-modified")
	ErrTxRecoveryFailed = errors.New("tx-recovery-failed")
	ErrMigrationMismatch = errors.New("migration-mismatch")
	ErrBackendTransient = errors.New("backend-transient")
	ErrBackendFatal     = errors.New("backend-fatal")
	ErrSessionClosed    = errors.New("session-closed")
	ErrIncompleteShards = errors.New("incomplete-shards")
	ErrQueueTimeout     = errors.New("queue-item-timeout")
	ErrCancelled        = errors.New("cancelled")
)

// Kind returns the stable kind name for an error, for logging and metrics,
// falling back to "unknown" for anything not wrapping one of the sentinels
// above.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrStoreClosed):
		return "store-closed"
	case errors.Is(err, ErrKeyNotLoaded):
		return "key-not-loaded"
	case errors.Is(err, ErrLoadInProgress):
		return "load-in-progress"
	case errors.Is(err, ErrLoadCancelled):
		return "load-cancelled"
	case errors.Is(err, ErrLockUnavailable):
		return "lock-unavailable"
	case errors.Is(err, ErrLockLost):
		return "lock-lost"
	case errors.Is(err, ErrSchemaInvalid):
		return "schema-invalid"
	case errors.Is(err, ErrBadTransform):
		return "bad-transform"
	case errors.Is(err, ErrTxKeysModified):
		return "tx-keys-modified"
	case errors.Is(err, ErrTxRecoveryFailed):
		return "tx-recovery-failed"
	case errors.Is(err, ErrMigrationMismatch):
		return "migration-mismatch"
	case errors.Is(err, ErrBackendTransient):
		return "backend-transient"
	case errors.Is(err, ErrBackendFatal):
		return "backend-fatal"
	case errors.Is(err, ErrSessionClosed):
		return "session-closed"
	case errors.Is(err, ErrIncompleteShards):
		return "incomplete-shards"
	case errors.Is(err, ErrQueueTimeout):
		return "queue-item-timeout"
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	default:
		return "unknown"
	}
}
