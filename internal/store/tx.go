package store

import (
	"context"
	"fmt"
	"time"

	"github.com/allen1211/sessionkv/internal/errs"
	"github.com/allen1211/sessionkv/internal/session"
	"github.com/allen1211/sessionkv/internal/txn"
)

// Tx runs fn atomically across keys' sessions, per spec.md §4.9. Every
// key must already be loaded (errs.ErrKeyNotLoaded otherwise, matching
// Get/Update/Save's dispatch rule in spec.md §4.8).
func (st *Store) Tx(keys []string, fn txn.Fn) (bool, error) {
	return st.tx(context.Background(), keys, fn)
}

// TxImmutable is the immutable-path analogue of Tx from spec.md §4.9. At
// the transaction-coordinator layer the two collapse to the same
// operation: fn always receives a snapshot and returns a complete next
// state (there is no separate "mutable deep copy" variant for multi-key
// transactions the way there is for Session.Update), so TxImmutable is
// Tx under another name — see DESIGN.md for this Open Question
// resolution.
func (st *Store) TxImmutable(keys []string, fn txn.Fn) (bool, error) {
	return st.tx(context.Background(), keys, fn)
}

func (st *Store) tx(ctx context.Context, keys []string, fn txn.Fn) (bool, error) {
	if st.isClosed() {
		return false, errs.ErrStoreClosed
	}
	if len(keys) == 0 {
		return false, fmt.Errorf("txn: no keys given")
	}

	sessions := make([]*session.Session, 0, len(keys))
	for _, k := range keys {
		s := st.sessionFor(k)
		if s == nil {
			return false, fmt.Errorf("%w: %s", errs.ErrKeyNotLoaded, k)
		}
		sessions = append(sessions, s)
	}

	start := time.Now()
	ok, err := txn.Run(ctx, sessions, fn)
	st.cfg.Metrics.ObserveTx(time.Since(start).Seconds())
	return ok, err
}
