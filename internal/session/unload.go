package session

import "context"

// Unload flushes any unsaved changes, releases the lease, and closes the
// session. It is idempotent: calling it again after it has already closed
// the session (for any reason, including lock loss) is a silent no-op, per
// spec.md §4.7's "every public operation fails with session-closed except
// idempotent unload".
func (s *Session) Unload() error {
	s.mu.Lock()
	if s.state != Active {
		alreadyClosed := s.state == Closed
		s.mu.Unlock()
		if alreadyClosed {
			return nil
		}
		return nil // Unloading already in flight elsewhere: treat as success.
	}
	s.state = Unloading
	s.mu.Unlock()

	f := s.queue.Add(func(ctx context.Context) (interface{}, error) {
		return nil, s.doSave(ctx)
	})
	_, saveErr := f.Wait()

	s.queue.Close()
	s.StopAutosaveAndWait()
	s.lease.Release()
	s.transitionToClosed()

	return saveErr
}
