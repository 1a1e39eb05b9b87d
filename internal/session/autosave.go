package session

import "time"

// autosaveCleanupTimeout bounds the best-effort shard cleanup issued after
// a failed save.
const autosaveCleanupTimeout = 30 * time.Second

// StartAutosave begins the periodic save timer from spec.md §4.7. It is
// idempotent per session: a call while the timer is already running does
// nothing.
func (s *Session) StartAutosave() {
	s.mu.Lock()
	if s.autosaveStop != nil {
		s.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	s.autosaveStop = stop
	s.autosaveDone = done
	interval := s.cfg.Autosave
	s.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if s.State() != Active {
					return
				}
				if err := s.Save(); err != nil && s.cfg.Logger != nil {
					s.cfg.Logger.WithError(err).WithField("key", s.cfg.Key).Warn("autosave failed")
				}
			}
		}
	}()
}

// stopAutosaveLocked signals the autosave goroutine to stop. It does not
// wait for it to exit: doSave runs on the session's own queue goroutine,
// and a pending autosave tick's Save() call is itself queued behind the
// in-flight item, so blocking here on its exit would deadlock the queue.
// The goroutine also self-checks State() on every tick, so it converges to
// stopped shortly after Closed/LockLost even without this signal.
func (s *Session) stopAutosaveLocked() {
	s.mu.Lock()
	stop := s.autosaveStop
	s.autosaveStop = nil
	s.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
}

// StopAutosaveAndWait stops the autosave goroutine and blocks until it has
// exited. Safe to call from outside the session's queue (e.g. Unload);
// must not be called from code running on the queue goroutine itself.
func (s *Session) StopAutosaveAndWait() {
	s.mu.Lock()
	stop := s.autosaveStop
	done := s.autosaveDone
	s.autosaveStop = nil
	s.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	if done != nil {
		<-done
	}
}
