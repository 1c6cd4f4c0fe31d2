package orchestrator

import "sync"

// ActionLock is the system-wide gate limiting execution to one in-flight
// mutating operation. Acquisition is always non-blocking: a caller that
// fails to acquire must reject its request immediately, never queue it.
type ActionLock struct {
	mu sync.Mutex
}

// TryAcquire attempts to take the lock without blocking.
func (l *ActionLock) TryAcquire() bool {
	return l.mu.TryLock()
}

// Release frees the lock. It must be called exactly once per successful
// TryAcquire, unconditionally when the operation ends.
func (l *ActionLock) Release() {
	l.mu.Unlock()
}
