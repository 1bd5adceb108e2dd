package engine

import (
	"sync/atomic"
)

// Lock is the process-wide exclusivity flag guaranteeing a single active
// sync loop per local database connection. The local database has no
// internal locking of its own; this flag is the only coordination point.
//
// The lock is owned by the process (constructed once, injected into each
// loop), not by any one loop. A loop acquires it at start and releases it
// unconditionally when its top-level task finishes for any reason.
type Lock struct {
	held atomic.Bool
}

// NewLock returns an unheld lock.
func NewLock() *Lock {
	return &Lock{}
}

// TryAcquire atomically flips the lock from unheld to held. Of any number
// of concurrent calls exactly one succeeds; the rest observe false and must
// surface a retryable lock-acquisition-failed error rather than retrying
// silently.
func (l *Lock) TryAcquire() bool {
	return l.held.CompareAndSwap(false, true)
}

// Release returns the lock to unheld. Idempotent.
func (l *Lock) Release() {
	l.held.Store(false)
}

// Held reports the current lock state (for snapshots and diagnostics).
func (l *Lock) Held() bool {
	return l.held.Load()
}
