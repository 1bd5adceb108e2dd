package ws

import (
	"sync/atomic"
)

// State is the lifecycle state of the underlying socket connection.
// It is sourced from the transport; the sync loop observes it, never owns it.
type State int32

const (
	// StateConnecting indicates a dial is in progress.
	StateConnecting State = iota
	// StateOpen indicates the socket is established and usable.
	StateOpen
	// StateClosing indicates a close handshake has started.
	StateClosing
	// StateClosed indicates the socket is gone.
	StateClosed
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// StateTracker exposes a deduplicated, always-latest connection-state value.
//
// Set is called by the transport on every lifecycle transition; consecutive
// identical states are swallowed. Readers either poll State() or wait on
// Changes(), which carries at-least-one notification per distinct transition
// (latest-value semantics, not one signal per Set call).
type StateTracker struct {
	state   atomic.Int32
	changes chan struct{}
}

// NewStateTracker returns a tracker starting in StateClosed.
func NewStateTracker() *StateTracker {
	t := &StateTracker{
		changes: make(chan struct{}, 1),
	}
	t.state.Store(int32(StateClosed))
	return t
}

// State returns the latest observed connection state.
func (t *StateTracker) State() State {
	return State(t.state.Load())
}

// Set records a new state. Repeated identical states are deduplicated and
// do not notify.
func (t *StateTracker) Set(s State) {
	old := t.state.Swap(int32(s))
	if State(old) == s {
		return
	}
	select {
	case t.changes <- struct{}{}:
	default:
	}
}

// Changes returns a channel that receives a signal after state transitions.
// The channel is buffered with capacity one; bursts coalesce.
func (t *StateTracker) Changes() <-chan struct{} {
	return t.changes
}
