package engine

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pagegraph/pagesync/internal/ws"
)

// Toggle is a concurrency-safe boolean switch (auto-push, remote profiling).
type Toggle struct {
	v atomic.Bool
}

// NewToggle returns a toggle with the given initial value.
func NewToggle(enabled bool) *Toggle {
	t := &Toggle{}
	t.v.Store(enabled)
	return t
}

// Enabled reports the current value.
func (t *Toggle) Enabled() bool {
	return t.v.Load()
}

// Set stores a value.
func (t *Toggle) Set(enabled bool) {
	t.v.Store(enabled)
}

// Flip inverts the value and returns the new one.
func (t *Toggle) Flip() bool {
	for {
		old := t.v.Load()
		if t.v.CompareAndSwap(old, !old) {
			return !old
		}
	}
}

// PresenceCell holds the set of users currently online in the graph's
// session. The set is replaced wholesale on every presence update; watchers
// get a coalesced change notification.
type PresenceCell struct {
	mu      sync.RWMutex
	users   []UserInfo
	changes chan struct{}
}

// NewPresenceCell returns an empty cell.
func NewPresenceCell() *PresenceCell {
	return &PresenceCell{changes: make(chan struct{}, 1)}
}

// Set replaces the presence set and notifies watchers.
func (p *PresenceCell) Set(users []UserInfo) {
	p.mu.Lock()
	p.users = users
	p.mu.Unlock()

	select {
	case p.changes <- struct{}{}:
	default:
	}
}

// Get returns the current presence set.
func (p *PresenceCell) Get() []UserInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.users
}

// Changes returns a channel signalled after updates. Buffered with capacity
// one; bursts coalesce and watchers re-read via Get (latest-value semantics).
func (p *PresenceCell) Changes() <-chan struct{} {
	return p.changes
}

// Metadata is the per-running-loop record. It owns references to the cells
// a running loop exposes to observers: connection state, toggles, presence,
// the lock handle, the cancel handle, and the last stop error. At most one
// non-empty instance exists per process at a time (see Registry).
type Metadata struct {
	// Conn observes the transport's connection state; the loop never owns it.
	Conn *ws.StateTracker

	// AutoPush gates the periodic local-change check.
	AutoPush *Toggle

	// RemoteProfiling toggles server-side op profiling for this session.
	RemoteProfiling *Toggle

	// Presence is the online-user set, replaced wholesale per update.
	Presence *PresenceCell

	// Lock is the process-wide exclusivity lock this loop holds.
	Lock *Lock

	// cancelMu guards the cancel handle, which the loop installs only after
	// it starts running. A Cancel arriving before installation is remembered
	// and fires at install time, so an abandoned start cannot leave a loop
	// running with the exclusivity lock held.
	cancelMu  sync.Mutex
	cancel    context.CancelFunc
	cancelled bool

	errMu   sync.Mutex
	lastErr error
}

// NewMetadata assembles a metadata record for a starting loop.
func NewMetadata(tracker *ws.StateTracker, lock *Lock, cancel context.CancelFunc, autoPush bool) *Metadata {
	return &Metadata{
		Conn:            tracker,
		AutoPush:        NewToggle(autoPush),
		RemoteProfiling: NewToggle(false),
		Presence:        NewPresenceCell(),
		Lock:            lock,
		cancel:          cancel,
	}
}

// Cancel requests the loop stop. Safe to call repeatedly, and safe to call
// before the loop has installed its cancel handle.
func (m *Metadata) Cancel() {
	m.cancelMu.Lock()
	m.cancelled = true
	cancel := m.cancel
	m.cancelMu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// setCancel installs the running loop's cancel handle. A Cancel that arrived
// before installation fires immediately.
func (m *Metadata) setCancel(cancel context.CancelFunc) {
	m.cancelMu.Lock()
	m.cancel = cancel
	fire := m.cancelled
	m.cancelMu.Unlock()

	if fire {
		cancel()
	}
}

// RecordError stores a handler or terminal error for observers (snapshots,
// diagnostics). Cancellation is never stored.
func (m *Metadata) RecordError(err error) {
	if err == nil || IsCancellation(err) {
		return
	}
	m.errMu.Lock()
	m.lastErr = err
	m.errMu.Unlock()
}

// LastError returns the most recently recorded error, nil if none.
func (m *Metadata) LastError() error {
	m.errMu.Lock()
	defer m.errMu.Unlock()
	return m.lastErr
}

// Registry is the process-wide cell holding the currently running loop's
// metadata, replaced wholesale on loop start and cleared on stop. It is an
// explicit shared-state object injected where needed, not module state.
type Registry struct {
	mu  sync.Mutex
	cur *Metadata
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Set registers a starting loop's metadata.
func (r *Registry) Set(m *Metadata) {
	r.mu.Lock()
	r.cur = m
	r.mu.Unlock()
}

// Get returns the current metadata, or nil when no loop is registered.
func (r *Registry) Get() *Metadata {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cur
}

// Clear resets the registry, but only if it still holds m: a stop racing a
// newer start must not wipe the newer loop's registration.
func (r *Registry) Clear(m *Metadata) {
	r.mu.Lock()
	if r.cur == m {
		r.cur = nil
	}
	r.mu.Unlock()
}
