package engine

import (
	"sync"
)

// NotifyCell is a single-assignment result cell: resolved once, observed by
// any number of waiters, with later resolution attempts detected and
// ignored. The sync loop uses one to deliver its start outcome - callers of
// Start wait on the cell rather than on the loop itself.
type NotifyCell struct {
	mu       sync.Mutex
	resolved bool
	err      error
	done     chan struct{}
}

// NewNotifyCell returns an unresolved cell.
func NewNotifyCell() *NotifyCell {
	return &NotifyCell{done: make(chan struct{})}
}

// Resolve records the result. Only the first call wins; subsequent calls
// report false and leave the stored value untouched.
func (c *NotifyCell) Resolve(err error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.resolved {
		return false
	}
	c.resolved = true
	c.err = err
	close(c.done)
	return true
}

// Done returns a channel closed once the cell resolves.
func (c *NotifyCell) Done() <-chan struct{} {
	return c.done
}

// Err returns the resolved value. Valid only after Done() is closed; before
// resolution it returns nil.
func (c *NotifyCell) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}
