package engine

import (
	"context"
	"time"
)

// ReschedulingTimer emits a PullRemoteUpdates event immediately on start and
// thereafter every interval, unless reset. A reset (any activity on the rest
// of the composed stream) restarts the countdown without emitting.
//
// This bounds the staleness of the pull-based fallback - a pull happens at
// least every interval - while avoiding redundant pulls when other traffic
// is already keeping the loop busy.
//
// Each cycle races a fresh countdown against the activity signal. An outer
// cancellation raised while sleeping is absorbed (no further emission this
// cycle), not propagated as a failure.
type ReschedulingTimer struct {
	interval time.Duration
	reset    chan struct{}

	// immediate forces an emission without waiting out the countdown.
	// TODO: wire this to an application-foregrounding signal; the parameter
	// is accepted here but nothing sends on it yet.
	immediate <-chan struct{}
}

// NewReschedulingTimer creates a timer. immediate may be nil.
func NewReschedulingTimer(interval time.Duration, immediate <-chan struct{}) *ReschedulingTimer {
	return &ReschedulingTimer{
		interval:  interval,
		reset:     make(chan struct{}, 1),
		immediate: immediate,
	}
}

// Reset restarts the current countdown. Non-blocking; bursts coalesce into
// a single reset per cycle.
func (t *ReschedulingTimer) Reset() {
	select {
	case t.reset <- struct{}{}:
	default:
	}
}

// Run drives the timer until ctx is cancelled, sending PullRemoteUpdates on
// out. It always returns nil: cancellation is clean shutdown, not failure.
func (t *ReschedulingTimer) Run(ctx context.Context, out chan<- Event) error {
	// Immediate first emission on subscription.
	if !sendEvent(ctx, out, PullRemoteUpdates{}) {
		return nil
	}

	countdown := time.NewTimer(t.interval)
	defer countdown.Stop()

	for {
		select {
		case <-countdown.C:
			if !sendEvent(ctx, out, PullRemoteUpdates{}) {
				return nil
			}
			countdown.Reset(t.interval)

		case <-t.reset:
			// Activity elsewhere: restart the countdown, no emission.
			if !countdown.Stop() {
				select {
				case <-countdown.C:
				default:
				}
			}
			countdown.Reset(t.interval)

		case <-t.immediate:
			if !sendEvent(ctx, out, PullRemoteUpdates{}) {
				return nil
			}
			countdown.Reset(t.interval)

		case <-ctx.Done():
			return nil
		}
	}
}

// sendEvent delivers ev unless ctx is cancelled first. Reports whether the
// send happened.
func sendEvent(ctx context.Context, out chan<- Event, ev Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
