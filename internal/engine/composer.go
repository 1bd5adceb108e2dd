package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pagegraph/pagesync/internal/ws"
)

// ComposerConfig holds construction inputs for a Composer.
type ComposerConfig struct {
	// Provider yields push streams, reconnecting transparently.
	Provider ConnProvider

	// Store is consulted for pending-op counts and materialized users.
	Store Store

	// AutoPush gates the periodic local-change check.
	AutoPush *Toggle

	// Presence is watched to derive presence-injection events.
	Presence *PresenceCell

	// LocalCheckInterval is the local-change check period (default: 2s).
	LocalCheckInterval time.Duration

	// PullInterval is the rescheduling timer's period (default: 60s).
	PullInterval time.Duration

	// Immediate is handed to the rescheduling timer (see ReschedulingTimer).
	Immediate <-chan struct{}

	// Logger for composer activity.
	Logger *log.Logger
}

// Composer merges five independent asynchronous sources into one interleaved
// stream of events:
//
//  1. remote-update notifications filtered off the socket's push stream
//  2. a periodic, level-triggered local-change check
//  3. presence (online-user) updates
//  4. the self-rescheduling pull timer
//  5. derived presence-injection events
//
// Merge semantics are fan-in with no priority: every sub-source pushes onto
// one shared ordered channel and the dispatcher consumes it in arrival
// order. Any emission from sources 1-3 and 5 resets the pull timer.
type Composer struct {
	cfg   ComposerConfig
	timer *ReschedulingTimer
}

// NewComposer validates the config and creates a composer.
func NewComposer(cfg ComposerConfig) (*Composer, error) {
	if cfg.Provider == nil {
		return nil, fmt.Errorf("composer: provider cannot be nil")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("composer: store cannot be nil")
	}
	if cfg.AutoPush == nil {
		cfg.AutoPush = NewToggle(true)
	}
	if cfg.Presence == nil {
		cfg.Presence = NewPresenceCell()
	}
	if cfg.LocalCheckInterval == 0 {
		cfg.LocalCheckInterval = 2 * time.Second
	}
	if cfg.PullInterval == 0 {
		cfg.PullInterval = 60 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[composer] ", log.LstdFlags)
	}
	return &Composer{
		cfg:   cfg,
		timer: NewReschedulingTimer(cfg.PullInterval, cfg.Immediate),
	}, nil
}

// Events starts the sub-streams and returns the composed channel. The
// channel delivers events one at a time in emission order and closes once
// every sub-stream has unwound after ctx cancellation.
func (c *Composer) Events(ctx context.Context) <-chan Event {
	out := make(chan Event, 16)
	inner := make(chan Event, 16)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return c.remoteStream(ctx, inner) })
	g.Go(func() error { return c.localChangeStream(ctx, inner) })
	g.Go(func() error { return c.presenceStream(ctx, inner) })
	g.Go(func() error { return c.timer.Run(ctx, out) })

	// Forwarder: every non-timer emission resets the timer's countdown
	// before reaching the shared queue.
	g.Go(func() error {
		for {
			select {
			case ev := <-inner:
				c.timer.Reset()
				if !sendEvent(ctx, out, ev) {
					return nil
				}
			case <-ctx.Done():
				return nil
			}
		}
	})

	go func() {
		if err := g.Wait(); err != nil {
			c.cfg.Logger.Printf("sub-stream error: %v", err)
		}
		close(out)
	}()

	return out
}

// remoteStream filters the socket's push stream down to the three recognized
// message kinds. An abnormal closure is absorbed by reconnecting and
// resuming; it never surfaces as an event.
func (c *Composer) remoteStream(ctx context.Context, out chan<- Event) error {
	for {
		pushes, err := c.cfg.Provider.AcquirePushes(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.cfg.Logger.Printf("acquire failed: %v", err)
			continue
		}

		for push := range pushes {
			var ev Event
			switch push.Kind {
			case ws.PushUpdates:
				ev = RemoteUpdate{Payload: push.Payload}
			case ws.PushOnlineUsers:
				users, err := decodeOnlineUsers(push.Payload)
				if err != nil {
					c.cfg.Logger.Printf("bad presence payload: %v", err)
					continue
				}
				ev = PresenceUpdated{OnlineUsers: users}
			case ws.PushAssetUploads:
				ev = RemoteAssetUpdate{Payload: push.Payload}
			default:
				continue
			}
			if !sendEvent(ctx, out, ev) {
				return nil
			}
		}

		// Push channel closed: the connection died. Reconnect silently.
		if ctx.Err() != nil {
			return nil
		}
	}
}

// localChangeStream emits LocalChangeCheck on a fixed period, but only while
// auto-push is enabled AND the pending-op count is positive. The filter is
// level-triggered: both conditions are re-evaluated on every tick, so
// toggling auto-push off and back on lets the very next tick through.
func (c *Composer) localChangeStream(ctx context.Context, out chan<- Event) error {
	ticker := time.NewTicker(c.cfg.LocalCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-ticker.C:
			if !c.cfg.AutoPush.Enabled() {
				continue
			}
			n, err := c.cfg.Store.PendingOpCount()
			if err != nil {
				c.cfg.Logger.Printf("pending-op count failed: %v", err)
				continue
			}
			if n <= 0 {
				continue
			}
			if !sendEvent(ctx, out, LocalChangeCheck{}) {
				return nil
			}
		}
	}
}

// presenceStream watches the presence cell and derives injection events: on
// every update it loads materialized user records for the reported
// identifiers and emits InjectPresenceInfo plus a follow-up pull trigger iff
// the reported and materialized sets disagree in size or any compared
// attribute. Empty updates produce nothing.
func (c *Composer) presenceStream(ctx context.Context, out chan<- Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case <-c.cfg.Presence.Changes():
			users := c.cfg.Presence.Get()
			if len(users) == 0 {
				continue
			}

			ids := make([]string, len(users))
			for i, u := range users {
				ids[i] = u.ID
			}
			records, err := c.cfg.Store.UsersByIDs(ids)
			if err != nil {
				c.cfg.Logger.Printf("user materialization failed: %v", err)
				continue
			}

			if !presenceDiffers(users, records) {
				continue
			}
			if !sendEvent(ctx, out, InjectPresenceInfo{}) {
				return nil
			}
			if !sendEvent(ctx, out, PullRemoteUpdates{}) {
				return nil
			}
		}
	}
}

// presenceDiffers reports whether reported presence disagrees with the
// materialized records: different sizes, or any differing name/email/avatar.
func presenceDiffers(reported []UserInfo, records []UserInfo) bool {
	if len(reported) != len(records) {
		return true
	}
	byID := make(map[string]UserInfo, len(records))
	for _, r := range records {
		byID[r.ID] = r
	}
	for _, u := range reported {
		r, ok := byID[u.ID]
		if !ok {
			return true
		}
		if r.Name != u.Name || r.Email != u.Email || r.Avatar != u.Avatar {
			return true
		}
	}
	return false
}

// decodeOnlineUsers parses an online-users-updated payload.
func decodeOnlineUsers(payload json.RawMessage) ([]UserInfo, error) {
	var out struct {
		Users []UserInfo `json:"online-users"`
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, fmt.Errorf("failed to decode online users: %w", err)
	}
	return out.Users, nil
}
