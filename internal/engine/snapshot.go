package engine

import (
	"context"
	"log"
	"os"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/pagegraph/pagesync/internal/ws"
)

// Snapshot is a point-in-time combined view of sync/connection state for
// observability, distinct from the operational event stream.
type Snapshot struct {
	ConnState       ws.State   `json:"conn-state"`
	LockHeld        bool       `json:"lock-held"`
	AutoPush        bool       `json:"auto-push"`
	RemoteProfiling bool       `json:"remote-profiling"`
	OnlineUsers     []UserInfo `json:"online-users"`
	PendingOps      int64      `json:"pending-ops"`
	PendingAssets   int64      `json:"pending-assets"`
	LocalClock      int64      `json:"local-t"`
	RemoteClock     int64      `json:"remote-t"`
	LastError       string     `json:"last-error,omitempty"`
	Taken           time.Time  `json:"taken"`
}

// SnapshotConfig holds the publisher's dependencies.
type SnapshotConfig struct {
	// Registry is the process-wide loop-metadata cell the publisher observes.
	Registry *Registry

	// Store supplies pending counts and logical clocks.
	Store Store

	// Window bounds emission rate: at most one snapshot per window,
	// coalescing bursts (default: 300ms).
	Window time.Duration

	// Poll is how often inputs are re-sampled (default: 100ms). Inputs are
	// combined with latest-value semantics, not one emission per change.
	Poll time.Duration

	// Logger for publisher activity.
	Logger *log.Logger
}

// SnapshotPublisher derives throttled combined snapshots from the currently
// registered loop metadata, independently of the loop's own pacing. It runs
// as its own task, only reads, and produces nothing while no loop is
// registered. Consumers poll Latest(); there is no subscription surface.
type SnapshotPublisher struct {
	cfg     SnapshotConfig
	limiter *rate.Limiter

	mu     sync.RWMutex
	latest *Snapshot
}

// NewSnapshotPublisher creates a publisher.
func NewSnapshotPublisher(cfg SnapshotConfig) *SnapshotPublisher {
	if cfg.Window == 0 {
		cfg.Window = 300 * time.Millisecond
	}
	if cfg.Poll == 0 {
		cfg.Poll = 100 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[snapshot] ", log.LstdFlags)
	}
	return &SnapshotPublisher{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Every(cfg.Window), 1),
	}
}

// Run samples inputs until ctx is cancelled.
func (p *SnapshotPublisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-ticker.C:
			meta := p.cfg.Registry.Get()
			if meta == nil {
				// No loop registered: produce nothing. The last snapshot of
				// a stopped loop also goes away.
				p.mu.Lock()
				p.latest = nil
				p.mu.Unlock()
				continue
			}
			if !p.limiter.Allow() {
				continue
			}
			p.publish(meta)
		}
	}
}

// publish combines the current input values into one snapshot.
func (p *SnapshotPublisher) publish(meta *Metadata) {
	snap := &Snapshot{
		ConnState:       meta.Conn.State(),
		LockHeld:        meta.Lock.Held(),
		AutoPush:        meta.AutoPush.Enabled(),
		RemoteProfiling: meta.RemoteProfiling.Enabled(),
		OnlineUsers:     meta.Presence.Get(),
		Taken:           time.Now(),
	}

	if err := meta.LastError(); err != nil {
		snap.LastError = err.Error()
	}

	if p.cfg.Store != nil {
		if n, err := p.cfg.Store.PendingOpCount(); err == nil {
			snap.PendingOps = n
		} else {
			p.cfg.Logger.Printf("pending-op count failed: %v", err)
		}
		if n, err := p.cfg.Store.PendingAssetCount(); err == nil {
			snap.PendingAssets = n
		}
		if local, remote, err := p.cfg.Store.Clocks(); err == nil {
			snap.LocalClock = local
			snap.RemoteClock = remote
		}
	}

	p.mu.Lock()
	p.latest = snap
	p.mu.Unlock()
}

// Latest returns the most recent snapshot. The second return is false while
// no loop is registered.
func (p *SnapshotPublisher) Latest() (*Snapshot, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.latest == nil {
		return nil, false
	}
	return p.latest, true
}
