package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync/atomic"
	"time"

	"github.com/pagegraph/pagesync/internal/ws"
)

// State is the sync loop's lifecycle state.
type State int32

const (
	// StateIdle means the loop is constructed but not yet started.
	StateIdle State = iota
	// StateStarting means the lock is held and startup reconciliation runs.
	StateStarting
	// StateRunning means the dispatcher is consuming the composed stream.
	StateRunning
	// StateStopping means the loop is unwinding.
	StateStopping
	// StateStopped means the loop has terminated and released its resources.
	StateStopped
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ErrLoopStopped is the terminal marker delivered to the start-notification
// cell when a loop stops after having started successfully.
var ErrLoopStopped = errors.New("sync loop stopped")

// SessionOpener performs the first connection open for a loop, returning the
// remote graph's schema version if the server reports one.
type SessionOpener interface {
	OpenSession(ctx context.Context, graphUUID string) (remoteSchemaVersion string, err error)
}

// LoopConfig wires a sync loop to its collaborators.
type LoopConfig struct {
	// Graph identifies the remote graph; immutable for the loop's lifetime.
	Graph GraphIdentity

	// Lock is the process-wide exclusivity lock.
	Lock *Lock

	// Registry is the process-wide metadata cell.
	Registry *Registry

	// Tracker observes the transport's connection state.
	Tracker *ws.StateTracker

	// Provider feeds the composer's remote sub-stream.
	Provider ConnProvider

	// Store is the borrowed local database.
	Store Store

	// Session opens the connection during startup reconciliation.
	Session SessionOpener

	// Collaborators. All required.
	Applier  UpdateApplier
	Pusher   OpsPusher
	Puller   DataPuller
	Migrator MigrationSynthesizer
	Assets   AssetSyncer
	Injector PresenceInjector

	// Restart receives the idempotent restart request issued on socket
	// timeout. Optional.
	Restart RestartRequester

	// AutoPush is the initial auto-push setting.
	AutoPush bool

	// LocalCheckInterval and PullInterval configure the composer.
	LocalCheckInterval time.Duration
	PullInterval       time.Duration

	// Immediate is handed through to the rescheduling timer.
	Immediate <-chan struct{}

	// Logger for loop activity.
	Logger *log.Logger
}

// Loop is the owning coroutine of one synchronization session: it opens the
// connection, performs startup reconciliation, then repeatedly takes the
// next composed event and dispatches it to the appropriate collaborator,
// sequentially, never overlapping.
type Loop struct {
	cfg      LoopConfig
	meta     *Metadata
	composer *Composer
	started  *NotifyCell
	state    atomic.Int32

	// eventsFn is the composed-stream source; defaults to the composer.
	eventsFn func(ctx context.Context) <-chan Event
}

// NewLoop validates the config and constructs a loop in StateIdle.
func NewLoop(cfg LoopConfig) (*Loop, error) {
	if cfg.Graph.GraphUUID == "" {
		return nil, fmt.Errorf("loop: graph identity cannot be empty")
	}
	if cfg.Lock == nil {
		return nil, fmt.Errorf("loop: lock cannot be nil")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("loop: registry cannot be nil")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("loop: store cannot be nil")
	}
	if cfg.Provider == nil {
		return nil, fmt.Errorf("loop: connection provider cannot be nil")
	}
	if cfg.Session == nil {
		return nil, fmt.Errorf("loop: session opener cannot be nil")
	}
	if cfg.Applier == nil || cfg.Pusher == nil || cfg.Puller == nil ||
		cfg.Migrator == nil || cfg.Assets == nil || cfg.Injector == nil {
		return nil, fmt.Errorf("loop: all collaborators are required")
	}
	if cfg.Tracker == nil {
		cfg.Tracker = ws.NewStateTracker()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}

	meta := NewMetadata(cfg.Tracker, cfg.Lock, nil, cfg.AutoPush)

	composer, err := NewComposer(ComposerConfig{
		Provider:           cfg.Provider,
		Store:              cfg.Store,
		AutoPush:           meta.AutoPush,
		Presence:           meta.Presence,
		LocalCheckInterval: cfg.LocalCheckInterval,
		PullInterval:       cfg.PullInterval,
		Immediate:          cfg.Immediate,
		Logger:             cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	l := &Loop{
		cfg:      cfg,
		meta:     meta,
		composer: composer,
		started:  NewNotifyCell(),
	}
	l.eventsFn = composer.Events
	return l, nil
}

// State returns the loop's current lifecycle state.
func (l *Loop) State() State {
	return State(l.state.Load())
}

func (l *Loop) setState(s State) {
	l.state.Store(int32(s))
}

// Started returns the start-notification cell: resolved with nil once the
// loop reaches Running, or with the startup error. Resolved exactly once;
// the terminal marker on a later stop is ignored if the cell already holds
// a value.
func (l *Loop) Started() *NotifyCell {
	return l.started
}

// Metadata returns the loop's metadata record.
func (l *Loop) Metadata() *Metadata {
	return l.meta
}

// Run executes the loop until ctx is cancelled or an unrecovered failure
// occurs. It is the loop's top-level task: the exclusivity lock is released
// unconditionally when Run returns, whatever the exit path.
func (l *Loop) Run(ctx context.Context) error {
	if !l.cfg.Lock.TryAcquire() {
		l.setState(StateStopped)
		err := E(KindLockFailed, "another sync loop is already running")
		l.started.Resolve(err)
		return err
	}
	// Guaranteed cleanup, not tied to the cancellation signal: the lock is
	// released even when cancellation lands mid-acquisition.
	defer l.cfg.Lock.Release()

	l.setState(StateStarting)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	l.meta.setCancel(cancel)
	l.cfg.Registry.Set(l.meta)

	var runErr error
	defer func() {
		l.setState(StateStopped)
		l.meta.RecordError(runErr)

		marker := runErr
		if marker == nil || IsCancellation(marker) {
			marker = ErrLoopStopped
		}
		l.started.Resolve(marker)

		l.cfg.Registry.Clear(l.meta)
		l.cfg.Logger.Printf("loop stopped (graph %s)", l.cfg.Graph.GraphUUID)
	}()

	// Startup reconciliation: first connection open, remote schema version
	// recorded, migration ops synthesized and queued.
	remoteVersion, err := l.cfg.Session.OpenSession(ctx, l.cfg.Graph.GraphUUID)
	if err != nil {
		if IsCancellation(err) {
			l.cfg.Logger.Printf("cancelled during startup")
			return err
		}
		runErr = fmt.Errorf("failed to open session: %w", err)
		l.maybeRequestRestart(err)
		return runErr
	}
	if remoteVersion != "" {
		if err := l.cfg.Store.SetRemoteSchemaVersion(remoteVersion); err != nil {
			runErr = fmt.Errorf("failed to record remote schema version: %w", err)
			return runErr
		}
	}
	if err := l.cfg.Migrator.InjectMigrationOps(ctx); err != nil {
		if IsCancellation(err) {
			return err
		}
		runErr = fmt.Errorf("failed to inject migration ops: %w", err)
		return runErr
	}

	// Subordinate asset-sync sub-loop, cancelled on any exit path.
	assetCtx, assetCancel := context.WithCancel(ctx)
	assetDone := make(chan struct{})
	go func() {
		defer close(assetDone)
		if err := l.cfg.Assets.Run(assetCtx); err != nil && !IsCancellation(err) {
			l.cfg.Logger.Printf("asset sub-loop error: %v", err)
		}
	}()
	defer func() {
		assetCancel()
		<-assetDone
	}()

	l.setState(StateRunning)
	l.started.Resolve(nil)
	l.cfg.Logger.Printf("loop running (graph %s)", l.cfg.Graph.GraphUUID)

	events := l.eventsFn(ctx)
	for {
		select {
		case <-ctx.Done():
			// Cancellation is clean unwinding: logged and rethrown, never
			// stored as a last-stop error.
			l.setState(StateStopping)
			l.cfg.Logger.Printf("cancelled, unwinding")
			return ctx.Err()

		case ev, ok := <-events:
			if !ok {
				l.setState(StateStopping)
				return nil
			}
			// Strictly sequential: the next event is not taken until this
			// handler, including its nested awaits, has completed.
			if err := l.dispatch(ctx, ev); err != nil {
				if IsCancellation(err) {
					l.setState(StateStopping)
					l.cfg.Logger.Printf("cancelled mid-dispatch, unwinding")
					return err
				}

				kind := KindOf(err)
				l.cfg.Logger.Printf("handler failed (%s) on %T: %v", kind, ev, err)
				l.meta.RecordError(err)

				switch kind {
				case KindSocketTimeout:
					// Non-fatal for the process: hand the problem to the
					// supervisor and unwind this loop.
					l.maybeRequestRestart(err)
					l.setState(StateStopping)
					runErr = err
					return err
				case KindUnknown:
					// Individual handler failures are tolerated; the loop
					// keeps draining events. They surface via the snapshot
					// and the log stream only.
				default:
					l.setState(StateStopping)
					runErr = err
					return err
				}
			}
		}
	}
}

// dispatch routes one event to its collaborator. The variant set is closed;
// this switch is exhaustive over it.
func (l *Loop) dispatch(ctx context.Context, ev Event) error {
	switch ev := ev.(type) {
	case RemoteUpdate:
		err := l.cfg.Applier.Apply(ctx, l.cfg.Graph.GraphUUID, ev.Payload)
		if errors.Is(err, ErrNeedsFullPull) {
			// Control flow, not failure: fall through to a full pull.
			l.cfg.Logger.Printf("incremental apply refused, falling back to full pull")
			return l.cfg.Puller.FullPull(ctx)
		}
		return err

	case RemoteAssetUpdate:
		return l.cfg.Assets.HandlePush(ctx, ev.Payload)

	case LocalChangeCheck:
		return l.cfg.Pusher.Push(ctx)

	case PresenceUpdated:
		l.meta.Presence.Set(ev.OnlineUsers)
		return nil

	case PullRemoteUpdates:
		return l.cfg.Puller.Pull(ctx)

	case InjectPresenceInfo:
		return l.cfg.Injector.InjectPresence(ctx, l.cfg.Graph.GraphUUID)

	default:
		return fmt.Errorf("unhandled event %T", ev)
	}
}

// maybeRequestRestart forwards socket timeouts to the restart supervisor.
func (l *Loop) maybeRequestRestart(err error) {
	if l.cfg.Restart == nil {
		return
	}
	if KindOf(err) == KindSocketTimeout {
		l.cfg.Logger.Printf("socket timeout, requesting loop restart")
		l.cfg.Restart.RequestRestart()
	}
}
