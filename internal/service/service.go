// Package service is the surface the application (CLI, IPC, embedding host)
// calls: loop lifecycle, toggles, graph administration, and debug state. One
// Service owns the local database, the socket provider, and at most one
// running sync loop.
package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pagegraph/pagesync/internal/assets"
	"github.com/pagegraph/pagesync/internal/config"
	"github.com/pagegraph/pagesync/internal/device"
	"github.com/pagegraph/pagesync/internal/engine"
	"github.com/pagegraph/pagesync/internal/graphdb"
	"github.com/pagegraph/pagesync/internal/ws"
)

// ErrNotRunning is returned by operations that need a running sync loop.
var ErrNotRunning = errors.New("no sync loop is running")

// Service owns the process-wide sync state.
type Service struct {
	cfg      *config.Config
	logger   *log.Logger
	db       *graphdb.DB
	provider *ws.Provider
	registry *engine.Registry
	lock     *engine.Lock
	snaps    *engine.SnapshotPublisher

	rootCtx    context.Context
	rootCancel context.CancelFunc
	wg         sync.WaitGroup

	mu       sync.Mutex
	loop     *engine.Loop
	loopDone chan error

	restarting atomic.Bool
}

// New opens the local database and constructs the service. The snapshot
// publisher starts immediately; the sync loop starts on Start.
func New(cfg *config.Config, logger *log.Logger) (*Service, error) {
	if cfg == nil {
		return nil, fmt.Errorf("service: config cannot be nil")
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[service] ", log.LstdFlags)
	}

	db, err := graphdb.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := db.InitSchema(); err != nil {
		db.Close()
		return nil, err
	}

	provider := ws.NewProvider(ws.Config{
		URL:            cfg.ServerURL,
		Token:          cfg.Token,
		RequestTimeout: cfg.RequestTimeout,
		Logger:         logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		cfg:        cfg,
		logger:     logger,
		db:         db,
		provider:   provider,
		registry:   engine.NewRegistry(),
		lock:       engine.NewLock(),
		rootCtx:    ctx,
		rootCancel: cancel,
	}

	s.snaps = engine.NewSnapshotPublisher(engine.SnapshotConfig{
		Registry: s.registry,
		Store:    &storeAdapter{db: db},
		Window:   cfg.SnapshotWindow,
		Logger:   logger,
	})
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.snaps.Run(s.rootCtx)
	}()

	return s, nil
}

// StartOptions controls Start.
type StartOptions struct {
	// Token overrides the configured auth token.
	Token string

	// StopExisting stops a running loop first instead of failing with a
	// lock-acquisition error.
	StopExisting bool
}

// Start validates preconditions, constructs a sync loop, and blocks until it
// is running or its startup failed. The returned error classifies through
// engine.KindOf.
func (s *Service) Start(ctx context.Context, opts StartOptions) error {
	token := opts.Token
	if token == "" {
		token = s.cfg.Token
	}

	if s.running() {
		if !opts.StopExisting {
			return engine.E(engine.KindLockFailed, "a sync loop is already running")
		}
		if err := s.Stop(ctx); err != nil {
			return fmt.Errorf("failed to stop existing loop: %w", err)
		}
	}

	info, err := engine.ValidateStartup(engine.ValidatorConfig{
		ParseToken:       device.ParseToken,
		DB:               s.db,
		AppSchemaVersion: s.cfg.AppSchemaVersion,
	}, token)
	if err != nil {
		return err
	}

	loop, err := s.buildLoop(info)
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() { done <- loop.Run(s.rootCtx) }()

	s.mu.Lock()
	s.loop = loop
	s.loopDone = done
	s.mu.Unlock()

	select {
	case <-loop.Started().Done():
	case <-ctx.Done():
		loop.Metadata().Cancel()
		return ctx.Err()
	}

	if err := loop.Started().Err(); err != nil {
		s.mu.Lock()
		s.loop = nil
		s.loopDone = nil
		s.mu.Unlock()
		return err
	}
	s.logger.Printf("sync loop running for graph %s as %s", info.Graph.GraphUUID, info.User.UserID)
	return nil
}

// buildLoop wires a loop for the validated graph.
func (s *Service) buildLoop(info *engine.StartupInfo) (*engine.Loop, error) {
	graphUUID := info.Graph.GraphUUID

	applier := &remoteApplier{db: s.db, logger: s.logger}
	urls := &wsURLSource{provider: s.provider, graphUUID: graphUUID}

	syncer, err := assets.NewSyncer(assets.Config{
		DB:          s.db,
		URLs:        urls,
		StagingDir:  s.cfg.StagingDir,
		DownloadDir: s.cfg.DownloadDir,
		Logger:      s.logger,
	})
	if err != nil {
		return nil, err
	}

	return engine.NewLoop(engine.LoopConfig{
		Graph:    info.Graph,
		Lock:     s.lock,
		Registry: s.registry,
		Tracker:  s.provider.Tracker(),
		Provider: s.provider,
		Store:    &storeAdapter{db: s.db},
		Session:  &sessionOpener{db: s.db, provider: s.provider, logger: s.logger},
		Applier:  applier,
		Pusher:   &opsPusher{db: s.db, provider: s.provider, graphUUID: graphUUID, logger: s.logger},
		Puller:   &dataPuller{db: s.db, provider: s.provider, applier: applier, graphUUID: graphUUID, logger: s.logger},
		Migrator: &migrator{db: s.db, logger: s.logger},
		Assets:   syncer,
		Injector: &presenceInjector{provider: s.provider},
		Restart:  s,

		AutoPush:           s.cfg.AutoPush,
		LocalCheckInterval: s.cfg.LocalCheckInterval,
		PullInterval:       s.cfg.PullInterval,
		Logger:             s.logger,
	})
}

// running reports whether a loop currently holds the lock.
func (s *Service) running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loop != nil && s.loop.State() != engine.StateStopped
}

// Stop cancels the running loop and waits for it to unwind. A no-op without
// a running loop.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	loop, done := s.loop, s.loopDone
	s.loop = nil
	s.loopDone = nil
	s.mu.Unlock()

	if loop == nil {
		return nil
	}
	loop.Metadata().Cancel()

	select {
	case err := <-done:
		if err != nil && !engine.IsCancellation(err) {
			return err
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RequestRestart restarts the sync loop in the background. Idempotent: a
// request arriving while a restart is already in flight coalesces into it.
// Used by the engine after socket timeouts and available to callers.
func (s *Service) RequestRestart() {
	if !s.restarting.CompareAndSwap(false, true) {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.restarting.Store(false)

		ctx, cancel := context.WithTimeout(s.rootCtx, 30*time.Second)
		defer cancel()

		if err := s.Stop(ctx); err != nil {
			s.logger.Printf("restart: stop failed: %v", err)
		}
		if err := s.Start(ctx, StartOptions{}); err != nil {
			s.logger.Printf("restart: start failed: %v", err)
		}
	}()
}

// ToggleAutoPush flips the auto-push gate of the running loop and returns the
// new value.
func (s *Service) ToggleAutoPush() (bool, error) {
	meta := s.registry.Get()
	if meta == nil {
		return false, ErrNotRunning
	}
	return meta.AutoPush.Flip(), nil
}

// ToggleRemoteProfile flips server-side op profiling for this session.
func (s *Service) ToggleRemoteProfile() (bool, error) {
	meta := s.registry.Get()
	if meta == nil {
		return false, ErrNotRunning
	}
	return meta.RemoteProfiling.Flip(), nil
}

// GetDebugState returns the latest state snapshot. ok is false while no loop
// is registered.
func (s *Service) GetDebugState() (*engine.Snapshot, bool) {
	return s.snaps.Latest()
}

// Close stops the loop and releases every resource the service owns.
func (s *Service) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	stopErr := s.Stop(ctx)

	s.rootCancel()
	s.wg.Wait()

	if err := s.provider.Close(); err != nil && stopErr == nil {
		stopErr = err
	}
	if err := s.db.Close(); err != nil && stopErr == nil {
		stopErr = err
	}
	return stopErr
}
