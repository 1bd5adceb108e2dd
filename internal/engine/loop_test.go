package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pagegraph/pagesync/internal/ws"
)

// callRecorder collects collaborator invocations in arrival order.
type callRecorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *callRecorder) record(name string) {
	r.mu.Lock()
	r.calls = append(r.calls, name)
	r.mu.Unlock()
}

func (r *callRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	copy(out, r.calls)
	return out
}

type fakeSession struct {
	remote string
	err    error
}

func (f *fakeSession) OpenSession(ctx context.Context, graphUUID string) (string, error) {
	return f.remote, f.err
}

type fakeApplier struct {
	rec *callRecorder
	err error
}

func (f *fakeApplier) Apply(ctx context.Context, graphUUID string, payload json.RawMessage) error {
	f.rec.record("apply")
	return f.err
}

type fakePusher struct {
	rec *callRecorder
	err error
}

func (f *fakePusher) Push(ctx context.Context) error {
	f.rec.record("push")
	return f.err
}

type fakePuller struct {
	rec *callRecorder
}

func (f *fakePuller) Pull(ctx context.Context) error {
	f.rec.record("pull")
	return nil
}

func (f *fakePuller) FullPull(ctx context.Context) error {
	f.rec.record("full-pull")
	return nil
}

type fakeMigrator struct {
	rec *callRecorder
}

func (f *fakeMigrator) InjectMigrationOps(ctx context.Context) error {
	f.rec.record("migrate")
	return nil
}

type fakeAssets struct {
	rec *callRecorder
}

func (f *fakeAssets) Run(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeAssets) HandlePush(ctx context.Context, payload json.RawMessage) error {
	f.rec.record("asset-push")
	return nil
}

type fakeInjector struct {
	rec *callRecorder
}

func (f *fakeInjector) InjectPresence(ctx context.Context, graphUUID string) error {
	f.rec.record("inject-presence")
	return nil
}

type fakeRestart struct {
	n atomic.Int32
}

func (f *fakeRestart) RequestRestart() { f.n.Add(1) }

// loopFixture bundles a loop with its fakes and a hand-fed event source.
type loopFixture struct {
	loop    *Loop
	lock    *Lock
	rec     *callRecorder
	session *fakeSession
	applier *fakeApplier
	pusher  *fakePusher
	puller  *fakePuller
	restart *fakeRestart
	events  chan Event
	store   *fakeStore
}

func newLoopFixture(t *testing.T) *loopFixture {
	t.Helper()

	rec := &callRecorder{}
	f := &loopFixture{
		lock:    NewLock(),
		rec:     rec,
		session: &fakeSession{remote: "v3.2"},
		applier: &fakeApplier{rec: rec},
		pusher:  &fakePusher{rec: rec},
		puller:  &fakePuller{rec: rec},
		restart: &fakeRestart{},
		events:  make(chan Event),
		store:   newFakeStore(),
	}

	loop, err := NewLoop(LoopConfig{
		Graph:    GraphIdentity{GraphUUID: "g-1", MajorSchemaVersion: "v3"},
		Lock:     f.lock,
		Registry: NewRegistry(),
		Provider: newFakeProvider(),
		Store:    f.store,
		Session:  f.session,
		Applier:  f.applier,
		Pusher:   f.pusher,
		Puller:   f.puller,
		Migrator: &fakeMigrator{rec: rec},
		Assets:   &fakeAssets{rec: rec},
		Injector: &fakeInjector{rec: rec},
		Restart:  f.restart,
		AutoPush: true,
		Logger:   testLogger(t),
	})
	if err != nil {
		t.Fatalf("NewLoop: %v", err)
	}
	// Feed the dispatcher by hand instead of running the composer.
	loop.eventsFn = func(ctx context.Context) <-chan Event {
		return f.events
	}
	f.loop = loop
	return f
}

// start runs the loop and waits for it to reach Running.
func (f *loopFixture) start(t *testing.T, ctx context.Context) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- f.loop.Run(ctx) }()

	select {
	case <-f.loop.Started().Done():
		if err := f.loop.Started().Err(); err != nil {
			t.Fatalf("startup failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("loop never started")
	}
	return done
}

func awaitExit(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("loop never exited")
		return nil
	}
}

func TestLoopDispatchOrder(t *testing.T) {
	f := newLoopFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := f.start(t, ctx)
	if got := f.loop.State(); got != StateRunning {
		t.Fatalf("state = %s, want running", got)
	}

	f.events <- LocalChangeCheck{}
	f.events <- RemoteUpdate{Payload: json.RawMessage(`{}`)}
	f.events <- PullRemoteUpdates{}
	f.events <- InjectPresenceInfo{}

	// An unbuffered event channel plus a sequential dispatcher means every
	// prior handler has returned before the next send is accepted.
	cancel()
	err := awaitExit(t, done)
	if !IsCancellation(err) {
		t.Errorf("expected cancellation, got %v", err)
	}

	want := []string{"migrate", "push", "apply", "pull", "inject-presence"}
	got := f.rec.snapshot()
	if len(got) != len(want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("calls = %v, want %v", got, want)
		}
	}

	if got := f.loop.State(); got != StateStopped {
		t.Errorf("state = %s, want stopped", got)
	}
}

func TestLoopLockExclusion(t *testing.T) {
	f1 := newLoopFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := f1.start(t, ctx)

	// Second loop sharing the lock must refuse to start.
	f2 := newLoopFixture(t)
	f2.loop.cfg.Lock = f1.lock
	err := f2.loop.Run(context.Background())
	if got := KindOf(err); got != KindLockFailed {
		t.Fatalf("kind = %s, want %s", got, KindLockFailed)
	}
	if got := KindOf(f2.loop.Started().Err()); got != KindLockFailed {
		t.Errorf("started cell kind = %s, want %s", got, KindLockFailed)
	}

	cancel()
	awaitExit(t, done)

	// First loop's exit released the lock.
	if !f1.lock.TryAcquire() {
		t.Error("lock not released after loop exit")
	}
}

func TestLoopReleasesLockOnStartupFailure(t *testing.T) {
	f := newLoopFixture(t)
	f.session.err = fmt.Errorf("server rejected session")

	err := f.loop.Run(context.Background())
	if err == nil {
		t.Fatal("expected startup error")
	}
	if got := f.loop.Started().Err(); got == nil {
		t.Error("started cell should carry the startup error")
	}
	if !f.lock.TryAcquire() {
		t.Error("lock not released after startup failure")
	}
	if got := f.loop.State(); got != StateStopped {
		t.Errorf("state = %s, want stopped", got)
	}
}

func TestLoopFullPullFallback(t *testing.T) {
	f := newLoopFixture(t)
	f.applier.err = fmt.Errorf("snapshot divergence: %w", ErrNeedsFullPull)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := f.start(t, ctx)

	f.events <- RemoteUpdate{Payload: json.RawMessage(`{}`)}
	// The fallback is control flow: the loop keeps running afterwards.
	f.events <- PullRemoteUpdates{}

	cancel()
	awaitExit(t, done)

	got := f.rec.snapshot()
	want := []string{"migrate", "apply", "full-pull", "pull"}
	if len(got) != len(want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("calls = %v, want %v", got, want)
		}
	}
}

func TestLoopSocketTimeoutRequestsRestart(t *testing.T) {
	f := newLoopFixture(t)
	f.pusher.err = fmt.Errorf("push failed: %w", ws.ErrTimeout)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := f.start(t, ctx)

	f.events <- LocalChangeCheck{}
	err := awaitExit(t, done)
	if got := KindOf(err); got != KindSocketTimeout {
		t.Fatalf("kind = %s, want %s", got, KindSocketTimeout)
	}
	if n := f.restart.n.Load(); n != 1 {
		t.Errorf("restart requests = %d, want 1", n)
	}
	if !f.lock.TryAcquire() {
		t.Error("lock not released after timeout exit")
	}
}

func TestLoopToleratesUnclassifiedHandlerErrors(t *testing.T) {
	f := newLoopFixture(t)
	f.pusher.err = errors.New("transient encode failure")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := f.start(t, ctx)

	f.events <- LocalChangeCheck{}
	// Still alive: the next event is dispatched normally.
	f.events <- PullRemoteUpdates{}

	if err := f.loop.Metadata().LastError(); err == nil {
		t.Error("handler error should be recorded for observers")
	}

	cancel()
	err := awaitExit(t, done)
	if !IsCancellation(err) {
		t.Errorf("expected cancellation, got %v", err)
	}

	got := f.rec.snapshot()
	if len(got) != 3 || got[2] != "pull" {
		t.Errorf("calls = %v, expected loop to continue past the failure", got)
	}
}

func TestLoopCancelRacingLaunchStopsLoop(t *testing.T) {
	// A caller abandoning a start may cancel through the metadata cell while
	// Run is still installing its cancel handle. Whichever side wins, the
	// loop must stop and release the lock.
	for i := 0; i < 50; i++ {
		f := newLoopFixture(t)
		done := make(chan error, 1)
		go func() { done <- f.loop.Run(context.Background()) }()
		go f.loop.Metadata().Cancel()

		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("loop survived a cancel issued during launch")
		}
		if !f.lock.TryAcquire() {
			t.Fatal("lock not released after cancelled launch")
		}
	}
}

func TestLoopPresenceUpdateFlowsToCell(t *testing.T) {
	f := newLoopFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := f.start(t, ctx)

	users := []UserInfo{{ID: "u1", Name: "Ada"}}
	f.events <- PresenceUpdated{OnlineUsers: users}
	// Next send proves the previous dispatch completed.
	f.events <- PullRemoteUpdates{}

	got := f.loop.Metadata().Presence.Get()
	if len(got) != 1 || got[0].ID != "u1" {
		t.Errorf("presence cell = %+v, want u1", got)
	}

	cancel()
	awaitExit(t, done)
}

func TestLoopRecordsRemoteSchemaVersion(t *testing.T) {
	f := newLoopFixture(t)
	f.session.remote = "v3.7"

	recorded := make(chan string, 1)
	f.store.onRemoteVersion = func(v string) { recorded <- v }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := f.start(t, ctx)

	select {
	case v := <-recorded:
		if v != "v3.7" {
			t.Errorf("recorded remote version %q, want v3.7", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("remote schema version never recorded")
	}

	cancel()
	awaitExit(t, done)
}
