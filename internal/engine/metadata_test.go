package engine

import (
	"testing"
	"time"

	"github.com/pagegraph/pagesync/internal/ws"
)

func TestToggleFlip(t *testing.T) {
	tog := NewToggle(true)
	if !tog.Enabled() {
		t.Fatal("expected enabled")
	}
	if got := tog.Flip(); got {
		t.Error("flip should return false")
	}
	if tog.Enabled() {
		t.Error("expected disabled after flip")
	}
}

func TestPresenceCellCoalesces(t *testing.T) {
	cell := NewPresenceCell()

	// Burst of updates: one pending notification, latest value wins.
	cell.Set([]UserInfo{{ID: "u1"}})
	cell.Set([]UserInfo{{ID: "u1"}, {ID: "u2"}})

	select {
	case <-cell.Changes():
	case <-time.After(time.Second):
		t.Fatal("no change notification")
	}
	select {
	case <-cell.Changes():
		t.Fatal("burst should coalesce into one notification")
	default:
	}

	if got := cell.Get(); len(got) != 2 {
		t.Errorf("got %d users, want 2", len(got))
	}
}

func TestMetadataCancelBeforeHandleInstall(t *testing.T) {
	m := NewMetadata(ws.NewStateTracker(), NewLock(), nil, true)

	// No handle installed yet: the request must be remembered, not dropped.
	m.Cancel()

	fired := 0
	m.setCancel(func() { fired++ })
	if fired != 1 {
		t.Fatalf("early cancel fired %d times at install, want 1", fired)
	}

	m.Cancel()
	if fired != 2 {
		t.Errorf("cancel after install fired %d times, want 2", fired)
	}
}

func TestRegistryClearGuardsAgainstRaces(t *testing.T) {
	reg := NewRegistry()
	old := NewMetadata(ws.NewStateTracker(), NewLock(), nil, true)
	newer := NewMetadata(ws.NewStateTracker(), NewLock(), nil, true)

	reg.Set(old)
	reg.Set(newer)

	// The old loop's stop must not wipe the newer registration.
	reg.Clear(old)
	if got := reg.Get(); got != newer {
		t.Error("stale clear removed the newer registration")
	}

	reg.Clear(newer)
	if reg.Get() != nil {
		t.Error("registry not cleared")
	}
}
