package assets

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func startTestWatcher(t *testing.T, dir string) *StagingWatcher {
	t.Helper()
	w, err := NewStagingWatcher()
	if err != nil {
		t.Fatalf("NewStagingWatcher: %v", err)
	}
	if err := w.Start(dir); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { w.Stop() })
	return w
}

func TestWatcherEmitsStagedFiles(t *testing.T) {
	dir := t.TempDir()
	w := startTestWatcher(t, dir)

	if err := os.WriteFile(filepath.Join(dir, "a-3.png"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-w.Events():
		if got.AssetUUID != "a-3" {
			t.Errorf("asset uuid = %q, want a-3", got.AssetUUID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event for staged file")
	}
}

func TestWatcherIgnoresDotFiles(t *testing.T) {
	dir := t.TempDir()
	w := startTestWatcher(t, dir)

	if err := os.WriteFile(filepath.Join(dir, ".a-3.png.part"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	// A real file afterwards proves the dot file was filtered, not delayed.
	if err := os.WriteFile(filepath.Join(dir, "real.png"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-w.Events():
		if got.AssetUUID != "real" {
			t.Errorf("asset uuid = %q, want real", got.AssetUUID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event for staged file")
	}
}

func TestWatcherLifecycle(t *testing.T) {
	dir := t.TempDir()
	w := startTestWatcher(t, dir)

	if !w.IsRunning() {
		t.Error("watcher should report running")
	}
	if err := w.Start(dir); err == nil {
		t.Error("second Start should fail")
	}
	if err := w.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if w.IsRunning() {
		t.Error("watcher should report stopped")
	}
	if err := w.Stop(); err != nil {
		t.Errorf("second Stop should be a no-op, got %v", err)
	}

	// Channels close on stop.
	if _, ok := <-w.Events(); ok {
		t.Error("events channel should be closed")
	}
}
