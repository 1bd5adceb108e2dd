package assets

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pagegraph/pagesync/internal/graphdb"
)

func setupTestDB(t *testing.T) *graphdb.DB {
	t.Helper()
	db, err := graphdb.Open(filepath.Join(t.TempDir(), "graph.db"))
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.InitSchema(); err != nil {
		t.Fatalf("failed to init schema: %v", err)
	}
	return db
}

// fixedURLs resolves every asset to the same URL.
type fixedURLs struct {
	url string
	err error
}

func (f *fixedURLs) AssetURL(ctx context.Context, assetUUID, action string) (string, error) {
	return f.url, f.err
}

func testLogger(t *testing.T) *log.Logger {
	t.Helper()
	return log.New(io.Discard, "", 0)
}

func TestHandlePushEnqueuesDownloads(t *testing.T) {
	db := setupTestDB(t)
	downloadDir := t.TempDir()

	s, err := NewSyncer(Config{
		DB:          db,
		URLs:        &fixedURLs{},
		DownloadDir: downloadDir,
		Logger:      testLogger(t),
	})
	if err != nil {
		t.Fatalf("NewSyncer: %v", err)
	}

	payload := json.RawMessage(`{"asset-updates":[
		{"asset-uuid":"a-1","asset-ext":"png"},
		{"asset-uuid":"a-2"},
		{"asset-uuid":""}
	]}`)
	if err := s.HandlePush(context.Background(), payload); err != nil {
		t.Fatalf("HandlePush: %v", err)
	}

	pending, err := db.TakePendingAssets(10)
	if err != nil {
		t.Fatalf("TakePendingAssets: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("got %d pending, want 2 (empty uuid skipped)", len(pending))
	}
	if pending[0].Action != "download" {
		t.Errorf("action = %q, want download", pending[0].Action)
	}
	if want := filepath.Join(downloadDir, "a-1.png"); pending[0].Path != want {
		t.Errorf("path = %q, want %q", pending[0].Path, want)
	}
}

func TestDrainUploadsStagedFile(t *testing.T) {
	db := setupTestDB(t)
	staging := t.TempDir()

	var mu sync.Mutex
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("method = %s, want PUT", r.Method)
		}
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		gotBody = body
		mu.Unlock()
	}))
	defer server.Close()

	path := filepath.Join(staging, "a-1.png")
	if err := os.WriteFile(path, []byte("png-bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := db.EnqueueAsset("a-1", "upload", path); err != nil {
		t.Fatal(err)
	}

	s, err := NewSyncer(Config{
		DB:     db,
		URLs:   &fixedURLs{url: server.URL},
		Logger: testLogger(t),
	})
	if err != nil {
		t.Fatalf("NewSyncer: %v", err)
	}
	if err := s.drainOnce(context.Background()); err != nil {
		t.Fatalf("drainOnce: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if string(gotBody) != "png-bytes" {
		t.Errorf("uploaded body = %q", gotBody)
	}

	n, err := db.PendingAssetCount()
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("pending count = %d, want 0", n)
	}
}

func TestDrainDownloadsToTargetPath(t *testing.T) {
	db := setupTestDB(t)
	downloadDir := t.TempDir()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "asset-content")
	}))
	defer server.Close()

	target := filepath.Join(downloadDir, "a-9.png")
	if err := db.EnqueueAsset("a-9", "download", target); err != nil {
		t.Fatal(err)
	}

	s, err := NewSyncer(Config{
		DB:          db,
		URLs:        &fixedURLs{url: server.URL},
		DownloadDir: downloadDir,
		Logger:      testLogger(t),
	})
	if err != nil {
		t.Fatalf("NewSyncer: %v", err)
	}
	if err := s.drainOnce(context.Background()); err != nil {
		t.Fatalf("drainOnce: %v", err)
	}

	data, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("downloaded file missing: %v", err)
	}
	if string(data) != "asset-content" {
		t.Errorf("content = %q", data)
	}
}

func TestDrainRequeuesFailedTransfers(t *testing.T) {
	db := setupTestDB(t)

	if err := db.EnqueueAsset("a-1", "download", filepath.Join(t.TempDir(), "a-1")); err != nil {
		t.Fatal(err)
	}

	s, err := NewSyncer(Config{
		DB:     db,
		URLs:   &fixedURLs{err: fmt.Errorf("presign unavailable")},
		Logger: testLogger(t),
	})
	if err != nil {
		t.Fatalf("NewSyncer: %v", err)
	}
	if err := s.drainOnce(context.Background()); err != nil {
		t.Fatalf("drainOnce: %v", err)
	}

	n, err := db.PendingAssetCount()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("pending count = %d, want 1 (re-queued)", n)
	}
}

func TestRunEnqueuesStagedFiles(t *testing.T) {
	db := setupTestDB(t)
	staging := filepath.Join(t.TempDir(), "staging")

	s, err := NewSyncer(Config{
		DB:            db,
		URLs:          &fixedURLs{err: fmt.Errorf("no transfers in this test")},
		StagingDir:    staging,
		DrainInterval: time.Hour,
		Logger:        testLogger(t),
	})
	if err != nil {
		t.Fatalf("NewSyncer: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()

	// Give the watcher a moment to attach before staging the file.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(staging, "a-7.png"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(2 * time.Second)
	for {
		n, err := db.PendingAssetCount()
		if err != nil {
			t.Fatal(err)
		}
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("staged file never enqueued")
		case <-time.After(20 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("syncer did not unwind on cancellation")
	}

	pending, err := db.TakePendingAssets(1)
	if err != nil {
		t.Fatal(err)
	}
	if pending[0].AssetUUID != "a-7" || pending[0].Action != "upload" {
		t.Errorf("pending = %+v, want upload of a-7", pending[0])
	}
}
