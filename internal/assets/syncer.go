package assets

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/pagegraph/pagesync/internal/graphdb"
)

// drainBatch bounds how many transfers one drain pass takes.
const drainBatch = 16

// URLSource resolves a pending transfer to a presigned URL. The actual
// signing lives server-side; the syncer only moves bytes.
type URLSource interface {
	AssetURL(ctx context.Context, assetUUID, action string) (string, error)
}

// Config holds the syncer's dependencies.
type Config struct {
	// DB holds the pending-transfer queue.
	DB *graphdb.DB

	// URLs resolves transfers to presigned URLs.
	URLs URLSource

	// StagingDir is watched for newly staged uploads. Empty disables the
	// watcher; push-driven downloads still work.
	StagingDir string

	// DownloadDir receives downloaded assets. Kept separate from StagingDir
	// so a finished download is never mistaken for a staged upload.
	// Defaults to a sibling "assets" directory of StagingDir.
	DownloadDir string

	// HTTP performs the byte transfers (default: http.DefaultClient).
	HTTP *http.Client

	// DrainInterval is the queue polling period (default: 5s).
	DrainInterval time.Duration

	// Logger for syncer activity.
	Logger *log.Logger
}

// Syncer drains the pending asset-transfer queue: uploads for files the
// application staged locally, downloads for assets other devices uploaded.
// It runs as a sub-loop subordinate to the sync loop and must unwind
// promptly on cancellation.
type Syncer struct {
	cfg Config
}

// NewSyncer validates the config and creates a syncer.
func NewSyncer(cfg Config) (*Syncer, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("assets: db cannot be nil")
	}
	if cfg.URLs == nil {
		return nil, fmt.Errorf("assets: url source cannot be nil")
	}
	if cfg.HTTP == nil {
		cfg.HTTP = http.DefaultClient
	}
	if cfg.DrainInterval == 0 {
		cfg.DrainInterval = 5 * time.Second
	}
	if cfg.DownloadDir == "" {
		if cfg.StagingDir != "" {
			cfg.DownloadDir = filepath.Join(filepath.Dir(cfg.StagingDir), "assets")
		} else {
			cfg.DownloadDir = "assets"
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[assets] ", log.LstdFlags)
	}
	return &Syncer{cfg: cfg}, nil
}

// Run drives the syncer until ctx is cancelled: the staging watcher feeds
// the queue, a periodic drain empties it.
func (s *Syncer) Run(ctx context.Context) error {
	var watcher *StagingWatcher
	if s.cfg.StagingDir != "" {
		if err := os.MkdirAll(s.cfg.StagingDir, 0o755); err != nil {
			return fmt.Errorf("failed to create staging directory: %w", err)
		}
		w, err := NewStagingWatcher()
		if err != nil {
			return err
		}
		if err := w.Start(s.cfg.StagingDir); err != nil {
			return err
		}
		watcher = w
		defer func() {
			if err := watcher.Stop(); err != nil {
				s.cfg.Logger.Printf("watcher stop failed: %v", err)
			}
		}()
	}

	ticker := time.NewTicker(s.cfg.DrainInterval)
	defer ticker.Stop()

	var staged <-chan StagedFile
	var watchErrs <-chan error
	if watcher != nil {
		staged = watcher.Events()
		watchErrs = watcher.Errors()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case f, ok := <-staged:
			if !ok {
				staged = nil
				continue
			}
			if err := s.cfg.DB.EnqueueAsset(f.AssetUUID, "upload", f.Path); err != nil {
				s.cfg.Logger.Printf("failed to enqueue staged asset %s: %v", f.AssetUUID, err)
			}

		case err, ok := <-watchErrs:
			if !ok {
				watchErrs = nil
				continue
			}
			s.cfg.Logger.Printf("staging watcher: %v", err)

		case <-ticker.C:
			if err := s.drainOnce(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.cfg.Logger.Printf("drain failed: %v", err)
			}
		}
	}
}

// HandlePush processes a push-asset-upload-updates notification: every
// reported asset becomes a pending download.
func (s *Syncer) HandlePush(ctx context.Context, payload json.RawMessage) error {
	var out struct {
		Updates []struct {
			AssetUUID string `json:"asset-uuid"`
			Ext       string `json:"asset-ext"`
		} `json:"asset-updates"`
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		return fmt.Errorf("failed to decode asset push: %w", err)
	}

	for _, u := range out.Updates {
		if u.AssetUUID == "" {
			continue
		}
		name := u.AssetUUID
		if u.Ext != "" {
			name += "." + u.Ext
		}
		path := filepath.Join(s.cfg.DownloadDir, name)
		if err := s.cfg.DB.EnqueueAsset(u.AssetUUID, "download", path); err != nil {
			return fmt.Errorf("failed to enqueue download for %s: %w", u.AssetUUID, err)
		}
	}
	return nil
}

// drainOnce takes one batch off the queue and performs the transfers.
// A failed transfer is re-queued for the next pass.
func (s *Syncer) drainOnce(ctx context.Context) error {
	batch, err := s.cfg.DB.TakePendingAssets(drainBatch)
	if err != nil {
		return err
	}

	for _, a := range batch {
		var err error
		switch a.Action {
		case "upload":
			err = s.upload(ctx, a)
		case "download":
			err = s.download(ctx, a)
		default:
			s.cfg.Logger.Printf("dropping pending asset %s with unknown action %q", a.AssetUUID, a.Action)
			continue
		}
		if err != nil {
			s.cfg.Logger.Printf("%s of %s failed, re-queueing: %v", a.Action, a.AssetUUID, err)
			if qerr := s.cfg.DB.EnqueueAsset(a.AssetUUID, a.Action, a.Path); qerr != nil {
				return fmt.Errorf("failed to re-queue %s: %w", a.AssetUUID, qerr)
			}
		}
	}
	return nil
}

func (s *Syncer) upload(ctx context.Context, a graphdb.PendingAsset) error {
	url, err := s.cfg.URLs.AssetURL(ctx, a.AssetUUID, "upload")
	if err != nil {
		return err
	}

	f, err := os.Open(a.Path)
	if err != nil {
		return fmt.Errorf("failed to open staged file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat staged file: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, f)
	if err != nil {
		return err
	}
	req.ContentLength = info.Size()

	resp, err := s.cfg.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("upload returned %s", resp.Status)
	}
	return nil
}

func (s *Syncer) download(ctx context.Context, a graphdb.PendingAsset) error {
	url, err := s.cfg.URLs.AssetURL(ctx, a.AssetUUID, "download")
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := s.cfg.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download returned %s", resp.Status)
	}

	if err := os.MkdirAll(filepath.Dir(a.Path), 0o755); err != nil {
		return fmt.Errorf("failed to create asset directory: %w", err)
	}

	// Write through a temp name so the watcher and the application never
	// see a half-written asset.
	tmp := filepath.Join(filepath.Dir(a.Path), "."+filepath.Base(a.Path)+".part")
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create asset file: %w", err)
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write asset: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, a.Path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to move asset into place: %w", err)
	}
	return nil
}
