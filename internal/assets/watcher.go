// Package assets is the binary-asset collaborator of the sync loop: a
// staging-directory watcher that turns newly staged files into pending
// transfers, and a syncer sub-loop that drains the transfer queue against
// presigned URLs.
package assets

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// StagedFile is one file that appeared or changed in the staging directory.
type StagedFile struct {
	// Path is the absolute path of the staged file.
	Path string
	// AssetUUID is the asset identity derived from the file name.
	AssetUUID string
}

// StagingWatcher watches the asset staging directory. Files the application
// stages there become pending upload transfers; the watcher only observes,
// it never moves or deletes files.
type StagingWatcher struct {
	watcher *fsnotify.Watcher
	events  chan StagedFile
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	dir     string
}

// NewStagingWatcher creates a watcher. It must be started with Start()
// before it emits events.
func NewStagingWatcher() (*StagingWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	return &StagingWatcher{
		watcher: watcher,
		events:  make(chan StagedFile, 100),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
	}, nil
}

// Start begins watching the staging directory.
func (sw *StagingWatcher) Start(dir string) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if sw.running {
		return fmt.Errorf("watcher already running")
	}
	sw.dir = dir

	if err := sw.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch staging directory %s: %w", dir, err)
	}

	sw.running = true
	sw.wg.Add(1)
	go sw.processEvents()
	return nil
}

// Stop stops watching and cleans up. It blocks until the event processing
// goroutine has exited.
func (sw *StagingWatcher) Stop() error {
	sw.mu.Lock()
	if !sw.running {
		sw.mu.Unlock()
		return nil
	}
	sw.running = false
	sw.mu.Unlock()

	close(sw.done)

	if err := sw.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}

	sw.wg.Wait()
	close(sw.events)
	close(sw.errors)
	return nil
}

// Events returns the channel of staged-file notifications. Closed on Stop.
func (sw *StagingWatcher) Events() <-chan StagedFile {
	return sw.events
}

// Errors returns the channel of watcher errors. Closed on Stop.
func (sw *StagingWatcher) Errors() <-chan error {
	return sw.errors
}

// IsRunning reports whether the watcher is currently running.
func (sw *StagingWatcher) IsRunning() bool {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return sw.running
}

func (sw *StagingWatcher) processEvents() {
	defer sw.wg.Done()

	for {
		select {
		case <-sw.done:
			return

		case event, ok := <-sw.watcher.Events:
			if !ok {
				return
			}
			if staged, ok := sw.convertEvent(event); ok {
				select {
				case sw.events <- staged:
				case <-sw.done:
					return
				}
			}

		case err, ok := <-sw.watcher.Errors:
			if !ok {
				return
			}
			select {
			case sw.errors <- err:
			case <-sw.done:
				return
			}
		}
	}
}

// convertEvent filters fsnotify traffic down to newly staged content. Only
// creates and writes matter: removes and renames mean the application
// unstaged the file, and a pending transfer for it will fail fast instead.
func (sw *StagingWatcher) convertEvent(event fsnotify.Event) (StagedFile, bool) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return StagedFile{}, false
	}

	base := filepath.Base(event.Name)
	// Partial writes land under a dot-prefixed temp name first.
	if strings.HasPrefix(base, ".") {
		return StagedFile{}, false
	}

	return StagedFile{
		Path:      event.Name,
		AssetUUID: strings.TrimSuffix(base, filepath.Ext(base)),
	}, true
}
