package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ArtifactWatcher watches a file on disk, such as model weights, and calls a
// callback when its size or modification time changes. Filesystem events
// trigger an immediate check; a polling ticker covers mounts that do not
// deliver events.
type ArtifactWatcher struct {
	path     string
	interval time.Duration
	onChange func()

	mu        sync.Mutex
	lastMtime time.Time
	lastSize  int64
}

// WatcherOption configures an [ArtifactWatcher].
type WatcherOption func(*ArtifactWatcher)

// WithInterval sets the polling interval. The default is 30 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *ArtifactWatcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewArtifactWatcher records the current state of path. The file must exist.
// Call [ArtifactWatcher.Run] to start polling.
func NewArtifactWatcher(path string, onChange func(), opts ...WatcherOption) (*ArtifactWatcher, error) {
	w := &ArtifactWatcher{
		path:     path,
		interval: 30 * time.Second,
		onChange: onChange,
	}
	for _, opt := range opts {
		opt(w)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: watch %q: %w", path, err)
	}
	w.lastMtime = info.ModTime()
	w.lastSize = info.Size()
	return w, nil
}

// Run watches until ctx is cancelled. When filesystem notifications are
// unavailable it falls back to polling alone.
func (w *ArtifactWatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	var (
		events <-chan fsnotify.Event
		errs   <-chan error
	)
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("artifact watcher: notifications unavailable, polling only", "path", w.path, "err", err)
	} else {
		defer fw.Close()
		// Watch the directory so atomic replaces (rename over) are seen.
		if err := fw.Add(filepath.Dir(w.path)); err != nil {
			slog.Warn("artifact watcher: cannot watch directory, polling only", "path", w.path, "err", err)
		} else {
			events, errs = fw.Events, fw.Errors
		}
	}

	target := filepath.Clean(w.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.Check()
		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				w.Check()
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			slog.Warn("artifact watcher: notification error", "path", w.path, "err", err)
		}
	}
}

// Check stats the file once and fires the callback if it changed. It
// reports whether a change was detected.
func (w *ArtifactWatcher) Check() bool {
	info, err := os.Stat(w.path)
	if err != nil {
		// Mid-replace; the next tick sees the new file.
		slog.Warn("artifact watcher: cannot stat file", "path", w.path, "err", err)
		return false
	}

	w.mu.Lock()
	if info.ModTime().Equal(w.lastMtime) && info.Size() == w.lastSize {
		w.mu.Unlock()
		return false
	}
	w.lastMtime = info.ModTime()
	w.lastSize = info.Size()
	w.mu.Unlock()

	slog.Info("artifact watcher: file changed", "path", w.path, "size", info.Size())

	// Invoke the callback outside the lock.
	if w.onChange != nil {
		w.onChange()
	}
	return true
}
