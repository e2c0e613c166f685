// Package watch reloads a cached session when another process rewrites the
// session file.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/BrendanShields/spec-flow/internal/logging"
)

// DefaultDebounce collapses the write and rename events of one atomic save.
const DefaultDebounce = 100 * time.Millisecond

// Reloader re-reads state from disk.
type Reloader interface {
	Reload() error
}

// Watcher watches one file through its parent directory, since atomic
// saves replace the file and drop inode watches.
type Watcher struct {
	path     string
	target   Reloader
	debounce time.Duration
	log      *slog.Logger
	onReload func(error)
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithDebounce overrides DefaultDebounce.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) { w.debounce = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Watcher) { w.log = logging.Scoped(l, "watch") }
}

// OnReload registers a callback run after every reload attempt.
func OnReload(fn func(error)) Option {
	return func(w *Watcher) { w.onReload = fn }
}

// New creates a Watcher for path that calls target.Reload on change.
func New(path string, target Reloader, opts ...Option) *Watcher {
	w := &Watcher{
		path:     filepath.Clean(path),
		target:   target,
		debounce: DefaultDebounce,
		log:      logging.Scoped(nil, "watch"),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run blocks until ctx is done, reloading after each burst of changes to
// the watched file.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer fw.Close()

	dir := filepath.Dir(w.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}
	w.log.Debug("watching session file", "path", w.path)

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) &&
				!ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
				continue
			}
			timer.Reset(w.debounce)

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watcher error", "error", err)

		case <-timer.C:
			err := w.target.Reload()
			if err != nil {
				w.log.Warn("reload after external change failed", "error", err)
			} else {
				w.log.Debug("session reloaded after external change")
			}
			if w.onReload != nil {
				w.onReload(err)
			}
		}
	}
}
