// Package watch logs filesystem activity under a directory tree while the server runs in
// development mode.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/haukened/rr-lookup/internal/lookup/common/log"
)

// Event is one observed change.
type Event struct {
	Path string
	Op   string
}

// Watcher recursively watches a directory and logs every event.
type Watcher struct {
	root   string
	logger log.Logger
	notify func(Event)
	fsw    *fsnotify.Watcher

	closeOnce sync.Once
	closeErr  error
}

// Option customises a Watcher.
type Option func(*Watcher)

// WithNotify registers fn to be called for every event after it is logged.
func WithNotify(fn func(Event)) Option {
	return func(w *Watcher) { w.notify = fn }
}

// New watches root and every directory below it.
func New(root string, logger log.Logger, opts ...Option) (*Watcher, error) {
	if logger == nil {
		logger = log.NewNoopLogger()
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve watch directory %q: %w", root, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("watch directory %q: %w", abs, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("watch directory %q: not a directory", abs)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create filesystem watcher: %w", err)
	}

	w := &Watcher{root: abs, logger: logger, fsw: fsw}
	for _, o := range opts {
		o(w)
	}

	if err := w.addTree(abs); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	return w, nil
}

// Root returns the absolute watched directory.
func (w *Watcher) Root() string {
	return w.root
}

// Close releases the underlying watches. It is safe to call more than once and a
// later Run returns immediately.
func (w *Watcher) Close() error {
	w.closeOnce.Do(func() {
		w.closeErr = w.fsw.Close()
	})
	return w.closeErr
}

// Run logs events until ctx is cancelled, then releases the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.Close()

	w.logger.Info(map[string]any{
		"path": w.root,
	}, "Start watching directory")

	for {
		select {
		case <-ctx.Done():
			w.logger.Debug(map[string]any{"path": w.root}, "Stopped watching directory")
			return nil

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handle(ev)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn(map[string]any{
				"error": err,
			}, "Filesystem watcher error")
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := w.addTree(ev.Name); err != nil {
				w.logger.Warn(map[string]any{
					"path":  ev.Name,
					"error": err,
				}, "Failed to watch new directory")
			}
		}
	}

	e := Event{Path: ev.Name, Op: ev.Op.String()}
	w.logger.Info(map[string]any{
		"path": e.Path,
		"op":   e.Op,
	}, "Filesystem event")

	if w.notify != nil {
		w.notify(e)
	}
}

func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			// unreadable subtree
			w.logger.Warn(map[string]any{"path": path, "error": err}, "Skipping directory")
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if err := w.fsw.Add(path); err != nil {
			if path == dir {
				return fmt.Errorf("watch %q: %w", path, err)
			}
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			w.logger.Warn(map[string]any{"path": path, "error": err}, "Failed to watch directory")
		}
		return nil
	})
}
