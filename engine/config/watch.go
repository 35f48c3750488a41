package config

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Change describes one observed configuration reload.
type Change struct {
	Config           File
	PreviousChecksum string
}

// Watcher hot-reloads a config file on write. Invalid intermediate states
// (editors writing partial files) are skipped silently; the previous config
// stays active.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	current File
}

// NewWatcher loads the file once and begins watching its directory (editors
// replace files rather than writing in place).
func NewWatcher(path string) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("config watcher: %w", err)
	}
	return &Watcher{path: path, watcher: fw, current: cfg}, nil
}

// Current returns the most recently loaded config.
func (w *Watcher) Current() File { return w.current }

// Run blocks, invoking onChange for each successful reload, until the
// context is canceled.
func (w *Watcher) Run(ctx context.Context, onChange func(Change)) error {
	defer func() { _ = w.watcher.Close() }()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				continue
			}
			prev := w.current.Checksum()
			if cfg.Checksum() == prev {
				continue
			}
			w.current = cfg
			if onChange != nil {
				onChange(Change{Config: cfg, PreviousChecksum: prev})
			}
		case _, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
		}
	}
}

// Close stops watching.
func (w *Watcher) Close() error { return w.watcher.Close() }
