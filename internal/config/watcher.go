package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Event carries the result of a config reload attempt.
type Event struct {
	Config Config
	Err    error
}

// Watcher monitors a config file and republishes the parsed Config whenever
// it changes, so run-kind profiles can be tuned without a restart.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	events   chan Event
	debounce time.Duration
}

// NewWatcher creates a watcher for the given config file.
func NewWatcher(path string) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	return &Watcher{
		path:     path,
		watcher:  fsWatcher,
		events:   make(chan Event, 4),
		debounce: 100 * time.Millisecond,
	}, nil
}

// Events returns the channel receiving reload results.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Start begins watching. Editors replace files rather than rewrite them, so
// the parent directory is watched and events filtered by name.
func (w *Watcher) Start(ctx context.Context) error {
	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("watch directory %s: %w", dir, err)
	}
	go w.run(ctx)
	return nil
}

// Stop closes the underlying watcher.
func (w *Watcher) Stop() error {
	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("close fsnotify watcher: %w", err)
	}
	return nil
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.events)
	var timer *time.Timer
	var timerC <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(evt.Name) != filepath.Clean(w.path) {
				continue
			}
			if !evt.Has(fsnotify.Write) && !evt.Has(fsnotify.Create) && !evt.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}
		case <-timerC:
			timer = nil
			timerC = nil
			cfg, err := Load(w.path)
			select {
			case w.events <- Event{Config: cfg, Err: err}:
			case <-ctx.Done():
				return
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			select {
			case w.events <- Event{Err: err}:
			case <-ctx.Done():
				return
			}
		}
	}
}
