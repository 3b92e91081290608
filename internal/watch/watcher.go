// Package watch reloads the relay configuration when its file changes.
package watch

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/crisiscenter/crisis-relay/internal/config"
	"github.com/crisiscenter/crisis-relay/internal/pkg/logger"
)

// ApplyFunc installs a freshly loaded configuration.
type ApplyFunc func(*config.Config) error

// Watcher watches one config file and applies it after each change.
type Watcher struct {
	path  string
	apply ApplyFunc
	log   *logger.Logger

	// Editors often write a file in several steps; changes are batched.
	pendingMu  sync.Mutex
	batchTimer *time.Timer
	batchDelay time.Duration

	reloads  atomic.Int64
	failures atomic.Int64
}

// WatcherConfig configures a Watcher.
type WatcherConfig struct {
	Path       string
	Apply      ApplyFunc
	BatchDelay time.Duration // Default: 500ms
	Log        *logger.Logger
}

// NewWatcher creates a watcher for cfg.Path.
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("config path is required")
	}
	if cfg.Apply == nil {
		return nil, fmt.Errorf("apply func is required")
	}
	if cfg.BatchDelay == 0 {
		cfg.BatchDelay = 500 * time.Millisecond
	}
	if cfg.Log == nil {
		cfg.Log = logger.Default()
	}

	absPath, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, err
	}

	return &Watcher{
		path:       absPath,
		apply:      cfg.Apply,
		batchDelay: cfg.BatchDelay,
		log:        cfg.Log.WithComponent("config-watcher"),
	}, nil
}

// Run watches until ctx is done. The parent directory is watched rather
// than the file so that atomic replace-by-rename is seen.
func (w *Watcher) Run(ctx context.Context) error {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsWatcher.Close()

	if err := fsWatcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(w.path), err)
	}
	defer w.stopTimer()

	w.log.Info("Watching config for changes", "path", w.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fsWatcher.Events:
			if !ok {
				return nil
			}
			w.handleEvent(event)
		case err, ok := <-fsWatcher.Errors:
			if !ok {
				return nil
			}
			w.log.Error("Watcher error", "error", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
		return
	}

	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()
	if w.batchTimer != nil {
		w.batchTimer.Stop()
	}
	w.batchTimer = time.AfterFunc(w.batchDelay, w.reloadLogged)
}

func (w *Watcher) stopTimer() {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()
	if w.batchTimer != nil {
		w.batchTimer.Stop()
	}
}

func (w *Watcher) reloadLogged() {
	if err := w.Reload(); err != nil {
		w.log.Warn("Config reload rejected, keeping current settings", "path", w.path, "error", err)
	}
}

// Reload reads, validates and applies the file once. An invalid file is
// not applied.
func (w *Watcher) Reload() error {
	cfg, err := config.Read(w.path)
	if err == nil {
		err = cfg.Validate()
	}
	if err == nil {
		err = w.apply(cfg)
	}
	if err != nil {
		w.failures.Add(1)
		return err
	}

	w.reloads.Add(1)
	w.log.Info("Config reloaded", "path", w.path)
	return nil
}

// Stats returns the number of applied and rejected reloads.
func (w *Watcher) Stats() (reloads, failures int64) {
	return w.reloads.Load(), w.failures.Load()
}
