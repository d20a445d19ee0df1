package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the configuration file when it changes on disk and hands
// every successfully validated config to OnChange.
type Watcher struct {
	path     string
	logger   *slog.Logger
	onChange func(*Config)
	debounce time.Duration

	mu      sync.Mutex
	current *Config
}

// WatcherOption configures a Watcher
type WatcherOption func(*Watcher)

// WithDebounce sets how long the watcher waits for a burst of events to settle.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// NewWatcher creates a watcher for path. current is the config already in use.
func NewWatcher(path string, current *Config, onChange func(*Config), logger *slog.Logger, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		path:     path,
		logger:   logger,
		onChange: onChange,
		debounce: 250 * time.Millisecond,
		current:  current,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Current returns the last config that was loaded successfully
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run watches until ctx is cancelled. The parent directory is watched so that
// editors replacing the file via rename are still noticed.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer fsw.Close()

	dir := filepath.Dir(w.path)
	if err := fsw.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	target := filepath.Clean(w.path)
	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			w.reload()

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("Config watcher error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Error("Ignoring invalid configuration change",
			slog.String("path", w.path),
			slog.String("error", err.Error()),
		)
		return
	}

	w.mu.Lock()
	w.current = cfg
	w.mu.Unlock()

	w.logger.Info("Configuration reloaded", slog.String("path", w.path))
	if w.onChange != nil {
		w.onChange(cfg)
	}
}
