package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// ReloadFunc receives every successfully reloaded configuration.
type ReloadFunc func(cfg *Config) error

// Watcher reloads a configuration file when it changes.
type Watcher struct {
	path    string
	fn      ReloadFunc
	delay   time.Duration
	logger  zerolog.Logger
	watcher *fsnotify.Watcher

	applyMu sync.Mutex
	mu      sync.Mutex
	timer   *time.Timer
	reloads int
	done    chan struct{}
}

// WatchOption configures a Watcher.
type WatchOption func(*Watcher)

// WithDebounce sets how long the watcher waits for writes to settle.
func WithDebounce(d time.Duration) WatchOption {
	return func(w *Watcher) {
		if d > 0 {
			w.delay = d
		}
	}
}

// WithLogger sets the watcher logger.
func WithLogger(logger zerolog.Logger) WatchOption {
	return func(w *Watcher) {
		w.logger = logger
	}
}

// Watch starts watching path and calls fn with every valid new version until ctx is done.
// Invalid versions are logged and skipped; the previous configuration stays active.
func Watch(ctx context.Context, path string, fn ReloadFunc, opts ...WatchOption) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	// Editors replace files by rename, so the directory is watched rather than the file.
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	w := &Watcher{
		path:    abs,
		fn:      fn,
		delay:   500 * time.Millisecond,
		logger:  zerolog.Nop(),
		watcher: fsw,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	go w.processEvents(ctx)

	w.logger.Info().Str("path", abs).Msg("Started watching configuration")
	return w, nil
}

// Done is closed when the watcher has stopped.
func (w *Watcher) Done() <-chan struct{} {
	return w.done
}

// Reloads returns the number of configurations applied so far.
func (w *Watcher) Reloads() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reloads
}

func (w *Watcher) processEvents(ctx context.Context) {
	defer close(w.done)
	defer func() {
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()
		_ = w.watcher.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			w.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Configuration file changed")

			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.timer = time.AfterFunc(w.delay, func() { w.reload(ctx) })
			w.mu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

func (w *Watcher) reload(ctx context.Context) {
	w.applyMu.Lock()
	defer w.applyMu.Unlock()
	if ctx.Err() != nil {
		return
	}

	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Error().Err(err).Msg("Reloaded configuration is invalid, keeping previous")
		return
	}
	if err := w.fn(cfg); err != nil {
		w.logger.Error().Err(err).Msg("Failed to apply reloaded configuration")
		return
	}

	w.mu.Lock()
	w.reloads++
	w.mu.Unlock()
	w.logger.Info().Str("path", w.path).Msg("Configuration reloaded")
}
