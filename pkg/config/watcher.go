package config

import (
	"context"
	"fmt"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// ReloadFunc receives the freshly validated configuration after a file
// change.
type ReloadFunc func(cfg *Config)

// Watcher hot-reloads the configuration file. A change that fails to
// parse or validate is logged and discarded; the previous configuration
// stays active.
type Watcher struct {
	path    string
	logger  zerolog.Logger
	watcher *fsnotify.Watcher

	mu      sync.RWMutex
	current *Config
}

// NewWatcher loads the initial configuration and prepares the file
// watcher.
func NewWatcher(path string, logger zerolog.Logger) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	return &Watcher{
		path:    path,
		logger:  logger.With().Str("component", "config-watcher").Logger(),
		current: cfg,
	}, nil
}

// Current returns the most recently loaded valid configuration.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Watch starts watching the file and invokes reload on each valid
// change. It returns once the watcher is installed; events are processed
// in the background until the context is cancelled.
func (w *Watcher) Watch(ctx context.Context, reload ReloadFunc) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(w.path); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch config file: %w", err)
	}
	w.watcher = watcher

	go w.processEvents(ctx, reload)

	w.logger.Info().Str("path", w.path).Msg("watching config file")
	return nil
}

func (w *Watcher) processEvents(ctx context.Context, reload ReloadFunc) {
	defer w.watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			cfg, err := Load(w.path)
			if err != nil {
				w.logger.Error().Err(err).Msg("config reload failed, keeping previous config")
				continue
			}

			w.mu.Lock()
			w.current = cfg
			w.mu.Unlock()

			w.logger.Info().
				Int("repositories", len(cfg.Sync.Repositories)).
				Msg("config reloaded")
			if reload != nil {
				reload(cfg)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("config watcher error")
		}
	}
}
