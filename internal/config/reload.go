package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long the reloader waits after the last write.
const DefaultDebounce = 500 * time.Millisecond

// ApplyFunc receives a freshly loaded configuration.
type ApplyFunc func(cfg *Config, hash string) error

// Reloader watches the config file and hands every valid new version to
// an ApplyFunc. Invalid files are logged and ignored, so the running
// configuration stays in effect.
type Reloader struct {
	watcher  *fsnotify.Watcher
	path     string
	apply    ApplyFunc
	logger   *slog.Logger
	debounce time.Duration
}

// NewReloader creates a file watcher for path.
func NewReloader(path string, apply ApplyFunc, logger *slog.Logger) (*Reloader, error) {
	if path == "" {
		return nil, fmt.Errorf("config: reload: no config file")
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config: reload: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create file watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("config: watch %q: %w", path, err)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Reloader{
		watcher:  watcher,
		path:     path,
		apply:    apply,
		logger:   logger,
		debounce: DefaultDebounce,
	}, nil
}

// Reload loads the file once and applies it.
func (r *Reloader) Reload() error {
	cfg, hash, err := Load(r.path)
	if err != nil {
		return err
	}
	return r.apply(cfg, hash)
}

// Run watches for file changes. Blocks until ctx is cancelled.
func (r *Reloader) Run(ctx context.Context) error {
	defer r.watcher.Close()

	var debounce *time.Timer

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return nil

		case event, ok := <-r.watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(r.debounce, func() {
					if err := r.Reload(); err != nil {
						r.logger.Warn("config reload failed", "path", r.path, "error", err)
						return
					}
					r.logger.Info("config reloaded", "path", r.path)
				})
			}

		case err, ok := <-r.watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("config watcher error", "error", err)
		}
	}
}
