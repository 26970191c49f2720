package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDelay collapses the burst of events editors produce for one save.
const reloadDelay = 100 * time.Millisecond

// Watch reloads the config whenever one of the config files in the base
// directory changes and hands every successfully loaded config to fn. A config
// that fails to load or validate is logged and the previous one stays active.
// Watch blocks until ctx is done.
func (m *Manager) Watch(ctx context.Context, logger *slog.Logger, fn func(*Config)) error {
	if logger == nil {
		logger = slog.Default()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(m.baseDir); err != nil {
		return fmt.Errorf("watch config directory: %w", err)
	}

	watched := make(map[string]bool)
	for _, path := range m.candidates() {
		watched[filepath.Clean(path)] = true
	}

	timer := time.NewTimer(reloadDelay)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			if !watched[filepath.Clean(event.Name)] {
				continue
			}

			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}

			timer.Reset(reloadDelay)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}

			logger.Warn("Config watcher error", "error", err)
		case <-timer.C:
			cfg, err := m.Load()
			if err != nil {
				logger.Warn("Config reload failed, keeping previous config", "path", m.GetPath(), "error", err)
				continue
			}

			logger.Info("Config reloaded", "path", m.GetPath())
			fn(cfg)
		}
	}
}
