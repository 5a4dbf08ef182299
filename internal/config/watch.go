package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the config file whenever it changes on disk and hands the
// new value to apply. Editors often replace files instead of writing them in
// place, so the parent directory is watched and events are filtered by name.
// Blocks until ctx is canceled.
func Watch(ctx context.Context, path string, apply func(*Config), logger *slog.Logger) {
	logger = logger.With(slog.String("component", "config-watcher"))

	w, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("config hot reload unavailable", "error", err)
		return
	}
	defer w.Close() //nolint:errcheck

	if err := w.Add(filepath.Dir(path)); err != nil {
		logger.Warn("watching config directory", "path", path, "error", err)
		return
	}

	// Coalesce the burst of events a single save produces.
	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}

	target := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			debounce.Reset(250 * time.Millisecond)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			logger.Error("config watcher error", "error", err)
		case <-debounce.C:
			cfg, err := Load(path)
			if err != nil {
				logger.Error("reloading config", "path", path, "error", err)
				continue
			}
			logger.Info("config reloaded", "path", path)
			apply(cfg)
		}
	}
}
