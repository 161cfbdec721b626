// Copyright 2024-2026 Aiku AI

package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// WatchDebounce is how long Watch waits after the last change event before
// reloading. Editors often write a file in several steps.
var WatchDebounce = 500 * time.Millisecond

// Watch reloads the config file whenever it changes on disk and passes the
// result to onChange. Files that fail to load are logged and ignored. The
// containing directory is watched so that atomic replace-by-rename is seen.
// Watch blocks until ctx is done.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	log := zerolog.Ctx(ctx).With().Str("component", "config_watcher").Logger()
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve config path: %w", err)
	}
	if err = watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case evt, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(evt.Name) != abs {
				continue
			}
			if !evt.Has(fsnotify.Write) && !evt.Has(fsnotify.Create) && !evt.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(WatchDebounce)
			} else {
				timer.Reset(WatchDebounce)
			}
			fire = timer.C
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("Config watcher error")
		case <-fire:
			fire = nil
			cfg, err := Load(path, false)
			if err != nil {
				log.Err(err).Msg("Failed to reload config, keeping previous routes")
				continue
			}
			log.Info().Msg("Config file changed, reloading")
			onChange(cfg)
		}
	}
}
