package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce collapses the burst of events editors emit for a single save.
const reloadDebounce = 250 * time.Millisecond

// Watch reloads the configuration file at path whenever it changes and
// passes each valid result to onChange. Invalid files are logged and
// ignored so the previous configuration stays in effect.
//
// The parent directory is watched rather than the file itself so that
// editors replacing the file by rename keep triggering reloads.
// Watch blocks until ctx is cancelled.
func Watch(ctx context.Context, path string, ov Overrides, logger *slog.Logger, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	target, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watch config directory: %w", err)
	}

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return errors.New("config watcher closed")
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
			} else {
				timer.Reset(reloadDebounce)
			}
			fire = timer.C

		case err, ok := <-watcher.Errors:
			if !ok {
				return errors.New("config watcher closed")
			}
			logger.Warn("config watcher error", "error", err.Error())

		case <-fire:
			fire = nil
			cfg, err := LoadWithOverrides(target, ov)
			if err != nil {
				logger.Warn("config reload rejected", "path", target, "error", err.Error())
				continue
			}
			logger.Info("config reloaded", "path", target)
			onChange(cfg)
		}
	}
}
