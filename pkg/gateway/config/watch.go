package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatchOverlay re-reads the overlay at path whenever it changes and hands
// the result to onChange. It watches the parent directory so editors that
// replace the file by rename are seen. A file that fails to parse is logged
// and skipped; the last good overlay stays in effect. WatchOverlay blocks
// until ctx is done.
func WatchOverlay(ctx context.Context, path string, debounce time.Duration, logger *slog.Logger, onChange func(Overlay)) error {
	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = 200 * time.Millisecond
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fsw.Close()

	target := filepath.Clean(path)
	if err := fsw.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(target), err)
	}

	var (
		timer  *time.Timer
		reload <-chan time.Time
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
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(debounce)
			}
			reload = timer.C
		case <-reload:
			reload = nil
			ov, err := LoadOverlay(target)
			if err != nil {
				logger.Warn("config overlay rejected; keeping previous policies", "path", target, "error", err)
				continue
			}
			logger.Info("config overlay reloaded", "path", target,
				"breakers", len(ov.Breakers), "rate_limits", len(ov.RateLimits))
			onChange(ov)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			logger.Error("config watcher error", "error", err)
		}
	}
}
