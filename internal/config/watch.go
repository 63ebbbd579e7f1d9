package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/streamforge/supervisor/internal/log"
)

// WatchFile invokes onChange whenever path is written, created, or renamed
// (editors typically replace rather than rewrite). Events are debounced so
// a save producing several fsnotify events triggers one reload. Blocks
// until ctx is cancelled.
func WatchFile(ctx context.Context, path string, debounce time.Duration, onChange func()) error {
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	// Watch the directory: the file itself disappears during atomic saves.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}

	logger := log.WithComponent("config")
	target := filepath.Clean(path)
	var timer *time.Timer
	fire := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
		case <-fire:
			logger.Info().Str("path", path).Msg("watched file changed, reloading")
			onChange()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn().Err(err).Str("path", path).Msg("file watcher error")
		}
	}
}
