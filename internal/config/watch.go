package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// reloadDebounce collapses the burst of events an editor produces on save.
const reloadDebounce = 250 * time.Millisecond

// Watch reloads the settings for root whenever settings.yaml changes and
// passes each valid result to fn. Invalid files are logged and skipped.
// It blocks until ctx is done.
func Watch(ctx context.Context, root string, logger zerolog.Logger, fn func(*Settings)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory so editors that rename over the file still
	// trigger a reload.
	if err := watcher.Add(root); err != nil {
		return fmt.Errorf("config: watch %s: %w", root, err)
	}

	// Reload once the burst of events has settled.
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	path := Path(root)
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != FileName {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			timer.Reset(reloadDebounce)

		case <-timer.C:
			s, err := Load(root)
			if err != nil {
				logger.Error().Err(err).Str("file", path).Msg("settings reload failed")
				continue
			}
			logger.Info().Str("file", path).Msg("settings reloaded")
			fn(s)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn().Err(err).Msg("settings watcher error")

		case <-ctx.Done():
			return nil
		}
	}
}
