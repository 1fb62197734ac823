package config

import (
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// WatchRoster watches path for edits and logs a notice when it changes.
// Per §11 this is informational only: a running role set is never
// hot-swapped mid-run. The returned watcher's Close method stops watching.
func WatchRoster(path string, log *slog.Logger) (*fsnotify.Watcher, error) {
	if log == nil {
		log = slog.Default()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, err
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					log.Info("roster file changed on disk; restart the run to pick up new roles", "path", event.Name)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn("roster watch error", "error", err)
			}
		}
	}()

	return watcher, nil
}
