package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	logging "github.com/cronboxhq/cronbox/internal/logging"
)

// ChangeDebounce is how long to wait after a file change before reloading, so
// rapid successive writes (editors, config management tools) settle first.
const ChangeDebounce = 150 * time.Millisecond

// Watch reloads the config file whenever it changes and calls onReload with
// the fresh config. Only the dynamic subset (log level) should be applied by
// the caller; connection settings need a restart. Watch blocks until ctx is
// cancelled.
func Watch(ctx context.Context, path string, onReload func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory rather than the file: editors replace files by
	// rename, which drops a direct file watch.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return err
	}
	base := filepath.Base(path)
	logging.L_debug("config: watching for changes", "dir", dir, "file", base)

	var debounce *time.Timer
	var debounceC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return nil

		case event := <-watcher.Events:
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(ChangeDebounce)
				debounceC = debounce.C
				logging.L_debug("config: change detected, debouncing")
			} else {
				debounce.Reset(ChangeDebounce)
			}

		case <-debounceC:
			debounce = nil
			debounceC = nil
			fresh, err := Load(path)
			if err != nil {
				logging.L_error("config: reload failed, keeping previous config", "error", err)
				continue
			}
			logging.L_info("config: reloaded", "path", path)
			onReload(fresh)

		case err := <-watcher.Errors:
			logging.L_warn("config: watcher error", "error", err)
		}
	}
}
