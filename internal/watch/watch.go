// Package watch reruns a function whenever a file is rewritten.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce coalesces bursts of writes to one run.
const DefaultDebounce = 500 * time.Millisecond

// Run calls fn once, then again after path is written or replaced and has
// been quiet for debounce. Failures of fn are logged and do not stop the
// watch. Run returns when ctx is done.
func Run(ctx context.Context, path string, debounce time.Duration, fn func(ctx context.Context) error, logger *slog.Logger) error {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = fsWatcher.Close() }()

	// Watch the directory: atomic rewrites replace the file's inode.
	if err := fsWatcher.Add(filepath.Dir(absPath)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(absPath), err)
	}

	run := func() {
		if err := fn(ctx); err != nil {
			logger.Warn("watch run failed", "path", absPath, "err", err)
		}
	}
	run()

	timer := time.NewTimer(debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fsWatcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != absPath || event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			logger.Debug("watched file changed", "path", absPath, "op", event.Op.String())
			timer.Reset(debounce)
		case <-timer.C:
			run()
		case err, ok := <-fsWatcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("watch error", "path", absPath, "err", err)
		}
	}
}
