package ethics

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads lp from path whenever the file is rewritten. The watch is on
// the parent directory, filtered by file name, so a policy file created after
// startup still triggers its first reload. A file that no longer parses
// leaves the previous policy active. Watch returns once the watcher goroutine
// is running; it stops when ctx is cancelled.
func Watch(ctx context.Context, path string, lp *LivePolicy, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return err
	}
	name := filepath.Base(path)

	go func() {
		defer fsw.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != name {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := ReloadFromFile(lp, path); err != nil {
					logger.Error("ethics policy reload failed, keeping previous policy", "path", path, "error", err)
					continue
				}
				logger.Info("ethics policy reloaded", "path", path, "version", lp.Version())
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				logger.Error("ethics policy watcher error", "error", err)
			}
		}
	}()
	return nil
}
