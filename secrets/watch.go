package secrets

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long Watch waits for a burst of file events to
// settle before reloading.
const DefaultDebounce = 2 * time.Second

// Watch reloads the bundle whenever one of its files changes on disk, for
// example after a certificate renewal. It watches the containing
// directories so replaced files and symlinks are seen, and blocks until
// ctx ends.
func (m *Manager) Watch(ctx context.Context, debounce time.Duration) error {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	watched := make(map[string]bool, len(m.files))
	dirs := make(map[string]bool)
	for _, path := range m.files {
		path = filepath.Clean(path)
		watched[path] = true
		dirs[filepath.Dir(path)] = true
	}
	for dir := range dirs {
		if err := w.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}

	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !watched[filepath.Clean(ev.Name)] || ev.Op == fsnotify.Chmod {
				continue
			}
			m.logger.Debug("secret file changed", slog.String("file", ev.Name), slog.String("op", ev.Op.String()))
			timer.Reset(debounce)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			m.logger.Warn("secret watcher error", slog.Any("error", err))
		case <-timer.C:
			// The outcome is logged by Reload.
			<-m.Reload(ctx)
		}
	}
}
