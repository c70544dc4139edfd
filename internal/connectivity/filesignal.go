package connectivity

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WatchFlag mirrors the existence of a flag file into m: present means
// online. The host platform creates and removes the file on its own
// network notifications. The parent directory is watched so the file
// itself may come and go. Blocks until ctx is cancelled.
func WatchFlag(ctx context.Context, m *Monitor, path string, logger *slog.Logger) error {
	path, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("connectivity: create flag dir: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.Add(dir); err != nil {
		return fmt.Errorf("connectivity: watch %s: %w", dir, err)
	}

	apply := func() {
		_, statErr := os.Stat(path)
		switch {
		case statErr == nil:
			m.Set(true)
		case errors.Is(statErr, fs.ErrNotExist):
			m.Set(false)
		default:
			logger.Warn("connectivity: stat flag failed",
				slog.String("path", path),
				slog.String("error", statErr.Error()))
		}
	}

	apply()
	logger.Info("connectivity: flag watcher started", slog.String("path", path))

	for {
		select {
		case <-ctx.Done():
			logger.Info("connectivity: flag watcher stopped")
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != path {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				apply()
			}

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Error("connectivity: watcher error", slog.String("error", watchErr.Error()))
		}
	}
}
