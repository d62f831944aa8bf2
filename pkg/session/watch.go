package session

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch evicts cached sessions whose files change on disk, so edits made by
// another party show up on the next read. It blocks until ctx is done. For
// backends other than FileBackend it returns immediately.
func (s *Store) Watch(ctx context.Context) error {
	fb, ok := s.backend.(*FileBackend)
	if !ok {
		return nil
	}
	return fb.Watch(ctx, s.Invalidate)
}

// Watch calls onChange with the session id of every session file that is
// created, written, renamed or removed, until ctx is done.
func (b *FileBackend) Watch(ctx context.Context, onChange func(id string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(b.dir); err != nil {
		return fmt.Errorf("watch %s: %w", b.dir, err)
	}
	slog.Debug("watching history dir", "dir", b.dir)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			id, ok := idFromFileName(filepath.Base(event.Name))
			if !ok {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				onChange(id)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("history watcher error", "err", err)
		}
	}
}
