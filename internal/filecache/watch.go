package filecache

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// MarkDirty forces the next SyncDirectory call for stateID to revalidate
// immediately by clearing its updated_at, bypassing needsRevalidation's
// 24h interval. WatchDirectory calls this when a local filesystem event
// fires between scheduled syncs.
func (s *Store) MarkDirty(ctx context.Context, stateID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `UPDATE directory_state SET updated_at = NULL WHERE id = ?`, stateID); err != nil {
		return fmt.Errorf("%w: marking directory_state %d dirty: %w", ErrPersistence, stateID, err)
	}

	return nil
}

// WatchDirectory supplements SyncDirectory's stat-based traverse
// comparison with an inotify-driven fast path: a local write, rename, or
// remove under root immediately marks stateID dirty instead of waiting
// for the revalidation interval to elapse. This never replaces the
// traverse comparison — a missed or coalesced event just means the next
// scheduled sync catches the change the way it always would.
// The returned stop function removes the watch and blocks until its
// goroutine has exited.
func (s *Store) WatchDirectory(ctx context.Context, root string, stateID int64) (stop func(), err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("filecache: creating watcher for %s: %w", root, err)
	}

	if err := addRecursive(watcher, root); err != nil {
		watcher.Close()

		return nil, err
	}

	done := make(chan struct{})

	go func() {
		defer close(done)

		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}

				s.handleWatchEvent(watcher, event, stateID)
			case werr, ok := <-watcher.Errors:
				if !ok {
					return
				}

				s.logger.Debug("filesystem watch error", "root", root, "error", werr.Error())
			case <-ctx.Done():
				watcher.Close()

				return
			}
		}
	}()

	stop = func() {
		watcher.Close()
		<-done
	}

	return stop, nil
}

func (s *Store) handleWatchEvent(watcher *fsnotify.Watcher, event fsnotify.Event, stateID int64) {
	const relevant = fsnotify.Write | fsnotify.Create | fsnotify.Remove | fsnotify.Rename
	if event.Op&relevant == 0 {
		return
	}

	if event.Op&fsnotify.Create != 0 {
		if info, statErr := os.Stat(event.Name); statErr == nil && info.IsDir() {
			_ = watcher.Add(event.Name)
		}
	}

	if err := s.MarkDirty(context.Background(), stateID); err != nil {
		s.logger.Debug("marking directory state dirty failed", "state_id", stateID, "error", err.Error())
	}
}

func addRecursive(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() {
			return watcher.Add(path)
		}

		return nil
	})
}
