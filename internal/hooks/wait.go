package hooks

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
)

// WaitForUnlock blocks until the lock file at locksDir for dirKey is
// removed (another supervisor finished) or ctx is cancelled, using fsnotify
// instead of busy-polling the lock file's existence.
func WaitForUnlock(ctx context.Context, locksDir, dirKey string) error {
	path := filepath.Join(locksDir, hashDirKey(dirKey)+".lock")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("hooks: create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(locksDir); err != nil {
		return fmt.Errorf("hooks: watch locks dir: %w", err)
	}

	// The lock may have been released between the Stat above and Add
	// above; re-check once watching is established.
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-watcher.Events:
			if ev.Name == path && (ev.Op&fsnotify.Remove != 0 || ev.Op&fsnotify.Rename != 0) {
				return nil
			}
		case err := <-watcher.Errors:
			return fmt.Errorf("hooks: watch error: %w", err)
		case <-time.After(500 * time.Millisecond):
			if _, err := os.Stat(path); os.IsNotExist(err) {
				return nil
			}
		}
	}
}

// RunID mints a unique identifier for one supervisor invocation, used to
// correlate status-manager transitions and log lines across a single
// session.
func RunID() string {
	return uuid.NewString()
}
