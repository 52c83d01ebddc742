package credentials

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const debounceDelay = 250 * time.Millisecond

// Watch reloads the set whenever one of its files changes, until ctx is
// done. It watches the containing directories, so secrets swapped in by
// rename (editors, mounted volumes) are seen the same as in-place writes.
func (s *Set) Watch(ctx context.Context) error {
	targets := make(map[string]bool)
	dirs := make(map[string]bool)
	for _, p := range s.Paths() {
		abs, err := filepath.Abs(p)
		if err != nil {
			abs = filepath.Clean(p)
		}
		targets[abs] = true
		dirs[filepath.Dir(abs)] = true
	}
	if len(targets) == 0 {
		<-ctx.Done()
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	watching := 0
	for dir := range dirs {
		if err := w.Add(dir); err != nil {
			slog.Warn("credentials: cannot watch directory", "dir", dir, "err", err)
			continue
		}
		watching++
	}
	if watching == 0 {
		<-ctx.Done()
		return nil
	}

	// fire is nil while no reload is pending.
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if targets[filepath.Clean(ev.Name)] && ev.Op != fsnotify.Chmod {
				fire = time.After(debounceDelay)
			}
		case <-fire:
			fire = nil
			changed, err := s.Reload()
			if err != nil {
				slog.Error("credentials: reload failed", "err", err)
			}
			if len(changed) > 0 {
				slog.Info("credentials: rotated", "names", changed)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.Warn("credentials: watcher error", "err", err)
		}
	}
}
