// Package watch re-verifies audit files whenever they change on disk.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// CheckFunc is called with the path of a watched file after it changed.
type CheckFunc func(ctx context.Context, path string)

// Monitor watches a set of files through their parent directories, so a
// file that is replaced or recreated stays watched.
type Monitor struct {
	files    map[string]struct{}
	dirs     []string
	debounce time.Duration
	check    CheckFunc
	logger   *slog.Logger
}

// New returns a monitor for paths. Bursts of events on one file within
// debounce collapse into one check.
func New(paths []string, debounce time.Duration, check CheckFunc, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Monitor{files: map[string]struct{}{}, debounce: debounce, check: check, logger: logger}
	seen := map[string]bool{}
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			abs = filepath.Clean(p)
		}
		m.files[abs] = struct{}{}
		if dir := filepath.Dir(abs); !seen[dir] {
			seen[dir] = true
			m.dirs = append(m.dirs, dir)
		}
	}
	return m
}

// Run checks every file once, then blocks handling changes until ctx is
// done.
func (m *Monitor) Run(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer func() { _ = w.Close() }()
	for _, dir := range m.dirs {
		if err := w.Add(dir); err != nil {
			return fmt.Errorf("watching %s: %w", dir, err)
		}
	}
	m.logger.Info("watching audit files", "files", len(m.files), "debounce", m.debounce)

	for p := range m.files {
		m.check(ctx, p)
	}

	pending := map[string]time.Time{}
	timer := time.NewTimer(time.Hour)
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
			if _, watched := m.files[ev.Name]; !watched {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
				continue
			}
			m.logger.Debug("audit file changed", "path", ev.Name, "op", ev.Op.String())
			pending[ev.Name] = time.Now().Add(m.debounce)
			timer.Reset(m.debounce)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			m.logger.Warn("watcher error", "error", err)
		case now := <-timer.C:
			var next time.Duration
			for p, due := range pending {
				if !now.Before(due) {
					delete(pending, p)
					m.check(ctx, p)
				} else if wait := due.Sub(now); next == 0 || wait < next {
					next = wait
				}
			}
			if next > 0 {
				timer.Reset(next)
			}
		}
	}
}
