package skills

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceWindow coalesces bursts of filesystem events (editors write
// several times per save) into one reload.
const debounceWindow = 500 * time.Millisecond

// Watcher reloads the skill service when any skill directory changes.
// It watches the root dirs and their immediate child dirs.
type Watcher struct {
	service *Service
	logger  *slog.Logger
}

func NewWatcher(service *Service, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{service: service, logger: logger}
}

// Run blocks until ctx is cancelled, reloading on changes.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("new watcher: %w", err)
	}
	defer fsw.Close()

	for _, dir := range w.service.dirs {
		w.addTree(fsw, dir)
	}

	var timer *time.Timer
	var timerC <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			// New skill dirs need their own watch.
			if ev.Op.Has(fsnotify.Create) {
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
					_ = fsw.Add(ev.Name)
				}
			}
			if timer == nil {
				timer = time.NewTimer(debounceWindow)
				timerC = timer.C
			} else {
				timer.Reset(debounceWindow)
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("skills watcher error", "error", err)
		case <-timerC:
			timer = nil
			timerC = nil
			if err := w.service.Reload(); err != nil {
				w.logger.Warn("skill reload reported errors", "error", err)
			} else {
				w.logger.Info("skills reloaded", "count", len(w.service.All()))
			}
		}
	}
}

func (w *Watcher) addTree(fsw *fsnotify.Watcher, dir string) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return
	}
	if err := fsw.Add(abs); err != nil {
		if !os.IsNotExist(err) {
			w.logger.Warn("skills watcher add failed", "dir", abs, "error", err)
		}
		return
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return
	}
	for _, ent := range entries {
		if ent.IsDir() {
			_ = fsw.Add(filepath.Join(abs, ent.Name()))
		}
	}
}
