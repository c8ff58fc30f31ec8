package local

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/pterm/pterm"
)

// Watcher turns filesystem events in the log directory into poll wake-ups,
// so new lines are picked up before the next poll tick
type Watcher struct {
	fsw    *fsnotify.Watcher
	wake   chan struct{}
	logger *pterm.Logger
}

// NewWatcher starts watching dir
func NewWatcher(dir string, logger *pterm.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}
	return &Watcher{
		fsw:    fsw,
		wake:   make(chan struct{}, 1),
		logger: logger,
	}, nil
}

// Wake is signalled at most once per burst of events
func (w *Watcher) Wake() <-chan struct{} {
	return w.wake
}

// Run forwards events until ctx is done, then closes the underlying watcher
func (w *Watcher) Run(ctx context.Context) {
	defer w.fsw.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(filepath.Base(ev.Name), ".log") {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			select {
			case w.wake <- struct{}{}:
			default:
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Log directory watcher error", w.logger.Args("error", err))
		}
	}
}
