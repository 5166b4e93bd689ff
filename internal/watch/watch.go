// Package watch triggers a callback when files or directories relevant to
// the interpreter's codebase change, so the pool manager can roll a restart
// automatically instead of waiting for an operator to call restartAll.
package watch

import (
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher wraps an fsnotify watcher, coalescing bursts of events (editors
// often emit several writes per save) into a single onChange call.
type Watcher struct {
	fsw      *fsnotify.Watcher
	paths    []string
	debounce time.Duration
	logger   *slog.Logger
	onChange func()
	done     chan struct{}
}

// New creates a Watcher over the given paths (files or directories).
// onChange is invoked from the watcher's own goroutine, debounced so a
// flurry of writes to the same file collapses into one restart trigger.
func New(paths []string, debounce time.Duration, logger *slog.Logger, onChange func()) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for _, p := range paths {
		if err := fsw.Add(p); err != nil {
			fsw.Close()
			return nil, err
		}
	}
	return &Watcher{
		fsw:      fsw,
		paths:    paths,
		debounce: debounce,
		logger:   logger,
		onChange: onChange,
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching in a background goroutine.
func (w *Watcher) Start() {
	go w.run()
	w.logger.Info("file watcher started", "paths", w.paths)
}

// Stop tears down the underlying fsnotify watcher.
func (w *Watcher) Stop() {
	close(w.done)
	w.fsw.Close()
}

func (w *Watcher) run() {
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Rename) {
				continue
			}
			w.logger.Debug("file change detected", "path", ev.Name, "op", ev.Op.String())
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			timerC = timer.C
		case <-timerC:
			timerC = nil
			w.logger.Info("codebase change settled, triggering restart")
			w.onChange()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", "error", err)
		case <-w.done:
			return
		}
	}
}
