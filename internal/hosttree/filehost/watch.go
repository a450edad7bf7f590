package filehost

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the file whenever it changes on disk, after the debounce
// window has passed without further changes. The directory is watched rather
// than the file so atomic replacements are seen. Watch returns once the
// watcher is running; it stops when ctx is done or Close is called.
func (h *Host) Watch(ctx context.Context) error {
	h.watchMu.Lock()
	defer h.watchMu.Unlock()
	if h.watcher != nil {
		return errors.New("bookmarks watcher already running")
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(h.path)); err != nil {
		_ = w.Close()
		return err
	}
	h.watcher = w

	changes := make(chan struct{}, 1)
	go h.processEvents(ctx, w, changes)
	go h.debounceLoop(ctx, changes)
	return nil
}

func (h *Host) processEvents(ctx context.Context, w *fsnotify.Watcher, changes chan<- struct{}) {
	base := filepath.Base(h.path)
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case event, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
				continue
			}
			select {
			case changes <- struct{}{}:
			default:
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			h.logger.WithError(err).Warn("bookmarks watcher error")
		}
	}
}

func (h *Host) debounceLoop(ctx context.Context, changes <-chan struct{}) {
	var timer *time.Timer
	var timerC <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case <-changes:
			if timer == nil {
				timer = time.NewTimer(h.debounce)
				timerC = timer.C
			} else {
				timer.Reset(h.debounce)
			}
		case <-timerC:
			timer = nil
			timerC = nil
			if err := h.Reload(); err != nil {
				h.logger.WithError(err).Warn("reload bookmarks file failed")
			}
		}
	}
}

// Close stops the watcher. The in-memory tree stays readable.
func (h *Host) Close() error {
	var err error
	h.stopOnce.Do(func() {
		close(h.done)
		h.watchMu.Lock()
		defer h.watchMu.Unlock()
		if h.watcher != nil {
			err = h.watcher.Close()
		}
	})
	return err
}
