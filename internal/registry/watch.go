package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/basket/kaihost/internal/extension"
	"github.com/basket/kaihost/internal/shared"
)

const DefaultWatchDebounce = 150 * time.Millisecond

// Watch reloads extensions whose source file changed on disk and adopts new
// files dropped into the modules directory. Events are debounced per file.
// The watcher stops when ctx is done; cancel ctx before Shutdown.
func (r *Registry) Watch(ctx context.Context, debounce time.Duration) error {
	if debounce <= 0 {
		debounce = DefaultWatchDebounce
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("new watcher: %w", err)
	}
	if err := fsw.Add(r.modules); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("watch %s: %w", r.modules, err)
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer fsw.Close()

		pending := map[string]bool{}
		var timer *time.Timer
		var timerC <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
					continue
				}
				name := filepath.Base(ev.Name)
				if !extension.ValidFileName(name) {
					continue
				}
				pending[name] = true
				if timer == nil {
					timer = time.NewTimer(debounce)
				} else {
					if !timer.Stop() {
						select {
						case <-timer.C:
						default:
						}
					}
					timer.Reset(debounce)
				}
				timerC = timer.C
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				r.logger.Warn("extension watcher error", "error", err)
			case <-timerC:
				timerC = nil
				for name := range pending {
					delete(pending, name)
					r.syncFile(ctx, name)
				}
			}
		}
	}()
	return nil
}

// syncFile brings the catalog in line with one changed source file.
func (r *Registry) syncFile(ctx context.Context, name string) {
	id := extension.Stem(name)
	ctx = shared.WithExtensionID(ctx, id)
	code, err := os.ReadFile(filepath.Join(r.modules, name))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			r.logger.Warn("read changed source failed", "file", name, "error", err)
		}
		return
	}
	rec, err := r.Get(id)
	if errors.Is(err, extension.ErrNotFound) {
		if _, err := r.Install(ctx, extension.NewSourceUnit(name, code), extension.OriginDisk); err != nil {
			r.logger.Warn("adopt new source failed", "file", name, "error", err)
		}
		return
	}
	if rec.FileName != name || rec.Hash == extension.ContentHash(code) {
		return
	}
	if err := r.Reload(ctx, id); err != nil {
		r.logger.Warn("reload after source change failed", "extension", id, "error", err)
		return
	}
	r.logger.Info("extension source changed, reloaded", "extension", id)
}
