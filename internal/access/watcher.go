package access

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	. "github.com/laolin5564/openclaw-wechat/internal/logging"
	"github.com/laolin5564/openclaw-wechat/internal/paths"
)

// Watcher reloads the store when the allow-list or pairing code files are
// edited by another process (e.g. the CLI).
type Watcher struct {
	store   *Store
	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	once    sync.Once
	done    chan struct{}
}

// Watch starts watching the store directory.
func (s *Store) Watch(ctx context.Context) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: atomic writes replace the file inode
	if err := fw.Add(s.dir); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{
		store:   s,
		watcher: fw,
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	go w.loop(ctx)
	L_debug("access: watching for external edits", "dir", s.dir)
	return w, nil
}

// Stop ends the watch loop.
func (w *Watcher) Stop() {
	w.once.Do(func() {
		close(w.stopCh)
		w.watcher.Close()
	})
	<-w.done
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			switch filepath.Base(ev.Name) {
			case paths.AllowListFile:
				if err := w.store.reloadAllowList(); err != nil {
					L_warn("access: allow-list reload failed", "error", err)
				} else {
					L_debug("access: allow-list reloaded")
				}
			case paths.PairingCodeFile:
				if err := w.store.reloadPairingCode(); err != nil {
					L_warn("access: pairing code reload failed", "error", err)
				} else {
					L_debug("access: pairing code reloaded")
				}
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			L_warn("access: watcher error", "error", err)
		}
	}
}
