package keystore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const reloadDebounce = 100 * time.Millisecond

// Watcher reloads loaded credentials when their files change.
type Watcher struct {
	store    *Store
	watcher  *fsnotify.Watcher
	stopCh   chan struct{}
	done     chan struct{}
	pending  map[uint32]struct{}
	onReload func(tag uint32, err error)
	mu       sync.Mutex
}

// Watch starts watching the store directory, which must exist. onReload,
// if non-nil, is called after each reload of a loaded tag.
func (s *Store) Watch(onReload func(tag uint32, err error)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	if err := fw.Add(s.dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", s.dir, err)
	}

	tags, err := s.Tags()
	if err != nil {
		fw.Close()
		return nil, err
	}
	for _, tag := range tags {
		// fsnotify does not recurse; each tag directory is added explicitly.
		_ = fw.Add(s.tagDir(tag))
	}

	w := &Watcher{
		store:    s,
		watcher:  fw,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
		pending:  make(map[uint32]struct{}),
		onReload: onReload,
	}
	go w.watchLoop()
	return w, nil
}

// Stop stops the watcher and waits for its loop to exit.
func (w *Watcher) Stop() {
	close(w.stopCh)
	w.watcher.Close()
	<-w.done
}

func (w *Watcher) watchLoop() {
	defer close(w.done)

	debounceTimer := time.NewTimer(0)
	<-debounceTimer.C

	for {
		select {
		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if w.handleEvent(event) {
				debounceTimer.Reset(reloadDebounce)
			}

		case <-debounceTimer.C:
			w.reloadPending()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.store.log.Warn("Watch: watcher error", zap.Error(err))
		}
	}
}

// handleEvent records the tag an event belongs to and reports whether a
// reload should be scheduled.
func (w *Watcher) handleEvent(event fsnotify.Event) bool {
	rel, err := filepath.Rel(w.store.dir, event.Name)
	if err != nil {
		return false
	}
	parts := splitPath(rel)
	if len(parts) == 0 {
		return false
	}
	tag, err := ParseTag(parts[0])
	if err != nil {
		return false
	}

	// A new tag directory needs its own watch.
	if len(parts) == 1 && event.Op&fsnotify.Create != 0 {
		if fi, err := os.Stat(event.Name); err == nil && fi.IsDir() {
			_ = w.watcher.Add(event.Name)
		}
		return false
	}

	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return false
	}

	if _, err := w.store.Credential(tag); err != nil {
		return false
	}

	w.mu.Lock()
	w.pending[tag] = struct{}{}
	w.mu.Unlock()
	return true
}

func (w *Watcher) reloadPending() {
	w.mu.Lock()
	tags := make([]uint32, 0, len(w.pending))
	for tag := range w.pending {
		tags = append(tags, tag)
	}
	w.pending = make(map[uint32]struct{})
	w.mu.Unlock()

	for _, tag := range tags {
		// Unloaded while the timer was running.
		if _, err := w.store.Credential(tag); err != nil {
			continue
		}
		err := w.store.Load(tag)
		if err == nil {
			w.store.log.Info("Watch: credential reloaded", zap.Uint32("sec_tag", tag))
		}
		if w.onReload != nil {
			w.onReload(tag, err)
		}
	}
}

func splitPath(rel string) []string {
	rel = filepath.ToSlash(filepath.Clean(rel))
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return nil
	}
	return strings.Split(rel, "/")
}
