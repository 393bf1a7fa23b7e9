package cache

import (
	"conductor/log"
	"fmt"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher eagerly invalidates cache entries when one of their tracked source
// files changes on disk, instead of waiting for a lazy check at lookup time.
type Watcher struct {
	store   *Store
	fsw     *fsnotify.Watcher
	mu      sync.Mutex
	watched map[string]bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewWatcher creates a watcher over the given store.
func NewWatcher(store *Store) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	return &Watcher{
		store:   store,
		fsw:     fsw,
		watched: make(map[string]bool),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}, nil
}

// Start begins watching the store's tracked files. Files tracked by entries
// written after Start can be added with Refresh.
func (w *Watcher) Start() error {
	if err := w.Refresh(); err != nil {
		return err
	}
	go w.loop()
	return nil
}

// Refresh registers any newly tracked files with the underlying watcher.
func (w *Watcher) Refresh() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, path := range w.store.TrackedFiles() {
		if w.watched[path] {
			continue
		}
		if err := w.fsw.Add(path); err != nil {
			log.WarningLog.Printf("failed to watch %s: %v", path, err)
			continue
		}
		w.watched[path] = true
	}
	return nil
}

// Stop shuts the watcher down and waits for its loop to exit.
func (w *Watcher) Stop() {
	close(w.stopCh)
	_ = w.fsw.Close()
	<-w.doneCh
}

func (w *Watcher) loop() {
	defer close(w.doneCh)

	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Remove|fsnotify.Rename|fsnotify.Chmod) != 0 {
				if n := w.store.InvalidateFile(event.Name); n > 0 {
					log.InfoLog.Printf("invalidated %d cache entries after change to %s", n, event.Name)
				}
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.WarningLog.Printf("file watcher error: %v", err)
		}
	}
}
