package config

import (
	"bytes"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/wudi/filterkit/internal/logging"
	"go.uber.org/zap"
)

// Watcher watches a plugin configuration file and reports each new
// version as JSON.
type Watcher struct {
	watcher   *fsnotify.Watcher
	path      string
	callbacks []func([]byte)
	mu        sync.RWMutex
	debounce  time.Duration
	timer     *time.Timer
	last      []byte
	started   bool
	done      chan struct{}
}

// NewWatcher creates a watcher for path and loads its current contents
func NewWatcher(path string) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		watcher:  fsWatcher,
		path:     path,
		debounce: 500 * time.Millisecond,
		done:     make(chan struct{}),
	}

	data, err := LoadPluginFile(path)
	if err != nil {
		fsWatcher.Close()
		return nil, err
	}
	w.last = data

	return w, nil
}

// OnChange registers a callback for config changes
func (w *Watcher) OnChange(callback func([]byte)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Start begins watching for configuration changes
func (w *Watcher) Start() error {
	// Watch the directory so editors that replace the file are still seen
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	w.mu.Lock()
	w.started = true
	w.mu.Unlock()
	go w.watch()
	return nil
}

func (w *Watcher) watch() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.timer = time.AfterFunc(w.debounce, w.reload)
			w.mu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Error("plugin config watcher error", zap.Error(err))
		}
	}
}

// reload loads the file and notifies callbacks when the content changed
func (w *Watcher) reload() {
	data, err := LoadPluginFile(w.path)
	if err != nil {
		logging.Error("failed to reload plugin config", zap.String("path", w.path), zap.Error(err))
		return
	}

	w.mu.Lock()
	if bytes.Equal(data, w.last) {
		w.mu.Unlock()
		return
	}
	w.last = data
	callbacks := make([]func([]byte), len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	logging.Info("plugin configuration changed", zap.String("path", w.path))

	for _, cb := range callbacks {
		cb(data)
	}
}

// Current returns the last loaded configuration
func (w *Watcher) Current() []byte {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.last
}

// Stop stops watching for changes
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	started := w.started
	w.mu.Unlock()
	err := w.watcher.Close()
	if started {
		<-w.done
	}
	return err
}

// SetDebounce sets the debounce duration for file changes
func (w *Watcher) SetDebounce(d time.Duration) {
	w.mu.Lock()
	w.debounce = d
	w.mu.Unlock()
}
