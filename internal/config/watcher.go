package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ReloadHook receives the freshly loaded snapshot after a successful reload.
type ReloadHook func(*Config)

// Watcher reloads the config file on change and fans the new snapshot out
// to registered hooks. A running Controller keeps its construction-time
// snapshot; hooks typically swap the config used for future runs.
type Watcher struct {
	path    string
	logger  *zap.Logger
	watcher *fsnotify.Watcher

	mu      sync.Mutex
	hooks   []ReloadHook
	current *Config

	stopCh  chan struct{}
	stopped sync.Once
}

// NewWatcher starts watching path. The initial snapshot must already have
// been loaded by the caller.
func NewWatcher(path string, initial *Config, logger *zap.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: editors replace files atomically, which drops
	// a direct file watch.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, err
	}
	w := &Watcher{
		path:    path,
		logger:  logger,
		watcher: fw,
		current: initial,
		stopCh:  make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// OnReload registers a hook invoked after every successful reload.
func (w *Watcher) OnReload(h ReloadHook) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.hooks = append(w.hooks, h)
}

// Current returns the latest snapshot.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop ends the watch loop.
func (w *Watcher) Stop() {
	w.stopped.Do(func() {
		close(w.stopCh)
		w.watcher.Close()
	})
}

func (w *Watcher) loop() {
	// Debounce bursts of write events from editors and config mounts.
	var pending <-chan time.Time
	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(200 * time.Millisecond)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Config watch error", zap.Error(err))
		case <-pending:
			pending = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := LoadFile(w.path)
	if err != nil {
		w.logger.Warn("Config reload rejected", zap.String("path", w.path), zap.Error(err))
		return
	}
	w.mu.Lock()
	w.current = cfg
	hooks := make([]ReloadHook, len(w.hooks))
	copy(hooks, w.hooks)
	w.mu.Unlock()

	w.logger.Info("Config reloaded", zap.String("path", w.path))
	for _, h := range hooks {
		h(cfg)
	}
}
