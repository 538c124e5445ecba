package config

import (
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"onemcp/pkg/logging"
)

// ReloadFunc is invoked with the previous and newly-loaded descriptor maps
// whenever the watched file changes and parses successfully.
type ReloadFunc func(old, new map[string]ServerDescriptor)

// Manager owns the current configuration generation and watches the backing
// file with fsnotify, debouncing bursts of editor writes into one reload.
type Manager struct {
	mu         sync.RWMutex
	path       string
	current    map[string]ServerDescriptor
	generation uint64
	lazyCfg    LazyLoadingConfig

	debounce time.Duration
	onReload ReloadFunc

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
}

// NewManager loads the configuration file once, without starting a watch.
func NewManager(path string) (*Manager, error) {
	f, err := Load(path)
	if err != nil {
		return nil, err
	}
	resolved, err := f.Resolve()
	if err != nil {
		return nil, err
	}
	return &Manager{
		path:       path,
		current:    resolved,
		generation: 1,
		lazyCfg:    f.LazyLoading,
		debounce:   300 * time.Millisecond,
	}, nil
}

// Current returns the currently-active descriptor map and its generation.
func (m *Manager) Current() (map[string]ServerDescriptor, uint64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]ServerDescriptor, len(m.current))
	for k, v := range m.current {
		out[k] = v
	}
	return out, m.generation
}

// LazyLoading returns the currently-active lazyLoading configuration block.
func (m *Manager) LazyLoading() LazyLoadingConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lazyCfg
}

// Watch starts an fsnotify watch on the configuration file, invoking fn with
// (previousGeneration, newGeneration) on every successful reparse. A parse
// failure is logged and the previous generation is retained.
func (m *Manager) Watch(fn ReloadFunc) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(m.path); err != nil {
		watcher.Close()
		return err
	}

	m.mu.Lock()
	m.watcher = watcher
	m.onReload = fn
	m.stopCh = make(chan struct{})
	stopCh := m.stopCh
	m.mu.Unlock()

	go m.watchLoop(watcher, stopCh)
	return nil
}

func (m *Manager) watchLoop(watcher *fsnotify.Watcher, stopCh chan struct{}) {
	var timer *time.Timer
	reload := func() {
		if err := m.reload(); err != nil {
			logging.Error("ConfigManager", err, "reload of %s failed, retaining previous generation", m.path)
		}
	}
	for {
		select {
		case <-stopCh:
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(m.debounce, reload)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logging.Warn("ConfigManager", "watch error on %s: %v", m.path, err)
		}
	}
}

func (m *Manager) reload() error {
	f, err := Load(m.path)
	if err != nil {
		return err
	}
	resolved, err := f.Resolve()
	if err != nil {
		return err
	}

	m.mu.Lock()
	old := m.current
	m.current = resolved
	m.generation++
	m.lazyCfg = f.LazyLoading
	fn := m.onReload
	m.mu.Unlock()

	logging.Info("ConfigManager", "reloaded %s (generation now %d)", m.path, m.generation)
	if fn != nil {
		fn(old, resolved)
	}
	return nil
}

// Stop ends the file watch, if any.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopCh != nil {
		close(m.stopCh)
		m.stopCh = nil
	}
	if m.watcher != nil {
		m.watcher.Close()
		m.watcher = nil
	}
}
