package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/luthien-dev/luthien-proxy/internal/policy"
)

// PolicyWatcher reloads the policy file when it changes on disk and hands the
// new instance to registered callbacks. Editor save dances (rename, truncate,
// double write) are debounced and deduplicated by modification time.
type PolicyWatcher struct {
	path    string
	watcher *fsnotify.Watcher

	mu          sync.Mutex
	callbacks   []func(policy.Policy)
	running     bool
	stopCh      chan struct{}
	lastModTime time.Time
}

// NewPolicyWatcher creates a watcher for the policy file at path.
func NewPolicyWatcher(path string) (*PolicyWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	return &PolicyWatcher{
		path:    path,
		watcher: w,
		stopCh:  make(chan struct{}),
	}, nil
}

// OnReload registers a callback invoked with each successfully loaded policy.
func (w *PolicyWatcher) OnReload(cb func(policy.Policy)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, cb)
}

// Start begins watching. Watching the directory survives rename-based saves.
func (w *PolicyWatcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("watcher already running")
	}

	if stat, err := os.Stat(w.path); err == nil {
		w.lastModTime = stat.ModTime()
	}
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch policy config dir: %w", err)
	}

	w.running = true
	go w.watchLoop()
	return nil
}

// Stop terminates the watcher.
func (w *PolicyWatcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return nil
	}
	w.running = false
	close(w.stopCh)
	return w.watcher.Close()
}

func (w *PolicyWatcher) watchLoop() {
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Name != w.path || event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(500*time.Millisecond, w.reload)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logrus.WithError(err).Warn("policy watcher error")

		case <-w.stopCh:
			return
		}
	}
}

func (w *PolicyWatcher) reload() {
	stat, err := os.Stat(w.path)
	if err != nil {
		return
	}
	w.mu.Lock()
	if !stat.ModTime().After(w.lastModTime) {
		w.mu.Unlock()
		return
	}
	w.lastModTime = stat.ModTime()
	callbacks := make([]func(policy.Policy), len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	p, err := LoadPolicy(w.path)
	if err != nil {
		logrus.WithError(err).Error("policy reload failed, keeping previous policy")
		return
	}
	for _, cb := range callbacks {
		cb(p)
	}
	logrus.WithField("policy", p.Name()).Info("policy reloaded")
}
