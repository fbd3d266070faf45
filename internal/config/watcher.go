package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/austinkregel/codemd/internal/logging"
)

// Watcher reloads the config file when it changes on disk.
type Watcher struct {
	manager    *Manager
	watcher    *fsnotify.Watcher
	debounce   time.Duration
	onReload   func(*Config)
	logger     *logrus.Entry
	mu         sync.Mutex
	lastChange time.Time
}

// NewWatcher watches the manager's config directory. onReload receives the
// freshly parsed configuration; parse failures are logged and the old
// configuration stays active.
func NewWatcher(manager *Manager, debounce time.Duration, onReload func(*Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(manager.Dir()); err != nil {
		w.Close()
		return nil, err
	}
	if debounce <= 0 {
		debounce = 100 * time.Millisecond
	}
	return &Watcher{
		manager:  manager,
		watcher:  w,
		debounce: debounce,
		onReload: onReload,
		logger:   logging.NewLogger("config-watcher"),
	}, nil
}

// Start blocks until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) {
	target := filepath.Clean(w.manager.GetPath())
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				w.handleChange()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Errorf("Watcher error: %v", err)
		case <-ctx.Done():
			w.watcher.Close()
			return
		}
	}
}

func (w *Watcher) handleChange() {
	w.mu.Lock()
	if time.Since(w.lastChange) < w.debounce {
		w.mu.Unlock()
		return
	}
	w.lastChange = time.Now()
	w.mu.Unlock()

	// editors often truncate then write; give the write a moment to land
	time.Sleep(w.debounce)

	config, err := w.manager.Reload()
	if err != nil {
		w.logger.WithError(err).Warn("Ignoring config change")
		return
	}
	w.logger.Infof("Config reloaded from %s", w.manager.GetPath())
	if w.onReload != nil {
		w.onReload(config)
	}
}
