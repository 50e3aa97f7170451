package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/asheshgoplani/shellpulse/internal/logging"
)

var configLog = logging.ForComponent(logging.CompConfig)

// DefaultReloadDebounce coalesces editor write bursts into one reload.
const DefaultReloadDebounce = 250 * time.Millisecond

// Watcher reloads a config file when it changes on disk. The parent
// directory is watched so editors that save by rename are still seen.
type Watcher struct {
	path     string
	debounce time.Duration
	onReload func(*Config, error)
	watcher  *fsnotify.Watcher

	mu    sync.Mutex
	timer *time.Timer
}

// NewWatcher creates a watcher for path. onReload receives the freshly
// decoded config, or the parse error.
func NewWatcher(path string, onReload func(*Config, error)) (*Watcher, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	return &Watcher{
		path:     filepath.Clean(path),
		debounce: DefaultReloadDebounce,
		onReload: onReload,
		watcher:  fw,
	}, nil
}

// SetDebounce changes the reload delay. Call before Run.
func (w *Watcher) SetDebounce(d time.Duration) {
	if d > 0 {
		w.debounce = d
	}
}

// Run watches until ctx is cancelled and then closes the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.close()

	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		configLog.Warn("config_watch_add_failed",
			slog.String("dir", dir),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			w.schedule()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			configLog.Warn("config_watch_error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	cfg, err := LoadFile(w.path)
	if err != nil {
		configLog.Warn("config_reload_failed",
			slog.String("path", w.path),
			slog.String("error", err.Error()),
		)
	} else {
		configLog.Info("config_reloaded", slog.String("path", w.path))
		invalidate()
	}
	if w.onReload != nil {
		w.onReload(cfg, err)
	}
}

func (w *Watcher) close() {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.mu.Unlock()
	_ = w.watcher.Close()
}

func invalidate() {
	cacheMu.Lock()
	cache = nil
	cacheMu.Unlock()
}
