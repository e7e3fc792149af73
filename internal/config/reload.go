package config

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Reloader keeps the telemock config current. Edits to the config file
// (picked up by fsnotify) and SIGHUP on Unix trigger a reload; callbacks
// then push the interception target, verbosity and capture write limit into
// the running components.
type Reloader struct {
	mu        sync.RWMutex
	current   *Config
	path      string
	logger    *slog.Logger
	callbacks []func(*Config)
	watcher   *fsnotify.Watcher
	stopCh    chan struct{}
}

// NewReloader creates a Reloader for the given config file path.
func NewReloader(path string, initial *Config, logger *slog.Logger) *Reloader {
	return &Reloader{
		current: initial,
		path:    path,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}
}

// Current returns the active configuration (thread-safe).
func (r *Reloader) Current() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// OnReload registers a callback that is invoked with the new config
// after a successful reload.
func (r *Reloader) OnReload(fn func(*Config)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = append(r.callbacks, fn)
}

// Start watches the config file's directory and, on Unix, SIGHUP. The
// directory is watched rather than the file so saves that replace the file
// by rename keep triggering reloads. Must be called once after NewReloader.
func (r *Reloader) Start() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		r.logger.Error("creating config watcher", "error", err)
		return
	}
	r.watcher = watcher

	dir := filepath.Dir(r.path)
	if err := watcher.Add(dir); err != nil {
		r.logger.Error("watching config directory", "dir", dir, "error", err)
		watcher.Close()
		r.watcher = nil
		return
	}

	r.logger.Info("watching config for changes", "path", r.path)

	go r.watchLoop(filepath.Clean(r.path))

	r.registerSignalHandler()
}

// Stop terminates the file watcher and signal handler.
func (r *Reloader) Stop() {
	close(r.stopCh)
	if r.watcher != nil {
		r.watcher.Close()
	}
}

// Reload loads the config from disk, validates it, and if valid swaps it
// in and notifies all registered callbacks. Returns true if the reload
// succeeded. Exported so signal handlers and tests can call it.
func (r *Reloader) Reload() bool {
	r.logger.Info("reloading configuration", "path", r.path)

	newCfg, err := Load(r.path)
	if err != nil {
		r.logger.Error("config reload failed: invalid config, keeping current",
			"path", r.path, "error", err)
		return false
	}

	r.mu.Lock()
	old := r.current
	r.current = newCfg
	callbacks := make([]func(*Config), len(r.callbacks))
	copy(callbacks, r.callbacks)
	r.mu.Unlock()

	r.logChanges(old, newCfg)

	for _, cb := range callbacks {
		cb(newCfg)
	}

	r.logger.Info("configuration reloaded successfully")
	return true
}

// watchLoop reloads after events on target settle for 300ms; a single
// save often produces several.
func (r *Reloader) watchLoop(target string) {
	var debounce *time.Timer

	for {
		select {
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(300*time.Millisecond, func() {
				r.Reload()
			})
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.logger.Error("config watcher error", "error", err)
		case <-r.stopCh:
			if debounce != nil {
				debounce.Stop()
			}
			return
		}
	}
}

// logChanges logs a summary of what changed between the old and new config.
func (r *Reloader) logChanges(old, new *Config) {
	if old.Proxy.TargetHost != new.Proxy.TargetHost {
		r.logger.Info("interception target changed",
			"old", old.Proxy.TargetHost,
			"new", new.Proxy.TargetHost,
		)
	}

	if old.Proxy.Verbose != new.Proxy.Verbose {
		r.logger.Info("interceptor verbosity changed",
			"old", old.Proxy.Verbose,
			"new", new.Proxy.Verbose,
		)
	}

	if old.Capture.MaxWritesPerSecond != new.Capture.MaxWritesPerSecond {
		r.logger.Info("capture write limit changed",
			"old", old.Capture.MaxWritesPerSecond,
			"new", new.Capture.MaxWritesPerSecond,
		)
	}

	if old.Capture.Dir != new.Capture.Dir {
		r.logger.Warn("capture.dir changed; restart required to take effect",
			"old", old.Capture.Dir,
			"new", new.Capture.Dir,
		)
	}
}
