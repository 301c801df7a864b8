// Package config provides configuration watching and hot-reload functionality
package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultDebounce is how long the watcher waits for a burst of file events to settle.
const DefaultDebounce = 500 * time.Millisecond

// Watcher watches a configuration file for changes and reloads it
type Watcher struct {
	// Configuration file path
	configFile string

	// Configuration loader
	loader *Loader

	logger   *zap.Logger
	debounce time.Duration

	// Current configuration
	config   *Config
	configMu sync.RWMutex

	// File system watcher
	fsWatcher *fsnotify.Watcher

	// Event callbacks
	callbacks   []ConfigChangeCallback
	callbacksMu sync.RWMutex

	// Context for cancellation
	ctx    context.Context
	cancel context.CancelFunc

	// Wait group for goroutines
	wg sync.WaitGroup
}

// ConfigChangeCallback is called when configuration changes
type ConfigChangeCallback func(oldConfig, newConfig *Config)

// NewWatcher loads configFile and prepares to watch it. A nil logger disables logging.
func NewWatcher(configFile string, loader *Loader, logger *zap.Logger) (*Watcher, error) {
	if _, err := FormatOf(configFile); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	absPath, err := filepath.Abs(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}

	// Load initial configuration
	config, err := loader.LoadFromFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load initial config: %w", err)
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file system watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Watcher{
		configFile: absPath,
		loader:     loader,
		logger:     logger.With(zap.String("config_file", absPath)),
		debounce:   DefaultDebounce,
		config:     config,
		fsWatcher:  fsWatcher,
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// SetDebounce changes the debounce interval; call before Start.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.debounce = d
}

// Start starts watching the configuration file. The parent directory is
// watched so editors that replace the file are followed.
func (w *Watcher) Start() error {
	if err := w.fsWatcher.Add(filepath.Dir(w.configFile)); err != nil {
		return fmt.Errorf("failed to watch config file: %w", err)
	}

	w.wg.Add(1)
	go w.watchLoop()

	w.logger.Debug("Watching configuration")
	return nil
}

// Stop stops watching the configuration file
func (w *Watcher) Stop() error {
	w.cancel()
	err := w.fsWatcher.Close()
	w.wg.Wait()
	return err
}

// GetConfig returns the current configuration
func (w *Watcher) GetConfig() *Config {
	w.configMu.RLock()
	defer w.configMu.RUnlock()
	return w.config
}

// OnConfigChange registers a callback for configuration changes
func (w *Watcher) OnConfigChange(callback ConfigChangeCallback) {
	w.callbacksMu.Lock()
	defer w.callbacksMu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Reload manually reloads the configuration
func (w *Watcher) Reload() error {
	return w.reloadConfig()
}

// watchLoop watches for file system events
func (w *Watcher) watchLoop() {
	defer w.wg.Done()

	// Debounce timer to avoid multiple reloads for rapid file changes
	var debounceTimer *time.Timer

	for {
		select {
		case <-w.ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.configFile {
				continue
			}

			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(w.debounce, func() {
					if err := w.reloadConfig(); err != nil {
						w.logger.Warn("Failed to reload config", zap.Error(err))
					}
				})
			} else if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				w.logger.Info("Config file was removed or renamed")
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Config watcher error", zap.Error(err))
		}
	}
}

// reloadConfig reloads the configuration from file
func (w *Watcher) reloadConfig() error {
	newConfig, err := w.loader.LoadFromFile(w.configFile)
	if err != nil {
		return fmt.Errorf("failed to reload config: %w", err)
	}

	w.configMu.Lock()
	oldConfig := w.config
	w.config = newConfig
	w.configMu.Unlock()

	w.notifyCallbacks(oldConfig, newConfig)

	w.logger.Info("Configuration reloaded")
	return nil
}

// notifyCallbacks runs every registered callback in order.
func (w *Watcher) notifyCallbacks(oldConfig, newConfig *Config) {
	w.callbacksMu.RLock()
	callbacks := make([]ConfigChangeCallback, len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.callbacksMu.RUnlock()

	for _, callback := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					w.logger.Error("Config change callback panicked", zap.Any("panic", r))
				}
			}()
			callback(oldConfig, newConfig)
		}()
	}
}
