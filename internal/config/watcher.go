package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// ReloadFunc is invoked with the freshly loaded config after a change
type ReloadFunc func(cfg *Config)

// Watcher watches the config file and triggers reloads on change.
// Only runtime tunables (timeouts, retry limit, sweep interval) are
// expected to take effect without a restart.
type Watcher struct {
	loader   *Loader
	onReload ReloadFunc
	logger   zerolog.Logger
	watcher  *fsnotify.Watcher
	stopCh   chan struct{}
	stopOnce sync.Once

	mu       sync.Mutex
	debounce *time.Timer
}

// NewWatcher creates a config file watcher
func NewWatcher(loader *Loader, onReload ReloadFunc, logger zerolog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	return &Watcher{
		loader:   loader,
		onReload: onReload,
		logger:   logger,
		watcher:  fw,
		stopCh:   make(chan struct{}),
	}, nil
}

// Start begins watching the config file's directory
func (w *Watcher) Start() error {
	path, err := w.loader.Path()
	if err != nil {
		return err
	}

	// Watch the directory so editor rename-and-replace writes are seen
	if err := w.watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	go w.run(filepath.Base(path))

	w.logger.Info().Str("path", path).Msg("Config watcher started")
	return nil
}

// Stop stops the watcher
func (w *Watcher) Stop() error {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
	return w.watcher.Close()
}

func (w *Watcher) run(filename string) {
	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filename {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.scheduleReload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("Config watcher error")
		}
	}
}

// scheduleReload debounces bursts of write events into a single reload
func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.debounce != nil {
		w.debounce.Stop()
	}
	w.debounce = time.AfterFunc(250*time.Millisecond, w.reload)
}

func (w *Watcher) reload() {
	cfg, err := w.loader.Load()
	if err != nil {
		w.logger.Error().Err(err).Msg("Failed to reload config")
		return
	}
	if err := cfg.Validate(); err != nil {
		w.logger.Error().Err(err).Msg("Rejected invalid config reload")
		return
	}

	w.logger.Info().Msg("Config reloaded")
	w.onReload(cfg)
}
