package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestWatcherReloadsOnWrite(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "drover.json")
	require.NoError(t, os.WriteFile(configPath, []byte(`{"server": {"port": 8080}}`), 0644))

	loader := NewLoader(configPath)

	reloaded := make(chan *Config, 1)
	w, err := NewWatcher(loader, func(cfg *Config) {
		select {
		case reloaded <- cfg:
		default:
		}
	}, zerolog.Nop())
	require.NoError(t, err)
	defer w.Stop()

	require.NoError(t, w.Start())

	// Give the watcher a moment to register before writing
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(configPath, []byte(`{"server": {"port": 9091}}`), 0644))

	select {
	case cfg := <-reloaded:
		require.Equal(t, 9091, cfg.Server.Port)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}
}

func TestWatcherIgnoresInvalidConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "drover.json")
	require.NoError(t, os.WriteFile(configPath, []byte(`{"server": {"port": 8080}}`), 0644))

	loader := NewLoader(configPath)

	reloaded := make(chan *Config, 1)
	w, err := NewWatcher(loader, func(cfg *Config) {
		reloaded <- cfg
	}, zerolog.Nop())
	require.NoError(t, err)
	defer w.Stop()

	require.NoError(t, w.Start())

	time.Sleep(100 * time.Millisecond)
	// Port 0 fails validation, so the callback must not fire
	require.NoError(t, os.WriteFile(configPath, []byte(`{"server": {"port": 0}}`), 0644))

	select {
	case <-reloaded:
		t.Fatal("invalid config should not trigger reload")
	case <-time.After(1 * time.Second):
	}
}
