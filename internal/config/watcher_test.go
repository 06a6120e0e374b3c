package config

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const watcherSeedConfig = `
server:
  listen: "127.0.0.1:8484"
keys:
  openai:
    secrets: "sk-one"
`

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func startWatcher(t *testing.T, path string) *Watcher {
	t.Helper()
	w, err := NewWatcher(path, WithDebounceDelay(20*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Watch(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = w.Close()
	})
	return w
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keymux.yaml")
	writeConfig(t, path, watcherSeedConfig)

	w := startWatcher(t, path)

	var got atomic.Pointer[Config]
	w.OnReload(func(cfg *Config) error {
		got.Store(cfg)
		return nil
	})

	writeConfig(t, path, watcherSeedConfig+"logging:\n  level: debug\n")

	require.Eventually(t, func() bool {
		cfg := got.Load()
		return cfg != nil && cfg.Logging.Level == "debug"
	}, 3*time.Second, 20*time.Millisecond)
}

func TestWatcherRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keymux.yaml")
	writeConfig(t, path, watcherSeedConfig)

	w := startWatcher(t, path)

	var reloads atomic.Int32
	w.OnReload(func(*Config) error {
		reloads.Add(1)
		return nil
	})

	// No listen address and no keys. Parse succeeds, validation fails.
	writeConfig(t, path, "logging:\n  level: info\n")

	time.Sleep(300 * time.Millisecond)
	assert.Zero(t, reloads.Load(), "invalid config must not reach callbacks")
}

func TestWatcherIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keymux.yaml")
	writeConfig(t, path, watcherSeedConfig)

	w := startWatcher(t, path)

	var reloads atomic.Int32
	w.OnReload(func(*Config) error {
		reloads.Add(1)
		return nil
	})

	writeConfig(t, filepath.Join(dir, "unrelated.yaml"), "noise: true\n")

	time.Sleep(300 * time.Millisecond)
	assert.Zero(t, reloads.Load())
}

func TestWatcherCloseIsTerminal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keymux.yaml")
	writeConfig(t, path, watcherSeedConfig)

	w, err := NewWatcher(path)
	require.NoError(t, err)
	assert.Equal(t, path, w.Path())

	require.NoError(t, w.Close())
	assert.ErrorIs(t, w.Close(), ErrWatcherClosed)
}

func TestRuntimeSwapsAtomically(t *testing.T) {
	first := validConfig()
	rt := NewRuntime(first)
	assert.Same(t, first, rt.Get())

	second := validConfig()
	second.Logging.Level = "debug"
	rt.Store(second)
	assert.Same(t, second, rt.Get())
}
