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

func writeConfig(t *testing.T, path string, attempts string) {
	t.Helper()
	content := "retry:\n  maxAttempts: " + attempts + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestWatcher_ReloadsOnChange(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "flusso.yaml")
	writeConfig(t, path, "2")

	var reloaded atomic.Int32
	var lastAttempts atomic.Int32
	w, err := NewWatcher(path, func(cfg *Config) {
		lastAttempts.Store(int32(cfg.Retry.MaxAttempts))
		reloaded.Add(1)
	}, WithDebounceDelay(10*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, w.Start(ctx))
	defer func() { _ = w.Stop() }()

	assert.Equal(t, 2, w.LastConfig().Retry.MaxAttempts)

	writeConfig(t, path, "5")

	assert.Eventually(t, func() bool {
		return lastAttempts.Load() == 5
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 5, w.LastConfig().Retry.MaxAttempts)
	assert.GreaterOrEqual(t, reloaded.Load(), int32(1))
}

func TestWatcher_InvalidReloadKeepsLastConfig(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "flusso.yaml")
	writeConfig(t, path, "2")

	var failures atomic.Int32
	w, err := NewWatcher(path, nil,
		WithDebounceDelay(10*time.Millisecond),
		WithErrorFunc(func(error) { failures.Add(1) }),
	)
	require.NoError(t, err)

	require.NoError(t, w.Start(context.Background()))
	defer func() { _ = w.Stop() }()

	writeConfig(t, path, "0")

	assert.Eventually(t, func() bool {
		return failures.Load() > 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.NotZero(t, w.LastConfig().Retry.MaxAttempts)
}

func TestWatcher_StartFailsOnInvalidFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "flusso.yaml")
	writeConfig(t, path, "0")

	w, err := NewWatcher(path, nil)
	require.NoError(t, err)

	assert.Error(t, w.Start(context.Background()))
	assert.NoError(t, w.Stop())
}

func TestWatcher_ForceReload(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "flusso.yaml")
	writeConfig(t, path, "3")

	var called atomic.Bool
	w, err := NewWatcher(path, func(*Config) { called.Store(true) })
	require.NoError(t, err)
	defer func() { _ = w.Stop() }()

	require.NoError(t, w.ForceReload())
	assert.True(t, called.Load())
	assert.Equal(t, 3, w.LastConfig().Retry.MaxAttempts)
}
