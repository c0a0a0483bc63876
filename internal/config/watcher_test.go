package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startWatcher(t *testing.T, path string) (*Watcher, func() []*Config) {
	t.Helper()
	var mu sync.Mutex
	var got []*Config
	w, err := NewWatcher(path, func(c *Config) {
		mu.Lock()
		got = append(got, c)
		mu.Unlock()
	}, WithDebounce(50*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(w.Stop)

	return w, func() []*Config {
		mu.Lock()
		defer mu.Unlock()
		return append([]*Config(nil), got...)
	}
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "triangulum.yaml")
	require.NoError(t, DefaultConfig().Save(path))

	_, reloads := startWatcher(t, path)

	cfg := DefaultConfig()
	cfg.Admission.Kp = 0.9
	require.NoError(t, cfg.Save(path))

	require.Eventually(t, func() bool { return len(reloads()) > 0 }, 5*time.Second, 20*time.Millisecond)
	got := reloads()
	assert.Equal(t, 0.9, got[len(got)-1].Admission.Kp)
}

func TestWatcherDebouncesBurst(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "triangulum.yaml")
	require.NoError(t, DefaultConfig().Save(path))

	w, reloads := startWatcher(t, path)

	cfg := DefaultConfig()
	for i := 1; i <= 5; i++ {
		cfg.Admission.Setpoint = float64(i)
		require.NoError(t, cfg.Save(path))
	}

	require.Eventually(t, func() bool { return len(reloads()) > 0 }, 5*time.Second, 20*time.Millisecond)
	got := reloads()
	assert.Equal(t, 5.0, got[len(got)-1].Admission.Setpoint)
	assert.Less(t, w.Stats().Reloads, w.Stats().Events, "a burst of writes collapses into fewer reloads")
}

func TestWatcherRejectsInvalidConfig(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "triangulum.yaml")
	require.NoError(t, DefaultConfig().Save(path))

	w, reloads := startWatcher(t, path)

	require.NoError(t, os.WriteFile(path, []byte("capacity:\n  pool_size: 0\n"), 0644))

	require.Eventually(t, func() bool { return w.Stats().Rejected > 0 }, 5*time.Second, 20*time.Millisecond)
	assert.Empty(t, reloads())
	assert.Contains(t, w.Stats().LastError, "pool_size")
}

func TestWatcherIgnoresSiblingFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "triangulum.yaml")
	require.NoError(t, DefaultConfig().Save(path))

	w, _ := startWatcher(t, path)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x: 1"), 0644))

	time.Sleep(150 * time.Millisecond)
	assert.Zero(t, w.Stats().Events)
}

func TestWatcherStopIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "triangulum.yaml")
	w, err := NewWatcher(path, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	w.Stop()
}
