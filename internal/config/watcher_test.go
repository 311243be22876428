package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWatcher(t *testing.T) (*Watcher, string) {
	t.Helper()
	debounce = 0
	cfg := Default()
	cfg.DataDir = t.TempDir()
	w, err := NewWatcher(cfg)
	require.NoError(t, err)
	t.Cleanup(w.Stop)
	return w, cfg.EnvPath()
}

func TestWatcherReloadAppliesRuntimeSettings(t *testing.T) {
	w, envPath := newTestWatcher(t)

	var got []Runtime
	w.OnChange(func(r Runtime) { got = append(got, r) })

	require.NoError(t, os.WriteFile(envPath, []byte("TWIN_LOG_LEVEL=warn\nTWIN_INGEST_INTERVAL=10s\nTWIN_ANALYZE_INTERVAL=60\nTWIN_SEED=99\n"), 0o600))
	w.Reload()

	cur := w.Current()
	assert.Equal(t, "warn", cur.LogLevel)
	assert.Equal(t, 10*time.Second, cur.IngestInterval)
	assert.Equal(t, time.Minute, cur.AnalyzeInterval)
	require.Len(t, got, 1)
	assert.Equal(t, cur, got[0])
	assert.Equal(t, int64(42), w.config.Seed, "non-runtime settings need a restart")

	w.Reload()
	assert.Len(t, got, 1, "unchanged file fires no callback")
}

func TestWatcherReloadKeepsSettingsOnInvalidFile(t *testing.T) {
	w, envPath := newTestWatcher(t)
	before := w.Current()

	require.NoError(t, os.WriteFile(envPath, []byte("TWIN_INGEST_INTERVAL=1m\nTWIN_ANALYZE_INTERVAL=10s\n"), 0o600))
	w.Reload()
	assert.Equal(t, before, w.Current())

	require.NoError(t, os.Remove(envPath))
	w.Reload()
	assert.Equal(t, before, w.Current())
}

func TestWatcherHandleEvents(t *testing.T) {
	w, envPath := newTestWatcher(t)
	changed := make(chan Runtime, 1)
	w.OnChange(func(r Runtime) { changed <- r })

	events := make(chan fsnotify.Event)
	errs := make(chan error)
	go w.handleEvents(events, errs)

	require.NoError(t, os.WriteFile(envPath, []byte("TWIN_LOG_LEVEL=debug\n"), 0o600))
	events <- fsnotify.Event{Name: filepath.Join(filepath.Dir(envPath), "other.txt"), Op: fsnotify.Write}
	events <- fsnotify.Event{Name: envPath, Op: fsnotify.Write}

	select {
	case r := <-changed:
		assert.Equal(t, "debug", r.LogLevel)
	case <-time.After(2 * time.Second):
		t.Fatal("reload was not triggered")
	}
}

func TestWatcherStartDetectsFileWrite(t *testing.T) {
	w, envPath := newTestWatcher(t)
	changed := make(chan Runtime, 4)
	w.OnChange(func(r Runtime) { changed <- r })
	w.Start()

	require.NoError(t, os.WriteFile(envPath, []byte("TWIN_ANALYZE_INTERVAL=45s\n"), 0o600))

	select {
	case r := <-changed:
		assert.Equal(t, 45*time.Second, r.AnalyzeInterval)
	case <-time.After(5 * time.Second):
		t.Fatal("file write was not detected")
	}
	w.Stop()
	w.Stop()
}
