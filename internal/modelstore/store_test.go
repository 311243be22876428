package modelstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internalerrors "github.com/rcourtman/substation-twin/internal/errors"
)

func newTestStore(t *testing.T, dir string) *Store {
	t.Helper()
	cfg := DefaultConfig(dir)
	cfg.DBPath = filepath.Join(dir, "models-test.db")
	store, err := NewStore(cfg)
	require.NoError(t, err)
	return store
}

func TestSaveSyncOverwritesAndVersions(t *testing.T) {
	store := newTestStore(t, t.TempDir())
	defer store.Close()
	ctx := context.Background()
	trained := time.UnixMilli(1_700_000_000_000)

	b := Bundle{AssetType: "PowerTransformer", Kind: KindAnomaly, TrainedAt: trained, SampleCount: 500, Payload: []byte(`{"v":1}`)}
	require.NoError(t, store.SaveSync(ctx, []Bundle{b}))

	got, err := store.Load(ctx, "PowerTransformer", KindAnomaly)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)
	assert.Equal(t, 500, got.SampleCount)
	assert.True(t, trained.Equal(got.TrainedAt))

	b.Payload = []byte(`{"v":2}`)
	b.SampleCount = 100
	require.NoError(t, store.SaveSync(ctx, []Bundle{b}))

	got, err = store.Load(ctx, "PowerTransformer", KindAnomaly)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, 100, got.SampleCount)
	assert.Equal(t, `{"v":2}`, string(got.Payload))

	_, err = store.Load(ctx, "PowerTransformer", KindPredictive)
	assert.ErrorIs(t, err, internalerrors.ErrNotFound)
}

func TestAsyncSaveIsDrainedOnClose(t *testing.T) {
	dir := t.TempDir()
	store := newTestStore(t, dir)

	assert.True(t, store.Save([]Bundle{
		{AssetType: "Busbar", Kind: KindAnomaly, TrainedAt: time.Now(), SampleCount: 1, Payload: []byte("a")},
		{AssetType: "Busbar", Kind: KindPredictive, TrainedAt: time.Now(), SampleCount: 1, Payload: []byte("p")},
	}))
	require.NoError(t, store.Close())

	var failures []string
	store.SetFailureHook(func(op string) { failures = append(failures, op) })
	assert.False(t, store.Save([]Bundle{{AssetType: "Busbar", Kind: KindAnomaly}}))
	assert.Equal(t, []string{"save"}, failures)

	reopened := newTestStore(t, dir)
	defer reopened.Close()
	all, err := reopened.LoadAll(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, KindAnomaly, all[0].Kind)
	assert.Equal(t, "p", string(all[1].Payload))

	stats := reopened.GetStats()
	assert.Equal(t, int64(2), stats.Bundles)
	assert.Greater(t, stats.DBSize, int64(0))
}

func TestSaveDropsWhenQueueFull(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(dir)
	store := &Store{config: cfg, writeCh: make(chan []Bundle, 1)}

	assert.True(t, store.Save([]Bundle{{AssetType: "Reactor"}}))
	assert.False(t, store.Save([]Bundle{{AssetType: "Reactor"}}))
	assert.Equal(t, int64(1), store.dropped.Load())
	assert.True(t, store.Save(nil))
}
