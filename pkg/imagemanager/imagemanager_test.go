package imagemanager

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/swh-oss/winery/pkg/catalog"
	"github.com/swh-oss/winery/pkg/pool"
)

func TestLocalCacheMarkAndLookup(t *testing.T) {
	cache, err := openLocalCache(t.TempDir())
	require.NoError(t, err)
	defer cache.close()

	_, found := cache.isMappedRO("i0001")
	require.False(t, found)

	require.NoError(t, cache.markMappedRO("i0001", mappedROState))

	state, found := cache.isMappedRO("i0001")
	require.True(t, found)
	require.Equal(t, mappedROState, state)
}

func newTestManager(t *testing.T) (*Manager, func()) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping image manager integration test in short mode")
	}
	dsn := os.Getenv("WINERY_TEST_DATABASE_DSN")
	if dsn == "" {
		t.Skip("WINERY_TEST_DATABASE_DSN not set")
	}

	ctx := context.Background()
	registry := catalog.NewPoolRegistry()
	cat, err := catalog.New(ctx, registry, dsn, "winery-imagemanager-test")
	require.NoError(t, err)

	imgPool, err := pool.NewDirectoryPool(t.TempDir(), 1<<20)
	require.NoError(t, err)

	mgr, err := New(cat, imgPool, t.TempDir())
	require.NoError(t, err)

	cleanup := func() {
		mgr.Close()
		cat.Close()
	}
	return mgr, cleanup
}

func TestRunOnceMapsPackedShard(t *testing.T) {
	ctx := context.Background()
	mgr, cleanup := newTestManager(t)
	defer cleanup()

	ref, err := mgr.catalog.CreateShard(ctx, catalog.StatePacked)
	require.NoError(t, err)
	require.NoError(t, mgr.pool.Create(ctx, ref.Name))
	require.NoError(t, mgr.pool.Unmap(ctx, ref.Name))

	acted, err := mgr.RunOnce(ctx, false)
	require.NoError(t, err)
	require.True(t, acted)

	mode, err := mgr.pool.Mapped(ctx, ref.Name)
	require.NoError(t, err)
	require.Equal(t, pool.MappedRO, mode)

	state, found := mgr.cache.isMappedRO(ref.Name)
	require.True(t, found)
	require.Equal(t, mappedROState, state)

	info, err := mgr.catalog.GetShardInfo(ctx, ref.ID)
	require.NoError(t, err)
	require.Contains(t, info.MappedHosts, mustHostname(t))
}

func mustHostname(t *testing.T) string {
	t.Helper()
	h, err := os.Hostname()
	require.NoError(t, err)
	return h
}
