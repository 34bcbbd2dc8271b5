package packer

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/swh-oss/winery/pkg/catalog"
	"github.com/swh-oss/winery/pkg/config"
	"github.com/swh-oss/winery/pkg/objectid"
	"github.com/swh-oss/winery/pkg/pool"
	"github.com/swh-oss/winery/pkg/rwshard"
	"github.com/swh-oss/winery/pkg/throttler"
	"github.com/swh-oss/winery/pkg/writer"
)

func TestDefaultWaitForShardCapsAtMaxDuration(t *testing.T) {
	var slept []time.Duration
	wait := DefaultWaitForShard(10*time.Millisecond, 40*time.Millisecond, 2)

	start := time.Now()
	wait(0)
	slept = append(slept, time.Since(start))

	start = time.Now()
	wait(5)
	slept = append(slept, time.Since(start))

	require.GreaterOrEqual(t, slept[0], 9*time.Millisecond)
	require.Less(t, slept[1], 60*time.Millisecond)
}

func TestPackFillsShardThenMarksItPacked(t *testing.T) {
	ctx := context.Background()
	if testing.Short() {
		t.Skip("skipping packer integration test in short mode")
	}
	dsn := os.Getenv("WINERY_TEST_DATABASE_DSN")
	if dsn == "" {
		t.Skip("WINERY_TEST_DATABASE_DSN not set")
	}

	registry := catalog.NewPoolRegistry()
	cat, err := catalog.New(ctx, registry, dsn, "winery-packer-test")
	require.NoError(t, err)
	defer cat.Close()

	pgPool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	defer pgPool.Close()

	imgPool, err := pool.NewDirectoryPool(t.TempDir(), 1024)
	require.NoError(t, err)

	noopThrottler, err := throttler.New(ctx, nil)
	require.NoError(t, err)

	scheduler := rwshard.NewIdleScheduler()
	defer scheduler.Stop()

	w := writer.New(cat, pgPool, config.ShardsConfig{MaxSize: 1, RWIdleTimeout: time.Minute}, scheduler, "", false)
	content := []byte("SOMETHING")
	id := objectid.Compute(content)
	primary, err := id.Primary()
	require.NoError(t, err)
	require.NoError(t, w.Add(ctx, content, primary, true))

	shards, err := cat.ListShards(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, shards)

	p := New(cat, pgPool, imgPool, noopThrottler, config.PackerConfig{CreateImages: true})
	name, err := p.Pack(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, name)

	state, err := cat.GetShardState(ctx, name)
	require.NoError(t, err)
	require.Equal(t, catalog.StatePacked, state)
}

func TestPackWithCleanImmediatelyLeavesShardReadonly(t *testing.T) {
	ctx := context.Background()
	if testing.Short() {
		t.Skip("skipping packer integration test in short mode")
	}
	dsn := os.Getenv("WINERY_TEST_DATABASE_DSN")
	if dsn == "" {
		t.Skip("WINERY_TEST_DATABASE_DSN not set")
	}

	registry := catalog.NewPoolRegistry()
	cat, err := catalog.New(ctx, registry, dsn, "winery-packer-clean-test")
	require.NoError(t, err)
	defer cat.Close()

	pgPool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	defer pgPool.Close()

	imgPool, err := pool.NewDirectoryPool(t.TempDir(), 1024)
	require.NoError(t, err)

	noopThrottler, err := throttler.New(ctx, nil)
	require.NoError(t, err)

	scheduler := rwshard.NewIdleScheduler()
	defer scheduler.Stop()

	w := writer.New(cat, pgPool, config.ShardsConfig{MaxSize: 1, RWIdleTimeout: time.Minute}, scheduler, "", false)
	content := []byte("SOMETHING ELSE")
	id := objectid.Compute(content)
	primary, err := id.Primary()
	require.NoError(t, err)
	require.NoError(t, w.Add(ctx, content, primary, true))

	shards, err := cat.ListShards(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, shards)

	p := New(cat, pgPool, imgPool, noopThrottler, config.PackerConfig{CreateImages: true, CleanImmediately: true})
	name, err := p.Pack(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, name)

	state, err := cat.GetShardState(ctx, name)
	require.NoError(t, err)
	require.Equal(t, catalog.StateReadonly, state)
}
