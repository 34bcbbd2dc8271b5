package deletedcleaner

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
	"github.com/swh-oss/winery/pkg/packer"
	"github.com/swh-oss/winery/pkg/pool"
	"github.com/swh-oss/winery/pkg/rwshard"
	"github.com/swh-oss/winery/pkg/throttler"
	"github.com/swh-oss/winery/pkg/wineryerr"
	"github.com/swh-oss/winery/pkg/writer"
)

// TestCleanDeletedObjectPunchesPayload exercises specification scenario
// S4: two objects packed into one RO shard, both deleted, then punched
// out and their catalog rows removed.
func TestCleanDeletedObjectPunchesPayload(t *testing.T) {
	ctx := context.Background()
	if testing.Short() {
		t.Skip("skipping deletedcleaner integration test in short mode")
	}
	dsn := os.Getenv("WINERY_TEST_DATABASE_DSN")
	if dsn == "" {
		t.Skip("WINERY_TEST_DATABASE_DSN not set")
	}

	registry := catalog.NewPoolRegistry()
	cat, err := catalog.New(ctx, registry, dsn, "winery-deletedcleaner-test")
	require.NoError(t, err)
	defer cat.Close()

	pgPool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	defer pgPool.Close()

	imgPool, err := pool.NewDirectoryPool(t.TempDir(), 4096)
	require.NoError(t, err)

	noopThrottler, err := throttler.New(ctx, nil)
	require.NoError(t, err)

	scheduler := rwshard.NewIdleScheduler()
	defer scheduler.Stop()

	w := writer.New(cat, pgPool, config.ShardsConfig{MaxSize: 1 << 20, RWIdleTimeout: time.Minute}, scheduler, "", false)

	pinotGris := []byte("PINOT GRIS")
	chardonnay := []byte("CHARDONNAY")
	pinotID := objectid.Compute(pinotGris)
	chardID := objectid.Compute(chardonnay)
	pinotPrimary, err := pinotID.Primary()
	require.NoError(t, err)
	chardPrimary, err := chardID.Primary()
	require.NoError(t, err)

	require.NoError(t, w.Add(ctx, pinotGris, pinotPrimary, true))
	require.NoError(t, w.Add(ctx, chardonnay, chardPrimary, true))

	shards, err := cat.ListShards(ctx)
	require.NoError(t, err)
	require.Len(t, shards, 1)
	name := shards[0].Name

	require.NoError(t, cat.SetShardState(ctx, name, catalog.StateFull, false, true))

	p := packer.New(cat, pgPool, imgPool, noopThrottler, config.PackerConfig{CreateImages: true})
	_, err = p.Pack(ctx)
	require.NoError(t, err)

	require.NoError(t, w.Delete(ctx, pinotPrimary))
	require.NoError(t, w.Delete(ctx, chardPrimary))

	_, err = cat.Get(ctx, pinotPrimary)
	require.ErrorIs(t, err, wineryerr.ErrNotFound)

	deletedRows, err := cat.DeletedObjects(ctx)
	require.NoError(t, err)
	require.Len(t, deletedRows, 2)
	for _, row := range deletedRows {
		require.Equal(t, catalog.StatePacked, row.State)
	}

	c := New(cat, imgPool)
	cleaned, err := c.RunOnce(ctx, func() bool { return false })
	require.NoError(t, err)
	require.Equal(t, 2, cleaned)

	_, err = cat.Get(ctx, pinotPrimary)
	require.ErrorIs(t, err, wineryerr.ErrNotFound)
	_, err = cat.Get(ctx, chardPrimary)
	require.ErrorIs(t, err, wineryerr.ErrNotFound)

	rows, err := cat.DeletedObjects(ctx)
	require.NoError(t, err)
	require.Empty(t, rows)
}
