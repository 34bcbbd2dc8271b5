package cleaner

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/swh-oss/winery/pkg/catalog"
	"github.com/swh-oss/winery/pkg/rwshard"
)

func TestDefaultWaitForShardCapsAtMaxDuration(t *testing.T) {
	wait := DefaultWaitForShard(10*time.Millisecond, 40*time.Millisecond, 2)

	start := time.Now()
	wait(5)
	require.Less(t, time.Since(start), 60*time.Millisecond)
}

func newTestCleaner(t *testing.T) (*Cleaner, *catalog.Catalog, *pgxpool.Pool, func()) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping cleaner integration test in short mode")
	}
	dsn := os.Getenv("WINERY_TEST_DATABASE_DSN")
	if dsn == "" {
		t.Skip("WINERY_TEST_DATABASE_DSN not set")
	}

	ctx := context.Background()
	registry := catalog.NewPoolRegistry()
	cat, err := catalog.New(ctx, registry, dsn, "winery-cleaner-test")
	require.NoError(t, err)

	pgPool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)

	c := New(cat, pgPool, 1)
	cleanup := func() {
		pgPool.Close()
		cat.Close()
	}
	return c, cat, pgPool, cleanup
}

func TestCleanOneRequiresMinMappedHosts(t *testing.T) {
	ctx := context.Background()
	c, cat, pgPool, cleanup := newTestCleaner(t)
	defer cleanup()

	ref, err := cat.CreateShard(ctx, catalog.StatePacked)
	require.NoError(t, err)
	shard, err := rwshard.Open(ctx, pgPool, ref.Name)
	require.NoError(t, err)
	require.NoError(t, shard.Add(ctx, []byte("key"), []byte("content")))

	_, err = c.CleanOne(ctx)
	require.Error(t, err)

	_, err = cat.RecordShardMapped(ctx, "test-host", ref.Name)
	require.NoError(t, err)

	name, err := c.CleanOne(ctx)
	require.NoError(t, err)
	require.Equal(t, ref.Name, name)

	state, err := cat.GetShardState(ctx, ref.Name)
	require.NoError(t, err)
	require.Equal(t, catalog.StateReadonly, state)
}
