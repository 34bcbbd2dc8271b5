package rwshard

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
)

// newTestPool connects to WINERY_TEST_DATABASE_DSN, skipping in short mode
// and when no test database is configured.
func newTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping rwshard integration test in short mode")
	}
	dsn := os.Getenv("WINERY_TEST_DATABASE_DSN")
	if dsn == "" {
		t.Skip("WINERY_TEST_DATABASE_DSN not set")
	}

	pool, err := pgxpool.New(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func TestShardAddGetDelete(t *testing.T) {
	ctx := context.Background()
	pool := newTestPool(t)

	shard, err := Open(ctx, pool, "testshard1")
	require.NoError(t, err)
	t.Cleanup(func() { _ = shard.Drop(ctx) })

	require.NoError(t, shard.Add(ctx, []byte("k1"), []byte("v1")))
	require.Equal(t, int64(2), shard.RunningSize())

	content, err := shard.Get(ctx, []byte("k1"))
	require.NoError(t, err)
	require.Equal(t, "v1", string(content))

	count, err := shard.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), count)

	total, err := shard.TotalSize(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), total)

	require.NoError(t, shard.Delete(ctx, []byte("k1")))
	_, err = shard.Get(ctx, []byte("k1"))
	require.Error(t, err)
}

func TestShardAllStreamsRows(t *testing.T) {
	ctx := context.Background()
	pool := newTestPool(t)

	shard, err := Open(ctx, pool, "testshard2")
	require.NoError(t, err)
	t.Cleanup(func() { _ = shard.Drop(ctx) })

	require.NoError(t, shard.Add(ctx, []byte("a"), []byte("1")))
	require.NoError(t, shard.Add(ctx, []byte("b"), []byte("2")))

	seen := map[string]string{}
	err = shard.All(ctx, func(key, content []byte) error {
		seen[string(key)] = string(content)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, map[string]string{"a": "1", "b": "2"}, seen)
}
