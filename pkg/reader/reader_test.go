package reader

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

func newTestReaderAndWriter(t *testing.T) (*Reader, *writer.Writer, func()) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping reader integration test in short mode")
	}
	dsn := os.Getenv("WINERY_TEST_DATABASE_DSN")
	if dsn == "" {
		t.Skip("WINERY_TEST_DATABASE_DSN not set")
	}

	registry := catalog.NewPoolRegistry()
	cat, err := catalog.New(context.Background(), registry, dsn, "winery-reader-test")
	require.NoError(t, err)

	pgPool, err := pgxpool.New(context.Background(), dsn)
	require.NoError(t, err)

	imgPool, err := pool.NewDirectoryPool(t.TempDir(), 1<<20)
	require.NoError(t, err)

	noopThrottler, err := throttler.New(context.Background(), nil)
	require.NoError(t, err)

	scheduler := rwshard.NewIdleScheduler()
	shardsCfg := config.ShardsConfig{MaxSize: 1 << 20, RWIdleTimeout: time.Minute}
	w := writer.New(cat, pgPool, shardsCfg, scheduler, "", false)
	r := New(cat, pgPool, imgPool, noopThrottler)

	cleanup := func() {
		scheduler.Stop()
		pgPool.Close()
		cat.Close()
	}
	return r, w, cleanup
}

func TestReaderGetFallsBackToRWShard(t *testing.T) {
	ctx := context.Background()
	r, w, cleanup := newTestReaderAndWriter(t)
	defer cleanup()

	content := []byte("SOMETHING")
	id := objectid.Compute(content)
	primary, err := id.Primary()
	require.NoError(t, err)

	require.NoError(t, w.Add(ctx, content, primary, true))

	got, err := r.Get(ctx, primary)
	require.NoError(t, err)
	require.Equal(t, content, got)

	present, err := r.Contains(ctx, primary)
	require.NoError(t, err)
	require.True(t, present)

	require.NoError(t, r.Check(ctx, primary, id))
}
