package writer

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
	"github.com/swh-oss/winery/pkg/rwshard"
)

func newTestWriter(t *testing.T) (*Writer, func()) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping writer integration test in short mode")
	}
	dsn := os.Getenv("WINERY_TEST_DATABASE_DSN")
	if dsn == "" {
		t.Skip("WINERY_TEST_DATABASE_DSN not set")
	}

	registry := catalog.NewPoolRegistry()
	cat, err := catalog.New(context.Background(), registry, dsn, "winery-writer-test")
	require.NoError(t, err)

	pool, err := pgxpool.New(context.Background(), dsn)
	require.NoError(t, err)

	scheduler := rwshard.NewIdleScheduler()
	cfg := config.ShardsConfig{MaxSize: 1024, RWIdleTimeout: time.Minute}
	w := New(cat, pool, cfg, scheduler, "", false)

	cleanup := func() {
		scheduler.Stop()
		pool.Close()
		cat.Close()
	}
	return w, cleanup
}

func TestWriterAddThenGet(t *testing.T) {
	ctx := context.Background()
	w, cleanup := newTestWriter(t)
	defer cleanup()

	content := []byte("SOMETHING")
	id := objectid.Compute(content)

	require.NoError(t, w.Add(ctx, content, mustPrimary(t, id), true))

	shardInfo, err := w.catalog.Get(ctx, mustPrimary(t, id))
	require.NoError(t, err)
	require.Equal(t, catalog.StateWriting, shardInfo.State)
}

func mustPrimary(t *testing.T, id objectid.ObjectID) []byte {
	t.Helper()
	b, err := id.Primary()
	require.NoError(t, err)
	return b
}
