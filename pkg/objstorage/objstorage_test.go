package objstorage

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/swh-oss/winery/pkg/config"
	"github.com/swh-oss/winery/pkg/objectid"
	"github.com/swh-oss/winery/pkg/wineryerr"
)

func newTestWinery(t *testing.T, allowDelete bool) (*Winery, func()) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping objstorage integration test in short mode")
	}
	dsn := os.Getenv("WINERY_TEST_DATABASE_DSN")
	if dsn == "" {
		t.Skip("WINERY_TEST_DATABASE_DSN not set")
	}

	cfg := &config.Config{
		Database: config.DatabaseConfig{DB: dsn, ApplicationName: "winery-objstorage-test"},
		Shards:   config.ShardsConfig{MaxSize: 1 << 20, RWIdleTimeout: time.Minute},
		ShardsPool: config.ShardsPoolConfig{
			Type:          config.PoolTypeDirectory,
			BaseDirectory: t.TempDir(),
		},
		AllowDelete: allowDelete,
	}

	ctx := context.Background()
	w, err := Open(ctx, cfg, "")
	require.NoError(t, err)

	return w, func() { require.NoError(t, w.Close(ctx)) }
}

// TestAddThenGetRoundTrip exercises specification scenario S1/S8: adding
// content and reading it back by its computed object id.
func TestAddThenGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	w, cleanup := newTestWinery(t, false)
	defer cleanup()

	content := []byte("SOMETHING")
	id := objectid.Compute(content)

	require.NoError(t, w.Add(ctx, content, id, true))

	got, err := w.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, content, got)

	present, err := w.Contains(ctx, id)
	require.NoError(t, err)
	require.True(t, present)

	require.NoError(t, w.Check(ctx, id))
}

func TestGetBatchPreservesOrderAndMisses(t *testing.T) {
	ctx := context.Background()
	w, cleanup := newTestWinery(t, false)
	defer cleanup()

	present := []byte("present content")
	presentID := objectid.Compute(present)
	require.NoError(t, w.Add(ctx, present, presentID, true))

	missingID, err := objectid.FromHex(strings.Repeat("ab", 31) + "01")
	require.NoError(t, err)

	results, err := w.GetBatch(ctx, []objectid.ObjectID{presentID, missingID})
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, present, results[0])
	require.Nil(t, results[1])
}

func TestDeleteRequiresAllowDelete(t *testing.T) {
	ctx := context.Background()
	w, cleanup := newTestWinery(t, false)
	defer cleanup()

	content := []byte("deletable maybe")
	id := objectid.Compute(content)
	require.NoError(t, w.Add(ctx, content, id, true))

	err := w.Delete(ctx, id)
	require.ErrorIs(t, err, wineryerr.ErrPermissionDenied)
}

func TestRestoreSkipsPresenceCheck(t *testing.T) {
	ctx := context.Background()
	w, cleanup := newTestWinery(t, true)
	defer cleanup()

	content := []byte("restored content")
	id := objectid.Compute(content)

	require.NoError(t, w.Restore(ctx, content, id))
	got, err := w.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, content, got)

	require.NoError(t, w.Delete(ctx, id))
	_, err = w.Get(ctx, id)
	require.ErrorIs(t, err, wineryerr.ErrNotFound)
}

func TestDownloadURLAlwaysNone(t *testing.T) {
	ctx := context.Background()
	w, cleanup := newTestWinery(t, false)
	defer cleanup()

	content := []byte("has no url")
	id := objectid.Compute(content)
	require.NoError(t, w.Add(ctx, content, id, true))

	url, ok := w.DownloadURL(ctx, id, "", 0)
	require.False(t, ok)
	require.Empty(t, url)
}
