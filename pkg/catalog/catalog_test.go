package catalog

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/swh-oss/winery/pkg/wineryerr"
)

func TestShardStateTransitions(t *testing.T) {
	require.False(t, StateStandby.Locked())
	require.True(t, StateWriting.Locked())
	require.True(t, StatePacking.Locked())
	require.False(t, StatePacked.Locked())

	require.False(t, StateWriting.ImageAvailable())
	require.True(t, StatePacked.ImageAvailable())
	require.True(t, StateReadonly.ImageAvailable())

	require.False(t, StatePacked.ReadOnly())
	require.True(t, StateCleaning.ReadOnly())
	require.True(t, StateReadonly.ReadOnly())
}

func TestStripHyphens(t *testing.T) {
	require.Equal(t, "abcdef", stripHyphens("ab-cd-ef"))
	require.Equal(t, "", stripHyphens(""))
}

// newTestCatalog opens a Catalog against WINERY_TEST_DATABASE_DSN, skipping
// in short mode and when no test database is configured. The shard
// lifecycle depends on real row locking semantics (SELECT ... FOR UPDATE
// SKIP LOCKED), which no in-memory fake reproduces faithfully.
func newTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping catalog integration test in short mode")
	}
	dsn := os.Getenv("WINERY_TEST_DATABASE_DSN")
	if dsn == "" {
		t.Skip("WINERY_TEST_DATABASE_DSN not set")
	}

	registry := NewPoolRegistry()
	cat, err := New(context.Background(), registry, dsn, "winery-test")
	require.NoError(t, err)
	t.Cleanup(cat.Close)
	return cat
}

func TestCreateShardAndLockOneShard(t *testing.T) {
	ctx := context.Background()
	cat := newTestCatalog(t)

	ref, err := cat.CreateShard(ctx, StateWriting)
	require.NoError(t, err)
	require.NotEmpty(t, ref.Name)

	require.NoError(t, cat.SetShardState(ctx, ref.Name, StateFull, false, true))

	locked, err := cat.LockOneShard(ctx, StateFull, StatePacking, 0)
	require.NoError(t, err)
	require.Equal(t, ref.Name, locked.Name)

	_, err = cat.LockOneShard(ctx, StateFull, StatePacking, 0)
	require.ErrorIs(t, err, wineryerr.ErrNoShardAvailable)
}

func TestRecordNewObjIDAndDelete(t *testing.T) {
	ctx := context.Background()
	cat := newTestCatalog(t)

	ref, err := cat.CreateShard(ctx, StateWriting)
	require.NoError(t, err)

	objID := []byte("deadbeef-test-object-signature-1")

	tx, err := cat.BeginTx(ctx)
	require.NoError(t, err)
	shardID, err := cat.RecordNewObjID(ctx, tx, objID, ref.ID)
	require.NoError(t, err)
	require.Equal(t, ref.ID, shardID)
	require.NoError(t, tx.Commit(ctx))

	gotShard, present, err := cat.Contains(ctx, objID)
	require.NoError(t, err)
	require.True(t, present)
	require.Equal(t, ref.ID, gotShard)

	require.NoError(t, cat.Delete(ctx, objID))
	_, present, err = cat.Contains(ctx, objID)
	require.NoError(t, err)
	require.False(t, present)

	deleted, err := cat.DeletedObjects(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, deleted)

	require.NoError(t, cat.CleanDeletedObject(ctx, objID))
}
