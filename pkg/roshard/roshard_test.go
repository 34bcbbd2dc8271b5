package roshard

import (
	"crypto/sha256"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func sha256Key(content string) []byte {
	sum := sha256.Sum256([]byte(content))
	return sum[:]
}

func newImage(t *testing.T, size int64) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "image")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(size))
	require.NoError(t, f.Close())
	return path
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	path := newImage(t, 1<<20)

	w, err := Create(path, 2)
	require.NoError(t, err)
	require.NoError(t, w.Add(sha256Key("SOMETHING"), []byte("SOMETHING")))
	require.NoError(t, w.Add(sha256Key("ELSE"), []byte("ELSE")))
	require.NoError(t, w.Finalize())
	require.NoError(t, w.Close())

	shard, err := Open(path)
	require.NoError(t, err)
	defer shard.Close()

	content, err := shard.Lookup(sha256Key("SOMETHING"))
	require.NoError(t, err)
	require.Equal(t, "SOMETHING", string(content))

	content, err = shard.Lookup(sha256Key("ELSE"))
	require.NoError(t, err)
	require.Equal(t, "ELSE", string(content))

	_, err = shard.Lookup(sha256Key("MISSING"))
	require.Error(t, err)
}

func TestDeleteZeroesPayload(t *testing.T) {
	path := newImage(t, 1<<20)

	w, err := Create(path, 1)
	require.NoError(t, err)
	key := sha256Key("PINOT GRIS")
	require.NoError(t, w.Add(key, []byte("PINOT GRIS")))
	require.NoError(t, w.Finalize())
	require.NoError(t, w.Close())

	shard, err := Open(path)
	require.NoError(t, err)
	defer shard.Close()

	require.NoError(t, shard.Delete(key))
	_, err = shard.Lookup(key)
	require.Error(t, err)
}

func TestIsDirtyDetectsInterruptedImage(t *testing.T) {
	path := newImage(t, 4096)
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte("SWHShard interrupted bla"), 0)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	dirty, err := IsDirty(path)
	require.NoError(t, err)
	require.True(t, dirty)

	require.NoError(t, ZeroIfDirty(path))
	dirty, err = IsDirty(path)
	require.NoError(t, err)
	require.False(t, dirty)
}

func TestIsDirtyFalseForCleanImage(t *testing.T) {
	path := newImage(t, 4096)
	dirty, err := IsDirty(path)
	require.NoError(t, err)
	require.False(t, dirty)
}
