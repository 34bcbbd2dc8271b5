package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDirectoryPool(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "winery.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  db: "postgresql://localhost/winery"
shards:
  max_size: 1073741824
shards_pool:
  type: directory
  base_directory: /srv/winery/pool
packer:
  create_images: true
  pack_immediately: false
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "Winery", cfg.Database.ApplicationName)
	require.Equal(t, DefaultRWIdleTimeout, cfg.Shards.RWIdleTimeout)
	require.Equal(t, PoolTypeDirectory, cfg.ShardsPool.Type)
	require.True(t, cfg.Packer.CreateImages)
}

func TestLoadParsesRWIdleTimeoutAsSeconds(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "winery.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  db: "postgresql://localhost/winery"
shards:
  max_size: 1073741824
  rw_idle_timeout: 30
shards_pool:
  type: directory
  base_directory: /srv/winery/pool
packer:
  create_images: true
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 30*time.Second, cfg.Shards.RWIdleTimeout)
}

func TestLoadRejectsMissingPoolConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "winery.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  db: "postgresql://localhost/winery"
shards:
  max_size: 1024
shards_pool:
  type: rbd
`), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}
