// Package imagemanager implements the Winery Image Manager (specification
// §4.9): a standalone per-host daemon that keeps this host's Image Pool in
// sync with the catalog's view of packed shards, mapping newly PACKED
// images read-only and acknowledging each mapping back to the catalog so
// the cleaner knows how many hosts have observed a shard before dropping
// its RW table. It follows the same RunDaemon/wait-callback shape already
// established in pkg/packer, itself grounded on the teacher's ticker/stopCh
// daemon loop (pkg/reconciler).
package imagemanager

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/swh-oss/winery/pkg/catalog"
	"github.com/swh-oss/winery/pkg/log"
	"github.com/swh-oss/winery/pkg/metrics"
	"github.com/swh-oss/winery/pkg/pool"
)

const mappedROState = "ro"

// recordShardMappedAttempts is the number of times RecordShardMapped is
// retried against the catalog before the manager gives up on one shard
// for this pass, matching the Python reference's 5-attempt linear backoff.
const recordShardMappedAttempts = 5

// Manager maps and unmaps shard images for one host, driven by catalog
// state, and maintains a local durable cache of shards already observed
// mapped read-only so a restart does not need to replay every
// RecordShardMapped call for shards this host had already settled on.
type Manager struct {
	catalog *catalog.Catalog
	pool    pool.Pool
	cache   *localCache
	host    string
	logger  zerolog.Logger
}

// New constructs a Manager. dataDir holds the local bbolt cache file.
func New(cat *catalog.Catalog, imgPool pool.Pool, dataDir string) (*Manager, error) {
	cache, err := openLocalCache(dataDir)
	if err != nil {
		return nil, err
	}

	host, err := os.Hostname()
	if err != nil {
		cache.close()
		return nil, fmt.Errorf("imagemanager: hostname: %w", err)
	}

	return &Manager{
		catalog: cat,
		pool:    imgPool,
		cache:   cache,
		host:    host,
		logger:  log.WithComponent("imagemanager"),
	}, nil
}

// Close releases the local cache handle.
func (m *Manager) Close() error {
	return m.cache.close()
}

// RunOnce performs a single pass over every shard known to the catalog,
// mapping images as their state requires. It returns true if any shard was
// acted on, which callers use to decide whether to reset their idle
// backoff. manageRWImages additionally creates (if missing) and maps
// read-write the images of shards whose RW table is still current, used
// when create_images=false and the packer is waiting on this host to
// provision the image ahead of packing.
func (m *Manager) RunOnce(ctx context.Context, manageRWImages bool) (bool, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ImageManagerPassDuration)

	shards, err := m.catalog.ListShards(ctx)
	if err != nil {
		return false, fmt.Errorf("imagemanager: list shards: %w", err)
	}

	rand.Shuffle(len(shards), func(i, j int) { shards[i], shards[j] = shards[j], shards[i] })

	acted := false
	for _, shard := range shards {
		didAct, err := m.dispatch(ctx, shard, manageRWImages)
		if err != nil {
			m.logger.Error().Err(err).Str("shard", shard.Name).Msg("image manager failed on shard")
			continue
		}
		acted = acted || didAct
	}
	return acted, nil
}

func (m *Manager) dispatch(ctx context.Context, shard catalog.ShardInfo, manageRWImages bool) (bool, error) {
	switch {
	case shard.State.ImageAvailable():
		return m.ensureMappedRO(ctx, shard)
	case manageRWImages:
		return m.ensureMappedRW(ctx, shard.Name)
	default:
		return false, nil
	}
}

// ensureMappedRO maps shard.Name read-only if not already mapped, then
// records this host's acknowledgement with the catalog, retrying
// RecordShardMapped on transient failure.
func (m *Manager) ensureMappedRO(ctx context.Context, shard catalog.ShardInfo) (bool, error) {
	if _, cached := m.cache.isMappedRO(shard.Name); cached {
		return false, nil
	}

	mode, err := m.pool.Mapped(ctx, shard.Name)
	if err != nil {
		return false, fmt.Errorf("mapped(%s): %w", shard.Name, err)
	}

	acted := false
	switch mode {
	case pool.Unmapped:
		if err := m.pool.Map(ctx, shard.Name, pool.MappedRO); err != nil {
			return false, fmt.Errorf("map(%s, ro): %w", shard.Name, err)
		}
		acted = true
	case pool.MappedRW:
		if err := m.pool.RemapRO(ctx, shard.Name); err != nil {
			return false, fmt.Errorf("remap_ro(%s): %w", shard.Name, err)
		}
		acted = true
	case pool.MappedRO:
	}

	if err := m.recordShardMappedWithRetry(ctx, shard.Name); err != nil {
		return acted, err
	}

	metrics.ShardsMappedTotal.Inc()
	if err := m.cache.markMappedRO(shard.Name, mappedROState); err != nil {
		m.logger.Warn().Err(err).Str("shard", shard.Name).Msg("failed to persist local mapped cache entry")
	}
	m.logger.Info().Str("shard", shard.Name).Msg("mapped shard read-only")
	return true, nil
}

func (m *Manager) recordShardMappedWithRetry(ctx context.Context, name string) error {
	var err error
	for attempt := 0; attempt < recordShardMappedAttempts; attempt++ {
		_, err = m.catalog.RecordShardMapped(ctx, m.host, name)
		if err == nil {
			return nil
		}
		metrics.CatalogRetriesTotal.WithLabelValues("record_shard_mapped").Inc()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * time.Second):
		}
	}
	return fmt.Errorf("imagemanager: record_shard_mapped(%s) failed after %d attempts: %w", name, recordShardMappedAttempts, err)
}

// ensureMappedRW creates name's image if it does not yet exist and maps it
// read-write if it is not already, so a packer running with
// create_images=false finds the image waiting for it once it locks the
// shard for packing.
func (m *Manager) ensureMappedRW(ctx context.Context, name string) (bool, error) {
	exists, err := m.pool.Exists(ctx, name)
	if err != nil {
		return false, fmt.Errorf("exists(%s): %w", name, err)
	}
	if !exists {
		if err := m.pool.Create(ctx, name); err != nil {
			return false, fmt.Errorf("create(%s): %w", name, err)
		}
		return true, nil
	}

	mode, err := m.pool.Mapped(ctx, name)
	if err != nil {
		return false, fmt.Errorf("mapped(%s): %w", name, err)
	}
	if mode == pool.MappedRW {
		return false, nil
	}
	if err := m.pool.Map(ctx, name, pool.MappedRW); err != nil {
		return false, fmt.Errorf("map(%s, rw): %w", name, err)
	}
	return true, nil
}

// RunDaemon repeats RunOnce until stopRunning returns true, calling ready
// once after the first pass completes (the systemd-notify equivalent) and
// waitForImage with an incrementing attempt counter whenever a pass finds
// nothing to do, resetting to 0 whenever a pass acts on a shard.
func (m *Manager) RunDaemon(ctx context.Context, manageRWImages bool, stopRunning func() bool, ready func(), waitForImage func(attempt int)) {
	attempt := 0
	firstPass := true

	for !stopRunning() {
		acted, err := m.RunOnce(ctx, manageRWImages)
		if err != nil {
			m.logger.Error().Err(err).Msg("image manager pass failed")
		}

		if firstPass && ready != nil {
			ready()
			firstPass = false
		}

		if acted {
			attempt = 0
			continue
		}

		waitForImage(attempt)
		attempt++
	}
}

// DefaultWaitForImage mirrors packer.DefaultWaitForShard: an exponentially
// backing sleep capped at maxDur.
func DefaultWaitForImage(minDur, maxDur time.Duration, factor float64) func(attempt int) {
	return func(attempt int) {
		d := minDur
		for i := 0; i < attempt; i++ {
			d = time.Duration(float64(d) * factor)
			if d >= maxDur {
				d = maxDur
				break
			}
		}
		time.Sleep(d)
	}
}
