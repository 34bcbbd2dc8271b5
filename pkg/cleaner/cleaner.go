// Package cleaner implements the Winery RW-Shard Cleaner (specification
// §4.10): a standalone daemon that drops a packed shard's RW table once
// enough hosts have mapped its RO image, following the same
// lock-one-shard work loop already established in pkg/packer.
package cleaner

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/swh-oss/winery/pkg/catalog"
	"github.com/swh-oss/winery/pkg/log"
	"github.com/swh-oss/winery/pkg/metrics"
	"github.com/swh-oss/winery/pkg/rwshard"
)

// Cleaner drops RW shard tables once their packed image has been
// observed mapped on at least MinMappedHosts hosts.
type Cleaner struct {
	catalog        *catalog.Catalog
	pgPool         *pgxpool.Pool
	minMappedHosts int
	logger         zerolog.Logger
}

// New constructs a Cleaner. minMappedHosts is the number of distinct
// hosts that must have acknowledged a shard's RO image (via the Image
// Manager's RecordShardMapped) before its RW table may be dropped.
func New(cat *catalog.Catalog, pgPool *pgxpool.Pool, minMappedHosts int) *Cleaner {
	return &Cleaner{
		catalog:        cat,
		pgPool:         pgPool,
		minMappedHosts: minMappedHosts,
		logger:         log.WithComponent("cleaner"),
	}
}

// CleanOne locks one PACKED shard with at least MinMappedHosts
// acknowledgements, drops its RW table, and transitions it to READONLY.
// Returns wineryerr.ErrNoShardAvailable (via the catalog) if none
// qualifies.
func (c *Cleaner) CleanOne(ctx context.Context) (string, error) {
	ref, err := c.catalog.LockOneShard(ctx, catalog.StatePacked, catalog.StateCleaning, c.minMappedHosts)
	if err != nil {
		return "", err
	}

	if err := c.cleanName(ctx, ref.Name); err != nil {
		if rollbackErr := c.catalog.SetShardState(ctx, ref.Name, catalog.StatePacked, false, true); rollbackErr != nil {
			c.logger.Error().Err(rollbackErr).Str("shard", ref.Name).Msg("failed to roll shard back to PACKED after clean failure")
		}
		return "", err
	}
	return ref.Name, nil
}

func (c *Cleaner) cleanName(ctx context.Context, name string) error {
	shard, err := rwshard.Open(ctx, c.pgPool, name)
	if err != nil {
		return fmt.Errorf("cleaner: open rw shard %s: %w", name, err)
	}
	if err := shard.Drop(ctx); err != nil {
		return fmt.Errorf("cleaner: drop rw shard %s: %w", name, err)
	}

	if err := c.catalog.SetShardState(ctx, name, catalog.StateReadonly, false, true); err != nil {
		return fmt.Errorf("cleaner: mark readonly %s: %w", name, err)
	}

	metrics.ShardsCleanedTotal.Inc()
	c.logger.Info().Str("shard", name).Msg("dropped rw shard, now readonly")
	return nil
}

// RunDaemon repeatedly cleans PACKED shards until stopCleaning returns
// true given the cumulative count of shards cleaned so far. Between empty
// polls, waitForShard is called with an incrementing attempt counter,
// reset to 0 after each successful clean.
func (c *Cleaner) RunDaemon(ctx context.Context, stopCleaning func(cleanedCount int) bool, waitForShard func(attempt int)) {
	cleaned := 0
	attempt := 0

	for !stopCleaning(cleaned) {
		_, err := c.CleanOne(ctx)
		switch {
		case err == nil:
			cleaned++
			attempt = 0
		default:
			waitForShard(attempt)
			attempt++
		}
	}
}

// DefaultWaitForShard mirrors packer.DefaultWaitForShard.
func DefaultWaitForShard(minDur, maxDur time.Duration, factor float64) func(attempt int) {
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
