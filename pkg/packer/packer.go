// Package packer implements the Winery Packer (specification §4.8): the
// component that converts one full RW shard into one packed RO image.
// It runs either as a one-shot call (spawned as a subprocess by a
// Writer) or as a standalone daemon loop, following the teacher's
// ticker-driven daemon shape (pkg/reconciler) generalized to a
// lock-one-shard work loop instead of a fixed-interval reconciliation.
package packer

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/swh-oss/winery/pkg/catalog"
	"github.com/swh-oss/winery/pkg/config"
	"github.com/swh-oss/winery/pkg/log"
	"github.com/swh-oss/winery/pkg/metrics"
	"github.com/swh-oss/winery/pkg/pool"
	"github.com/swh-oss/winery/pkg/roshard"
	"github.com/swh-oss/winery/pkg/rwshard"
	"github.com/swh-oss/winery/pkg/throttler"
)

// Packer packs FULL shards into PACKED RO images.
type Packer struct {
	catalog          *catalog.Catalog
	pgPool           *pgxpool.Pool
	pool             pool.Pool
	throttler        throttler.Throttler
	createImages     bool
	cleanImmediately bool
	logger           zerolog.Logger
}

// New constructs a Packer.
func New(cat *catalog.Catalog, pgPool *pgxpool.Pool, imgPool pool.Pool, th throttler.Throttler, cfg config.PackerConfig) *Packer {
	return &Packer{
		catalog:          cat,
		pgPool:           pgPool,
		pool:             imgPool,
		throttler:        th,
		createImages:     cfg.CreateImages,
		cleanImmediately: cfg.CleanImmediately,
		logger:           log.WithComponent("packer"),
	}
}

// PackName packs a single, specifically named shard; it is the caller's
// responsibility to have already locked it into PACKING via the catalog.
func (p *Packer) PackName(ctx context.Context, name string) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.PackDuration)

	if err := p.pack(ctx, name); err != nil {
		metrics.PackFailuresTotal.Inc()
		if rollbackErr := p.catalog.SetShardState(ctx, name, catalog.StateFull, false, true); rollbackErr != nil {
			p.logger.Error().Err(rollbackErr).Str("shard", name).Msg("failed to roll shard back to FULL after pack failure")
		}
		return err
	}

	metrics.ShardsPackedTotal.Inc()
	if p.cleanImmediately {
		if err := p.cleanupRWShard(ctx, name); err != nil {
			p.logger.Error().Err(err).Str("shard", name).Msg("clean_immediately failed")
		}
	}
	return nil
}

// Pack locks one FULL shard and packs it. Returns wineryerr.ErrNoShardAvailable
// (via the catalog) if none is FULL.
func (p *Packer) Pack(ctx context.Context) (string, error) {
	ref, err := p.catalog.LockOneShard(ctx, catalog.StateFull, catalog.StatePacking, 0)
	if err != nil {
		return "", err
	}
	return ref.Name, p.PackName(ctx, ref.Name)
}

func (p *Packer) pack(ctx context.Context, name string) error {
	rw, err := rwshard.Open(ctx, p.pgPool, name)
	if err != nil {
		return err
	}

	count, err := rw.Count(ctx)
	if err != nil {
		return err
	}

	creator := roshard.NewCreator(name, uint64(count), p.throttler, p.pool, p.createImages)
	if err := creator.Open(ctx, uint64(count)); err != nil {
		return fmt.Errorf("packer: open RO shard %s: %w", name, err)
	}

	packErr := rw.All(ctx, func(key, content []byte) error {
		return creator.Add(ctx, key, content)
	})

	if err := creator.Close(ctx, packErr == nil); err != nil {
		if packErr == nil {
			packErr = err
		}
	}
	if packErr != nil {
		return fmt.Errorf("packer: stream shard %s: %w", name, packErr)
	}

	if err := p.catalog.ShardPackingEnds(ctx, name); err != nil {
		return fmt.Errorf("packer: shard_packing_ends(%s): %w", name, err)
	}
	return nil
}

func (p *Packer) cleanupRWShard(ctx context.Context, name string) error {
	rw, err := rwshard.Open(ctx, p.pgPool, name)
	if err != nil {
		return err
	}
	if err := rw.Drop(ctx); err != nil {
		return err
	}
	return p.catalog.SetShardState(ctx, name, catalog.StateReadonly, false, false)
}

// RunDaemon repeatedly locks and packs FULL shards until stopPacking
// returns true. Between empty polls, waitForShard is called with an
// incrementing attempt counter, reset to 0 after each successful pack.
func (p *Packer) RunDaemon(ctx context.Context, stopPacking func(packedCount int) bool, waitForShard func(attempt int)) {
	packed := 0
	attempt := 0

	for !stopPacking(packed) {
		_, err := p.Pack(ctx)
		switch {
		case err == nil:
			packed++
			attempt = 0
		default:
			waitForShard(attempt)
			attempt++
		}
	}
}

// DefaultWaitForShard is an exponentially-backing sleep: min(maxDur,
// minDur*factor^attempt).
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
