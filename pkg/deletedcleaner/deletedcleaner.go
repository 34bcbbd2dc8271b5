// Package deletedcleaner implements the Winery Deleted-Objects Cleaner
// (specification §4.11): a transient host-level job, run with read-write
// access to RO images, that punches deleted objects' payloads out of
// their packed shard and then removes the catalog's signature2shard row.
// It follows the same work-loop shape as pkg/cleaner, generalized from
// "lock one shard" to "iterate deleted rows".
package deletedcleaner

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/swh-oss/winery/pkg/catalog"
	"github.com/swh-oss/winery/pkg/log"
	"github.com/swh-oss/winery/pkg/metrics"
	"github.com/swh-oss/winery/pkg/pool"
	"github.com/swh-oss/winery/pkg/roshard"
)

// Cleaner punches deleted objects' payloads out of their RO images and
// removes their catalog rows.
type Cleaner struct {
	catalog *catalog.Catalog
	pool    pool.Pool
	logger  zerolog.Logger
}

// New constructs a Cleaner.
func New(cat *catalog.Catalog, imgPool pool.Pool) *Cleaner {
	return &Cleaner{
		catalog: cat,
		pool:    imgPool,
		logger:  log.WithComponent("deletedcleaner"),
	}
}

// RunOnce iterates every deleted signature2shard row once, punching the
// payload out of its shard's RO image (when one exists) and removing the
// catalog row. stopRunning is consulted between iterations
// so a caller can request cooperative shutdown mid-pass. An error from
// any single row aborts the pass, leaving that row (and everything after
// it) in the deleted state for a future retry, per the specification's
// propagation policy.
func (c *Cleaner) RunOnce(ctx context.Context, stopRunning func() bool) (int, error) {
	rows, err := c.catalog.DeletedObjects(ctx)
	if err != nil {
		return 0, fmt.Errorf("deletedcleaner: deleted_objects: %w", err)
	}

	cleaned := 0
	for _, row := range rows {
		if stopRunning != nil && stopRunning() {
			return cleaned, nil
		}

		if err := c.cleanOne(ctx, row); err != nil {
			return cleaned, fmt.Errorf("deletedcleaner: shard %s: %w", row.ShardName, err)
		}
		cleaned++
	}
	return cleaned, nil
}

func (c *Cleaner) cleanOne(ctx context.Context, row catalog.DeletedObject) error {
	// ImageAvailable, not ReadOnly: scenario S4 punches a PACKED shard's
	// payload (RW table not yet dropped) whenever its content already
	// lives in the RO image, which is every image-available state, not
	// only CLEANING/READONLY.
	if row.State.ImageAvailable() {
		if err := c.ensureMappedRW(ctx, row.ShardName); err != nil {
			return fmt.Errorf("ensure image mapped rw: %w", err)
		}
		if err := roshard.DeleteFromROShard(ctx, c.pool, row.ShardName, row.ObjID); err != nil {
			return fmt.Errorf("punch payload: %w", err)
		}
		metrics.DeletedObjectsPunchedTotal.Inc()
	}

	if err := c.catalog.CleanDeletedObject(ctx, row.ObjID); err != nil {
		return fmt.Errorf("clean_deleted_object: %w", err)
	}

	c.logger.Info().Str("shard", row.ShardName).Hex("object", row.ObjID).Msg("punched deleted object")
	return nil
}

// ensureMappedRW remaps name read-write if it is currently mapped
// read-only, per the specification's note that a shard's image is "not
// by design" writable on the reader hosts this cleaner otherwise shares
// a deployment with.
func (c *Cleaner) ensureMappedRW(ctx context.Context, name string) error {
	mode, err := c.pool.Mapped(ctx, name)
	if err != nil {
		return err
	}
	if mode == pool.MappedRO {
		if err := c.pool.Unmap(ctx, name); err != nil {
			return err
		}
		return c.pool.Map(ctx, name, pool.MappedRW)
	}
	return nil
}
