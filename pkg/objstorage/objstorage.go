// Package objstorage implements Winery's half of the public
// object-storage contract (specification §6): the interface every backend
// the (out-of-scope) multiplexer composes over exposes. It wires the
// Writer, Reader, Catalog, Image Pool and Throttler together into one
// value a caller opens once per process, mirroring how the teacher's
// pkg/manager composes its own collaborators behind a single entry point.
package objstorage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/swh-oss/winery/pkg/catalog"
	"github.com/swh-oss/winery/pkg/config"
	"github.com/swh-oss/winery/pkg/objectid"
	"github.com/swh-oss/winery/pkg/pool"
	"github.com/swh-oss/winery/pkg/reader"
	"github.com/swh-oss/winery/pkg/rwshard"
	"github.com/swh-oss/winery/pkg/throttler"
	"github.com/swh-oss/winery/pkg/wineryerr"
	"github.com/swh-oss/winery/pkg/writer"
)

// Winery is one process's handle onto the storage engine, implementing
// the public object-storage operations of specification §6.
type Winery struct {
	cfg       *config.Config
	registry  *catalog.PoolRegistry
	catalog   *catalog.Catalog
	pgPool    *pgxpool.Pool
	imgPool   pool.Pool
	throttler throttler.Throttler
	scheduler *rwshard.IdleScheduler
	writer    *writer.Writer
	reader    *reader.Reader
}

// Open wires every Winery collaborator from cfg. packerBin, when
// non-empty and cfg.Packer.PackImmediately is set, is the executable the
// Writer forks a packer subprocess from on every filled shard.
func Open(ctx context.Context, cfg *config.Config, packerBin string) (*Winery, error) {
	registry := catalog.NewPoolRegistry()

	cat, err := catalog.New(ctx, registry, cfg.Database.DB, cfg.Database.ApplicationName)
	if err != nil {
		return nil, fmt.Errorf("objstorage: open catalog: %w", err)
	}

	pgPool, err := pgxpool.New(ctx, cfg.Database.DB)
	if err != nil {
		cat.Close()
		return nil, fmt.Errorf("objstorage: open pgx pool: %w", err)
	}

	imgPool, err := pool.New(cfg.ShardsPool, cfg.Shards.MaxSize)
	if err != nil {
		pgPool.Close()
		cat.Close()
		return nil, fmt.Errorf("objstorage: open image pool: %w", err)
	}

	th, err := throttler.New(ctx, cfg.Throttler)
	if err != nil {
		pgPool.Close()
		cat.Close()
		return nil, fmt.Errorf("objstorage: open throttler: %w", err)
	}

	scheduler := rwshard.NewIdleScheduler()

	return &Winery{
		cfg:       cfg,
		registry:  registry,
		catalog:   cat,
		pgPool:    pgPool,
		imgPool:   imgPool,
		throttler: th,
		scheduler: scheduler,
		writer:    writer.New(cat, pgPool, cfg.Shards, scheduler, packerBin, cfg.Packer.PackImmediately),
		reader:    reader.New(cat, pgPool, imgPool, th),
	}, nil
}

// Close releases every collaborator Open acquired, flushing this
// process's locked shard back to STANDBY first.
func (w *Winery) Close(ctx context.Context) error {
	err := w.writer.Close(ctx)
	w.scheduler.Stop()
	w.throttler.Close()
	w.pgPool.Close()
	w.catalog.Close()
	return err
}

// Add stores content under id, idempotently when checkPresence is set.
func (w *Winery) Add(ctx context.Context, content []byte, id objectid.ObjectID, checkPresence bool) error {
	primary, err := id.Primary()
	if err != nil {
		return err
	}
	return w.writer.Add(ctx, content, primary, checkPresence)
}

// Restore is equivalent to Add with checkPresence=false.
func (w *Winery) Restore(ctx context.Context, content []byte, id objectid.ObjectID) error {
	return w.Add(ctx, content, id, false)
}

// Get fetches id's content, failing wineryerr.ErrNotFound if absent or
// deleted.
func (w *Winery) Get(ctx context.Context, id objectid.ObjectID) ([]byte, error) {
	primary, err := id.Primary()
	if err != nil {
		return nil, err
	}
	return w.reader.Get(ctx, primary)
}

// GetBatch fetches every id in ids concurrently, preserving order; a
// missing or deleted entry yields nil at its index rather than failing
// the whole call.
func (w *Winery) GetBatch(ctx context.Context, ids []objectid.ObjectID) ([][]byte, error) {
	primaries := make([][]byte, len(ids))
	for i, id := range ids {
		primary, err := id.Primary()
		if err != nil {
			return nil, err
		}
		primaries[i] = primary
	}
	return w.reader.GetBatch(ctx, primaries)
}

// Contains reports whether id is present.
func (w *Winery) Contains(ctx context.Context, id objectid.ObjectID) (bool, error) {
	primary, err := id.Primary()
	if err != nil {
		return false, err
	}
	return w.reader.Contains(ctx, primary)
}

// Check fetches id's content and fails with wineryerr.ErrCorrupted if any
// digest id carries does not match the recomputed content.
func (w *Winery) Check(ctx context.Context, id objectid.ObjectID) error {
	primary, err := id.Primary()
	if err != nil {
		return err
	}
	return w.reader.Check(ctx, primary, id)
}

// Delete marks id deleted, failing wineryerr.ErrPermissionDenied unless
// the backend was configured with allow_delete.
func (w *Winery) Delete(ctx context.Context, id objectid.ObjectID) error {
	if !w.cfg.AllowDelete {
		return wineryerr.ErrPermissionDenied
	}
	primary, err := id.Primary()
	if err != nil {
		return err
	}
	return w.writer.Delete(ctx, primary)
}

// BatchItem pairs one add_batch entry's content with its object id.
type BatchItem struct {
	Content []byte
	ID      objectid.ObjectID
}

// AddBatchResult reports how many objects and bytes add_batch accepted.
type AddBatchResult struct {
	Count int
	Bytes int64
}

// AddBatch adds every item in items, stopping at the first error (whose
// partial AddBatchResult is still returned, so callers can log progress).
func (w *Winery) AddBatch(ctx context.Context, items []BatchItem) (AddBatchResult, error) {
	var result AddBatchResult
	for _, item := range items {
		if err := w.Add(ctx, item.Content, item.ID, true); err != nil {
			return result, err
		}
		result.Count++
		result.Bytes += int64(len(item.Content))
	}
	return result, nil
}

// ListContent iterates present object ids in primary-digest order after
// the given id (nil to start from the beginning), up to limit entries.
func (w *Winery) ListContent(ctx context.Context, after objectid.ObjectID, limit int) ([]objectid.ObjectID, error) {
	var afterBytes []byte
	if after != nil {
		var err error
		afterBytes, err = after.Primary()
		if err != nil {
			return nil, err
		}
	}

	digests, err := w.reader.ListSignatures(ctx, afterBytes, limit)
	if err != nil {
		return nil, err
	}

	ids := make([]objectid.ObjectID, len(digests))
	for i, digest := range digests {
		ids[i] = objectid.ObjectID{objectid.Primary: digest}
	}
	return ids, nil
}

// DownloadURL always reports that no direct download URL is available;
// Winery has no HTTP front end of its own (specification §6).
func (w *Winery) DownloadURL(_ context.Context, _ objectid.ObjectID, _ string, _ time.Duration) (string, bool) {
	return "", false
}
