// Package writer implements the Winery Writer (specification §4.6): the
// component request-driven callers use to add and delete objects. It
// owns at most one locked RW shard at a time, lazily acquired, released
// either when full or after an idle timeout managed by a shared
// rwshard.IdleScheduler.
package writer

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/swh-oss/winery/pkg/catalog"
	"github.com/swh-oss/winery/pkg/config"
	"github.com/swh-oss/winery/pkg/log"
	"github.com/swh-oss/winery/pkg/metrics"
	"github.com/swh-oss/winery/pkg/rwshard"
	"github.com/swh-oss/winery/pkg/wineryerr"
)

// Writer is not safe for concurrent use by multiple goroutines without
// external synchronization, matching the reference implementation's
// single-writer-per-instance model; callers that need concurrency run
// multiple Writers.
type Writer struct {
	catalog         *catalog.Catalog
	pool            *pgxpool.Pool
	cfg             config.ShardsConfig
	scheduler       *rwshard.IdleScheduler
	packerBin       string
	packImmediately bool

	mu          sync.Mutex
	lockedRef   *catalog.ShardRef
	lockedShard *rwshard.Shard
	filled      []string
	logger      zerolog.Logger
}

// New constructs a Writer sharing cat's connection and scheduler's idle
// timers with every other Writer in this process.
func New(cat *catalog.Catalog, pool *pgxpool.Pool, cfg config.ShardsConfig, scheduler *rwshard.IdleScheduler, packerBin string, packImmediately bool) *Writer {
	return &Writer{
		catalog:         cat,
		pool:            pool,
		cfg:             cfg,
		scheduler:       scheduler,
		packerBin:       packerBin,
		packImmediately: packImmediately,
		logger:          log.WithComponent("writer"),
	}
}

// AddResult reports what Add actually did, beyond the plain error the
// public object-storage contract (specification §6) exposes. Per the
// Open Question on losing the record_new_obj_id race (specification §9),
// the public contract stays silent about a redirect — a caller that
// cares (tests, metrics) uses AddWithResult instead of Add.
type AddResult struct {
	// AlreadyPresent is true when checkPresence short-circuited the add.
	AlreadyPresent bool
	// Redirected is true when a concurrent writer's commit already owns
	// obj_id under a different shard; this writer's bytes were discarded.
	Redirected bool
}

// Add stores content under obj_id. If checkPresence, an already-present
// object is a no-op. Per specification step 3, losing the
// record_new_obj_id race to a concurrent writer is not an error: this
// writer's bytes are simply discarded in favor of the winner's.
func (w *Writer) Add(ctx context.Context, content, objID []byte, checkPresence bool) error {
	_, err := w.AddWithResult(ctx, content, objID, checkPresence)
	return err
}

// AddWithResult behaves like Add but also reports whether the add was a
// present-already no-op or lost the shard-ownership race, for callers
// that want that information without weakening the public add() contract.
func (w *Writer) AddWithResult(ctx context.Context, content, objID []byte, checkPresence bool) (AddResult, error) {
	if checkPresence {
		_, present, err := w.catalog.Contains(ctx, objID)
		if err != nil {
			return AddResult{}, err
		}
		if present {
			return AddResult{AlreadyPresent: true}, nil
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.ensureLockedShard(ctx); err != nil {
		return AddResult{}, err
	}

	tx, err := w.catalog.BeginTx(ctx)
	if err != nil {
		return AddResult{}, err
	}
	defer tx.Rollback(ctx)

	shardID, err := w.catalog.RecordNewObjID(ctx, tx, objID, w.lockedRef.ID)
	if err != nil {
		return AddResult{}, err
	}
	if shardID != w.lockedRef.ID {
		// Another writer's commit already owns this object; our payload is
		// discarded, matching the specification's documented behavior.
		if err := tx.Commit(ctx); err != nil {
			return AddResult{}, err
		}
		metrics.ObjectsRedirectedTotal.Inc()
		return AddResult{Redirected: true}, nil
	}

	if err := w.lockedShard.AddTx(ctx, tx, objID, content); err != nil {
		return AddResult{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return AddResult{}, fmt.Errorf("writer add: commit: %w", err)
	}

	metrics.ObjectsAddedTotal.Inc()
	metrics.BytesWrittenTotal.Add(float64(len(content)))
	w.scheduler.Touch(w.lockedRef.Name)

	if w.lockedShard.RunningSize() >= w.cfg.MaxSize {
		return AddResult{}, w.releaseFull(ctx)
	}
	return AddResult{}, nil
}

// Delete marks obj_id deleted in the catalog and, if its shard is still
// writable, removes its row from the RW shard table.
func (w *Writer) Delete(ctx context.Context, objID []byte) error {
	info, err := w.catalog.Get(ctx, objID)
	if err != nil {
		return err
	}

	if !info.State.ReadOnly() {
		shard, err := rwshard.Open(ctx, w.pool, info.Name)
		if err != nil {
			return err
		}
		if err := shard.Delete(ctx, objID); err != nil {
			w.logger.Warn().Str("shard", info.Name).Err(err).Msg("object missing from RW shard on delete")
		}
	}

	return w.catalog.Delete(ctx, objID)
}

func (w *Writer) ensureLockedShard(ctx context.Context) error {
	if w.lockedRef != nil {
		return nil
	}

	ref, err := w.catalog.LockOneShard(ctx, catalog.StateStandby, catalog.StateWriting, 0)
	if errors.Is(err, wineryerr.ErrNoShardAvailable) {
		ref, err = w.catalog.CreateShard(ctx, catalog.StateWriting)
	}
	if err != nil {
		return err
	}

	shard, err := rwshard.Open(ctx, w.pool, ref.Name)
	if err != nil {
		return err
	}

	w.lockedRef = ref
	w.lockedShard = shard
	w.scheduler.Register(ref.Name, w.cfg.RWIdleTimeout, func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		if w.lockedRef != nil && w.lockedRef.Name == ref.Name {
			_ = w.releaseIdle(context.Background())
		}
	})
	return nil
}

// releaseFull releases the currently-locked shard with new_state=FULL,
// records it as filled, and optionally spawns a packer for it.
func (w *Writer) releaseFull(ctx context.Context) error {
	name := w.lockedRef.Name
	w.scheduler.Cancel(name)

	if err := w.catalog.SetShardState(ctx, name, catalog.StateFull, false, true); err != nil {
		return err
	}
	metrics.ShardTransitionsTotal.WithLabelValues(string(catalog.StateWriting), string(catalog.StateFull)).Inc()

	w.filled = append(w.filled, name)
	w.lockedRef = nil
	w.lockedShard = nil

	if w.packImmediately && w.packerBin != "" {
		w.spawnPacker(name)
	}
	return nil
}

// releaseIdle releases the currently-locked shard back to STANDBY; called
// by the shared idle scheduler.
func (w *Writer) releaseIdle(ctx context.Context) error {
	if w.lockedRef == nil {
		return nil
	}
	name := w.lockedRef.Name
	if err := w.catalog.SetShardState(ctx, name, catalog.StateStandby, false, true); err != nil {
		w.logger.Error().Err(err).Str("shard", name).Msg("idle release failed")
		return err
	}
	metrics.ShardTransitionsTotal.WithLabelValues(string(catalog.StateWriting), string(catalog.StateStandby)).Inc()
	w.lockedRef = nil
	w.lockedShard = nil
	return nil
}

// spawnPacker forks a packer subprocess for shard, per the specification's
// background-packer design choice of a forked child process per pack.
func (w *Writer) spawnPacker(shard string) {
	cmd := exec.Command(w.packerBin, "pack", "--shard", shard)
	if err := cmd.Start(); err != nil {
		w.logger.Error().Err(err).Str("shard", shard).Msg("failed to spawn packer")
		return
	}
	go func() {
		if err := cmd.Wait(); err != nil {
			w.logger.Warn().Err(err).Str("shard", shard).Msg("packer subprocess exited with error")
		}
	}()
}

// Close releases this Writer's locked shard, if any, back to STANDBY.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.releaseIdle(ctx)
}
