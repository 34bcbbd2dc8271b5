package roshard

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/swh-oss/winery/pkg/log"
	"github.com/swh-oss/winery/pkg/pool"
	"github.com/swh-oss/winery/pkg/throttler"
	"github.com/swh-oss/winery/pkg/wineryerr"
)

// ROShard is a throttled, pool-backed handle onto one finalized read-only
// shard.
type ROShard struct {
	pool      pool.Pool
	throttler throttler.Throttler
	name      string
	path      string
	shard     *Shard
}

// OpenROShard opens the shard structure of name's image, which must
// already be mapped read-only; otherwise it returns ErrShardNotMapped and
// maps nothing.
func OpenROShard(ctx context.Context, name string, th throttler.Throttler, p pool.Pool) (*ROShard, error) {
	mode, err := p.Mapped(ctx, name)
	if err != nil {
		return nil, err
	}
	if mode != pool.MappedRO {
		return nil, fmt.Errorf("%s: %w", name, wineryerr.ErrShardNotMapped)
	}

	r := &ROShard{pool: p, throttler: th, name: name, path: p.Path(name)}
	if err := r.open(); err != nil {
		return nil, err
	}
	log.Debug(fmt.Sprintf("ROShard %s: loaded", name))
	return r, nil
}

func (r *ROShard) open() error {
	shard, err := Open(r.path)
	if err != nil {
		return fmt.Errorf("%s: %w", r.name, wineryerr.ErrShardNotMapped)
	}
	r.shard = shard
	return nil
}

// Get reads key's content through the throttler.
func (r *ROShard) Get(ctx context.Context, key []byte) ([]byte, error) {
	if r.shard == nil {
		if err := r.open(); err != nil {
			return nil, err
		}
	}
	return r.throttler.ThrottleGet(ctx, func() ([]byte, error) {
		return r.shard.Lookup(key)
	})
}

// Close releases the shard's file handle.
func (r *ROShard) Close() error {
	if r.shard == nil {
		return nil
	}
	err := r.shard.Close()
	r.shard = nil
	return err
}

// DeleteFromROShard punches a key's payload out of shardName's image,
// mapping it read-write first if it is unmapped. An image mapped read-only
// is refused with ErrPermissionDenied. This is the operation the
// deleted-objects cleaner performs once a catalog row is marked deleted.
func DeleteFromROShard(ctx context.Context, p pool.Pool, shardName string, key []byte) error {
	mode, err := p.Mapped(ctx, shardName)
	if err != nil {
		return err
	}
	if mode == pool.MappedRO {
		return fmt.Errorf("cannot delete object from %s, mapped read-only: %w", shardName, wineryerr.ErrPermissionDenied)
	}
	if mode == pool.Unmapped {
		if err := p.Map(ctx, shardName, pool.MappedRW); err != nil {
			return err
		}
	}

	shard, err := Open(p.Path(shardName))
	if err != nil {
		return err
	}
	defer shard.Close()

	return shard.Delete(key)
}

// Creator drives read-only shard creation: it owns the Image Pool image
// lifecycle (create-or-wait, zero-if-dirty) around a Writer.
type Creator struct {
	pool         pool.Pool
	throttler    throttler.Throttler
	name         string
	path         string
	createImages bool
	waitBackoff  func(attempt int) time.Duration
	writer       *Writer
}

// NewCreator prepares to pack count objects into name's image. If
// createImages is false, Open polls for the image to appear (placed
// there by the Image Manager) instead of creating it itself.
func NewCreator(name string, count uint64, th throttler.Throttler, p pool.Pool, createImages bool) *Creator {
	return &Creator{
		pool:         p,
		throttler:    th,
		name:         name,
		path:         p.Path(name),
		createImages: createImages,
		waitBackoff:  exponentialBackoff,
		writer:       nil,
	}
}

func exponentialBackoff(attempt int) time.Duration {
	d := 5 * time.Second
	for i := 0; i < attempt; i++ {
		d *= 2
		if d > 60*time.Second {
			return 60 * time.Second
		}
	}
	return d
}

// Open provisions (or waits for) the image, zeroes it if a previous
// creation was interrupted, and prepares a Writer for count objects.
func (c *Creator) Open(ctx context.Context, count uint64) error {
	if c.createImages {
		if err := c.pool.Create(ctx, c.name); err != nil {
			return err
		}
	} else {
		attempt := 0
		for {
			if _, err := os.Stat(c.path); err == nil {
				break
			}
			time.Sleep(c.waitBackoff(attempt))
			attempt++
		}
	}

	if err := ZeroIfDirty(c.path); err != nil {
		return err
	}

	w, err := Create(c.path, count)
	if err != nil {
		return err
	}
	c.writer = w
	log.Debug(fmt.Sprintf("ROShard %s: created", c.name))
	return nil
}

// Add writes one object through the throttler.
func (c *Creator) Add(ctx context.Context, key, content []byte) error {
	return c.throttler.ThrottleAdd(ctx, key, content, func() error {
		return c.writer.Add(key, content)
	})
}

// Close finalizes the shard and, if this Creator owns image creation,
// remaps it read-only.
func (c *Creator) Close(ctx context.Context, succeeded bool) error {
	if succeeded {
		if err := c.writer.Finalize(); err != nil {
			return err
		}
	}
	if err := c.writer.Close(); err != nil {
		return err
	}

	if c.createImages && succeeded {
		return c.pool.RemapRO(ctx, c.name)
	}
	return nil
}
