// Package pool implements the Winery Image Pool (specification §4.4): a
// polymorphic provider of named, fixed-size block images, selected at
// configuration time between a Ceph RBD-backed variant and a plain
// directory-backed variant. Both variants share the Pool contract so the
// rest of Winery (Packer, Image Manager, RW-Shard Cleaner) never knows
// which one is in effect.
//
// Adapted from the teacher's pkg/volume VolumeDriver/VolumeManager split:
// one interface, one driver per backend, selected by name at construction
// time instead of per call.
package pool

import (
	"context"
	"fmt"

	"github.com/swh-oss/winery/pkg/config"
)

// MappedMode describes how an image is currently mapped into the host's
// device or file namespace.
type MappedMode string

const (
	Unmapped MappedMode = ""
	MappedRO MappedMode = "ro"
	MappedRW MappedMode = "rw"
)

// Pool provides named fixed-size block images, independent of the backing
// technology.
type Pool interface {
	// Exists reports whether an image named name has been created.
	Exists(ctx context.Context, name string) (bool, error)

	// Mapped reports how the image is currently mapped on this host.
	Mapped(ctx context.Context, name string) (MappedMode, error)

	// List returns the names of every image in the pool.
	List(ctx context.Context) ([]string, error)

	// Path returns the filesystem path a reader should open to access the
	// image's content once mapped.
	Path(name string) string

	// Create provisions a new image of the pool's configured size, maps it
	// read-write, and returns once it is ready for writing.
	Create(ctx context.Context, name string) error

	// Map maps an existing image in the given mode.
	Map(ctx context.Context, name string, mode MappedMode) error

	// Unmap removes any mapping for the named image.
	Unmap(ctx context.Context, name string) error

	// RemapRO unmaps then remaps the image read-only, used to recover a
	// leftover read-write mapping from a packer that crashed or exited on
	// the same host.
	RemapRO(ctx context.Context, name string) error
}

// New constructs the Pool variant selected by cfg.Type.
func New(cfg config.ShardsPoolConfig, shardMaxSize int64) (Pool, error) {
	switch cfg.Type {
	case config.PoolTypeDirectory:
		return NewDirectoryPool(cfg.BaseDirectory, shardMaxSize)
	case config.PoolTypeRBD:
		return NewRBDPool(cfg, shardMaxSize)
	default:
		return nil, fmt.Errorf("unknown shards_pool type %q", cfg.Type)
	}
}
