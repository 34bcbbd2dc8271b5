package catalog

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolRegistry owns a set of pgx connection pools keyed by (dsn,
// application name), reference-counted across Catalog instances that share
// a process.
//
// The original implementation keeps this as module-level global state with
// an os.register_at_fork hook that clears it in the child. Per the
// specification's "Global mutable state" redesign note, we instead make
// ownership explicit: callers construct one PoolRegistry and pass it to
// every Catalog they open, and call PostFork in a freshly-forked child
// (e.g. a packer subprocess spawned by the writer) before that child
// touches the registry again, since pgx pools are not fork-safe.
type PoolRegistry struct {
	mu        sync.Mutex
	pools     map[poolKey]*pgxpool.Pool
	refcounts map[poolKey]int
}

type poolKey struct {
	dsn             string
	applicationName string
}

// NewPoolRegistry creates an empty registry.
func NewPoolRegistry() *PoolRegistry {
	return &PoolRegistry{
		pools:     make(map[poolKey]*pgxpool.Pool),
		refcounts: make(map[poolKey]int),
	}
}

// Acquire returns a shared pool for (dsn, applicationName), creating it on
// first use.
func (r *PoolRegistry) Acquire(ctx context.Context, dsn, applicationName string) (*pgxpool.Pool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := poolKey{dsn: dsn, applicationName: applicationName}
	if pool, ok := r.pools[key]; ok {
		r.refcounts[key]++
		return pool, nil
	}

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse catalog dsn: %w", err)
	}
	if applicationName != "" {
		poolConfig.ConnConfig.RuntimeParams["application_name"] = applicationName
	}
	poolConfig.MinConns = 0
	poolConfig.MaxConns = 4

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog pool: %w", err)
	}

	r.pools[key] = pool
	r.refcounts[key] = 1
	return pool, nil
}

// Release drops one reference to (dsn, applicationName)'s pool, closing it
// once the last reference is gone.
func (r *PoolRegistry) Release(dsn, applicationName string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := poolKey{dsn: dsn, applicationName: applicationName}
	pool, ok := r.pools[key]
	if !ok {
		return
	}

	r.refcounts[key]--
	if r.refcounts[key] <= 0 {
		pool.Close()
		delete(r.pools, key)
		delete(r.refcounts, key)
	}
}

// PostFork clears every inherited pool without closing the underlying
// sockets (the parent still owns those). Call this once, as the first
// thing a freshly-forked child process does, before it opens its own
// Catalog.
func (r *PoolRegistry) PostFork() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pools = make(map[poolKey]*pgxpool.Pool)
	r.refcounts = make(map[poolKey]int)
}
