// Package throttler implements the Winery Throttler (specification §4.5):
// a cooperative, cross-process bandwidth limiter. Every writer and reader
// process in a Winery deployment runs one local leaky bucket per
// direction and periodically renegotiates its fair share against a shared
// SQL table, so that N cooperating processes converge on roughly
// max_speed/N bytes/sec each rather than each independently assuming the
// full budget.
package throttler

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/swh-oss/winery/pkg/config"
	"github.com/swh-oss/winery/pkg/log"
	"github.com/swh-oss/winery/pkg/metrics"
)

// syncInterval is how often a direction renegotiates its fair share.
const syncInterval = 60 * time.Second

// throttlerWindow is the lookback used when summing cooperating
// processes' bandwidth, and half the staleness threshold for vacuuming
// dead rows.
const throttlerWindow = 5 * time.Minute

// Throttler exposes the two operations Winery's Reader and Writer call on
// every object transfer.
type Throttler interface {
	// ThrottleGet wraps a read: fn is called to fetch the object, and the
	// byte count of its result is debited from the read budget.
	ThrottleGet(ctx context.Context, fn func() ([]byte, error)) ([]byte, error)

	// ThrottleAdd wraps a write: the combined length of key and content is
	// debited from the write budget before fn is invoked.
	ThrottleAdd(ctx context.Context, key, content []byte, fn func() error) error

	// Close stops the background sync loops and releases the database
	// connection, if any.
	Close()
}

// direction identifies one of the two independent tables/buckets.
type direction struct {
	table     string
	metricDir string
	pool      *pgxpool.Pool
	rowID     int64
	maxSpeed  float64
	bucket    *leakyBucket
	histogram *bandwidthHistogram
	stop      chan struct{}
}

func newDirection(pool *pgxpool.Pool, table, metricDir string, maxSpeed int64) *direction {
	return &direction{
		table:     table,
		metricDir: metricDir,
		pool:      pool,
		maxSpeed:  float64(maxSpeed),
		bucket:    newLeakyBucket(float64(maxSpeed)),
		histogram: newBandwidthHistogram(),
		stop:      make(chan struct{}),
	}
}

func (d *direction) add(ctx context.Context, n float64) {
	d.bucket.add(n)
	d.histogram.observe(n)
	metrics.ThrottlerObservedBps.WithLabelValues(d.metricDir).Set(d.histogram.mean())
}

// register inserts this process's row and starts its periodic sync loop.
func (d *direction) register(ctx context.Context) error {
	err := d.pool.QueryRow(ctx, fmt.Sprintf(
		`INSERT INTO %s (bytes) VALUES (0) RETURNING id`, d.table,
	)).Scan(&d.rowID)
	if err != nil {
		return fmt.Errorf("throttler: register %s row: %w", d.table, err)
	}

	go d.syncLoop()
	return nil
}

func (d *direction) syncLoop() {
	ticker := time.NewTicker(syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			if err := d.sync(context.Background()); err != nil {
				log.Errorf("throttler sync failed", err)
			}
		}
	}
}

func (d *direction) sync(ctx context.Context) error {
	mean := d.histogram.mean()

	if _, err := d.pool.Exec(ctx, fmt.Sprintf(
		`UPDATE %s SET bytes = $1, updated = now() WHERE id = $2`, d.table,
	), int64(mean), d.rowID); err != nil {
		return fmt.Errorf("throttler: update %s: %w", d.table, err)
	}

	var count int64
	var sum int64
	if err := d.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT count(*), COALESCE(sum(bytes), 0) FROM %s WHERE updated > now() - $1::interval AND bytes > 0`, d.table,
	), pgInterval(throttlerWindow)).Scan(&count, &sum); err != nil {
		return fmt.Errorf("throttler: window query on %s: %w", d.table, err)
	}

	if count > 0 && float64(sum) > d.maxSpeed {
		share := d.maxSpeed / float64(count)
		// capacity field accessed via reset to keep bucket.mu ownership.
		d.bucket.reset(share)
		metrics.ThrottlerBucketCapacity.WithLabelValues(d.metricDir).Set(share)
	}

	if _, err := d.pool.Exec(ctx, fmt.Sprintf(
		`DELETE FROM %s WHERE updated < now() - $1::interval`, d.table,
	), pgInterval(2*throttlerWindow)); err != nil {
		log.Errorf("throttler vacuum failed", err)
	}

	return nil
}

// pgInterval formats a Go duration as a string Postgres's interval input
// parser accepts ("N seconds").
func pgInterval(d time.Duration) string {
	return fmt.Sprintf("%d seconds", int64(d.Seconds()))
}

func (d *direction) close(ctx context.Context) {
	close(d.stop)
	if d.rowID != 0 {
		_, _ = d.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, d.table), d.rowID)
	}
}

// sqlThrottler is the real, catalog-backed Throttler.
type sqlThrottler struct {
	pool  *pgxpool.Pool
	read  *direction
	write *direction
}

// New opens a Throttler against cfg, or returns a no-op Throttler if cfg
// is nil (the specification's "no throttler configured" case).
func New(ctx context.Context, cfg *config.ThrottlerConfig) (Throttler, error) {
	if cfg == nil {
		return noop{}, nil
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DB)
	if err != nil {
		return nil, fmt.Errorf("throttler: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("throttler: connect: %w", err)
	}

	if _, err := pool.Exec(ctx, schemaDDL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("throttler: ensure schema: %w", err)
	}

	t := &sqlThrottler{
		pool:  pool,
		read:  newDirection(pool, "t_read", "read", cfg.MaxReadBps),
		write: newDirection(pool, "t_write", "write", cfg.MaxWriteBps),
	}

	if err := t.read.register(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if err := t.write.register(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return t, nil
}

func (t *sqlThrottler) ThrottleGet(ctx context.Context, fn func() ([]byte, error)) ([]byte, error) {
	content, err := fn()
	if err != nil {
		return nil, err
	}
	t.read.add(ctx, float64(len(content)))
	return content, nil
}

func (t *sqlThrottler) ThrottleAdd(ctx context.Context, key, content []byte, fn func() error) error {
	t.write.add(ctx, float64(len(key)+len(content)))
	return fn()
}

func (t *sqlThrottler) Close() {
	ctx := context.Background()
	t.read.close(ctx)
	t.write.close(ctx)
	t.pool.Close()
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS t_read (
	id      serial PRIMARY KEY,
	updated timestamptz NOT NULL DEFAULT now(),
	bytes   bigint NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS t_write (
	id      serial PRIMARY KEY,
	updated timestamptz NOT NULL DEFAULT now(),
	bytes   bigint NOT NULL DEFAULT 0
);
`
