// Package rwshard implements the Winery Write Shard (specification §4.2):
// a per-shard SQL table holding (key, content) rows, held open by a
// single writer across many adds, with an idle timer that releases it
// back to STANDBY when writes stop.
package rwshard

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/swh-oss/winery/pkg/wineryerr"
)

var validName = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// Shard is a handle onto one write shard's table, tracking its running
// size in memory so callers can decide fullness against shard_max_size
// without a round trip.
type Shard struct {
	pool        *pgxpool.Pool
	name        string
	tableName   string
	runningSize int64
}

func tableFor(name string) (string, error) {
	if !validName.MatchString(name) {
		return "", fmt.Errorf("invalid shard name %q", name)
	}
	return "shard_" + name, nil
}

// Open returns a Shard handle for name, creating its backing table if it
// does not already exist, and populates runningSize from total_size().
func Open(ctx context.Context, pool *pgxpool.Pool, name string) (*Shard, error) {
	table, err := tableFor(name)
	if err != nil {
		return nil, err
	}

	s := &Shard{pool: pool, name: name, tableName: table}
	if err := s.create(ctx); err != nil {
		return nil, err
	}

	size, err := s.TotalSize(ctx)
	if err != nil {
		return nil, err
	}
	s.runningSize = size
	return s, nil
}

// create is idempotent: "create" in the specification's operation table.
func (s *Shard) create(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (key bytea PRIMARY KEY, content bytea NOT NULL)`, s.tableName,
	))
	if err != nil {
		return fmt.Errorf("rwshard create(%s): %w", s.name, err)
	}
	return nil
}

// Drop removes the shard's table entirely, once its content has been
// packed into an RO image.
func (s *Shard) Drop(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, s.tableName))
	if err != nil {
		return fmt.Errorf("rwshard drop(%s): %w", s.name, err)
	}
	return nil
}

// Add inserts (key, content), silently ignoring a unique violation — the
// object is already present under a concurrent writer's commit.
func (s *Shard) Add(ctx context.Context, key, content []byte) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(
		`INSERT INTO %s (key, content) VALUES ($1, $2) ON CONFLICT (key) DO NOTHING`, s.tableName,
	), key, content)
	if err != nil {
		return fmt.Errorf("rwshard add(%s): %w", s.name, err)
	}
	s.runningSize += int64(len(content))
	return nil
}

// AddTx is Add performed within an existing transaction, used by the
// writer to record the catalog index update and the payload insert
// atomically.
func (s *Shard) AddTx(ctx context.Context, tx pgx.Tx, key, content []byte) error {
	_, err := tx.Exec(ctx, fmt.Sprintf(
		`INSERT INTO %s (key, content) VALUES ($1, $2) ON CONFLICT (key) DO NOTHING`, s.tableName,
	), key, content)
	if err != nil {
		return fmt.Errorf("rwshard add(%s): %w", s.name, err)
	}
	s.runningSize += int64(len(content))
	return nil
}

// Get returns the content stored under key, or wineryerr.ErrNotFound.
func (s *Shard) Get(ctx context.Context, key []byte) ([]byte, error) {
	var content []byte
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT content FROM %s WHERE key = $1`, s.tableName), key).Scan(&content)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, wineryerr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("rwshard get(%s): %w", s.name, err)
	}
	return content, nil
}

// Delete removes key's row, failing if it is absent.
func (s *Shard) Delete(ctx context.Context, key []byte) error {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE key = $1`, s.tableName), key)
	if err != nil {
		return fmt.Errorf("rwshard delete(%s): %w", s.name, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("rwshard delete(%s): %w", s.name, wineryerr.ErrNotFound)
	}
	return nil
}

// All streams every (key, content) pair via a server-side cursor, calling
// yield for each. Stops early and returns yield's error if it returns
// non-nil. Used by the packer, which must see every row without holding
// them all in memory at once.
func (s *Shard) All(ctx context.Context, yield func(key, content []byte) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("rwshard all(%s): begin: %w", s.name, err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, fmt.Sprintf(`SELECT key, content FROM %s ORDER BY key`, s.tableName))
	if err != nil {
		return fmt.Errorf("rwshard all(%s): %w", s.name, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key, content []byte
		if err := rows.Scan(&key, &content); err != nil {
			return fmt.Errorf("rwshard all(%s): scan: %w", s.name, err)
		}
		if err := yield(key, content); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("rwshard all(%s): %w", s.name, err)
	}
	return tx.Commit(ctx)
}

// Count returns the number of rows in the shard.
func (s *Shard) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT count(*) FROM %s`, s.tableName)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("rwshard count(%s): %w", s.name, err)
	}
	return count, nil
}

// TotalSize returns the sum of content lengths across all rows.
func (s *Shard) TotalSize(ctx context.Context) (int64, error) {
	var total int64
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT COALESCE(sum(length(content)), 0) FROM %s`, s.tableName)).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("rwshard total_size(%s): %w", s.name, err)
	}
	return total, nil
}

// RunningSize returns the in-memory tracked size, avoiding a round trip
// on the writer's hot path.
func (s *Shard) RunningSize() int64 {
	return s.runningSize
}

// Name returns the shard's name.
func (s *Shard) Name() string {
	return s.name
}
