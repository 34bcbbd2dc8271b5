// Package catalog implements the Winery Shared Catalog (specification
// §4.1): the single SQL database holding shard metadata and the
// object→shard index, and the only global source of truth all
// cross-process ordering relies on.
//
// Every multi-row mutation is one short transaction; row selection uses
// "SELECT ... FOR UPDATE SKIP LOCKED" so that concurrent writers, packers,
// image managers and cleaners never block each other on unrelated rows.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/swh-oss/winery/pkg/log"
	"github.com/swh-oss/winery/pkg/wineryerr"
)

// Catalog is a single process's handle onto the shared database. Each
// Catalog carries its own writer identity (WRITER_UUID in the original
// implementation) used to fill the locker column.
type Catalog struct {
	pool            *pgxpool.Pool
	registry        *PoolRegistry
	dsn             string
	applicationName string
	writerID        uuid.UUID
	logger          zerolog.Logger
}

// New opens a Catalog against dsn, sharing pooled connections through
// registry. applicationName defaults to "Winery" to match the
// specification's fallback_application_name.
func New(ctx context.Context, registry *PoolRegistry, dsn, applicationName string) (*Catalog, error) {
	if applicationName == "" {
		applicationName = "Winery"
	}

	pool, err := registry.Acquire(ctx, dsn, applicationName)
	if err != nil {
		return nil, err
	}

	c := &Catalog{
		pool:            pool,
		registry:        registry,
		dsn:             dsn,
		applicationName: applicationName,
		writerID:        uuid.New(),
		logger:          log.WithComponent("catalog"),
	}

	if err := c.ensureSchema(ctx); err != nil {
		registry.Release(dsn, applicationName)
		return nil, err
	}

	return c, nil
}

// WriterID returns this Catalog's locker identity.
func (c *Catalog) WriterID() uuid.UUID {
	return c.writerID
}

// Close releases this Catalog's reference to its pool.
func (c *Catalog) Close() {
	c.registry.Release(c.dsn, c.applicationName)
}

func (c *Catalog) ensureSchema(ctx context.Context) error {
	if _, err := c.pool.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("failed to ensure catalog schema: %w", err)
	}
	return nil
}

// ShardRef identifies a shard by its catalog-assigned id and its name.
type ShardRef struct {
	ID   int64
	Name string
}

// ShardInfo is the full row contents of one shard.
type ShardInfo struct {
	ID          int64
	Name        string
	State       ShardState
	Locker      string
	LockerTS    *time.Time
	MappedHosts []string
}

// LockOneShard picks one row whose state equals currentState and whose
// mapped_on_hosts_when_packed cardinality is at least minMappedHosts,
// skipping rows already locked by a concurrent transaction, transitions it
// to newState and records this Catalog's locker identity and the current
// timestamp. Returns wineryerr.ErrNoShardAvailable if no row matched.
func (c *Catalog) LockOneShard(ctx context.Context, currentState, newState ShardState, minMappedHosts int) (*ShardRef, error) {
	if !newState.Locked() {
		return nil, fmt.Errorf("%s is not a locked state", newState)
	}

	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("lock_one_shard: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var name string
	err = tx.QueryRow(ctx, `
		SELECT name
		FROM shards
		WHERE state = $1
		  AND COALESCE(array_length(mapped_on_hosts_when_packed, 1), 0) >= $2
		ORDER BY id
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`, string(currentState), minMappedHosts).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, wineryerr.ErrNoShardAvailable
	}
	if err != nil {
		return nil, fmt.Errorf("lock_one_shard: select: %w", err)
	}

	var id int64
	err = tx.QueryRow(ctx, `
		UPDATE shards
		SET state = $1, locker = $2, locker_ts = now()
		WHERE name = $3
		RETURNING id
	`, string(newState), c.writerID.String(), name).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("lock_one_shard: update: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("lock_one_shard: commit: %w", err)
	}

	c.logger.Debug().Str("shard", name).Str("state", string(newState)).Msg("locked shard")
	return &ShardRef{ID: id, Name: name}, nil
}

// SetShardState transitions the named shard's state. When setLocker is
// true, the locker column is set to this Catalog's writer id and
// locker_ts to now(); otherwise the locker is cleared. When checkLocker is
// true, the transition only applies to rows currently locked by this
// Catalog. Returns an error if zero rows were affected, per the
// specification ("fails loudly if zero rows are affected").
func (c *Catalog) SetShardState(ctx context.Context, name string, newState ShardState, setLocker, checkLocker bool) error {
	var locker *string
	if setLocker {
		id := c.writerID.String()
		locker = &id
	}

	tag, err := c.pool.Exec(ctx, `
		UPDATE shards
		SET
			state = $1,
			locker = $2,
			locker_ts = CASE WHEN $3 THEN now() ELSE NULL END
		WHERE name = $4 AND (NOT $5 OR locker = $6)
	`, string(newState), locker, setLocker, name, checkLocker, c.writerID.String())
	if err != nil {
		return fmt.Errorf("set_shard_state(%s): %w", name, err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("set_shard_state(%s) affected %d rows, expected 1: %w", name, tag.RowsAffected(), wineryerr.ErrLockerMismatch)
	}
	return nil
}

// CreateShard inserts a new shard row with a freshly-generated name ("i" +
// 31 hex chars derived from a UUID), locked to this Catalog.
func (c *Catalog) CreateShard(ctx context.Context, newState ShardState) (*ShardRef, error) {
	name := "i" + uuid.New().String()[1:]
	// Shard names must be purely hex after the leading letter so they can
	// back a SQL table name (shard_<name>); strip the UUID's hyphens.
	name = stripHyphens(name)

	var id int64
	err := c.pool.QueryRow(ctx, `
		INSERT INTO shards (name, state, locker, locker_ts)
		VALUES ($1, $2, $3, now())
		RETURNING id
	`, name, string(newState), c.writerID.String()).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("create_shard: %w", err)
	}

	c.logger.Debug().Str("shard", name).Msg("shard created and locked")
	return &ShardRef{ID: id, Name: name}, nil
}

func stripHyphens(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '-' {
			out = append(out, s[i])
		}
	}
	return string(out)
}

// ShardPackingStarts transitions a FULL shard to PACKING, failing if the
// shard is not currently FULL.
func (c *Catalog) ShardPackingStarts(ctx context.Context, name string) error {
	return c.guardedTransition(ctx, name, StateFull, StatePacking, true)
}

// ShardPackingEnds transitions a PACKING shard to PACKED, failing if the
// shard is not currently PACKING.
func (c *Catalog) ShardPackingEnds(ctx context.Context, name string) error {
	return c.guardedTransition(ctx, name, StatePacking, StatePacked, false)
}

func (c *Catalog) guardedTransition(ctx context.Context, name string, expect, next ShardState, setLocker bool) error {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("guarded transition: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var state string
	err = tx.QueryRow(ctx, `SELECT state FROM shards WHERE name = $1 FOR UPDATE SKIP LOCKED`, name).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("could not get shard state for %s", name)
	}
	if err != nil {
		return fmt.Errorf("guarded transition: select: %w", err)
	}
	if ShardState(state) != expect {
		return fmt.Errorf("cannot transition shard %s from %s, expected %s", name, state, expect)
	}

	var locker *string
	if setLocker {
		id := c.writerID.String()
		locker = &id
	}
	tag, err := tx.Exec(ctx, `
		UPDATE shards SET state = $1, locker = $2, locker_ts = CASE WHEN $3 THEN now() ELSE NULL END
		WHERE name = $4
	`, string(next), locker, setLocker, name)
	if err != nil {
		return fmt.Errorf("guarded transition: update: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("guarded transition(%s) affected %d rows, expected 1", name, tag.RowsAffected())
	}

	return tx.Commit(ctx)
}

// GetShardInfo returns the name and state of the shard with the given id.
func (c *Catalog) GetShardInfo(ctx context.Context, id int64) (*ShardInfo, error) {
	info := &ShardInfo{ID: id}
	var locker *string
	var lockerTS *time.Time
	err := c.pool.QueryRow(ctx, `SELECT name, state, locker, locker_ts, mapped_on_hosts_when_packed FROM shards WHERE id = $1`, id).
		Scan(&info.Name, &info.State, &locker, &lockerTS, &info.MappedHosts)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, wineryerr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get_shard_info(%d): %w", id, err)
	}
	if locker != nil {
		info.Locker = *locker
	}
	info.LockerTS = lockerTS
	return info, nil
}

// GetShardState returns the state of the named shard.
func (c *Catalog) GetShardState(ctx context.Context, name string) (ShardState, error) {
	var state string
	err := c.pool.QueryRow(ctx, `SELECT state FROM shards WHERE name = $1`, name).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", wineryerr.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get_shard_state(%s): %w", name, err)
	}
	return ShardState(state), nil
}

// ListShards returns every known shard and its current state.
func (c *Catalog) ListShards(ctx context.Context) ([]ShardInfo, error) {
	rows, err := c.pool.Query(ctx, `SELECT id, name, state, mapped_on_hosts_when_packed FROM shards`)
	if err != nil {
		return nil, fmt.Errorf("list_shards: %w", err)
	}
	defer rows.Close()

	var shards []ShardInfo
	for rows.Next() {
		var s ShardInfo
		if err := rows.Scan(&s.ID, &s.Name, &s.State, &s.MappedHosts); err != nil {
			return nil, fmt.Errorf("list_shards: scan: %w", err)
		}
		shards = append(shards, s)
	}
	return shards, rows.Err()
}

// CountObjects counts the present objects recorded against the named
// shard.
func (c *Catalog) CountObjects(ctx context.Context, name string) (int64, error) {
	var count int64
	err := c.pool.QueryRow(ctx, `
		SELECT count(*)
		FROM signature2shard
		WHERE state = 'present'
		  AND shard = (SELECT id FROM shards WHERE name = $1)
	`, name).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count_objects(%s): %w", name, err)
	}
	return count, nil
}

// RecordShardMapped atomically adds host to the shard's
// mapped_on_hosts_when_packed set and returns the resulting set. Idempotent:
// repeated calls with the same host are no-ops beyond the round trip.
func (c *Catalog) RecordShardMapped(ctx context.Context, host, name string) ([]string, error) {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("record_shard_mapped: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var hosts []string
	err = tx.QueryRow(ctx, `SELECT mapped_on_hosts_when_packed FROM shards WHERE name = $1 FOR UPDATE SKIP LOCKED`, name).Scan(&hosts)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("can't update shard %s: %w", name, wineryerr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("record_shard_mapped: select: %w", err)
	}

	if !contains(hosts, host) {
		hosts = append(hosts, host)
		if _, err := tx.Exec(ctx, `UPDATE shards SET mapped_on_hosts_when_packed = $1 WHERE name = $2`, hosts, name); err != nil {
			return nil, fmt.Errorf("record_shard_mapped: update: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("record_shard_mapped: commit: %w", err)
	}
	return hosts, nil
}

func contains(hosts []string, host string) bool {
	for _, h := range hosts {
		if h == host {
			return true
		}
	}
	return false
}

// Contains returns the id of the shard containing obj_id, if it is
// currently present (not deleted, not merely inflight).
func (c *Catalog) Contains(ctx context.Context, objID []byte) (int64, bool, error) {
	var shardID int64
	err := c.pool.QueryRow(ctx, `SELECT shard FROM signature2shard WHERE signature = $1 AND state = 'present'`, objID).Scan(&shardID)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("contains: %w", err)
	}
	return shardID, true, nil
}

// Get returns the name and state of the shard containing obj_id, or
// wineryerr.ErrNotFound if the object is unknown or deleted.
func (c *Catalog) Get(ctx context.Context, objID []byte) (*ShardInfo, error) {
	shardID, ok, err := c.Contains(ctx, objID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, wineryerr.ErrNotFound
	}
	return c.GetShardInfo(ctx, shardID)
}

// BeginTx starts a transaction for callers (the Writer) that must record
// an object's shard and insert its bytes into the write shard atomically.
func (c *Catalog) BeginTx(ctx context.Context) (pgx.Tx, error) {
	return c.pool.Begin(ctx)
}

// RecordNewObjID upserts signature2shard(obj_id, lockedShardID, 'present')
// inside tx, overwriting a previously-deleted row for the same id, and
// returns the shard id the object now belongs to — which may not be
// lockedShardID if a concurrent writer already recorded it.
func (c *Catalog) RecordNewObjID(ctx context.Context, tx pgx.Tx, objID []byte, lockedShardID int64) (int64, error) {
	var shardID int64
	_, err := tx.Exec(ctx, `
		INSERT INTO signature2shard (signature, shard, state)
		VALUES ($1, $2, 'present')
		ON CONFLICT (signature) DO UPDATE
			SET shard = EXCLUDED.shard, state = 'present'
			WHERE signature2shard.state = 'deleted'
	`, objID, lockedShardID)
	if err != nil {
		return 0, fmt.Errorf("record_new_obj_id: upsert: %w", err)
	}

	err = tx.QueryRow(ctx, `SELECT shard FROM signature2shard WHERE signature = $1`, objID).Scan(&shardID)
	if err != nil {
		return 0, fmt.Errorf("record_new_obj_id: could not record the object in any shard: %w", err)
	}
	return shardID, nil
}

// ListSignatures iterates present object ids in digest order, after the
// given digest (inclusive lower bound excluded), up to limit entries.
func (c *Catalog) ListSignatures(ctx context.Context, after []byte, limit int) ([][]byte, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT signature
		FROM signature2shard
		WHERE state = 'present' AND signature > $1
		ORDER BY signature
		LIMIT $2
	`, after, limit)
	if err != nil {
		return nil, fmt.Errorf("list_signatures: %w", err)
	}
	defer rows.Close()

	var out [][]byte
	for rows.Next() {
		var sig []byte
		if err := rows.Scan(&sig); err != nil {
			return nil, fmt.Errorf("list_signatures: scan: %w", err)
		}
		out = append(out, sig)
	}
	return out, rows.Err()
}

// Delete marks obj_id's signature2shard row deleted.
func (c *Catalog) Delete(ctx context.Context, objID []byte) error {
	_, err := c.pool.Exec(ctx, `UPDATE signature2shard SET state = 'deleted' WHERE signature = $1`, objID)
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	return nil
}

// DeletedObject is one pending-cleanup row.
type DeletedObject struct {
	ObjID     []byte
	ShardName string
	State     ShardState
}

// DeletedObjects lists every signature2shard row marked deleted, alongside
// the name and state of the shard that holds (or held) the payload.
func (c *Catalog) DeletedObjects(ctx context.Context) ([]DeletedObject, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT objs.signature, shards.name, shards.state
		FROM signature2shard objs
		JOIN shards ON shards.id = objs.shard
		WHERE objs.state = 'deleted'
	`)
	if err != nil {
		return nil, fmt.Errorf("deleted_objects: %w", err)
	}
	defer rows.Close()

	var out []DeletedObject
	for rows.Next() {
		var d DeletedObject
		if err := rows.Scan(&d.ObjID, &d.ShardName, &d.State); err != nil {
			return nil, fmt.Errorf("deleted_objects: scan: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// CleanDeletedObject removes obj_id's signature2shard row entirely, once
// its RO payload has been punched out by the deleted-objects cleaner.
func (c *Catalog) CleanDeletedObject(ctx context.Context, objID []byte) error {
	_, err := c.pool.Exec(ctx, `DELETE FROM signature2shard WHERE signature = $1`, objID)
	if err != nil {
		return fmt.Errorf("clean_deleted_object: %w", err)
	}
	return nil
}
