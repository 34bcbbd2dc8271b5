// Package wineryerr defines the error taxonomy shared by every Winery
// component, per the error handling design in the specification: catalog
// errors are fatal to the current operation but not to the owning work
// loop, pool errors are fatal to the current work item, and ShardNotMapped
// is a soft miss the reader falls through on.
package wineryerr

import "errors"

var (
	// ErrNotFound is returned by get/delete/check when an object is
	// absent or has been marked deleted.
	ErrNotFound = errors.New("object not found")

	// ErrCorrupted is returned by check when the recomputed digest does
	// not match the object id supplied by the caller. Never swallowed.
	ErrCorrupted = errors.New("object corrupted")

	// ErrPermissionDenied is returned by delete when the backend was not
	// configured with allow_delete.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrReadOnly is returned by write operations on a read-only backend.
	ErrReadOnly = errors.New("backend is read-only")

	// ErrShardNotMapped is a soft miss: the RO image exists in the
	// catalog but is not currently mapped on this host. Callers fall
	// back to the write shard.
	ErrShardNotMapped = errors.New("shard image not mapped")

	// ErrNoShardAvailable is returned by lock_one_shard-style operations
	// when no row matched the requested state.
	ErrNoShardAvailable = errors.New("no shard available")

	// ErrLockerMismatch is returned when a state transition is requested
	// by a process that does not hold the shard's lock.
	ErrLockerMismatch = errors.New("shard is locked by another process")
)
