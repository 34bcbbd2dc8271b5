package imagemanager

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

var bucketMappedRO = []byte("mapped_ro")

// localCache is a host-local durable record of shards this Image Manager
// has already observed mapped read-only, so a restart does not need to
// re-run record_shard_mapped for every shard it had already settled.
// Adapted from the teacher's pkg/storage bbolt-backed store: one bucket,
// JSON-encoded values, opened once per daemon lifetime.
type localCache struct {
	db *bolt.DB
}

func openLocalCache(dataDir string) (*localCache, error) {
	path := filepath.Join(dataDir, "imagemanager.db")
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("imagemanager: open local cache: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketMappedRO)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("imagemanager: create bucket: %w", err)
	}

	return &localCache{db: db}, nil
}

type mappedEntry struct {
	State string `json:"state"`
}

func (c *localCache) markMappedRO(name, state string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(mappedEntry{State: state})
		if err != nil {
			return err
		}
		return tx.Bucket(bucketMappedRO).Put([]byte(name), data)
	})
}

func (c *localCache) isMappedRO(name string) (string, bool) {
	var state string
	found := false
	_ = c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketMappedRO).Get([]byte(name))
		if data == nil {
			return nil
		}
		var entry mappedEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			return err
		}
		state = entry.State
		found = true
		return nil
	})
	return state, found
}

func (c *localCache) close() error {
	return c.db.Close()
}
