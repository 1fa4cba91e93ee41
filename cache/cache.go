// Package cache memoizes verifier verdicts keyed by a content hash of
// the raw program bytes, so re-checking an unchanged program is instant.
// Built on blake3 for the key and bbolt for the store rather than
// inventing a bespoke on-disk format.
package cache

import (
	"fmt"

	"github.com/zeebo/blake3"
	bolt "go.etcd.io/bbolt"
)

var bucketName = []byte("verdicts")

// Key hashes raw program bytes into the cache's lookup key.
func Key(progBytes []byte) [32]byte {
	return blake3.Sum256(progBytes)
}

// Cache wraps a bbolt database holding one byte (0 = reject, 1 = accept)
// per hash.
type Cache struct {
	db *bolt.DB
}

// Open creates or opens the bbolt database at path, ensuring the
// verdicts bucket exists.
func Open(path string) (*Cache, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("cache: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("cache: init bucket: %w", err)
	}
	return &Cache{db: db}, nil
}

func (c *Cache) Close() error { return c.db.Close() }

// Lookup returns the cached verdict for key, if any.
func (c *Cache) Lookup(key [32]byte) (accept bool, found bool, err error) {
	err = c.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketName).Get(key[:])
		if v == nil {
			return nil
		}
		found = true
		accept = v[0] == 1
		return nil
	})
	return accept, found, err
}

// Store records accept/reject for key, overwriting any prior verdict:
// a program's bytes hashing the same but its verdict changing would
// mean the verifier itself changed, in which case the whole cache is
// stale and the caller should delete the file rather than rely on
// per-entry overwrite semantics.
func (c *Cache) Store(key [32]byte, accept bool) error {
	v := byte(0)
	if accept {
		v = 1
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put(key[:], []byte{v})
	})
}
