// Package boltcache is an embedded-KV cache.Cache backed by a single
// go.etcd.io/bbolt file and one bucket.
package boltcache

import (
	"context"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

var bucketName = []byte("snapshots")

// Cache is a bbolt-backed cache.Cache.
type Cache struct {
	db *bolt.DB
}

// Open opens (creating if necessary) a bbolt database at path and returns a
// Cache backed by it. Callers should Close the Cache when done.
func Open(path string) (*Cache, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("boltcache: open %q: %w", path, err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("boltcache: create bucket: %w", err)
	}

	return &Cache{db: db}, nil
}

// New wraps an already-open *bolt.DB.
func New(db *bolt.DB) *Cache {
	return &Cache{db: db}
}

// Close closes the underlying database.
func (c *Cache) Close() error {
	return c.db.Close()
}

func (c *Cache) Load(ctx context.Context, key string) ([]byte, bool, error) {
	var data []byte
	var ok bool

	err := c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		if b == nil {
			return nil
		}
		v := b.Get([]byte(key))
		if v == nil {
			return nil
		}
		ok = true
		data = make([]byte, len(v))
		copy(data, v)
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("boltcache: load %q: %w", key, err)
	}

	return data, ok, nil
}

func (c *Cache) Save(ctx context.Context, key string, data []byte) error {
	err := c.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketName)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
	if err != nil {
		return fmt.Errorf("boltcache: save %q: %w", key, err)
	}
	return nil
}
