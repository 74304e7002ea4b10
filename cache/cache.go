// Package cache specifies the Projection Cache contract: load/store an
// opaque snapshot per projection name. Concrete backends live in
// subpackages (filecache, boltcache, snappycache).
package cache

import "context"

// Cache stores opaque projection snapshots keyed by the projection's
// FullName. Must be idempotent under concurrent writers: last write wins.
type Cache interface {
	// Load returns the bytes stored under key, or ok=false if nothing is
	// stored there (not an error).
	Load(ctx context.Context, key string) (data []byte, ok bool, err error)

	// Save stores data under key, overwriting whatever was stored there
	// before.
	Save(ctx context.Context, key string, data []byte) error
}
