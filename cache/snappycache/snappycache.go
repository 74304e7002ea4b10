// Package snappycache decorates a cache.Cache, compressing values with
// github.com/golang/snappy before storing them and decompressing on load.
// Adapted from abrahamVado-DriftPursuit's internal/replay.Writer, which
// streams its event sink through a snappy.Writer.
package snappycache

import (
	"fmt"

	"context"

	"github.com/golang/snappy"
	"github.com/modernice/streamwrapper/cache"
)

// Cache wraps an underlying cache.Cache with snappy compression.
type Cache struct {
	underlying cache.Cache
}

// New returns a Cache that compresses values written to and decompresses
// values read from underlying.
func New(underlying cache.Cache) *Cache {
	return &Cache{underlying: underlying}
}

func (c *Cache) Load(ctx context.Context, key string) ([]byte, bool, error) {
	data, ok, err := c.underlying.Load(ctx, key)
	if err != nil || !ok {
		return nil, ok, err
	}

	decoded, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, false, fmt.Errorf("snappycache: decode %q: %w", key, err)
	}

	return decoded, true, nil
}

func (c *Cache) Save(ctx context.Context, key string, data []byte) error {
	encoded := snappy.Encode(nil, data)
	if err := c.underlying.Save(ctx, key, encoded); err != nil {
		return fmt.Errorf("snappycache: save %q: %w", key, err)
	}
	return nil
}
