// Package ristretto implements the cache port with an in-process ristretto
// cache. It fronts hot task reads and caches router decisions for repeated
// queries.
package ristretto

import (
	"context"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/pilotcrew/agentpilot/internal/config"
)

// Cache wraps a ristretto cache keyed by string with byte-slice values.
type Cache struct {
	c          *ristretto.Cache[string, []byte]
	defaultTTL time.Duration
}

// New creates a ristretto-backed cache sized from config.Cache.
func New(cfg config.Cache) (*Cache, error) {
	maxCost := int64(cfg.MaxSizeMB) * 1024 * 1024
	c, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: maxCost / 100 * 10, // ~10x expected items
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Cache{c: c, defaultTTL: cfg.TTL}, nil
}

// Get retrieves a value from the cache.
func (c *Cache) Get(_ context.Context, key string) ([]byte, bool, error) {
	val, found := c.c.Get(key)
	if !found {
		return nil, false, nil
	}
	return val, true, nil
}

// Set stores a value with the given TTL. A non-positive TTL falls back to
// the configured default.
func (c *Cache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	c.c.SetWithTTL(key, value, int64(len(value)), ttl)
	return nil
}

// Delete removes a value from the cache.
func (c *Cache) Delete(_ context.Context, key string) error {
	c.c.Del(key)
	return nil
}

// Close shuts down the cache and releases resources.
func (c *Cache) Close() {
	c.c.Close()
}
