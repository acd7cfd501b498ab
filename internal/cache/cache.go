// Package cache holds rendered pages between requests of `dpm serve`.
// Every mutation of the package clears the whole cache.
package cache

import (
	"context"
	"sync"
)

// Cache maps request keys to rendered bytes.
type Cache interface {
	// Get returns the cached value and whether it was present.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	// Clear drops every entry.
	Clear(ctx context.Context) error
}

// MemoryCache is an in-process Cache.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string][]byte
}

var _ Cache = (*MemoryCache)(nil)

// NewMemoryCache creates an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string][]byte)}
}

func (c *MemoryCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

func (c *MemoryCache) Set(ctx context.Context, key string, value []byte) error {
	stored := make([]byte, len(value))
	copy(stored, value)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = stored
	return nil
}

func (c *MemoryCache) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string][]byte)
	return nil
}

// Len returns the number of cached entries.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// NoCache never stores anything.
type NoCache struct{}

var _ Cache = NoCache{}

func (NoCache) Get(context.Context, string) ([]byte, bool, error) { return nil, false, nil }
func (NoCache) Set(context.Context, string, []byte) error         { return nil }
func (NoCache) Clear(context.Context) error                       { return nil }
