// Package cache provides a small in-process read cache partitioned by
// matter. Entries from one matter can never be served to another: each
// matter owns its own LRU, and invalidation drops a whole matter at once.
package cache

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/lexpipe/lexpipe/pkg/config"
)

// MatterCache is the per-matter cache of API read results. Values are
// whatever the caller stored; entries expire on TTL and evict LRU.
type MatterCache struct {
	matters *lru.Cache[string, *expirable.LRU[string, any]]
	cfg     *config.CacheConfig

	mu sync.Mutex // guards matter-cache creation

	hits   uint64
	misses uint64
	statMu sync.Mutex
}

// NewMatterCache creates a MatterCache with the configured bounds.
func NewMatterCache(cfg *config.CacheConfig) (*MatterCache, error) {
	matters, err := lru.New[string, *expirable.LRU[string, any]](cfg.MaxMatters)
	if err != nil {
		return nil, err
	}
	return &MatterCache{matters: matters, cfg: cfg}, nil
}

// Get returns the cached value for key within matterID.
func (c *MatterCache) Get(matterID, key string) (any, bool) {
	inner, ok := c.matters.Get(matterID)
	if !ok {
		c.recordMiss()
		return nil, false
	}
	v, ok := inner.Get(key)
	if ok {
		c.recordHit()
	} else {
		c.recordMiss()
	}
	return v, ok
}

// Set stores a value for key within matterID, creating the matter's cache
// on first use.
func (c *MatterCache) Set(matterID, key string, value any) {
	inner, ok := c.matters.Get(matterID)
	if !ok {
		c.mu.Lock()
		inner, ok = c.matters.Get(matterID)
		if !ok {
			inner = expirable.NewLRU[string, any](c.cfg.EntriesPerMatter, nil, c.cfg.TTL)
			c.matters.Add(matterID, inner)
		}
		c.mu.Unlock()
	}
	inner.Add(key, value)
}

// Delete removes a single key from matterID's cache.
func (c *MatterCache) Delete(matterID, key string) {
	if inner, ok := c.matters.Get(matterID); ok {
		inner.Remove(key)
	}
}

// InvalidateMatter drops every cached entry for a matter. Called whenever a
// job in the matter changes state, so reads never serve stale status.
func (c *MatterCache) InvalidateMatter(matterID string) {
	c.matters.Remove(matterID)
}

// Stats is a point-in-time view of cache effectiveness.
type Stats struct {
	Hits    uint64 `json:"hits"`
	Misses  uint64 `json:"misses"`
	Matters int    `json:"matters"`
}

// Stats reports hit/miss counts and the number of live matter caches.
func (c *MatterCache) Stats() Stats {
	c.statMu.Lock()
	defer c.statMu.Unlock()
	return Stats{Hits: c.hits, Misses: c.misses, Matters: c.matters.Len()}
}

func (c *MatterCache) recordHit() {
	c.statMu.Lock()
	c.hits++
	c.statMu.Unlock()
}

func (c *MatterCache) recordMiss() {
	c.statMu.Lock()
	c.misses++
	c.statMu.Unlock()
}
