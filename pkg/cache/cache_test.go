package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexpipe/lexpipe/pkg/config"
)

func newTestCache(t *testing.T) *MatterCache {
	t.Helper()
	c, err := NewMatterCache(&config.CacheConfig{
		EntriesPerMatter: 4,
		TTL:              50 * time.Millisecond,
		MaxMatters:       2,
	})
	require.NoError(t, err)
	return c
}

func TestSetGet(t *testing.T) {
	c := newTestCache(t)

	c.Set("matter-1", "jobs:list", []string{"a", "b"})
	v, ok := c.Get("matter-1", "jobs:list")
	require.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, v)

	_, ok = c.Get("matter-1", "other")
	assert.False(t, ok)
}

func TestMattersAreIsolated(t *testing.T) {
	c := newTestCache(t)

	c.Set("matter-1", "jobs:list", "one")
	c.Set("matter-2", "jobs:list", "two")

	v, ok := c.Get("matter-2", "jobs:list")
	require.True(t, ok)
	assert.Equal(t, "two", v)

	c.InvalidateMatter("matter-1")
	_, ok = c.Get("matter-1", "jobs:list")
	assert.False(t, ok)
	_, ok = c.Get("matter-2", "jobs:list")
	assert.True(t, ok)
}

func TestEntriesExpire(t *testing.T) {
	c := newTestCache(t)

	c.Set("matter-1", "k", "v")
	_, ok := c.Get("matter-1", "k")
	require.True(t, ok)

	time.Sleep(80 * time.Millisecond)
	_, ok = c.Get("matter-1", "k")
	assert.False(t, ok)
}

func TestPerMatterCapacityEvictsLRU(t *testing.T) {
	c := newTestCache(t)

	for i := 0; i < 6; i++ {
		c.Set("matter-1", fmt.Sprintf("k%d", i), i)
	}
	_, ok := c.Get("matter-1", "k0")
	assert.False(t, ok)
	_, ok = c.Get("matter-1", "k5")
	assert.True(t, ok)
}

func TestMatterCapacityEvictsWholeMatter(t *testing.T) {
	c := newTestCache(t)

	c.Set("matter-1", "k", "v")
	c.Set("matter-2", "k", "v")
	c.Set("matter-3", "k", "v") // evicts matter-1

	_, ok := c.Get("matter-1", "k")
	assert.False(t, ok)
	_, ok = c.Get("matter-3", "k")
	assert.True(t, ok)
}

func TestDelete(t *testing.T) {
	c := newTestCache(t)

	c.Set("matter-1", "k", "v")
	c.Delete("matter-1", "k")
	_, ok := c.Get("matter-1", "k")
	assert.False(t, ok)
}

func TestStats(t *testing.T) {
	c := newTestCache(t)

	c.Set("matter-1", "k", "v")
	c.Get("matter-1", "k")
	c.Get("matter-1", "missing")
	c.Get("matter-2", "k")

	s := c.Stats()
	assert.Equal(t, uint64(1), s.Hits)
	assert.Equal(t, uint64(2), s.Misses)
	assert.Equal(t, 1, s.Matters)
}
