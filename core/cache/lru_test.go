package cache_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/cqrs-go/core/cache"
)

func TestLRU_getPut(t *testing.T) {
	c := cache.NewLRU(cache.LRUOpts{Size: 2})

	_, ok := c.Get("a")
	require.False(t, ok)

	c.Put("a", 1)
	v, ok := c.Get("a")
	require.True(t, ok)
	require.Equal(t, 1, v)

	c.Put("a", 2)
	v, _ = c.Get("a")
	require.Equal(t, 2, v)
}

func TestLRU_evictsLeastRecentlyUsed(t *testing.T) {
	c := cache.NewLRU(cache.LRUOpts{Size: 2})

	c.Put("a", 1)
	c.Put("b", 2)
	_, ok := c.Get("a") // refresh a
	require.True(t, ok)

	c.Put("c", 3) // evicts b

	_, ok = c.Get("b")
	require.False(t, ok)
	_, ok = c.Get("a")
	require.True(t, ok)
	_, ok = c.Get("c")
	require.True(t, ok)
}

func TestLRU_ttlExpiry(t *testing.T) {
	c := cache.NewLRU(cache.LRUOpts{Size: 8})

	c.Put("a", 1, cache.WithTTL(10*time.Millisecond))
	_, ok := c.Get("a")
	require.True(t, ok)

	time.Sleep(20 * time.Millisecond)
	_, ok = c.Get("a")
	require.False(t, ok)
}

func TestLRU_delete(t *testing.T) {
	c := cache.NewLRU(cache.LRUOpts{Size: 8})
	c.Put("a", 1)
	c.Delete("a")
	_, ok := c.Get("a")
	require.False(t, ok)
	c.Delete("missing") // no-op
}

func TestTyped(t *testing.T) {
	c := cache.NewTyped[string](cache.NewLRU(cache.LRUOpts{Size: 8}))

	c.Put("k", "v")
	v, ok := c.Get("k")
	require.True(t, ok)
	require.Equal(t, "v", v)

	c.Delete("k")
	_, ok = c.Get("k")
	require.False(t, ok)
}
