package lrucache_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowcore/runengine/tool/lrucache"
)

func TestCacheGetSetRoundTrip(t *testing.T) {
	c := lrucache.New(2)
	c.Set("a", 1)
	v, ok := c.Get("a")
	require.True(t, ok)
	require.Equal(t, 1, v)
}

func TestCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c := lrucache.New(2)
	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("c", 3) // evicts "a", the least recently used entry

	_, ok := c.Get("a")
	require.False(t, ok)
	require.Equal(t, 2, c.Len())

	_, ok = c.Get("b")
	require.True(t, ok)
	_, ok = c.Get("c")
	require.True(t, ok)
}

func TestCacheGetPromotesToMostRecentlyUsed(t *testing.T) {
	c := lrucache.New(2)
	c.Set("a", 1)
	c.Set("b", 2)
	c.Get("a") // promotes "a"; "b" is now the least recently used
	c.Set("c", 3)

	_, ok := c.Get("b")
	require.False(t, ok)
	_, ok = c.Get("a")
	require.True(t, ok)
}

func TestCacheUnboundedWhenCapacityZero(t *testing.T) {
	c := lrucache.New(0)
	for i := 0; i < 100; i++ {
		c.Set(string(rune('a'+i%26))+string(rune(i)), i)
	}
	require.Equal(t, 100, c.Len())
}
