package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSetGet(t *testing.T) {
	c := New[string, int](10)
	defer c.Stop()

	c.Set("a", 1, time.Minute)
	v, ok := c.Get("a")
	require.True(t, ok)
	require.Equal(t, 1, v)
}

func TestGetExpired(t *testing.T) {
	c := New[string, int](10)
	defer c.Stop()

	c.Set("a", 1, -time.Second)
	_, ok := c.Get("a")
	require.False(t, ok, "expected expired entry to miss")
}

func TestGetStaleServesExpired(t *testing.T) {
	c := New[string, int](10)
	defer c.Stop()

	c.Set("a", 42, -time.Hour)
	v, age, found := c.GetStale("a")
	require.True(t, found)
	require.Equal(t, 42, v)
	require.Greater(t, age, time.Duration(0))
}

func TestEvictsLRUAtCapacity(t *testing.T) {
	c := New[string, int](2)
	defer c.Stop()

	c.Set("a", 1, time.Minute)
	c.Set("b", 2, time.Minute)
	c.Get("a") // touch a so b is the LRU
	c.Set("c", 3, time.Minute)

	_, ok := c.Get("b")
	require.False(t, ok, "expected b to have been evicted")
	_, ok = c.Get("a")
	require.True(t, ok, "expected a to survive eviction")
	_, ok = c.Get("c")
	require.True(t, ok, "expected c to be present")
}

func TestStatsCounters(t *testing.T) {
	c := New[string, int](10)
	defer c.Stop()

	c.Set("a", 1, time.Minute)
	c.Get("a")
	c.Get("missing")

	s := c.Stats()
	require.Equal(t, int64(1), s.Hits)
	require.Equal(t, int64(1), s.Misses)
	require.Equal(t, 1, s.Entries)
}
