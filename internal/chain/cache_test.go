package chain

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/offchan/offchan/internal/channel"
)

func TestMemoryCacheExpiry(t *testing.T) {
	now := time.Now()
	cache := NewMemoryCache[int](time.Minute)
	cache.now = func() time.Time { return now }

	_, hit := cache.Get("k")
	require.False(t, hit)

	cache.Set("k", 42)
	got, hit := cache.Get("k")
	require.True(t, hit)
	require.Equal(t, 42, got)

	now = now.Add(2 * time.Minute)
	_, hit = cache.Get("k")
	require.False(t, hit)
}

func TestMemoryCacheDelete(t *testing.T) {
	cache := NewMemoryCache[string](time.Minute)
	cache.Set("k", "v")
	cache.Delete("k")

	_, hit := cache.Get("k")
	require.False(t, hit)
}

func TestCacheEntryStaleness(t *testing.T) {
	now := time.Now()
	cache := NewCache(30 * time.Minute)
	cache.now = func() time.Time { return now }

	id := channel.NewID()
	entry := cache.Cached(id)
	require.True(t, entry.IsStale())
	require.Equal(t, channel.Impossible, entry.State())
	require.Nil(t, entry.Value())

	entry.SetData(channel.Open, big.NewInt(100), big.NewInt(172800))
	require.False(t, entry.IsStale())
	require.Equal(t, channel.Open, entry.State())
	require.Equal(t, big.NewInt(100), entry.Value())
	require.Equal(t, big.NewInt(172800), entry.SettlementPeriod())

	now = now.Add(31 * time.Minute)
	require.True(t, entry.IsStale())

	// The same handle is returned for the same channel.
	require.Same(t, entry, cache.Cached(id))
}
