package llm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTokenCacheHitsAndMisses(t *testing.T) {
	c := NewTokenCache(TokenCacheConfig{MaxSize: 2, TTL: time.Hour})

	_, ok := c.Get("hello")
	require.False(t, ok)

	c.Set("hello", 3)
	count, ok := c.Get("hello")
	require.True(t, ok)
	require.Equal(t, 3, count)

	hits, misses := c.Stats()
	require.Equal(t, int64(1), hits)
	require.Equal(t, int64(1), misses)
}

func TestTokenCacheEvictsAtCapacity(t *testing.T) {
	c := NewTokenCache(TokenCacheConfig{MaxSize: 1, TTL: time.Hour})
	c.Set("a", 1)
	c.Set("b", 2)
	require.LessOrEqual(t, c.Size(), 1)
}

func TestTokenCacheExpires(t *testing.T) {
	c := NewTokenCache(TokenCacheConfig{MaxSize: 10, TTL: time.Millisecond})
	c.Set("a", 1)
	time.Sleep(5 * time.Millisecond)
	_, ok := c.Get("a")
	require.False(t, ok)
}
