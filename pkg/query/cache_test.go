package query

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupCacheHitMiss(t *testing.T) {
	c := newLookupCache(4, time.Minute)

	_, ok := c.get("v-1")
	assert.False(t, ok)

	lk := &Lookup{}
	c.put("v-1", lk)
	got, ok := c.get("v-1")
	require.True(t, ok)
	assert.Same(t, lk, got)

	s := c.stats()
	assert.Equal(t, 1, s.Entries)
	assert.Equal(t, int64(1), s.Hits)
	assert.Equal(t, int64(1), s.Misses)
	assert.Equal(t, 0.5, s.HitRate)
}

func TestLookupCacheExpiry(t *testing.T) {
	c := newLookupCache(4, -time.Second)
	c.put("v-1", &Lookup{})

	_, ok := c.get("v-1")
	assert.False(t, ok)
	assert.Equal(t, 0, c.stats().Entries)
}

func TestLookupCacheEviction(t *testing.T) {
	c := newLookupCache(2, time.Minute)
	c.put("v-1", &Lookup{})
	time.Sleep(time.Millisecond)
	c.put("v-2", &Lookup{})
	time.Sleep(time.Millisecond)
	c.put("v-3", &Lookup{})

	assert.Equal(t, 2, c.stats().Entries)
	// The oldest entry goes first.
	_, ok := c.get("v-1")
	assert.False(t, ok)
	_, ok = c.get("v-3")
	assert.True(t, ok)
}

func TestLookupCacheInvalidate(t *testing.T) {
	c := newLookupCache(4, time.Minute)
	c.put("v-1", &Lookup{})
	c.invalidate("v-1")

	_, ok := c.get("v-1")
	assert.False(t, ok)
}
