package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deepzoom/internal/tileid"
)

func key(i int) Key {
	return Key{ID: tileid.Format("img", i, 0, 256, 256, 0), Format: tileid.JPG}
}

func TestMemoryCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c := NewMemoryCache(2)

	require.NoError(t, c.Set(key(1), []byte("1")))
	require.NoError(t, c.Set(key(2), []byte("2")))

	// Touch 1 so that 2 becomes the eviction candidate.
	_, err := c.Get(key(1))
	require.NoError(t, err)

	require.NoError(t, c.Set(key(3), []byte("3")))

	assert.True(t, c.Has(key(1)))
	assert.False(t, c.Has(key(2)))
	assert.True(t, c.Has(key(3)))
	assert.Equal(t, 2, c.Len())
}

func TestMemoryCache_DeleteAndClear(t *testing.T) {
	c := NewMemoryCache(10)
	require.NoError(t, c.Set(key(1), []byte("1")))
	require.NoError(t, c.Set(key(2), []byte("2")))

	require.NoError(t, c.Delete(key(1)))
	_, err := c.Get(key(1))
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, c.Clear())
	assert.Equal(t, 0, c.Len())
}

func TestNoopCache(t *testing.T) {
	c := NewNoopCache()
	require.NoError(t, c.Set(key(1), []byte("1")))
	assert.False(t, c.Has(key(1)))
	_, err := c.Get(key(1))
	assert.ErrorIs(t, err, ErrNotFound)
}
