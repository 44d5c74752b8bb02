package loader

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deepzoom/internal/tileid"
)

func TestPreload_WarmsDiskWithoutUpload(t *testing.T) {
	f := newFixture(t, nil)
	id := tile(0)

	ok, err := f.loader.PreloadImage(ctxT(t), id)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, f.cache.Has(pngKey(id)))
	assert.False(t, f.loader.TextureReady(id))
	assert.Zero(t, f.device.Created())

	ok, err = f.loader.PreloadImage(ctxT(t), id)
	require.NoError(t, err)
	assert.True(t, ok, "already on disk")
	assert.Equal(t, 1, f.server.total())
}

func TestPreload_ThenLoadOffline(t *testing.T) {
	f := newFixture(t, nil)
	id := tile(0)

	ok, err := f.loader.PreloadImage(ctxT(t), id)
	require.NoError(t, err)
	require.True(t, ok)

	f.server.Close()

	require.NoError(t, f.loader.LoadTexture(ctxT(t), id))
	assert.True(t, f.loader.TextureReady(id))
	assert.True(t, f.loader.Online(), "disk hits do not touch the network")
}

func TestPreload_FailureReportsFalse(t *testing.T) {
	f := newFixture(t, nil)
	f.server.fail.Store(true)

	ok, err := f.loader.PreloadImage(ctxT(t), tile(0))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, f.loader.Online())
}

func TestPreload_DisabledWithoutSaveTexture(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.SaveTexture = false })

	ok, err := f.loader.PreloadImage(ctxT(t), tile(0))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, f.server.total())
}

func TestPreload_IndependentOfLoadQueue(t *testing.T) {
	f := newFixture(t, nil)
	release := f.server.hold()

	// The load pipeline is stuck on tile 0; preloading the same tile shares
	// that fetch instead of issuing a second request.
	loaded := f.loader.RequestLoad(tile(0))
	require.Eventually(t, func() bool { return f.server.total() == 1 }, 5*time.Second, 5*time.Millisecond)
	preloaded := f.loader.Preload(tile(0))

	release()
	require.NoError(t, wait(ctxT(t), loaded))
	select {
	case ok := <-preloaded:
		assert.True(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("preload did not finish")
	}
	assert.Equal(t, 1, f.server.total())
	assert.True(t, f.loader.TextureReady(tile(0)))
}

func TestCancelPreload_DropsQueuedTiles(t *testing.T) {
	f := newFixture(t, nil)
	release := f.server.hold()

	results := make([]<-chan bool, 4)
	for i := range results {
		results[i] = f.loader.Preload(tile(i))
	}
	require.Eventually(t, func() bool { return f.server.total() == 1 }, 5*time.Second, 5*time.Millisecond)

	f.loader.CancelPreload()
	release()

	assert.True(t, <-results[0], "the tile in flight completes")
	for _, ch := range results[1:] {
		assert.False(t, <-ch)
	}
	assert.Equal(t, 1, f.server.total())

	// The flag was reset: a new sweep runs normally.
	ok, err := f.loader.PreloadImage(ctxT(t), tile(5))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCancelPreload_IdleIsNoop(t *testing.T) {
	f := newFixture(t, nil)
	f.loader.CancelPreload()

	ok, err := f.loader.PreloadImage(ctxT(t), tile(0))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPreloadLevel(t *testing.T) {
	f := newFixture(t, nil)
	grid := tileid.Grid{Image: "img", Width: 1000, Height: 600, TileSize: tileSize}

	sweep, err := f.loader.PreloadLevel(ctxT(t), grid, 1)
	require.NoError(t, err)
	require.NoError(t, sweep.Wait(ctxT(t)))

	// Level 1 is 500x300: two columns, two rows.
	assert.Equal(t, 4, sweep.Total())
	assert.Equal(t, uint64(4), sweep.Done())
	assert.Zero(t, sweep.Failed())
	assert.Empty(t, sweep.Missing())
	assert.True(t, sweep.Finished())
	for _, id := range grid.Tiles(1) {
		assert.True(t, f.cache.Has(pngKey(id)))
	}
}

func TestPreloadLevel_TracksMissingTiles(t *testing.T) {
	f := newFixture(t, nil)
	grid := tileid.Grid{Image: "img", Width: 512, Height: 512, TileSize: tileSize}

	ok, err := f.loader.PreloadImage(ctxT(t), grid.Tile(0, 1, 0))
	require.NoError(t, err)
	require.True(t, ok)

	f.server.fail.Store(true)
	sweep, err := f.loader.PreloadLevel(ctxT(t), grid, 0)
	require.NoError(t, err)
	require.NoError(t, sweep.Wait(ctxT(t)))

	assert.Equal(t, uint64(1), sweep.Done())
	assert.Equal(t, uint64(3), sweep.Failed())
	assert.Equal(t, []uint32{0, 2, 3}, sweep.Missing())
}

func TestPreloadLevel_RejectsBadLevel(t *testing.T) {
	f := newFixture(t, nil)
	grid := tileid.Grid{Image: "img", Width: 512, Height: 512, TileSize: tileSize}

	_, err := f.loader.PreloadLevel(ctxT(t), grid, 2)
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = f.loader.PreloadLevel(ctx, grid, 0)
	assert.ErrorIs(t, err, context.Canceled)
}
