package http

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"deepzoom/internal/cache"
	"deepzoom/internal/decode"
	"deepzoom/internal/gpu"
	"deepzoom/internal/loader"
	"deepzoom/internal/source"
	"deepzoom/internal/tileid"
)

const testTileSize = 16

type controlFixture struct {
	control *Control
	loader  *loader.Loader
	cache   *cache.FileCache
	device  *gpu.SoftDevice
	grid    tileid.Grid
}

func newControlFixture(t *testing.T) *controlFixture {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, testTileSize, testTileSize))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+3] = 0xff, 0xff
	}
	var body bytes.Buffer
	require.NoError(t, png.Encode(&body, img))

	tiles := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body.Bytes())
	}))
	t.Cleanup(tiles.Close)

	fc, err := cache.NewFileCache(t.TempDir(), nil)
	require.NoError(t, err)
	device := gpu.NewSoftDevice()

	l := loader.New(loader.DefaultOptions(), loader.Deps{
		Cache:   fc,
		Source:  source.NewHTTPSource(tiles.URL+"/tiles/", zap.NewNop()),
		Decoder: decode.New(testTileSize),
		Device:  device,
		Logger:  zap.NewNop(),
	})
	t.Cleanup(l.Close)

	grid := tileid.Grid{Image: "img", Width: 32, Height: 16, TileSize: testTileSize}
	return &controlFixture{
		control: NewControl(zap.NewNop(), l, tileid.PNG, grid, true),
		loader:  l,
		cache:   fc,
		device:  device,
		grid:    grid,
	}
}

func (f *controlFixture) do(t *testing.T, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	f.control.Routes().ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func idQuery(id tileid.Identifier) string {
	return "id=" + url.QueryEscape(string(id))
}

func TestControl_LoadAndReady(t *testing.T) {
	f := newControlFixture(t)
	id := f.grid.Tile(0, 1, 0)

	rec := f.do(t, http.MethodGet, "/api/tiles/ready?"+idQuery(id))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"id":"img&x=16&y=0&w=16&h=16&level=0","ready":false}`, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/api/tiles/load?"+idQuery(id))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"id":"img&x=16&y=0&w=16&h=16&level=0","ready":true}`, rec.Body.String())

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/tiles/load").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, f.do(t, http.MethodGet, "/api/tiles/load?"+idQuery(id)).Code)
}

func TestControl_Status(t *testing.T) {
	f := newControlFixture(t)
	require.NoError(t, f.loader.LoadTexture(context.Background(), f.grid.Tile(0, 0, 0)))

	rec := f.do(t, http.MethodGet, "/api/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Loader.TilesInMemory)
	assert.True(t, resp.Loader.Online)
	assert.Equal(t, "png", resp.Format)
	assert.Equal(t, "img", resp.Image)
	assert.Empty(t, resp.Sweeps)
}

func TestControl_Preload(t *testing.T) {
	f := newControlFixture(t)

	rec := f.do(t, http.MethodPost, "/api/preload?level=0")
	require.Equal(t, http.StatusAccepted, rec.Code)

	var st sweepStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, 2, st.Total)

	require.Eventually(t, func() bool {
		for _, id := range f.grid.Tiles(0) {
			if !f.cache.Has(cache.Key{ID: id, Format: tileid.PNG}) {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		var resp statusResponse
		rec := f.do(t, http.MethodGet, "/api/status")
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		return len(resp.Sweeps) == 1 && resp.Sweeps[0].Finished && resp.Sweeps[0].Done == 2
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, "/api/preload").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/preload?level=9").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/preload?level=x").Code)
}

func TestControl_PreloadWithoutImage(t *testing.T) {
	f := newControlFixture(t)
	c := NewControl(zap.NewNop(), f.loader, tileid.PNG, tileid.Grid{}, false)

	rec := httptest.NewRecorder()
	c.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/preload?level=0", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestControl_CacheAndRelease(t *testing.T) {
	f := newControlFixture(t)
	id := f.grid.Tile(0, 0, 0)
	key := cache.Key{ID: id, Format: tileid.PNG}
	require.NoError(t, f.loader.LoadTexture(context.Background(), id))
	require.True(t, f.cache.Has(key))

	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, "/api/cache?"+idQuery(id)+"&format=png").Code)
	assert.False(t, f.cache.Has(key))
	assert.True(t, f.loader.TextureReady(id))

	require.NoError(t, f.cache.Set(key, []byte("x")))
	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodPost, "/api/cache/clear").Code)
	assert.False(t, f.cache.Has(key))

	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodPost, "/api/device/release").Code)
	assert.False(t, f.loader.TextureReady(id))
	assert.Zero(t, f.device.Live())

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodDelete, "/api/cache?"+idQuery(id)+"&format=gif").Code)
}

func TestControl_Snapshot(t *testing.T) {
	f := newControlFixture(t)
	require.NoError(t, f.loader.LoadTexture(context.Background(), f.grid.Tile(0, 0, 0)))

	rec := f.do(t, http.MethodGet, "/api/snapshot?level=0&format=png")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, "1", rec.Header().Get("X-Tiles-Drawn"))

	img, err := png.Decode(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 32, 16), img.Bounds())
	assert.Equal(t, color.RGBAModel.Convert(color.RGBA{R: 0xff, A: 0xff}), color.RGBAModel.Convert(img.At(3, 3)))
	assert.Equal(t, color.RGBAModel.Convert(color.RGBA{A: 0xff}), color.RGBAModel.Convert(img.At(20, 3)))

	rec = f.do(t, http.MethodGet, "/api/snapshot?level=0&format=webp")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/webp", rec.Header().Get("Content-Type"))

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/snapshot?level=0&format=gif").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/snapshot?level=5").Code)
}

func TestControl_SnapshotRejectsLargeLevels(t *testing.T) {
	f := newControlFixture(t)
	f.control.SnapshotMaxPixels = 16 * 16

	rec := f.do(t, http.MethodGet, "/api/snapshot?level=0")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "snapshot limit")

	rec = f.do(t, http.MethodGet, "/api/snapshot?level=1")
	require.Equal(t, http.StatusOK, rec.Code)
	img, err := png.Decode(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 16, 8), img.Bounds())
}
