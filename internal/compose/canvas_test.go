package compose

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/webp"

	"deepzoom/internal/gpu"
	"deepzoom/internal/tileid"
)

type fakeTextures struct {
	views map[tileid.Identifier]gpu.View
}

func (f *fakeTextures) TextureReady(id tileid.Identifier) bool {
	_, ok := f.views[id]
	return ok
}

func (f *fakeTextures) SetTextureResource(stage gpu.PixelStage, id tileid.Identifier) {
	if v, ok := f.views[id]; ok {
		stage.SetShaderResource(0, v)
	}
}

func solid(t *testing.T, device gpu.Device, size int, c color.RGBA) gpu.View {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	_, view, err := device.CreateTexture(gpu.TileDescriptor("solid", size, size), img)
	require.NoError(t, err)
	return view
}

var (
	red  = color.RGBA{R: 255, A: 255}
	blue = color.RGBA{B: 255, A: 255}
)

func TestCanvas_DrawBoundView(t *testing.T) {
	device := gpu.NewSoftDevice()
	c := NewCanvas(8, 4, color.Black)

	assert.False(t, c.Draw(0, 0), "nothing bound")

	c.SetShaderResource(0, solid(t, device, 4, red))
	require.True(t, c.Draw(4, 0))

	assert.Equal(t, red, c.Image().RGBAAt(5, 1))
	assert.Equal(t, color.RGBA{A: 255}, c.Image().RGBAAt(1, 1))
	assert.Equal(t, 1, c.Drawn())

	c.SetShaderResource(1, solid(t, device, 4, blue))
	require.True(t, c.Draw(0, 0), "only slot 0 is sampled")
	assert.Equal(t, red, c.Image().RGBAAt(1, 1))
}

func TestMosaic(t *testing.T) {
	device := gpu.NewSoftDevice()
	grid := tileid.Grid{Image: "img", Width: 12, Height: 8, TileSize: 4}

	textures := &fakeTextures{views: map[tileid.Identifier]gpu.View{
		grid.Tile(0, 0, 0): solid(t, device, 4, red),
		grid.Tile(0, 2, 1): solid(t, device, 4, blue),
	}}

	c := Mosaic(textures, grid, 0)

	assert.Equal(t, image.Rect(0, 0, 12, 8), c.Image().Bounds())
	assert.Equal(t, 2, c.Drawn())
	assert.Equal(t, red, c.Image().RGBAAt(0, 0))
	assert.Equal(t, blue, c.Image().RGBAAt(11, 7))
	assert.Equal(t, color.RGBA{A: 255}, c.Image().RGBAAt(5, 5), "missing tiles stay background")
}

func TestMosaic_ClipsEdgeTiles(t *testing.T) {
	device := gpu.NewSoftDevice()
	grid := tileid.Grid{Image: "img", Width: 6, Height: 6, TileSize: 4}

	textures := &fakeTextures{views: map[tileid.Identifier]gpu.View{
		grid.Tile(0, 1, 1): solid(t, device, 4, blue),
	}}

	c := Mosaic(textures, grid, 0)
	assert.Equal(t, image.Rect(0, 0, 6, 6), c.Image().Bounds())
	assert.Equal(t, blue, c.Image().RGBAAt(5, 5))
}

func TestCanvas_Encode(t *testing.T) {
	device := gpu.NewSoftDevice()
	c := NewCanvas(4, 4, nil)
	c.SetShaderResource(0, solid(t, device, 4, red))
	c.Draw(0, 0)

	var pngBuf bytes.Buffer
	require.NoError(t, c.Encode(&pngBuf, "png"))
	img, err := png.Decode(&pngBuf)
	require.NoError(t, err)
	r, g, b, a := img.At(2, 2).RGBA()
	assert.Equal(t, [4]uint32{0xffff, 0, 0, 0xffff}, [4]uint32{r, g, b, a})

	var webpBuf bytes.Buffer
	require.NoError(t, c.Encode(&webpBuf, "webp"))
	img, err = webp.Decode(&webpBuf)
	require.NoError(t, err)
	r, g, b, a = img.At(2, 2).RGBA()
	assert.Equal(t, [4]uint32{0xffff, 0, 0, 0xffff}, [4]uint32{r, g, b, a})

	assert.Error(t, c.Encode(&bytes.Buffer{}, "gif"))
	assert.Equal(t, "image/webp", ContentType("webp"))
	assert.Equal(t, "image/png", ContentType("png"))
}
