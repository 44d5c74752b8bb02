// Package compose draws resident tiles into a single image, the way a
// renderer would draw them on screen. The tile loader's control API uses it
// to export snapshots of a pyramid level.
package compose

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"

	"github.com/HugoSmits86/nativewebp"
	"golang.org/x/image/draw"

	"deepzoom/internal/gpu"
	"deepzoom/internal/tileid"
)

// Textures is the renderer-facing side of the tile loader.
type Textures interface {
	TextureReady(id tileid.Identifier) bool
	SetTextureResource(stage gpu.PixelStage, id tileid.Identifier)
}

// Canvas is a pixel stage backed by an RGBA image. Draw copies whatever view
// is bound to slot 0.
type Canvas struct {
	img   *image.RGBA
	bound gpu.View
	drawn int
}

func NewCanvas(width, height int, background color.Color) *Canvas {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	if background != nil {
		draw.Draw(img, img.Bounds(), image.NewUniform(background), image.Point{}, draw.Src)
	}
	return &Canvas{img: img}
}

func (c *Canvas) SetShaderResource(slot int, view gpu.View) {
	if slot == 0 {
		c.bound = view
	}
}

// Draw copies the bound texture with its top-left corner at (x, y). It
// reports false when nothing drawable is bound.
func (c *Canvas) Draw(x, y int) bool {
	src, ok := gpu.ImageOf(c.bound)
	if !ok {
		return false
	}
	r := src.Bounds().Sub(src.Bounds().Min).Add(image.Pt(x, y))
	draw.Draw(c.img, r, src, src.Bounds().Min, draw.Src)
	c.drawn++
	return true
}

// Unbind clears slot 0.
func (c *Canvas) Unbind() {
	c.bound = nil
}

func (c *Canvas) Image() *image.RGBA {
	return c.img
}

// Drawn counts successful draws.
func (c *Canvas) Drawn() int {
	return c.drawn
}

// Mosaic draws every resident tile of one level. Tiles that are not ready
// are left as background.
func Mosaic(textures Textures, grid tileid.Grid, level int) *Canvas {
	w, h := grid.LevelSize(level)
	c := NewCanvas(w, h, color.Black)

	cols, rows := grid.Dims(level)
	for row := 0; row < rows; row++ {
		for col := 0; col < cols; col++ {
			id := grid.Tile(level, col, row)
			if !textures.TextureReady(id) {
				continue
			}
			c.Unbind()
			textures.SetTextureResource(c, id)
			c.Draw(col*grid.TileSize, row*grid.TileSize)
		}
	}
	return c
}

// Encode writes the canvas as "png" or "webp" (lossless).
func (c *Canvas) Encode(w io.Writer, format string) error {
	switch format {
	case "png", "":
		return png.Encode(w, c.img)
	case "webp":
		return nativewebp.Encode(w, c.img, nil)
	default:
		return CheckFormat(format)
	}
}

// CheckFormat reports whether Encode supports format.
func CheckFormat(format string) error {
	switch format {
	case "png", "", "webp":
		return nil
	default:
		return fmt.Errorf("unsupported snapshot format: %s", format)
	}
}

// ContentType returns the MIME type Encode produces for format.
func ContentType(format string) string {
	if format == "webp" {
		return "image/webp"
	}
	return "image/png"
}
