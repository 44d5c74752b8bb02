// Package decode turns tile payloads into 32-bit RGBA pixel buffers.
package decode

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"

	"github.com/h2non/filetype"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"deepzoom/internal/tileid"
)

var (
	// ErrFormat reports a payload whose content is not an accepted image type.
	ErrFormat = errors.New("unsupported tile payload")

	// ErrSize reports a RAW payload whose length does not match the tile size.
	ErrSize = errors.New("raw tile size mismatch")
)

// accepted lists the encoded types a tile server may answer with,
// whatever format was requested.
var accepted = map[string]bool{
	"png":  true,
	"jpg":  true,
	"webp": true,
	"tif":  true,
}

// Decoder converts payloads of a single tile size.
type Decoder struct {
	tileSize int
}

func New(tileSize int) *Decoder {
	return &Decoder{tileSize: tileSize}
}

// Decode returns the RGBA pixels of a tile. RAW payloads must hold exactly
// tileSize*tileSize*4 bytes; encoded payloads keep their own dimensions.
func (d *Decoder) Decode(data []byte, format tileid.TileFormat) (*image.RGBA, error) {
	if format == tileid.RAW {
		return d.decodeRaw(data)
	}

	kind, err := filetype.Match(data)
	if err != nil || !accepted[kind.Extension] {
		return nil, fmt.Errorf("%w: detected %q", ErrFormat, kind.Extension)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s tile: %w", kind.Extension, err)
	}
	return ToRGBA(img), nil
}

func (d *Decoder) decodeRaw(data []byte) (*image.RGBA, error) {
	want := d.tileSize * d.tileSize * 4
	if d.tileSize <= 0 || len(data) != want {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrSize, len(data), want)
	}
	img := image.NewRGBA(image.Rect(0, 0, d.tileSize, d.tileSize))
	copy(img.Pix, data)
	return img, nil
}

// ToRGBA converts any image to a zero-origin RGBA buffer.
func ToRGBA(src image.Image) *image.RGBA {
	if rgba, ok := src.(*image.RGBA); ok && rgba.Bounds().Min == (image.Point{}) {
		return rgba
	}
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	return dst
}
