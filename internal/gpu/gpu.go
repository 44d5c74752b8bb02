// Package gpu describes the graphics device the tile loader uploads
// textures to. The device, its swap chain and draw submission belong to
// the host; the loader only creates and releases textures through Device
// and hands views to a PixelStage.
package gpu

import (
	"errors"
	"fmt"
	"image"

	"github.com/gogpu/gputypes"
)

var ErrDeviceLost = errors.New("gpu device lost")

// TextureDescriptor is what the loader asks the device to allocate for one
// tile.
type TextureDescriptor struct {
	Label     string
	Size      gputypes.Extent3D
	Format    gputypes.TextureFormat
	Dimension gputypes.TextureDimension
	Usage     gputypes.TextureUsage
}

// TileDescriptor returns the descriptor of a sampled RGBA8 tile texture.
func TileDescriptor(label string, width, height int) TextureDescriptor {
	return TextureDescriptor{
		Label: label,
		Size: gputypes.Extent3D{
			Width:              uint32(width),
			Height:             uint32(height),
			DepthOrArrayLayers: 1,
		},
		Format:    gputypes.TextureFormatRGBA8Unorm,
		Dimension: gputypes.TextureDimension2D,
		Usage:     gputypes.TextureUsageTextureBinding | gputypes.TextureUsageCopyDst,
	}
}

// SizeBytes is the memory a texture with this descriptor occupies.
func (d TextureDescriptor) SizeBytes() int {
	return int(d.Size.Width) * int(d.Size.Height) * int(d.Size.DepthOrArrayLayers) * 4
}

// Device allocates textures. Implementations must be safe to call from the
// loader's fetch goroutine.
type Device interface {
	CreateTexture(desc TextureDescriptor, pix *image.RGBA) (Texture, View, error)
}

// Texture is a device allocation. Release frees it; calling it more than
// once is a no-op.
type Texture interface {
	Release() error
	SizeBytes() int
}

// View is a shader-resource view over a texture, the handle draw calls bind.
type View interface {
	Texture() Texture
}

// PixelStage is the pixel-shader stage of the host's draw pipeline.
type PixelStage interface {
	SetShaderResource(slot int, view View)
}

func checkUpload(desc TextureDescriptor, pix *image.RGBA) error {
	if pix == nil {
		return errors.New("nil pixel buffer")
	}
	b := pix.Bounds()
	if b.Dx() != int(desc.Size.Width) || b.Dy() != int(desc.Size.Height) {
		return fmt.Errorf("pixel buffer is %dx%d, descriptor wants %dx%d",
			b.Dx(), b.Dy(), desc.Size.Width, desc.Size.Height)
	}
	if desc.Format != gputypes.TextureFormatRGBA8Unorm {
		return fmt.Errorf("unsupported texture format: %v", desc.Format)
	}
	return nil
}
