package image_renderer

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"image/png"
	"path/filepath"
	"strings"

	"github.com/cshum/vipsgen/vips"
	"go.uber.org/zap"

	"deepzoom/internal/cache"
	"deepzoom/internal/decode"
	"deepzoom/internal/image_list"
	"deepzoom/internal/tileid"
)

// Catalog resolves image ids to files.
type Catalog interface {
	GetImageByID(id string) (image_list.ImageInfo, error)
	GetImagePathByID(id string) (string, error)
}

type Renderer struct {
	scanner   Catalog
	tileCache cache.Cache
	logger    *zap.Logger
}

// padding for the part of edge tiles outside the image (#ddd)
var background = []float64{221, 221, 221}

func New(scanner Catalog, tileCache cache.Cache, logger *zap.Logger) *Renderer {
	return &Renderer{
		scanner:   scanner,
		tileCache: tileCache,
		logger:    logger,
	}
}

// RenderRegion renders the tile named by an identifier: the region
// (x, y, w, h) of the given level, scaled down from the source by
// 2^level and padded to exactly w x h. It returns the encoded tile and its
// ETag.
func (r *Renderer) RenderRegion(tile tileid.Tile, format tileid.TileFormat) ([]byte, string, error) {
	key := cache.Key{ID: tile.Identifier(), Format: format}
	etag := generateETag(key)

	if cached, err := r.tileCache.Get(key); err == nil {
		return cached, etag, nil
	}

	imageInfo, err := r.scanner.GetImageByID(tile.Image)
	if err != nil {
		return nil, "", err
	}

	region, err := tile.SourceRegion(imageInfo.Width, imageInfo.Height)
	if err != nil {
		return nil, "", err
	}

	imagePath, err := r.scanner.GetImagePathByID(tile.Image)
	if err != nil {
		return nil, "", err
	}

	image, err := loadImage(imagePath, vips.AccessRandom)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open image: %w", err)
	}
	defer image.Close()

	// Step 1: Extract the source region. Only the touched part of the file
	// is decoded.
	if err := image.ExtractArea(region.X, region.Y, region.Width, region.Height); err != nil {
		return nil, "", fmt.Errorf("failed to extract area: %w", err)
	}

	// Step 2: Scale into the level's pixel space.
	if scale := tile.Scale(); scale > 1 {
		resizeOpts := vips.DefaultResizeOptions()
		resizeOpts.Kernel = vips.KernelLanczos3
		if err := image.Resize(1/float64(scale), resizeOpts); err != nil {
			return nil, "", fmt.Errorf("failed to resize: %w", err)
		}
	}

	// Resize rounds; never hand out more than w x h.
	w, h := image.Width(), image.Height()
	if w > tile.Width || h > tile.Height {
		if err := image.ExtractArea(0, 0, min(w, tile.Width), min(h, tile.Height)); err != nil {
			return nil, "", fmt.Errorf("failed to crop: %w", err)
		}
	}

	// Step 3: Pad edge tiles, anchored top-left to keep tile alignment.
	if image.Width() < tile.Width || image.Height() < tile.Height {
		embedOpts := vips.DefaultEmbedOptions()
		embedOpts.Extend = vips.ExtendBackground
		embedOpts.Background = backgroundFor(image.Bands())
		if err := image.Embed(0, 0, tile.Width, tile.Height, embedOpts); err != nil {
			return nil, "", fmt.Errorf("failed to pad: %w", err)
		}
	}

	// Step 4: Encode, cache and return.
	tileData, err := encode(image, format)
	if err != nil {
		return nil, "", err
	}

	if err := r.tileCache.Set(key, tileData); err != nil {
		r.logger.Warn("Failed to cache tile", zap.String("id", string(key.ID)), zap.Error(err))
	}

	return tileData, etag, nil
}

func backgroundFor(bands int) []float64 {
	bg := append([]float64(nil), background...)
	for len(bg) < bands {
		bg = append(bg, 255)
	}
	return bg[:max(bands, 1)]
}

func encode(image *vips.Image, format tileid.TileFormat) ([]byte, error) {
	switch format {
	case tileid.JPG:
		jpegOpts := vips.DefaultJpegsaveBufferOptions()
		jpegOpts.Q = 82
		jpegOpts.Interlace = false
		data, err := image.JpegsaveBuffer(jpegOpts)
		if err != nil {
			return nil, fmt.Errorf("failed to export jpeg: %w", err)
		}
		return data, nil
	case tileid.RAW:
		data, err := image.PngsaveBuffer(vips.DefaultPngsaveBufferOptions())
		if err != nil {
			return nil, fmt.Errorf("failed to export raw: %w", err)
		}
		return rawPixels(data)
	default:
		data, err := image.PngsaveBuffer(vips.DefaultPngsaveBufferOptions())
		if err != nil {
			return nil, fmt.Errorf("failed to export png: %w", err)
		}
		return data, nil
	}
}

// rawPixels converts an encoded tile to tightly packed RGBA bytes.
func rawPixels(encoded []byte) ([]byte, error) {
	img, err := png.Decode(bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("failed to decode for raw export: %w", err)
	}
	return decode.ToRGBA(img).Pix, nil
}

func generateETag(key cache.Key) string {
	hash := sha256.Sum256([]byte(string(key.ID) + "." + string(key.Format)))
	return hex.EncodeToString(hash[:])[:16]
}

// IsNotFound reports errors that mean the tile does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, image_list.ErrNotFound) || errors.Is(err, tileid.ErrOutOfBounds)
}

// VipsProber reads image dimensions with libvips, which handles large
// pyramidal TIFFs the standard decoders cannot.
type VipsProber struct{}

func (VipsProber) Dimensions(path string) (int, int, error) {
	image, err := loadImage(path, vips.AccessSequential)
	if err != nil {
		return 0, 0, err
	}
	defer image.Close()
	return image.Width(), image.Height(), nil
}

// loadImage loads an image based on file extension
func loadImage(path string, access vips.Access) (*vips.Image, error) {
	ext := strings.ToLower(filepath.Ext(path))

	switch ext {
	case ".tif", ".tiff":
		opts := vips.DefaultTiffloadOptions()
		opts.Access = access
		return vips.NewTiffload(path, opts)
	case ".jpg", ".jpeg":
		opts := vips.DefaultJpegloadOptions()
		opts.Access = access
		return vips.NewJpegload(path, opts)
	case ".png":
		opts := vips.DefaultPngloadOptions()
		opts.Access = access
		return vips.NewPngload(path, opts)
	case ".webp":
		opts := vips.DefaultWebploadOptions()
		opts.Access = access
		return vips.NewWebpload(path, opts)
	default:
		return nil, fmt.Errorf("unsupported image format: %s", ext)
	}
}
