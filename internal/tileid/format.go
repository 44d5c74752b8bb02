package tileid

import (
	"fmt"
	"strings"
)

// TileFormat is the encoding a tile travels in and is stored as on disk.
type TileFormat string

const (
	PNG TileFormat = "PNG"
	JPG TileFormat = "JPG"
	RAW TileFormat = "RAW"
)

// FormatFromFlags maps the configuration flags to a tile format.
// DownloadRaw takes precedence over UseJpeg, PNG is the fallback.
func FormatFromFlags(usePNG, useJpeg, downloadRaw bool) TileFormat {
	switch {
	case downloadRaw:
		return RAW
	case useJpeg:
		return JPG
	default:
		return PNG
	}
}

// ParseTileFormat accepts file extensions and wire values in any case.
func ParseTileFormat(s string) (TileFormat, error) {
	switch strings.ToLower(strings.TrimPrefix(s, ".")) {
	case "png", "":
		return PNG, nil
	case "jpg", "jpeg":
		return JPG, nil
	case "raw":
		return RAW, nil
	default:
		return "", fmt.Errorf("unknown tile format: %s", s)
	}
}

// Ext is the on-disk file suffix, without the dot.
func (f TileFormat) Ext() string {
	return string(f)
}

// QueryValue is the value of the format parameter sent to the tile server.
func (f TileFormat) QueryValue() string {
	return strings.ToLower(string(f))
}

func (f TileFormat) ContentType() string {
	switch f {
	case JPG:
		return "image/jpeg"
	case RAW:
		return "application/octet-stream"
	default:
		return "image/png"
	}
}
