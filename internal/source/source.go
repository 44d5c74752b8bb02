// Package source fetches encoded tiles from wherever the tile pyramid
// lives: a tile server over HTTP or an object store.
package source

import (
	"context"
	"errors"
	"fmt"
	"path"

	"deepzoom/internal/tileid"
)

var (
	// ErrStatus wraps non-200 responses from the tile server.
	ErrStatus = errors.New("unexpected tile server status")

	// ErrNotFound is returned when the tile does not exist in the backend.
	ErrNotFound = errors.New("tile not found")
)

// Source fetches the encoded bytes of one tile.
type Source interface {
	Fetch(ctx context.Context, id tileid.Identifier, format tileid.TileFormat) ([]byte, error)
}

// objectKey is the layout object-store backends use:
// {prefix}/{identifier}.{ext}
func objectKey(prefix string, id tileid.Identifier, format tileid.TileFormat) string {
	return path.Join(prefix, fmt.Sprintf("%s.%s", id, format.Ext()))
}
