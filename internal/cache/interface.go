package cache

import (
	"errors"
	"os"

	"deepzoom/internal/tileid"
)

var (
	// ErrNotFound is returned by Get when no entry exists for a key.
	ErrNotFound = os.ErrNotExist

	// ErrCorrupt is returned by Get when an entry exists but its payload
	// cannot be restored. Callers are expected to Delete the entry.
	ErrCorrupt = errors.New("cache entry corrupt")
)

// Key identifies one stored tile: the identifier plus the format it is
// stored in.
type Key struct {
	ID     tileid.Identifier
	Format tileid.TileFormat
}

// Cache stores encoded tile payloads.
type Cache interface {
	Get(key Key) ([]byte, error)
	Set(key Key, value []byte) error
	Has(key Key) bool // Check if tile exists without reading it (lightweight check)
	Delete(key Key) error
	Clear() error
}
