package tileid

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Identifier names one tile of a pyramidal image. The cache compares
// identifiers by string equality only; use Format to build them so that
// the same logical tile always produces the same key.
type Identifier string

// Tile is the parsed form of an Identifier.
type Tile struct {
	Image  string
	X      int
	Y      int
	Width  int
	Height int
	Level  int
}

var (
	ErrMalformed = errors.New("malformed tile identifier")

	// ErrTooLarge marks a tile wider or taller than the pyramid's tile size.
	ErrTooLarge = errors.New("tile larger than tile size")
)

// Format builds the canonical identifier for a tile.
func Format(image string, x, y, w, h, level int) Identifier {
	return Identifier(fmt.Sprintf("%s&x=%d&y=%d&w=%d&h=%d&level=%d", image, x, y, w, h, level))
}

func (t Tile) Identifier() Identifier {
	return Format(t.Image, t.X, t.Y, t.Width, t.Height, t.Level)
}

func (id Identifier) String() string {
	return string(id)
}

// Parse splits an identifier into its fields. Unknown trailing parameters
// (such as the wire format) are ignored.
func Parse(id Identifier) (Tile, error) {
	parts := strings.Split(string(id), "&")
	if len(parts) < 6 || parts[0] == "" {
		return Tile{}, fmt.Errorf("%w: %q", ErrMalformed, id)
	}

	t := Tile{Image: parts[0]}
	seen := make(map[string]bool, 5)
	for _, p := range parts[1:] {
		key, value, ok := strings.Cut(p, "=")
		if !ok {
			return Tile{}, fmt.Errorf("%w: %q", ErrMalformed, id)
		}

		var dst *int
		switch key {
		case "x":
			dst = &t.X
		case "y":
			dst = &t.Y
		case "w":
			dst = &t.Width
		case "h":
			dst = &t.Height
		case "level":
			dst = &t.Level
		default:
			continue
		}
		if seen[key] {
			return Tile{}, fmt.Errorf("%w: repeated %s in %q", ErrMalformed, key, id)
		}
		seen[key] = true

		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return Tile{}, fmt.Errorf("%w: bad %s in %q", ErrMalformed, key, id)
		}
		*dst = n
	}

	if len(seen) != 5 || t.Width == 0 || t.Height == 0 {
		return Tile{}, fmt.Errorf("%w: %q", ErrMalformed, id)
	}
	return t, nil
}

// Validate rejects tiles whose width or height exceeds tileSize.
func (t Tile) Validate(tileSize int) error {
	if t.Width > tileSize || t.Height > tileSize {
		return fmt.Errorf("%w: %dx%d above %d", ErrTooLarge, t.Width, t.Height, tileSize)
	}
	return nil
}
