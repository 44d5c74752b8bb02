package tileid

import (
	"errors"
	"fmt"
)

// maxLevel keeps 1<<level and the scaled coordinates inside int range.
const maxLevel = 30

var ErrOutOfBounds = errors.New("tile outside image")

// Region is a rectangle in full-resolution (level 0) pixels.
type Region struct {
	X, Y, Width, Height int
}

// Scale is the number of level 0 pixels per level pixel.
func (t Tile) Scale() int {
	return 1 << t.Level
}

// SourceRegion maps the tile onto a width x height image, clipped to the
// image. A tile starting past the right or bottom edge is ErrOutOfBounds.
func (t Tile) SourceRegion(width, height int) (Region, error) {
	if t.Level > maxLevel {
		return Region{}, fmt.Errorf("%w: level %d", ErrOutOfBounds, t.Level)
	}
	s := t.Scale()
	// Compare in level space first so huge x/y cannot overflow.
	if t.X >= (width+s-1)/s || t.Y >= (height+s-1)/s {
		return Region{}, fmt.Errorf("%w: %s on %dx%d", ErrOutOfBounds, t.Identifier(), width, height)
	}
	x0, y0 := t.X*s, t.Y*s
	x1 := x0 + min(t.Width, (width-x0+s-1)/s)*s
	y1 := y0 + min(t.Height, (height-y0+s-1)/s)*s
	x1, y1 = min(x1, width), min(y1, height)
	return Region{X: x0, Y: y0, Width: x1 - x0, Height: y1 - y0}, nil
}
