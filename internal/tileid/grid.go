package tileid

import "math"

// Grid describes the tile pyramid of one image. Level 0 is the full
// resolution image and every level halves both dimensions.
type Grid struct {
	Image    string
	Width    int
	Height   int
	TileSize int
}

// MaxLevel is the coarsest level, the first one that fits in a single tile.
func (g Grid) MaxLevel() int {
	return MaxLevel(g.Width, g.Height, g.TileSize)
}

// MaxLevel returns the number of halvings needed for the larger image
// dimension to fit into one tile.
func MaxLevel(width, height, tileSize int) int {
	if tileSize <= 0 {
		return 0
	}
	maxDim := math.Max(float64(width), float64(height))
	level := int(math.Ceil(math.Log2(maxDim / float64(tileSize))))
	if level < 0 {
		return 0
	}
	return level
}

// LevelSize returns the image dimensions at the given level.
func (g Grid) LevelSize(level int) (int, int) {
	scale := math.Pow(2, float64(level))
	w := int(math.Ceil(float64(g.Width) / scale))
	h := int(math.Ceil(float64(g.Height) / scale))
	return max(w, 1), max(h, 1)
}

// Dims returns the number of tile columns and rows at the given level.
func (g Grid) Dims(level int) (int, int) {
	if g.TileSize <= 0 {
		return 0, 0
	}
	w, h := g.LevelSize(level)
	cols := (w + g.TileSize - 1) / g.TileSize
	rows := (h + g.TileSize - 1) / g.TileSize
	return cols, rows
}

// Index is the row-major position of a tile within its level.
func (g Grid) Index(level, col, row int) uint32 {
	cols, _ := g.Dims(level)
	return uint32(row*cols + col)
}

// Tile returns the identifier of the tile at (col, row). Edge tiles keep
// the full tile size; the server pads whatever lies outside the image.
func (g Grid) Tile(level, col, row int) Identifier {
	return Format(g.Image, col*g.TileSize, row*g.TileSize, g.TileSize, g.TileSize, level)
}

// Tiles enumerates a whole level in row-major order.
func (g Grid) Tiles(level int) []Identifier {
	cols, rows := g.Dims(level)
	ids := make([]Identifier, 0, cols*rows)
	for row := 0; row < rows; row++ {
		for col := 0; col < cols; col++ {
			ids = append(ids, g.Tile(level, col, row))
		}
	}
	return ids
}
