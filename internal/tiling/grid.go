// Package tiling partitions an image plane into display tiles.
package tiling

import (
	"fmt"

	"github.com/omeview/server/pkg/geometry"
)

// DefaultMaxTiles bounds the number of tiles a plane is split into.
const DefaultMaxTiles = 200

// Grid is a row-major partition of a W x H image into tiles of TileW x TileH.
// Edge tiles are truncated to the image bounds.
type Grid struct {
	ImageW  int `json:"image_width"`
	ImageH  int `json:"image_height"`
	TileW   int `json:"tile_width"`
	TileH   int `json:"tile_height"`
	Columns int `json:"columns"`
	Rows    int `json:"rows"`
}

// Plan merges native tiles until the grid has at most maxTiles tiles.
//
// While the count is above the cap, the tile width grows by one native
// width when there are strictly more columns than rows; otherwise the
// tile height grows by one native height.
func Plan(imageW, imageH, nativeW, nativeH, maxTiles int) (Grid, error) {
	if imageW <= 0 || imageH <= 0 {
		return Grid{}, fmt.Errorf("invalid image size %dx%d", imageW, imageH)
	}
	if nativeW <= 0 || nativeH <= 0 {
		return Grid{}, fmt.Errorf("invalid native tile size %dx%d", nativeW, nativeH)
	}
	if maxTiles <= 0 {
		maxTiles = DefaultMaxTiles
	}

	g := Grid{
		ImageW: imageW,
		ImageH: imageH,
		TileW:  nativeW,
		TileH:  nativeH,
	}
	g.Columns = ceilDiv(imageW, g.TileW)
	g.Rows = ceilDiv(imageH, g.TileH)

	for g.Columns*g.Rows > maxTiles {
		if g.Columns > g.Rows {
			g.TileW += nativeW
			g.Columns = ceilDiv(imageW, g.TileW)
		} else {
			g.TileH += nativeH
			g.Rows = ceilDiv(imageH, g.TileH)
		}
	}
	return g, nil
}

// Count returns the number of tiles.
func (g Grid) Count() int {
	return g.Columns * g.Rows
}

// Rect returns the pixel rectangle of tile i in row-major order.
func (g Grid) Rect(i int) geometry.RectInt {
	r := i / g.Columns
	c := i % g.Columns

	x := c * g.TileW
	y := r * g.TileH
	w := g.TileW
	if g.ImageW-x < w {
		w = g.ImageW - x
	}
	h := g.TileH
	if g.ImageH-y < h {
		h = g.ImageH - y
	}
	return geometry.RectInt{X: x, Y: y, Width: w, Height: h}
}

// Rects returns every tile rectangle in row-major order.
func (g Grid) Rects() []geometry.RectInt {
	out := make([]geometry.RectInt, g.Count())
	for i := range out {
		out[i] = g.Rect(i)
	}
	return out
}

// IndexAt returns the tile containing pixel (x, y), or -1 when outside.
func (g Grid) IndexAt(x, y int) int {
	if x < 0 || y < 0 || x >= g.ImageW || y >= g.ImageH || g.TileW <= 0 || g.TileH <= 0 {
		return -1
	}
	return (y/g.TileH)*g.Columns + x/g.TileW
}

func ceilDiv(a, b int) int {
	if b == 0 {
		return 0
	}
	return (a + b - 1) / b
}
