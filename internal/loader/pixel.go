package loader

import (
	"math"

	"github.com/omeview/server/pkg/geometry"
)

// PixelInfo is the pixel under a point of the current frame.
type PixelInfo struct {
	InImage   bool           `json:"in_image"`
	Pixel     geometry.Point `json:"pixel"`
	Physical  geometry.Point `json:"physical"`
	Tile      int            `json:"tile"`
	Loaded    bool           `json:"loaded"`
	Samples   []uint32       `json:"samples,omitempty"`
	Intensity uint64         `json:"intensity"`
}

// PixelAt reads the samples of the pixel containing p, given in pixel space.
func (l *Loader) PixelAt(p geometry.Point) PixelInfo {
	x, y := int(math.Floor(p.X)), int(math.Floor(p.Y))
	out := PixelInfo{Pixel: geometry.Pt(float64(x), float64(y)), Tile: -1}

	l.mu.RLock()
	grid := l.grid
	var tile *Tile
	if idx := grid.IndexAt(x, y); idx >= 0 && idx < len(l.tiles) {
		tile = l.tiles[idx]
	}
	l.mu.RUnlock()

	if tile == nil {
		return out
	}
	out.InImage = true
	out.Tile = tile.Index
	if l.space != nil {
		out.Physical = l.space.PhysicalPointFromPixel(out.Pixel)
	}

	tile.View(func(d Data) {
		if !d.Loaded {
			return
		}
		out.Loaded = true
		i := (y-d.Rect.Y)*d.Rect.Width + (x - d.Rect.X)
		out.Samples = make([]uint32, d.BinSize)
		for s := range out.Samples {
			v := d.Sample(i, s)
			out.Samples[s] = v
			out.Intensity += uint64(v)
		}
	})
	return out
}
