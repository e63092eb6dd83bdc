package scene

import (
	"fmt"

	"github.com/omeview/server/internal/loader"
	"github.com/omeview/server/pkg/geometry"
)

// Kind names a family of drawable items.
type Kind string

// KindImageTile is a loader tile drawn from its display bitmap.
const KindImageTile Kind = "image-tile"

// Item is an entry of the logical item list.
type Item interface {
	ID() string
	Kind() Kind
}

// TileItem places one loader tile in physical space.
type TileItem struct {
	Set      uint64
	Tile     *loader.Tile
	Physical geometry.Rect
}

// ID is unique per tile set, so a rebuilt set never aliases the previous one.
func (t TileItem) ID() string {
	return fmt.Sprintf("tile/%d/%d", t.Set, t.Tile.Index)
}

func (t TileItem) Kind() Kind { return KindImageTile }

// Visual is an item attached to the render surface.
type Visual struct {
	ID       string        `json:"id"`
	Kind     Kind          `json:"kind"`
	Physical geometry.Rect `json:"physical"`
	Screen   geometry.Rect `json:"screen"`
	Clip     geometry.Rect `json:"clip"`
	Visible  bool          `json:"visible"`

	// Source returns the pixels to draw, or nil while there are none.
	Source func() *loader.Bitmap `json:"-"`

	seq uint64
}

// Factory builds the visual for an item. It reports false when the item
// cannot be drawn.
type Factory func(item Item) (*Visual, bool)

// TileFactory builds visuals for TileItem.
func TileFactory(item Item) (*Visual, bool) {
	t, ok := item.(TileItem)
	if !ok || t.Tile == nil {
		return nil, false
	}
	return &Visual{
		ID:       t.ID(),
		Kind:     KindImageTile,
		Physical: t.Physical,
		Source:   t.Tile.Display,
	}, true
}
