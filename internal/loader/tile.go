package loader

import (
	"encoding/binary"
	"image"
	"sync"
	"sync/atomic"

	"github.com/omeview/server/internal/backend"
	"github.com/omeview/server/pkg/geometry"
)

// TileKey identifies a tile record across loads of the same plane.
type TileKey struct {
	Rect      geometry.RectInt  `json:"rect"`
	BinSize   int               `json:"bin_size"`
	PixelType backend.PixelType `json:"pixel_type"`
}

// Tile is one tile of the current frame.
//
// The loader writes the sample buffers; windowing reads them through View
// and publishes its output with SetDisplay.
type Tile struct {
	Index int
	Key   TileKey

	mu         sync.RWMutex
	raw        []byte
	summed     []uint16
	generation uint64
	status     backend.Status
	loaded     bool

	display atomic.Pointer[Bitmap]
}

func newTile(index int, rect geometry.RectInt, binSize int, pt backend.PixelType) *Tile {
	return &Tile{
		Index: index,
		Key:   TileKey{Rect: rect, BinSize: binSize, PixelType: pt},
	}
}

// Rect returns the tile's pixel rectangle.
func (t *Tile) Rect() geometry.RectInt {
	return t.Key.Rect
}

// Data is a read-only view of a tile's buffers.
type Data struct {
	Rect       geometry.RectInt
	BinSize    int
	PixelType  backend.PixelType
	Raw        []byte
	Summed     []uint16
	Generation uint64
	Loaded     bool
}

// Value returns the display intensity of pixel i: the clamped sample sum, or the single sample.
func (d Data) Value(i int) uint32 {
	if d.Summed != nil {
		return uint32(d.Summed[i])
	}
	if d.PixelType.BytesPerSample() == 1 {
		return uint32(d.Raw[i])
	}
	return uint32(binary.LittleEndian.Uint16(d.Raw[i*2:]))
}

// Sample returns sample s of pixel i from the raw buffer.
func (d Data) Sample(i, s int) uint32 {
	bps := d.PixelType.BytesPerSample()
	off := (i*d.BinSize + s) * bps
	if bps == 1 {
		return uint32(d.Raw[off])
	}
	return uint32(binary.LittleEndian.Uint16(d.Raw[off:]))
}

// View runs fn with the tile's buffers read-locked. fn must not retain the slices.
func (t *Tile) View(fn func(d Data)) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	fn(Data{
		Rect:       t.Key.Rect,
		BinSize:    t.Key.BinSize,
		PixelType:  t.Key.PixelType,
		Raw:        t.raw,
		Summed:     t.summed,
		Generation: t.generation,
		Loaded:     t.loaded,
	})
}

// Status returns the backend status of the tile's last fetch.
func (t *Tile) Status() backend.Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

// Loaded reports whether the tile holds data from any load.
func (t *Tile) Loaded() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.loaded
}

// Generation returns the load generation of the tile's buffers.
func (t *Tile) Generation() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.generation
}

// write overwrites the buffers in place. It reports false when gen is not current.
func (t *Tile) write(gen uint64, current func() uint64, raw []byte, summed []uint16) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if gen != current() || gen < t.generation {
		return false
	}
	if cap(t.raw) >= len(raw) {
		t.raw = t.raw[:len(raw)]
	} else {
		t.raw = make([]byte, len(raw))
	}
	copy(t.raw, raw)
	if summed == nil {
		t.summed = nil
	} else {
		if cap(t.summed) >= len(summed) {
			t.summed = t.summed[:len(summed)]
		} else {
			t.summed = make([]uint16, len(summed))
		}
		copy(t.summed, summed)
	}
	t.generation = gen
	t.status = backend.StatusOK
	t.loaded = true
	return true
}

func (t *Tile) fail(gen uint64, status backend.Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if gen < t.generation {
		return
	}
	t.status = status
}

func (t *Tile) release() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.raw = nil
	t.summed = nil
	t.loaded = false
	t.display.Store(nil)
}

// Display returns the last published display bitmap, or nil.
func (t *Tile) Display() *Bitmap {
	return t.display.Load()
}

// SetDisplay publishes b as the tile's display bitmap unless a bitmap from a
// later pass is already published. It reports whether b was stored.
func (t *Tile) SetDisplay(b *Bitmap) bool {
	for {
		cur := t.display.Load()
		if cur != nil && b != nil && cur.Pass > b.Pass {
			return false
		}
		if t.display.CompareAndSwap(cur, b) {
			return true
		}
	}
}

// Bitmap is a windowed, displayable rendition of a tile.
// Pix holds one little-endian sample of BytesPerSample bytes per pixel.
type Bitmap struct {
	Width          int
	Height         int
	BytesPerSample int
	Pix            []byte
	Pass           uint64
	Generation     uint64
}

// At returns the display value of pixel (x, y).
func (b *Bitmap) At(x, y int) uint16 {
	i := y*b.Width + x
	if b.BytesPerSample == 1 {
		return uint16(b.Pix[i])
	}
	return binary.LittleEndian.Uint16(b.Pix[i*2:])
}

// Max returns the largest display value.
func (b *Bitmap) Max() uint16 {
	if b.BytesPerSample == 1 {
		return 0xff
	}
	return 0xffff
}

// Image converts the bitmap to an image.Gray or image.Gray16.
func (b *Bitmap) Image() image.Image {
	r := image.Rect(0, 0, b.Width, b.Height)
	if b.BytesPerSample == 1 {
		img := image.NewGray(r)
		copy(img.Pix, b.Pix)
		return img
	}
	img := image.NewGray16(r)
	for i := 0; i < b.Width*b.Height; i++ {
		img.Pix[i*2] = b.Pix[i*2+1]
		img.Pix[i*2+1] = b.Pix[i*2]
	}
	return img
}
