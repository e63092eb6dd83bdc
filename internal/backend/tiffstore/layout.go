package tiffstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/omeview/server/pkg/geometry"
)

// TIFF tags read from the first IFD.
const (
	tagImageWidth      = 256
	tagImageLength     = 257
	tagBitsPerSample   = 258
	tagCompression     = 259
	tagPhotometric     = 262
	tagStripOffsets    = 273
	tagSamplesPerPixel = 277
	tagRowsPerStrip    = 278
	tagStripByteCounts = 279
	tagPlanarConfig    = 284
	tagPredictor       = 317
	tagTileWidth       = 322
	tagTileLength      = 323
	tagTileOffsets     = 324
	tagTileByteCounts  = 325
)

const (
	compressionNone        = 1
	compressionDeflate     = 8
	compressionDeflateOld  = 32946
	photometricBlackIsZero = 1
)

var errNoBlockLayout = errors.New("image data is not addressable per block")

// block is one strip or tile of the image.
type block struct {
	offset int64
	size   int64
	// rect is the part of the image the block covers; stride is the byte
	// length of one stored row, which may extend past rect for edge tiles.
	rect   geometry.RectInt
	stride int
}

// layout describes where the samples of each block live in the file.
type layout struct {
	order      binary.ByteOrder
	width      int
	height     int
	bits       int
	compressed bool
	blocks     []block
	// blockW and blockH are the nominal block size used to index blocks.
	blockW, blockH int
	across         int
}

func (l *layout) bigEndian() bool {
	return l.order == binary.ByteOrder(binary.BigEndian)
}

// blocksIn returns the indices of the blocks intersecting r.
func (l *layout) blocksIn(r geometry.RectInt) []int {
	var out []int
	for by := r.Y / l.blockH; by*l.blockH < r.Y+r.Height; by++ {
		for bx := r.X / l.blockW; bx*l.blockW < r.X+r.Width; bx++ {
			if i := by*l.across + bx; i < len(l.blocks) {
				out = append(out, i)
			}
		}
	}
	return out
}

type ifdEntry struct {
	typ   uint16
	count uint32
	value []byte
}

// parseLayout reads the first IFD of a TIFF file. It returns errNoBlockLayout
// for encodings that have to go through the full decoder.
func parseLayout(r io.ReaderAt, fileSize int64) (*layout, error) {
	var head [8]byte
	if _, err := r.ReadAt(head[:], 0); err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	var order binary.ByteOrder
	switch string(head[:2]) {
	case "II":
		order = binary.LittleEndian
	case "MM":
		order = binary.BigEndian
	default:
		return nil, errors.New("bad byte order mark")
	}
	if order.Uint16(head[2:4]) != 42 {
		return nil, errors.New("not a classic tiff")
	}
	ifd := int64(order.Uint32(head[4:8]))

	var n [2]byte
	if _, err := r.ReadAt(n[:], ifd); err != nil {
		return nil, fmt.Errorf("failed to read ifd: %w", err)
	}
	count := int(order.Uint16(n[:]))
	raw := make([]byte, count*12)
	if _, err := r.ReadAt(raw, ifd+2); err != nil {
		return nil, fmt.Errorf("failed to read ifd entries: %w", err)
	}

	entries := make(map[uint16]ifdEntry, count)
	for i := 0; i < count; i++ {
		e := raw[i*12 : (i+1)*12]
		tag := order.Uint16(e[0:2])
		ent := ifdEntry{typ: order.Uint16(e[2:4]), count: order.Uint32(e[4:8])}
		size := int64(typeSize(ent.typ)) * int64(ent.count)
		if size == 0 {
			continue
		}
		if size <= 4 {
			ent.value = e[8 : 8+size]
		} else {
			off := int64(order.Uint32(e[8:12]))
			if off+size > fileSize {
				return nil, fmt.Errorf("tag %d points past the end of the file", tag)
			}
			ent.value = make([]byte, size)
			if _, err := r.ReadAt(ent.value, off); err != nil {
				return nil, fmt.Errorf("failed to read tag %d: %w", tag, err)
			}
		}
		entries[tag] = ent
	}

	first := func(tag uint16, def int) int {
		if v := values(order, entries[tag]); len(v) > 0 {
			return int(v[0])
		}
		return def
	}

	l := &layout{
		order:  order,
		width:  first(tagImageWidth, 0),
		height: first(tagImageLength, 0),
		bits:   first(tagBitsPerSample, 1),
	}
	if l.width <= 0 || l.height <= 0 {
		return nil, errors.New("missing image size")
	}
	switch first(tagCompression, compressionNone) {
	case compressionNone:
	case compressionDeflate, compressionDeflateOld:
		l.compressed = true
	default:
		return nil, errNoBlockLayout
	}
	if first(tagSamplesPerPixel, 1) != 1 || first(tagPlanarConfig, 1) != 1 ||
		first(tagPredictor, 1) != 1 || first(tagPhotometric, -1) != photometricBlackIsZero ||
		(l.bits != 8 && l.bits != 16) {
		return nil, errNoBlockLayout
	}
	bps := l.bits / 8

	if _, tiled := entries[tagTileOffsets]; tiled {
		tw, th := first(tagTileWidth, 0), first(tagTileLength, 0)
		if tw <= 0 || th <= 0 {
			return nil, errors.New("missing tile size")
		}
		offsets := values(order, entries[tagTileOffsets])
		sizes := values(order, entries[tagTileByteCounts])
		l.blockW, l.blockH = tw, th
		l.across = (l.width + tw - 1) / tw
		down := (l.height + th - 1) / th
		if len(offsets) < l.across*down || len(sizes) != len(offsets) {
			return nil, errors.New("tile offsets do not cover the image")
		}
		for i := 0; i < l.across*down; i++ {
			x, y := (i%l.across)*tw, (i/l.across)*th
			l.blocks = append(l.blocks, block{
				offset: int64(offsets[i]),
				size:   int64(sizes[i]),
				rect:   geometry.RectInt{X: x, Y: y, Width: min(tw, l.width-x), Height: min(th, l.height-y)},
				stride: tw * bps,
			})
		}
	} else {
		rows := first(tagRowsPerStrip, l.height)
		if rows <= 0 || rows > l.height {
			rows = l.height
		}
		offsets := values(order, entries[tagStripOffsets])
		sizes := values(order, entries[tagStripByteCounts])
		down := (l.height + rows - 1) / rows
		if len(offsets) < down || len(sizes) != len(offsets) {
			return nil, errors.New("strip offsets do not cover the image")
		}
		l.blockW, l.blockH = l.width, rows
		l.across = 1
		for i := 0; i < down; i++ {
			y := i * rows
			l.blocks = append(l.blocks, block{
				offset: int64(offsets[i]),
				size:   int64(sizes[i]),
				rect:   geometry.RectInt{X: 0, Y: y, Width: l.width, Height: min(rows, l.height-y)},
				stride: l.width * bps,
			})
		}
	}
	for _, b := range l.blocks {
		if b.offset < 0 || b.offset+b.size > fileSize {
			return nil, errors.New("block points past the end of the file")
		}
	}
	return l, nil
}

func typeSize(typ uint16) int {
	switch typ {
	case 1, 2, 6, 7: // BYTE, ASCII, SBYTE, UNDEFINED
		return 1
	case 3, 8: // SHORT, SSHORT
		return 2
	case 4, 9, 11: // LONG, SLONG, FLOAT
		return 4
	case 5, 10, 12: // RATIONAL, SRATIONAL, DOUBLE
		return 8
	}
	return 0
}

// values decodes an integer-typed entry. Other types yield nil.
func values(order binary.ByteOrder, e ifdEntry) []uint64 {
	out := make([]uint64, 0, e.count)
	for i := 0; i < int(e.count); i++ {
		switch e.typ {
		case 1:
			out = append(out, uint64(e.value[i]))
		case 3:
			out = append(out, uint64(order.Uint16(e.value[i*2:])))
		case 4:
			out = append(out, uint64(order.Uint32(e.value[i*4:])))
		default:
			return nil
		}
	}
	return out
}
