// Package tiffstore exposes a single grayscale TIFF file as a one-plate,
// one-scan, one-region document.
//
// Uncompressed and Deflate files in 8 or 16 bit BlackIsZero are read one
// strip or tile at a time straight from the mapped file. Any other encoding
// is decoded whole on the first read.
package tiffstore

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"log"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/zlib"
	"golang.org/x/exp/mmap"
	"golang.org/x/image/tiff"

	"github.com/omeview/server/internal/backend"
	"github.com/omeview/server/pkg/geometry"
)

// TileSize is the native tile edge reported for TIFF documents.
const TileSize = 256

// PixelSizeUM is the physical size of one pixel, in micrometers.
const PixelSizeUM = 1.0

// DefaultCacheBlocks is the number of decoded strips or tiles kept in memory.
const DefaultCacheBlocks = 64

// Store is an open TIFF document.
type Store struct {
	path      string
	reader    *mmap.ReaderAt
	width     int
	height    int
	pixelType backend.PixelType
	layout    *layout
	blocks    *lru.Cache[int, []byte]

	mu     sync.RWMutex
	closed bool
	once   sync.Once
	pix    []byte
	pixErr error
}

func init() {
	backend.Register("tiff", func(path string, mode backend.OpenMode) (backend.Document, error) {
		return Open(path, mode)
	})
}

// Open maps the file at path and reads its header. Pixels are decoded on first read.
func Open(path string, mode backend.OpenMode) (*Store, error) {
	if mode != backend.ModeReadOnly {
		return nil, backend.StatusWrongOpenMode
	}
	reader, err := mmap.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, backend.StatusOpenFailed)
	}
	cfg, err := tiff.DecodeConfig(io.NewSectionReader(reader, 0, int64(reader.Len())))
	if err != nil {
		reader.Close()
		return nil, fmt.Errorf("failed to read tiff header: %v: %w", err, backend.StatusNoTiffFormat)
	}

	var pt backend.PixelType
	switch cfg.ColorModel {
	case color.GrayModel:
		pt = backend.PixelUint8
	case color.Gray16Model:
		pt = backend.PixelUint16
	default:
		reader.Close()
		return nil, backend.StatusUnsupportedBitsPerSample
	}

	s := &Store{
		path:      path,
		reader:    reader,
		width:     cfg.Width,
		height:    cfg.Height,
		pixelType: pt,
	}
	l, err := parseLayout(reader, int64(reader.Len()))
	switch {
	case err == nil && l.width == cfg.Width && l.height == cfg.Height && l.bits == pt.BytesPerSample()*8:
		s.layout = l
		s.blocks, _ = lru.New[int, []byte](DefaultCacheBlocks)
	case err == nil, errors.Is(err, errNoBlockLayout):
		log.Printf("[TIFF] %s: encoding needs a full decode", path)
	default:
		log.Printf("[TIFF] %s: falling back to a full decode: %v", path, err)
	}
	return s, nil
}

// block returns the decoded samples of block i.
func (s *Store) block(i int) ([]byte, error) {
	if data, ok := s.blocks.Get(i); ok {
		return data, nil
	}
	b := s.layout.blocks[i]
	raw := make([]byte, b.size)
	if _, err := s.reader.ReadAt(raw, b.offset); err != nil {
		return nil, fmt.Errorf("failed to read block %d: %v: %w", i, err, backend.StatusReadDataFailed)
	}
	data := raw
	if s.layout.compressed {
		zr, err := zlib.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("failed to inflate block %d: %v: %w", i, err, backend.StatusReadDataFailed)
		}
		data, err = io.ReadAll(zr)
		zr.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to inflate block %d: %v: %w", i, err, backend.StatusReadDataFailed)
		}
	}
	s.blocks.Add(i, data)
	return data, nil
}

// readBlocks copies rect out of the strips or tiles it crosses.
func (s *Store) readBlocks(rect geometry.RectInt, buf []byte, stride int) error {
	bps := s.layout.bits / 8
	swap := bps == 2 && s.layout.bigEndian()
	for _, i := range s.layout.blocksIn(rect) {
		b := s.layout.blocks[i]
		data, err := s.block(i)
		if err != nil {
			return err
		}
		x0, x1 := max(rect.X, b.rect.X), min(rect.X+rect.Width, b.rect.X+b.rect.Width)
		y0, y1 := max(rect.Y, b.rect.Y), min(rect.Y+rect.Height, b.rect.Y+b.rect.Height)
		n := (x1 - x0) * bps
		for y := y0; y < y1; y++ {
			so := (y-b.rect.Y)*b.stride + (x0-b.rect.X)*bps
			if so+n > len(data) {
				return fmt.Errorf("block %d is truncated: %w", i, backend.StatusReadDataFailed)
			}
			dst := buf[(y-rect.Y)*stride+(x0-rect.X)*bps:][:n]
			src := data[so : so+n]
			if !swap {
				copy(dst, src)
				continue
			}
			for k := 0; k < n; k += 2 {
				dst[k], dst[k+1] = src[k+1], src[k]
			}
		}
	}
	return nil
}

// decode reads the whole image once into little-endian packed samples.
func (s *Store) decode() ([]byte, error) {
	s.once.Do(func() {
		img, err := tiff.Decode(io.NewSectionReader(s.reader, 0, int64(s.reader.Len())))
		if err != nil {
			s.pixErr = fmt.Errorf("failed to decode tiff: %v: %w", err, backend.StatusReadDataFailed)
			return
		}
		s.pix, s.pixErr = packSamples(img)
	})
	return s.pix, s.pixErr
}

func packSamples(img image.Image) ([]byte, error) {
	b := img.Bounds()
	switch m := img.(type) {
	case *image.Gray:
		out := make([]byte, b.Dx()*b.Dy())
		for y := 0; y < b.Dy(); y++ {
			copy(out[y*b.Dx():(y+1)*b.Dx()], m.Pix[y*m.Stride:])
		}
		return out, nil
	case *image.Gray16:
		out := make([]byte, b.Dx()*b.Dy()*2)
		for y := 0; y < b.Dy(); y++ {
			row := m.Pix[y*m.Stride:]
			for x := 0; x < b.Dx(); x++ {
				// image.Gray16 is big-endian.
				o := (y*b.Dx() + x) * 2
				out[o] = row[x*2+1]
				out[o+1] = row[x*2]
			}
		}
		return out, nil
	}
	return nil, backend.StatusUnsupportedBitsPerSample
}

func (s *Store) alive() error {
	if s.closed {
		return backend.StatusHandleNotExist
	}
	return nil
}

func (s *Store) Plates() ([]backend.PlateInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.alive(); err != nil {
		return nil, err
	}
	return []backend.PlateInfo{{
		Name:    s.path,
		Width:   float64(s.width) * PixelSizeUM,
		Height:  float64(s.height) * PixelSizeUM,
		Rows:    1,
		Columns: 1,
		UnitX:   backend.UnitMicrometer,
		UnitY:   backend.UnitMicrometer,
	}}, nil
}

func (s *Store) check(plate, scan int) error {
	if err := s.alive(); err != nil {
		return err
	}
	if plate != 0 {
		return backend.StatusPlateNotExist
	}
	if scan != 0 {
		return backend.StatusScanNotExist
	}
	return nil
}

func (s *Store) Wells(plate int) ([]backend.WellInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(plate, 0); err != nil {
		return nil, err
	}
	return nil, nil
}

func (s *Store) Scans(plate int) ([]backend.ScanInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(plate, 0); err != nil {
		return nil, err
	}
	return []backend.ScanInfo{{
		PhysicalSizeX:   PixelSizeUM,
		PhysicalSizeY:   PixelSizeUM,
		PhysicalSizeZ:   1,
		PhysicalUnitX:   backend.UnitMicrometer,
		PhysicalUnitY:   backend.UnitMicrometer,
		PhysicalUnitZ:   backend.UnitMicrometer,
		TileWidth:       TileSize,
		TileHeight:      TileSize,
		SignificantBits: s.pixelType.BytesPerSample() * 8,
		PixelType:       s.pixelType,
		DimensionOrder:  "XYZCT",
	}}, nil
}

func (s *Store) Channels(plate, scan int) ([]backend.ChannelInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(plate, scan); err != nil {
		return nil, err
	}
	return []backend.ChannelInfo{{Name: "gray", SamplesPerPixel: 1, BinSize: 1}}, nil
}

func (s *Store) Regions(plate, scan int) ([]backend.RegionInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(plate, scan); err != nil {
		return nil, err
	}
	return []backend.RegionInfo{{
		SizeX:      s.width,
		SizeY:      s.height,
		SizeZ:      1,
		SizeT:      1,
		StartUnitX: backend.UnitMicrometer,
		StartUnitY: backend.UnitMicrometer,
		StartUnitZ: backend.UnitMicrometer,
	}}, nil
}

func (s *Store) ReadRect(frame backend.FrameKey, rect geometry.RectInt, buf []byte, stride int) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.check(frame.Plate, frame.Scan); err != nil {
		return err
	}
	if frame.Region != 0 {
		return backend.StatusRegionNotExist
	}
	if frame.Channel != 0 {
		return backend.StatusChannelNotExist
	}
	if frame.Z != 0 || frame.T != 0 {
		return backend.StatusNoTiffDataForZTC
	}
	if rect.Width <= 0 || rect.Height <= 0 || rect.X < 0 || rect.Y < 0 ||
		rect.X+rect.Width > s.width || rect.Y+rect.Height > s.height {
		return backend.StatusBlockOutOfRange
	}
	bps := s.pixelType.BytesPerSample()
	if err := backend.CheckBuffer(buf, rect.Width, rect.Height, bps, stride); err != nil {
		return err
	}

	if s.layout != nil {
		return s.readBlocks(rect, buf, stride)
	}
	pix, err := s.decode()
	if err != nil {
		return err
	}
	n := rect.Width * bps
	srcStride := s.width * bps
	for y := 0; y < rect.Height; y++ {
		so := (rect.Y+y)*srcStride + rect.X*bps
		copy(buf[y*stride:y*stride+n], pix[so:so+n])
	}
	return nil
}

func (s *Store) ReadTile(frame backend.FrameKey, row, col int, buf []byte, stride int) error {
	if row < 0 || row*TileSize >= s.height {
		return backend.StatusRowOutOfRange
	}
	if col < 0 || col*TileSize >= s.width {
		return backend.StatusColumnOutOfRange
	}
	rect := geometry.RectInt{X: col * TileSize, Y: row * TileSize, Width: TileSize, Height: TileSize}
	rect.Width = min(rect.Width, s.width-rect.X)
	rect.Height = min(rect.Height, s.height-rect.Y)
	return s.ReadRect(frame, rect, buf, stride)
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return backend.StatusHandleNotExist
	}
	s.closed = true
	s.pix = nil
	if s.blocks != nil {
		s.blocks.Purge()
	}
	if err := s.reader.Close(); err != nil {
		return fmt.Errorf("failed to unmap %s: %w", s.path, backend.StatusCloseFailed)
	}
	return nil
}
