// Package chunkstore reads and writes documents stored as a directory of
// zstd-compressed native tiles.
//
// Layout:
//
//	<dir>/metadata.json
//	<dir>/c/<plate>/<scan>/<region>/<channel>/<z>/<t>/<row>.<col>
//
// A chunk holds the little-endian samples of one native tile, pixel
// interleaved, truncated at the region edge. A missing chunk reads as zeros.
package chunkstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/omeview/server/internal/backend"
	"github.com/omeview/server/pkg/geometry"
)

// FormatVersion is written to metadata.json by Create.
const FormatVersion = "1"

// DefaultCacheChunks is the number of decoded chunks kept in memory.
const DefaultCacheChunks = 256

// Metadata is the content of metadata.json.
type Metadata struct {
	FormatVersion string  `json:"format_version"`
	Name          string  `json:"name"`
	Plates        []Plate `json:"plates"`
}

// Plate is a plate with its wells and scans.
type Plate struct {
	backend.PlateInfo
	Wells []backend.WellInfo `json:"wells,omitempty"`
	Scans []Scan             `json:"scans"`
}

// Scan is a scan with its channels and regions.
type Scan struct {
	backend.ScanInfo
	Channels []backend.ChannelInfo `json:"channels"`
	Regions  []backend.RegionInfo  `json:"regions"`
}

// Store is an open chunk store.
type Store struct {
	basePath string
	mode     backend.OpenMode
	metadata *Metadata

	mu      sync.RWMutex
	closed  bool
	decoder *zstd.Decoder
	encoder *zstd.Encoder
	chunks  *lru.Cache[string, []byte]
}

func init() {
	backend.Register("chunkstore", func(path string, mode backend.OpenMode) (backend.Document, error) {
		return Open(path, mode)
	})
}

// Open opens the store at basePath. ModeReadWrite additionally allows WriteTile.
func Open(basePath string, mode backend.OpenMode) (*Store, error) {
	if mode != backend.ModeReadOnly && mode != backend.ModeReadWrite {
		return nil, backend.StatusWrongOpenMode
	}
	s, err := newStore(basePath, mode)
	if err != nil {
		return nil, err
	}
	if err := s.loadMetadata(); err != nil {
		s.decoder.Close()
		return nil, fmt.Errorf("failed to load metadata: %w", err)
	}
	return s, nil
}

// Create initializes a new store at basePath and opens it for writing.
func Create(basePath string, meta Metadata) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(basePath, "c"), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	meta.FormatVersion = FormatVersion
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(basePath, "metadata.json"), data, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write metadata.json: %w", err)
	}
	s, err := newStore(basePath, backend.ModeReadWrite)
	if err != nil {
		return nil, err
	}
	s.metadata = &meta
	return s, nil
}

func newStore(basePath string, mode backend.OpenMode) (*Store, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	chunks, err := lru.New[string, []byte](DefaultCacheChunks)
	if err != nil {
		decoder.Close()
		return nil, fmt.Errorf("failed to create chunk cache: %w", err)
	}
	s := &Store{
		basePath: basePath,
		mode:     mode,
		decoder:  decoder,
		chunks:   chunks,
	}
	if mode == backend.ModeReadWrite {
		encoder, err := zstd.NewWriter(nil)
		if err != nil {
			decoder.Close()
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		s.encoder = encoder
	}
	return s, nil
}

func (s *Store) loadMetadata() error {
	data, err := os.ReadFile(filepath.Join(s.basePath, "metadata.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return backend.StatusFilePathError
		}
		return fmt.Errorf("failed to read metadata.json: %w", err)
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return fmt.Errorf("failed to parse metadata.json: %v: %w", err, backend.StatusXMLParseFailed)
	}
	if len(meta.Plates) == 0 {
		return backend.StatusPlateNotExist
	}
	s.metadata = &meta
	return nil
}

// Metadata returns the store metadata.
func (s *Store) Metadata() *Metadata {
	return s.metadata
}

func (s *Store) alive() error {
	if s.closed {
		return backend.StatusHandleNotExist
	}
	return nil
}

func (s *Store) plate(id int) (*Plate, error) {
	if err := s.alive(); err != nil {
		return nil, err
	}
	for i := range s.metadata.Plates {
		if s.metadata.Plates[i].ID == id {
			return &s.metadata.Plates[i], nil
		}
	}
	return nil, backend.StatusPlateNotExist
}

func (s *Store) scan(plate, id int) (*Scan, error) {
	p, err := s.plate(plate)
	if err != nil {
		return nil, err
	}
	for i := range p.Scans {
		if p.Scans[i].ID == id {
			return &p.Scans[i], nil
		}
	}
	return nil, backend.StatusScanNotExist
}

func (s *Store) Plates() ([]backend.PlateInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.alive(); err != nil {
		return nil, err
	}
	out := make([]backend.PlateInfo, len(s.metadata.Plates))
	for i, p := range s.metadata.Plates {
		out[i] = p.PlateInfo
	}
	return out, nil
}

func (s *Store) Wells(plate int) ([]backend.WellInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, err := s.plate(plate)
	if err != nil {
		return nil, err
	}
	return append([]backend.WellInfo(nil), p.Wells...), nil
}

func (s *Store) Scans(plate int) ([]backend.ScanInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, err := s.plate(plate)
	if err != nil {
		return nil, err
	}
	out := make([]backend.ScanInfo, len(p.Scans))
	for i, sc := range p.Scans {
		out[i] = sc.ScanInfo
	}
	return out, nil
}

func (s *Store) Channels(plate, scan int) ([]backend.ChannelInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, err := s.scan(plate, scan)
	if err != nil {
		return nil, err
	}
	return append([]backend.ChannelInfo(nil), sc.Channels...), nil
}

func (s *Store) Regions(plate, scan int) ([]backend.RegionInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, err := s.scan(plate, scan)
	if err != nil {
		return nil, err
	}
	return append([]backend.RegionInfo(nil), sc.Regions...), nil
}

// frameLayout resolves everything needed to address the chunks of a frame.
type frameLayout struct {
	scan       backend.ScanInfo
	region     backend.RegionInfo
	pixelBytes int
}

func (s *Store) layout(frame backend.FrameKey) (frameLayout, error) {
	sc, err := s.scan(frame.Plate, frame.Scan)
	if err != nil {
		return frameLayout{}, err
	}
	if !sc.PixelType.Supported() {
		return frameLayout{}, backend.StatusDataTypeNotSupported
	}
	if sc.TileWidth <= 0 || sc.TileHeight <= 0 {
		return frameLayout{}, backend.StatusBlockSizeEmpty
	}
	var ch *backend.ChannelInfo
	for i := range sc.Channels {
		if sc.Channels[i].ID == frame.Channel {
			ch = &sc.Channels[i]
		}
	}
	if ch == nil {
		return frameLayout{}, backend.StatusChannelNotExist
	}
	var region *backend.RegionInfo
	for i := range sc.Regions {
		if sc.Regions[i].ID == frame.Region {
			region = &sc.Regions[i]
		}
	}
	if region == nil {
		return frameLayout{}, backend.StatusRegionNotExist
	}
	if frame.Z < 0 || frame.Z >= max(region.SizeZ, 1) || frame.T < 0 || frame.T >= max(region.SizeT, 1) {
		return frameLayout{}, backend.StatusNoTiffDataForZTC
	}
	return frameLayout{
		scan:       sc.ScanInfo,
		region:     *region,
		pixelBytes: ch.Samples() * sc.PixelType.BytesPerSample(),
	}, nil
}

// tileRect returns the pixel rect of native tile (row, col).
func (l frameLayout) tileRect(row, col int) (geometry.RectInt, error) {
	tw, th := l.scan.TileWidth, l.scan.TileHeight
	if row < 0 || row*th >= l.region.SizeY {
		return geometry.RectInt{}, backend.StatusRowOutOfRange
	}
	if col < 0 || col*tw >= l.region.SizeX {
		return geometry.RectInt{}, backend.StatusColumnOutOfRange
	}
	r := geometry.RectInt{X: col * tw, Y: row * th, Width: tw, Height: th}
	r.Width = min(r.Width, l.region.SizeX-r.X)
	r.Height = min(r.Height, l.region.SizeY-r.Y)
	return r, nil
}

func chunkKey(frame backend.FrameKey, row, col int) string {
	return filepath.Join(
		strconv.Itoa(frame.Plate), strconv.Itoa(frame.Scan), strconv.Itoa(frame.Region),
		strconv.Itoa(frame.Channel), strconv.Itoa(frame.Z), strconv.Itoa(frame.T),
		strconv.Itoa(row)+"."+strconv.Itoa(col),
	)
}

// readChunk returns the decoded samples of one native tile.
func (s *Store) readChunk(l frameLayout, frame backend.FrameKey, row, col int) ([]byte, geometry.RectInt, error) {
	rect, err := l.tileRect(row, col)
	if err != nil {
		return nil, rect, err
	}
	key := chunkKey(frame, row, col)
	if data, ok := s.chunks.Get(key); ok {
		return data, rect, nil
	}

	want := rect.Width * rect.Height * l.pixelBytes
	compressed, err := os.ReadFile(filepath.Join(s.basePath, "c", key))
	if err != nil {
		if os.IsNotExist(err) {
			data := make([]byte, want)
			s.chunks.Add(key, data)
			return data, rect, nil
		}
		return nil, rect, fmt.Errorf("failed to read chunk %s: %w", key, backend.StatusReadDataFailed)
	}
	data, err := s.decoder.DecodeAll(compressed, make([]byte, 0, want))
	if err != nil {
		return nil, rect, fmt.Errorf("zstd decompress failed for %s: %w", key, backend.StatusDecompressZlibFailed)
	}
	if len(data) != want {
		return nil, rect, fmt.Errorf("chunk %s has %d bytes, expected %d: %w", key, len(data), want, backend.StatusBlockSizeNotMatched)
	}
	s.chunks.Add(key, data)
	return data, rect, nil
}

func (s *Store) ReadRect(frame backend.FrameKey, rect geometry.RectInt, buf []byte, stride int) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, err := s.layout(frame)
	if err != nil {
		return err
	}
	if rect.Width <= 0 || rect.Height <= 0 || rect.X < 0 || rect.Y < 0 ||
		rect.X+rect.Width > l.region.SizeX || rect.Y+rect.Height > l.region.SizeY {
		return backend.StatusBlockOutOfRange
	}
	if err := backend.CheckBuffer(buf, rect.Width, rect.Height, l.pixelBytes, stride); err != nil {
		return err
	}

	tw, th := l.scan.TileWidth, l.scan.TileHeight
	for row := rect.Y / th; row*th < rect.Y+rect.Height; row++ {
		for col := rect.X / tw; col*tw < rect.X+rect.Width; col++ {
			data, tile, err := s.readChunk(l, frame, row, col)
			if err != nil {
				return err
			}
			copyOverlap(buf, stride, rect, data, tile, l.pixelBytes)
		}
	}
	return nil
}

// copyOverlap copies the part of a decoded tile that falls inside dst's rect.
func copyOverlap(dst []byte, stride int, rect geometry.RectInt, src []byte, tile geometry.RectInt, pixelBytes int) {
	x0 := max(rect.X, tile.X)
	x1 := min(rect.X+rect.Width, tile.X+tile.Width)
	y0 := max(rect.Y, tile.Y)
	y1 := min(rect.Y+rect.Height, tile.Y+tile.Height)
	if x0 >= x1 || y0 >= y1 {
		return
	}
	n := (x1 - x0) * pixelBytes
	srcStride := tile.Width * pixelBytes
	for y := y0; y < y1; y++ {
		so := (y-tile.Y)*srcStride + (x0-tile.X)*pixelBytes
		do := (y-rect.Y)*stride + (x0-rect.X)*pixelBytes
		copy(dst[do:do+n], src[so:so+n])
	}
}

func (s *Store) ReadTile(frame backend.FrameKey, row, col int, buf []byte, stride int) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, err := s.layout(frame)
	if err != nil {
		return err
	}
	data, tile, err := s.readChunk(l, frame, row, col)
	if err != nil {
		return err
	}
	if err := backend.CheckBuffer(buf, tile.Width, tile.Height, l.pixelBytes, stride); err != nil {
		return err
	}
	copyOverlap(buf, stride, tile, data, tile, l.pixelBytes)
	return nil
}

// WriteTile stores the samples of native tile (row, col). data is packed
// with no row padding and must match the truncated tile size.
func (s *Store) WriteTile(frame backend.FrameKey, row, col int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.encoder == nil {
		return backend.StatusModifyNotAllowed
	}
	l, err := s.layout(frame)
	if err != nil {
		return err
	}
	rect, err := l.tileRect(row, col)
	if err != nil {
		return err
	}
	if len(data) != rect.Width*rect.Height*l.pixelBytes {
		return backend.StatusBufferSizeError
	}

	key := chunkKey(frame, row, col)
	path := filepath.Join(s.basePath, "c", key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create chunk directory: %w", err)
	}
	if err := os.WriteFile(path, s.encoder.EncodeAll(data, nil), 0o644); err != nil {
		return fmt.Errorf("failed to write chunk %s: %w", key, backend.StatusSaveBlockFailed)
	}
	s.chunks.Remove(key)
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return backend.StatusHandleNotExist
	}
	s.closed = true
	s.decoder.Close()
	var err error
	if s.encoder != nil {
		err = s.encoder.Close()
	}
	s.chunks.Purge()
	if err != nil {
		return errors.Join(backend.StatusCloseFailed, err)
	}
	return nil
}
