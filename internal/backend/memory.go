package backend

import (
	"encoding/binary"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/omeview/server/pkg/geometry"
)

// DefaultTileSize is the native tile edge used by generated documents.
const DefaultTileSize = 256

// ValueFunc returns sample s of the pixel at (x, y) of a frame.
type ValueFunc func(frame FrameKey, x, y, s int) uint32

// MemorySpec describes a single plate, scan and region document held in memory.
type MemorySpec struct {
	Plate    PlateInfo
	Wells    []WellInfo
	Scan     ScanInfo
	Channels []ChannelInfo
	Region   RegionInfo
	Value    ValueFunc

	// Fail, when set, can fail a read with a status.
	Fail func(frame FrameKey, rect geometry.RectInt) Status
	// OnRead, when set, runs before every successful read.
	OnRead func(frame FrameKey, rect geometry.RectInt)
}

// Memory is a Document whose samples come from a ValueFunc.
type Memory struct {
	spec   MemorySpec
	mu     sync.RWMutex
	closed bool
	reads  atomic.Int64
}

// NewMemory creates an in-memory document.
func NewMemory(spec MemorySpec) *Memory {
	if spec.Scan.TileWidth <= 0 {
		spec.Scan.TileWidth = DefaultTileSize
	}
	if spec.Scan.TileHeight <= 0 {
		spec.Scan.TileHeight = DefaultTileSize
	}
	if spec.Scan.SignificantBits <= 0 {
		spec.Scan.SignificantBits = spec.Scan.PixelType.BytesPerSample() * 8
	}
	if spec.Region.SizeZ <= 0 {
		spec.Region.SizeZ = 1
	}
	if spec.Region.SizeT <= 0 {
		spec.Region.SizeT = 1
	}
	if len(spec.Channels) == 0 {
		spec.Channels = []ChannelInfo{{ID: 0, Name: "ch0", SamplesPerPixel: 1, BinSize: 1}}
	}
	if spec.Value == nil {
		spec.Value = func(FrameKey, int, int, int) uint32 { return 0 }
	}
	return &Memory{spec: spec}
}

// Reads returns the number of successful reads served.
func (m *Memory) Reads() int64 {
	return m.reads.Load()
}

func (m *Memory) alive() error {
	if m.closed {
		return StatusHandleNotExist
	}
	return nil
}

func (m *Memory) Plates() ([]PlateInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.alive(); err != nil {
		return nil, err
	}
	return []PlateInfo{m.spec.Plate}, nil
}

func (m *Memory) Wells(plate int) ([]WellInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkPlate(plate); err != nil {
		return nil, err
	}
	return append([]WellInfo(nil), m.spec.Wells...), nil
}

func (m *Memory) Scans(plate int) ([]ScanInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkPlate(plate); err != nil {
		return nil, err
	}
	return []ScanInfo{m.spec.Scan}, nil
}

func (m *Memory) Channels(plate, scan int) ([]ChannelInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkScan(plate, scan); err != nil {
		return nil, err
	}
	return append([]ChannelInfo(nil), m.spec.Channels...), nil
}

func (m *Memory) Regions(plate, scan int) ([]RegionInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkScan(plate, scan); err != nil {
		return nil, err
	}
	return []RegionInfo{m.spec.Region}, nil
}

func (m *Memory) checkPlate(plate int) error {
	if err := m.alive(); err != nil {
		return err
	}
	if plate != m.spec.Plate.ID {
		return StatusPlateNotExist
	}
	return nil
}

func (m *Memory) checkScan(plate, scan int) error {
	if err := m.checkPlate(plate); err != nil {
		return err
	}
	if scan != m.spec.Scan.ID {
		return StatusScanNotExist
	}
	return nil
}

func (m *Memory) channel(frame FrameKey) (ChannelInfo, error) {
	if err := m.checkScan(frame.Plate, frame.Scan); err != nil {
		return ChannelInfo{}, err
	}
	if frame.Region != m.spec.Region.ID {
		return ChannelInfo{}, StatusRegionNotExist
	}
	if frame.Z < 0 || frame.Z >= m.spec.Region.SizeZ || frame.T < 0 || frame.T >= m.spec.Region.SizeT {
		return ChannelInfo{}, StatusNoTiffDataForZTC
	}
	for _, c := range m.spec.Channels {
		if c.ID == frame.Channel {
			return c, nil
		}
	}
	return ChannelInfo{}, StatusChannelNotExist
}

func (m *Memory) ReadRect(frame FrameKey, rect geometry.RectInt, buf []byte, stride int) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ch, err := m.channel(frame)
	if err != nil {
		return err
	}
	if !m.spec.Scan.PixelType.Supported() {
		return StatusDataTypeNotSupported
	}
	if rect.Width <= 0 || rect.Height <= 0 || rect.X < 0 || rect.Y < 0 ||
		rect.X+rect.Width > m.spec.Region.SizeX || rect.Y+rect.Height > m.spec.Region.SizeY {
		return StatusBlockOutOfRange
	}
	samples := ch.Samples()
	bps := m.spec.Scan.PixelType.BytesPerSample()
	if err := CheckBuffer(buf, rect.Width, rect.Height, samples*bps, stride); err != nil {
		return err
	}
	if m.spec.Fail != nil {
		if st := m.spec.Fail(frame, rect); st != StatusOK {
			return st
		}
	}
	if m.spec.OnRead != nil {
		m.spec.OnRead(frame, rect)
	}

	for y := 0; y < rect.Height; y++ {
		row := buf[y*stride:]
		for x := 0; x < rect.Width; x++ {
			for s := 0; s < samples; s++ {
				v := m.spec.Value(frame, rect.X+x, rect.Y+y, s)
				off := (x*samples + s) * bps
				if bps == 1 {
					row[off] = byte(v)
				} else {
					binary.LittleEndian.PutUint16(row[off:], uint16(v))
				}
			}
		}
	}
	m.reads.Add(1)
	return nil
}

func (m *Memory) ReadTile(frame FrameKey, row, col int, buf []byte, stride int) error {
	rect, err := nativeTileRect(m.spec.Scan, m.spec.Region, row, col)
	if err != nil {
		return err
	}
	return m.ReadRect(frame, rect, buf, stride)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return StatusHandleNotExist
	}
	m.closed = true
	return nil
}

// nativeTileRect returns the pixel rect of native tile (row, col), truncated at the region edge.
func nativeTileRect(scan ScanInfo, region RegionInfo, row, col int) (geometry.RectInt, error) {
	tw, th := scan.TileWidth, scan.TileHeight
	if tw <= 0 || th <= 0 {
		return geometry.RectInt{}, StatusBlockSizeEmpty
	}
	if row < 0 || row*th >= region.SizeY {
		return geometry.RectInt{}, StatusRowOutOfRange
	}
	if col < 0 || col*tw >= region.SizeX {
		return geometry.RectInt{}, StatusColumnOutOfRange
	}
	r := geometry.RectInt{X: col * tw, Y: row * th, Width: tw, Height: th}
	r.Width = min(r.Width, region.SizeX-r.X)
	r.Height = min(r.Height, region.SizeY-r.Y)
	return r, nil
}

func init() {
	Register("synthetic", OpenSynthetic)
}

// OpenSynthetic builds a generated document from a query string such as
// "width=4096&height=3072&type=uint16&bits=12&channels=2&bins=1&z=3&t=2".
// Every parameter is optional.
func OpenSynthetic(path string, mode OpenMode) (Document, error) {
	if mode != ModeReadOnly {
		return nil, StatusWrongOpenMode
	}
	q, err := url.ParseQuery(path)
	if err != nil {
		return nil, fmt.Errorf("failed to parse synthetic document %q: %w", path, err)
	}
	intParam := func(name string, def int) (int, error) {
		s := q.Get(name)
		if s == "" {
			return def, nil
		}
		v, err := strconv.Atoi(s)
		if err != nil || v <= 0 {
			return 0, fmt.Errorf("invalid %s %q: %w", name, s, StatusParameterInvalid)
		}
		return v, nil
	}

	var p struct{ w, h, bits, channels, bins, z, t, tile int }
	for _, f := range []struct {
		dst  *int
		name string
		def  int
	}{
		{&p.w, "width", 2048},
		{&p.h, "height", 2048},
		{&p.bits, "bits", 0},
		{&p.channels, "channels", 1},
		{&p.bins, "bins", 1},
		{&p.z, "z", 1},
		{&p.t, "t", 1},
		{&p.tile, "tile", DefaultTileSize},
	} {
		var err error
		if *f.dst, err = intParam(f.name, f.def); err != nil {
			return nil, err
		}
	}
	pt := PixelUint16
	if s := q.Get("type"); s != "" {
		pt = ParsePixelType(s)
	}
	if p.bits == 0 {
		p.bits = pt.BytesPerSample() * 8
	}

	channels := make([]ChannelInfo, p.channels)
	for i := range channels {
		channels[i] = ChannelInfo{ID: i, Name: fmt.Sprintf("ch%d", i), SamplesPerPixel: 1, BinSize: p.bins}
	}
	limit := uint32(1)<<uint(p.bits) - 1
	if p.bits <= 0 || p.bits > 16 {
		limit = pt.MaxValue()
	}

	return NewMemory(MemorySpec{
		Plate: PlateInfo{ID: 0, Name: "synthetic", Rows: 1, Columns: 1, UnitX: UnitMicrometer, UnitY: UnitMicrometer},
		Scan: ScanInfo{
			PhysicalSizeX:   0.5,
			PhysicalSizeY:   0.5,
			PhysicalSizeZ:   1,
			PhysicalUnitX:   UnitMicrometer,
			PhysicalUnitY:   UnitMicrometer,
			PhysicalUnitZ:   UnitMicrometer,
			TileWidth:       p.tile,
			TileHeight:      p.tile,
			SignificantBits: p.bits,
			PixelType:       pt,
			DimensionOrder:  "XYZCT",
		},
		Channels: channels,
		Region: RegionInfo{
			SizeX:      p.w,
			SizeY:      p.h,
			SizeZ:      p.z,
			SizeT:      p.t,
			StartUnitX: UnitMicrometer,
			StartUnitY: UnitMicrometer,
			StartUnitZ: UnitMicrometer,
		},
		Value: gradient(p.w, p.h, limit),
	}), nil
}

// gradient produces a diagonal ramp that shifts with channel, Z, T and sample.
func gradient(w, h int, limit uint32) ValueFunc {
	span := uint64(w + h)
	return func(frame FrameKey, x, y, s int) uint32 {
		shift := uint64(frame.Channel*97 + frame.Z*31 + frame.T*13 + s*7)
		v := (uint64(x+y) + shift) % span
		return uint32(v * uint64(limit) / span)
	}
}
