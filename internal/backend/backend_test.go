package backend

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/omeview/server/pkg/geometry"
)

func newTestMemory() *Memory {
	return NewMemory(MemorySpec{
		Scan: ScanInfo{PixelType: PixelUint16, TileWidth: 4, TileHeight: 4, SignificantBits: 12},
		Channels: []ChannelInfo{
			{ID: 0, BinSize: 1},
			{ID: 1, BinSize: 3},
		},
		Region: RegionInfo{SizeX: 10, SizeY: 6, SizeZ: 2, SizeT: 1},
		Value: func(frame FrameKey, x, y, s int) uint32 {
			return uint32(y*100 + x*10 + s + frame.Z*1000)
		},
	})
}

func TestStatusError(t *testing.T) {
	t.Parallel()

	if got := StatusHandleNotExist.Error(); got != "backend status -102: handle does not exist" {
		t.Fatalf("unexpected message %q", got)
	}
	if got := Status(-999).Error(); got != "backend status -999" {
		t.Fatalf("unexpected message %q", got)
	}
	if StatusOK.Err() != nil {
		t.Fatalf("expected nil error for StatusOK")
	}

	wrapped := fmt.Errorf("failed to read tile: %w", StatusDecompressZlibFailed)
	if got := StatusOf(wrapped); got != StatusDecompressZlibFailed {
		t.Fatalf("expected %d, got %d", StatusDecompressZlibFailed, got)
	}
	if got := StatusOf(errors.New("boom")); got != StatusReadDataFailed {
		t.Fatalf("expected %d, got %d", StatusReadDataFailed, got)
	}
	if StatusOf(nil) != StatusOK {
		t.Fatalf("expected StatusOK for nil")
	}
	if !IsHandleError(fmt.Errorf("x: %w", StatusUselessHandle)) || IsHandleError(StatusRowOutOfRange) {
		t.Fatalf("IsHandleError misclassified a status")
	}
}

func TestPixelTypes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		pt        PixelType
		bytes     int
		supported bool
		max       uint32
	}{
		{PixelUint8, 1, true, 255},
		{PixelUint16, 2, true, 65535},
		{PixelInt8, 1, false, 255},
		{PixelInt16, 2, false, 65535},
		{PixelFloat32, 4, false, 0},
		{PixelUndefined, 0, false, 0},
	}
	for _, tc := range cases {
		if got := tc.pt.BytesPerSample(); got != tc.bytes {
			t.Errorf("%s: expected %d bytes, got %d", tc.pt, tc.bytes, got)
		}
		if got := tc.pt.Supported(); got != tc.supported {
			t.Errorf("%s: expected supported=%v, got %v", tc.pt, tc.supported, got)
		}
		if got := tc.pt.MaxValue(); got != tc.max {
			t.Errorf("%s: expected max %d, got %d", tc.pt, tc.max, got)
		}
		if ParsePixelType(tc.pt.String()) != tc.pt {
			t.Errorf("%s: name does not parse back", tc.pt)
		}
	}
}

func TestDistanceUnits(t *testing.T) {
	t.Parallel()

	cases := map[DistanceUnit]float64{
		UnitKilometer:   1e9,
		UnitMeter:       1e6,
		UnitMillimeter:  1e3,
		UnitMicrometer:  1,
		UnitNanometer:   1e-3,
		UnitPicometer:   1e-6,
		DistanceUnit(0): 1,
	}
	for u, want := range cases {
		if got := u.MicrometerFactor(); math.Abs(got-want) > want*1e-9 {
			t.Errorf("%s: expected %v, got %v", u, want, got)
		}
	}
}

func TestFrameKeyClamp(t *testing.T) {
	t.Parallel()

	region := RegionInfo{SizeZ: 3, SizeT: 2}
	got := FrameKey{Z: 7, T: -1}.Clamp(region)
	if got.Z != 2 || got.T != 0 {
		t.Fatalf("expected z=2 t=0, got %+v", got)
	}
	if !(FrameKey{Z: 1}).SamePlane(FrameKey{T: 4}) {
		t.Fatalf("expected Z/T-only change to keep the plane")
	}
	if (FrameKey{Channel: 1}).SamePlane(FrameKey{}) {
		t.Fatalf("expected a channel change to switch planes")
	}
}

func TestMemoryReadRect(t *testing.T) {
	t.Parallel()
	m := newTestMemory()

	rect := geometry.RectInt{X: 2, Y: 1, Width: 3, Height: 2}
	stride := 3 * 3 * 2
	buf := make([]byte, stride*2)
	frame := FrameKey{Channel: 1, Z: 1}
	if err := m.ReadRect(frame, rect, buf, stride); err != nil {
		t.Fatalf("ReadRect error: %v", err)
	}
	// pixel (3,2), sample 2
	off := 1*stride + (1*3+2)*2
	if got, want := binary.LittleEndian.Uint16(buf[off:]), uint16(1000+200+30+2); got != want {
		t.Fatalf("expected %d, got %d", want, got)
	}
	if m.Reads() != 1 {
		t.Fatalf("expected 1 read, got %d", m.Reads())
	}
}

func TestMemoryErrors(t *testing.T) {
	t.Parallel()
	m := newTestMemory()
	buf := make([]byte, 1024)

	cases := []struct {
		name   string
		frame  FrameKey
		rect   geometry.RectInt
		stride int
		want   Status
	}{
		{"plate", FrameKey{Plate: 1}, geometry.RectInt{Width: 1, Height: 1}, 8, StatusPlateNotExist},
		{"channel", FrameKey{Channel: 9}, geometry.RectInt{Width: 1, Height: 1}, 8, StatusChannelNotExist},
		{"z", FrameKey{Z: 2}, geometry.RectInt{Width: 1, Height: 1}, 8, StatusNoTiffDataForZTC},
		{"bounds", FrameKey{}, geometry.RectInt{X: 8, Width: 4, Height: 1}, 8, StatusBlockOutOfRange},
		{"stride", FrameKey{}, geometry.RectInt{Width: 4, Height: 1}, 2, StatusStrideNotCorrect},
	}
	for _, tc := range cases {
		err := m.ReadRect(tc.frame, tc.rect, buf, tc.stride)
		if got := StatusOf(err); got != tc.want {
			t.Errorf("%s: expected %d, got %d (%v)", tc.name, tc.want, got, err)
		}
	}

	if err := m.ReadRect(FrameKey{}, geometry.RectInt{Width: 1, Height: 1}, nil, 2); StatusOf(err) != StatusBufferIsNull {
		t.Errorf("expected StatusBufferIsNull, got %v", err)
	}
}

func TestMemoryReadTileTruncatesEdge(t *testing.T) {
	t.Parallel()
	m := newTestMemory()

	// 10x6 region with 4x4 native tiles: tile (1,2) is 2x2.
	stride := 2 * 2
	buf := make([]byte, stride*2)
	if err := m.ReadTile(FrameKey{}, 1, 2, buf, stride); err != nil {
		t.Fatalf("ReadTile error: %v", err)
	}
	if got := binary.LittleEndian.Uint16(buf[stride+2:]); got != 5*100+9*10 {
		t.Fatalf("expected %d, got %d", 5*100+9*10, got)
	}
	if err := m.ReadTile(FrameKey{}, 2, 0, buf, stride); StatusOf(err) != StatusRowOutOfRange {
		t.Fatalf("expected StatusRowOutOfRange, got %v", err)
	}
	if err := m.ReadTile(FrameKey{}, 0, 3, buf, stride); StatusOf(err) != StatusColumnOutOfRange {
		t.Fatalf("expected StatusColumnOutOfRange, got %v", err)
	}
}

func TestMemoryClose(t *testing.T) {
	t.Parallel()
	m := newTestMemory()

	if err := m.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
	if _, err := m.Plates(); StatusOf(err) != StatusHandleNotExist {
		t.Fatalf("expected StatusHandleNotExist after close, got %v", err)
	}
	err := m.ReadRect(FrameKey{}, geometry.RectInt{Width: 1, Height: 1}, make([]byte, 2), 2)
	if !IsHandleError(err) {
		t.Fatalf("expected a handle error after close, got %v", err)
	}
}

func TestOpenSynthetic(t *testing.T) {
	t.Parallel()

	doc, err := Open("synthetic", "width=300&height=200&type=uint8&channels=2&z=4", ModeReadOnly)
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	defer doc.Close()

	scan, err := FindScan(doc, 0, 0)
	if err != nil {
		t.Fatalf("FindScan error: %v", err)
	}
	if scan.PixelType != PixelUint8 || scan.SignificantBits != 8 {
		t.Fatalf("unexpected scan %+v", scan)
	}
	region, err := FindRegion(doc, 0, 0, 0)
	if err != nil {
		t.Fatalf("FindRegion error: %v", err)
	}
	if region.SizeX != 300 || region.SizeY != 200 || region.SizeZ != 4 {
		t.Fatalf("unexpected region %+v", region)
	}
	if _, err := FindChannel(doc, 0, 0, 1); err != nil {
		t.Fatalf("FindChannel error: %v", err)
	}
	if _, err := FindChannel(doc, 0, 0, 2); StatusOf(err) != StatusChannelNotExist {
		t.Fatalf("expected StatusChannelNotExist, got %v", err)
	}

	if _, err := Open("synthetic", "width=-3", ModeReadOnly); StatusOf(err) != StatusParameterInvalid {
		t.Fatalf("expected StatusParameterInvalid, got %v", err)
	}
	if _, err := Open("synthetic", "", ModeReadWrite); StatusOf(err) != StatusWrongOpenMode {
		t.Fatalf("expected StatusWrongOpenMode, got %v", err)
	}
	if _, err := Open("nope", "", ModeReadOnly); err == nil {
		t.Fatalf("expected error for unknown backend")
	}
}
