package backend

import (
	"fmt"
	"math"
	"strings"
)

// PixelType is the sample encoding of a scan.
type PixelType int

const (
	PixelUndefined PixelType = -1
	PixelInt8      PixelType = 0
	PixelUint8     PixelType = 1
	PixelUint16    PixelType = 2
	PixelInt16     PixelType = 3
	PixelFloat32   PixelType = 4
)

// BytesPerSample returns the storage size of one sample, or 0 when unknown.
func (p PixelType) BytesPerSample() int {
	switch p {
	case PixelInt8, PixelUint8:
		return 1
	case PixelUint16, PixelInt16:
		return 2
	case PixelFloat32:
		return 4
	}
	return 0
}

// Supported reports whether frames of this type can be displayed.
func (p PixelType) Supported() bool {
	return p == PixelUint8 || p == PixelUint16
}

// MaxValue returns the largest representable sample value.
func (p PixelType) MaxValue() uint32 {
	b := p.BytesPerSample()
	if b == 0 || b > 2 {
		return 0
	}
	return 1<<(uint(b)*8) - 1
}

func (p PixelType) String() string {
	switch p {
	case PixelInt8:
		return "int8"
	case PixelUint8:
		return "uint8"
	case PixelUint16:
		return "uint16"
	case PixelInt16:
		return "int16"
	case PixelFloat32:
		return "float32"
	}
	return "undefined"
}

// ParsePixelType maps a name like "uint16" to a PixelType.
func ParsePixelType(name string) PixelType {
	switch strings.ToLower(name) {
	case "int8":
		return PixelInt8
	case "uint8":
		return PixelUint8
	case "uint16":
		return PixelUint16
	case "int16":
		return PixelInt16
	case "float32":
		return PixelFloat32
	}
	return PixelUndefined
}

// DistanceUnit is the unit of a physical size or position.
type DistanceUnit int

const (
	UnitKilometer  DistanceUnit = 1
	UnitMeter      DistanceUnit = 2
	UnitMillimeter DistanceUnit = 3
	UnitMicrometer DistanceUnit = 4
	UnitNanometer  DistanceUnit = 5
	UnitPicometer  DistanceUnit = 6
)

// MicrometerFactor converts a value in u to micrometers.
// Unknown units are treated as micrometers.
func (u DistanceUnit) MicrometerFactor() float64 {
	if u < UnitKilometer || u > UnitPicometer {
		return 1
	}
	return math.Pow(10, float64(UnitMicrometer-u)*3)
}

func (u DistanceUnit) String() string {
	switch u {
	case UnitKilometer:
		return "km"
	case UnitMeter:
		return "m"
	case UnitMillimeter:
		return "mm"
	case UnitMicrometer:
		return "um"
	case UnitNanometer:
		return "nm"
	case UnitPicometer:
		return "pm"
	}
	return "unknown"
}

// ParseDistanceUnit maps a unit name to a DistanceUnit, defaulting to micrometers.
func ParseDistanceUnit(name string) DistanceUnit {
	switch strings.ToLower(name) {
	case "km":
		return UnitKilometer
	case "m":
		return UnitMeter
	case "mm":
		return UnitMillimeter
	case "nm":
		return UnitNanometer
	case "pm":
		return UnitPicometer
	}
	return UnitMicrometer
}

// OpenMode is the access mode of a document.
type OpenMode int

const (
	ModeCreate    OpenMode = 1
	ModeReadWrite OpenMode = 2
	ModeReadOnly  OpenMode = 3
)

// PlateInfo describes one plate.
type PlateInfo struct {
	ID      int          `json:"id"`
	Name    string       `json:"name"`
	Width   float64      `json:"width"`
	Height  float64      `json:"height"`
	Rows    int          `json:"rows"`
	Columns int          `json:"columns"`
	UnitX   DistanceUnit `json:"unit_x"`
	UnitY   DistanceUnit `json:"unit_y"`
}

// WellInfo describes one well of a plate.
type WellInfo struct {
	ID          int     `json:"id"`
	PositionX   float64 `json:"position_x"`
	PositionY   float64 `json:"position_y"`
	Width       float64 `json:"width"`
	Height      float64 `json:"height"`
	RowIndex    int     `json:"row_index"`
	ColumnIndex int     `json:"column_index"`
	Shape       int     `json:"shape"`
}

// ScanInfo describes one scan of a plate: sampling, encoding and native tiling.
type ScanInfo struct {
	ID              int          `json:"id"`
	PhysicalSizeX   float64      `json:"physical_size_x"`
	PhysicalSizeY   float64      `json:"physical_size_y"`
	PhysicalSizeZ   float64      `json:"physical_size_z"`
	PhysicalUnitX   DistanceUnit `json:"physical_unit_x"`
	PhysicalUnitY   DistanceUnit `json:"physical_unit_y"`
	PhysicalUnitZ   DistanceUnit `json:"physical_unit_z"`
	TimeIncrement   float64      `json:"time_increment"`
	TileWidth       int          `json:"tile_width"`
	TileHeight      int          `json:"tile_height"`
	SignificantBits int          `json:"significant_bits"`
	PixelType       PixelType    `json:"pixel_type"`
	DimensionOrder  string       `json:"dimension_order"`
}

// ChannelInfo describes one channel. BinSize is the number of samples per pixel.
type ChannelInfo struct {
	ID              int    `json:"id"`
	Name            string `json:"name"`
	SamplesPerPixel int    `json:"samples_per_pixel"`
	BinSize         int    `json:"bin_size"`
}

// Samples returns the number of samples stored per pixel.
func (c ChannelInfo) Samples() int {
	if c.BinSize > 1 {
		return c.BinSize
	}
	return 1
}

// RegionInfo describes one scan region: its pixel extent and physical origin.
type RegionInfo struct {
	ID         int          `json:"id"`
	SizeX      int          `json:"size_x"`
	SizeY      int          `json:"size_y"`
	SizeZ      int          `json:"size_z"`
	SizeT      int          `json:"size_t"`
	StartX     float64      `json:"start_x"`
	StartY     float64      `json:"start_y"`
	StartZ     float64      `json:"start_z"`
	StartUnitX DistanceUnit `json:"start_unit_x"`
	StartUnitY DistanceUnit `json:"start_unit_y"`
	StartUnitZ DistanceUnit `json:"start_unit_z"`
}

// FrameKey identifies one 2D plane of a document.
type FrameKey struct {
	Plate   int `json:"plate"`
	Scan    int `json:"scan"`
	Region  int `json:"region"`
	Channel int `json:"channel"`
	Z       int `json:"z"`
	T       int `json:"t"`
}

func (k FrameKey) String() string {
	return fmt.Sprintf("p%d/s%d/r%d/c%d/z%d/t%d", k.Plate, k.Scan, k.Region, k.Channel, k.Z, k.T)
}

// SamePlane reports whether k and other differ at most in Z and T.
func (k FrameKey) SamePlane(other FrameKey) bool {
	return k.Plate == other.Plate && k.Scan == other.Scan &&
		k.Region == other.Region && k.Channel == other.Channel
}

// Clamp limits Z and T to the region's stack depth and time series length.
func (k FrameKey) Clamp(region RegionInfo) FrameKey {
	k.Z = clampIndex(k.Z, region.SizeZ)
	k.T = clampIndex(k.T, region.SizeT)
	return k
}

func clampIndex(v, size int) int {
	if v >= size {
		v = size - 1
	}
	if v < 0 {
		v = 0
	}
	return v
}
