// Package backend defines the imaging backend a document is read through.
//
// A Document exposes the plate/scan/channel/region hierarchy and raw sample
// reads. Failing calls return a Status, possibly wrapped.
package backend

import (
	"fmt"
	"sort"
	"sync"

	"github.com/omeview/server/pkg/geometry"
)

// Document is an open image document.
type Document interface {
	Plates() ([]PlateInfo, error)
	Wells(plate int) ([]WellInfo, error)
	Scans(plate int) ([]ScanInfo, error)
	Channels(plate, scan int) ([]ChannelInfo, error)
	Regions(plate, scan int) ([]RegionInfo, error)

	// ReadRect copies the samples of rect into buf, rows stride bytes apart.
	ReadRect(frame FrameKey, rect geometry.RectInt, buf []byte, stride int) error
	// ReadTile copies the native tile at (row, col) into buf.
	ReadTile(frame FrameKey, row, col int, buf []byte, stride int) error

	Close() error
}

// Opener opens the document at path.
type Opener func(path string, mode OpenMode) (Document, error)

var (
	openersMu sync.RWMutex
	openers   = map[string]Opener{}
)

// Register makes an opener available under kind.
func Register(kind string, open Opener) {
	openersMu.Lock()
	defer openersMu.Unlock()
	openers[kind] = open
}

// Open opens path with the opener registered under kind.
func Open(kind, path string, mode OpenMode) (Document, error) {
	openersMu.RLock()
	open, ok := openers[kind]
	openersMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown backend %q", kind)
	}
	return open(path, mode)
}

// Kinds lists the registered backend kinds.
func Kinds() []string {
	openersMu.RLock()
	defer openersMu.RUnlock()
	out := make([]string, 0, len(openers))
	for k := range openers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Lookup helpers shared by the loader and the API.

// FindScan returns the scan with the given id.
func FindScan(doc Document, plate, scan int) (ScanInfo, error) {
	scans, err := doc.Scans(plate)
	if err != nil {
		return ScanInfo{}, err
	}
	for _, s := range scans {
		if s.ID == scan {
			return s, nil
		}
	}
	return ScanInfo{}, StatusScanNotExist
}

// FindChannel returns the channel with the given id.
func FindChannel(doc Document, plate, scan, channel int) (ChannelInfo, error) {
	channels, err := doc.Channels(plate, scan)
	if err != nil {
		return ChannelInfo{}, err
	}
	for _, c := range channels {
		if c.ID == channel {
			return c, nil
		}
	}
	return ChannelInfo{}, StatusChannelNotExist
}

// FindRegion returns the region with the given id.
func FindRegion(doc Document, plate, scan, region int) (RegionInfo, error) {
	regions, err := doc.Regions(plate, scan)
	if err != nil {
		return RegionInfo{}, err
	}
	for _, r := range regions {
		if r.ID == region {
			return r, nil
		}
	}
	return RegionInfo{}, StatusRegionNotExist
}

// CheckBuffer validates that buf can hold a w x h rect of pixelBytes-wide pixels at stride.
func CheckBuffer(buf []byte, w, h, pixelBytes, stride int) error {
	if buf == nil {
		return StatusBufferIsNull
	}
	if stride < w*pixelBytes {
		return StatusStrideNotCorrect
	}
	if h > 0 && len(buf) < stride*(h-1)+w*pixelBytes {
		return StatusBufferSizeError
	}
	return nil
}
