package service

import (
	"fmt"

	"github.com/omeview/server/internal/backend"
)

// Hierarchy is the plate/well/scan/channel/region tree of a document.
type Hierarchy struct {
	Plates []PlateNode `json:"plates"`
}

// PlateNode is a plate with its wells and scans.
type PlateNode struct {
	backend.PlateInfo
	Wells []backend.WellInfo `json:"wells"`
	Scans []ScanNode         `json:"scans"`
}

// ScanNode is a scan with its channels and regions.
type ScanNode struct {
	backend.ScanInfo
	Channels []backend.ChannelInfo `json:"channels"`
	Regions  []backend.RegionInfo  `json:"regions"`
}

// ReadHierarchy walks the whole document tree.
func ReadHierarchy(doc backend.Document) (*Hierarchy, error) {
	plates, err := doc.Plates()
	if err != nil {
		return nil, fmt.Errorf("failed to list plates: %w", err)
	}
	h := &Hierarchy{Plates: make([]PlateNode, 0, len(plates))}
	for _, p := range plates {
		node := PlateNode{PlateInfo: p}
		if node.Wells, err = doc.Wells(p.ID); err != nil {
			return nil, fmt.Errorf("failed to list wells of plate %d: %w", p.ID, err)
		}
		scans, err := doc.Scans(p.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to list scans of plate %d: %w", p.ID, err)
		}
		for _, s := range scans {
			sn := ScanNode{ScanInfo: s}
			if sn.Channels, err = doc.Channels(p.ID, s.ID); err != nil {
				return nil, fmt.Errorf("failed to list channels of scan %d: %w", s.ID, err)
			}
			if sn.Regions, err = doc.Regions(p.ID, s.ID); err != nil {
				return nil, fmt.Errorf("failed to list regions of scan %d: %w", s.ID, err)
			}
			node.Scans = append(node.Scans, sn)
		}
		h.Plates = append(h.Plates, node)
	}
	return h, nil
}

// DefaultFrame selects the first channel of the first region of the first
// scan of the first plate, at Z and T zero.
func DefaultFrame(doc backend.Document) (backend.FrameKey, error) {
	var key backend.FrameKey
	plates, err := doc.Plates()
	if err != nil {
		return key, err
	}
	if len(plates) == 0 {
		return key, backend.StatusPlateNotExist
	}
	key.Plate = plates[0].ID

	scans, err := doc.Scans(key.Plate)
	if err != nil {
		return key, err
	}
	if len(scans) == 0 {
		return key, backend.StatusScanNotExist
	}
	key.Scan = scans[0].ID

	regions, err := doc.Regions(key.Plate, key.Scan)
	if err != nil {
		return key, err
	}
	if len(regions) == 0 {
		return key, backend.StatusRegionNotExist
	}
	key.Region = regions[0].ID

	channels, err := doc.Channels(key.Plate, key.Scan)
	if err != nil {
		return key, err
	}
	if len(channels) == 0 {
		return key, backend.StatusNoChannels
	}
	key.Channel = channels[0].ID
	return key, nil
}
