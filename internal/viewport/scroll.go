package viewport

import (
	"math"

	"github.com/omeview/server/pkg/geometry"
)

// ScrollInfo describes the display area as scrollbar metrics, in physical units.
type ScrollInfo struct {
	ExtentWidth      float64 `json:"extent_width"`
	ExtentHeight     float64 `json:"extent_height"`
	ViewportWidth    float64 `json:"viewport_width"`
	ViewportHeight   float64 `json:"viewport_height"`
	HorizontalOffset float64 `json:"horizontal_offset"`
	VerticalOffset   float64 `json:"vertical_offset"`
}

// ScrollInfo returns the current scroll metrics.
func (s *Space) ScrollInfo() ScrollInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	extent := s.physicalRect.Union(s.displayArea)
	h, v := s.offsets()
	return ScrollInfo{
		ExtentWidth:      extent.Width,
		ExtentHeight:     extent.Height,
		ViewportWidth:    s.displayArea.Width,
		ViewportHeight:   s.displayArea.Height,
		HorizontalOffset: h,
		VerticalOffset:   v,
	}
}

func (s *Space) offsets() (float64, float64) {
	return math.Max(0, s.displayArea.Left()-s.physicalRect.Left()),
		math.Max(0, s.displayArea.Top()-s.physicalRect.Top())
}

// ScrollDirection names a line or page step.
type ScrollDirection string

const (
	ScrollUp    ScrollDirection = "up"
	ScrollDown  ScrollDirection = "down"
	ScrollLeft  ScrollDirection = "left"
	ScrollRight ScrollDirection = "right"
)

func (d ScrollDirection) unit() (geometry.Vector, bool) {
	switch d {
	case ScrollUp:
		return geometry.Vector{Y: -1}, true
	case ScrollDown:
		return geometry.Vector{Y: 1}, true
	case ScrollLeft:
		return geometry.Vector{X: -1}, true
	case ScrollRight:
		return geometry.Vector{X: 1}, true
	}
	return geometry.Vector{}, false
}

// Line scrolls a tenth of the display area in direction d.
func (s *Space) Line(d ScrollDirection) bool {
	return s.step(d, 0.1)
}

// Page scrolls a full display area in direction d.
func (s *Space) Page(d ScrollDirection) bool {
	return s.step(d, 1)
}

func (s *Space) step(d ScrollDirection, fraction float64) bool {
	u, ok := d.unit()
	if !ok {
		return false
	}
	area := s.DisplayArea()
	return s.MoveInPhysical(geometry.Vector{
		X: u.X * area.Width * fraction,
		Y: u.Y * area.Height * fraction,
	})
}

// SetHorizontalOffset scrolls so the display area starts offset units right of the image.
func (s *Space) SetHorizontalOffset(offset float64) bool {
	s.mu.RLock()
	h, _ := s.offsets()
	s.mu.RUnlock()
	return s.MoveInPhysical(geometry.Vector{X: offset - h})
}

// SetVerticalOffset scrolls so the display area starts offset units below the image top.
func (s *Space) SetVerticalOffset(offset float64) bool {
	s.mu.RLock()
	_, v := s.offsets()
	s.mu.RUnlock()
	return s.MoveInPhysical(geometry.Vector{Y: offset - v})
}
