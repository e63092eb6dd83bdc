// Package viewport maps between the pixel grid of an image, its calibrated
// physical extent, the visible display area and the screen surface.
//
// Scales are expressed in screen units per image pixel. A scale of 1 shows
// the image at native resolution.
package viewport

import (
	"math"
	"sync"

	"github.com/omeview/server/pkg/geometry"
)

const (
	DefaultMaxScale   = 10.0
	DefaultZoomRate   = 1.1
	DefaultMinOverlap = 8.0
)

// Options tunes navigation limits.
type Options struct {
	MaxScale   float64
	ZoomRate   float64
	MinOverlap float64
	Resize     ResizeBehavior
}

func (o *Options) applyDefaults() {
	if o.MaxScale <= 0 {
		o.MaxScale = DefaultMaxScale
	}
	if o.ZoomRate <= 1 {
		o.ZoomRate = DefaultZoomRate
	}
	if o.MinOverlap <= 0 {
		o.MinOverlap = DefaultMinOverlap
	}
}

// Space is the coordinate engine of one open document.
// All methods are safe for concurrent use; redraw listeners run after the
// internal lock has been released.
type Space struct {
	opts Options

	mu           sync.RWMutex
	physicalRect geometry.Rect
	pixelSize    geometry.Size
	displayArea  geometry.Rect
	sizeOnScreen geometry.Size
	padding      geometry.Thickness
	xScale       float64
	yScale       float64
	minScale     float64

	listenersMu sync.Mutex
	listeners   []func()
}

// New creates an empty coordinate space.
func New(opts Options) *Space {
	opts.applyDefaults()
	return &Space{opts: opts, minScale: 1}
}

// State is a point-in-time copy of the space.
type State struct {
	PhysicalRect geometry.Rect      `json:"physical_rect"`
	PixelSize    geometry.Size      `json:"pixel_size"`
	DisplayArea  geometry.Rect      `json:"display_area"`
	SizeOnScreen geometry.Size      `json:"size_on_screen"`
	Padding      geometry.Thickness `json:"padding"`
	XScale       float64            `json:"x_scale"`
	YScale       float64            `json:"y_scale"`
	Scale        float64            `json:"scale"`
	MinScale     float64            `json:"min_scale"`
	MaxScale     float64            `json:"max_scale"`
}

// Snapshot returns a copy of the current state.
func (s *Space) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return State{
		PhysicalRect: s.physicalRect,
		PixelSize:    s.pixelSize,
		DisplayArea:  s.displayArea,
		SizeOnScreen: s.sizeOnScreen,
		Padding:      s.padding,
		XScale:       s.xScale,
		YScale:       s.yScale,
		Scale:        math.Max(s.xScale, s.yScale),
		MinScale:     s.minScale,
		MaxScale:     s.opts.MaxScale,
	}
}

// Scale returns the dominant axis scale.
func (s *Space) Scale() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return math.Max(s.xScale, s.yScale)
}

// DisplayArea returns the visible physical rectangle.
func (s *Space) DisplayArea() geometry.Rect {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.displayArea
}

// OnRedraw registers fn to be called whenever the display area changes.
func (s *Space) OnRedraw(fn func()) {
	s.listenersMu.Lock()
	s.listeners = append(s.listeners, fn)
	s.listenersMu.Unlock()
}

func (s *Space) raiseRedraw() {
	s.listenersMu.Lock()
	fns := make([]func(), len(s.listeners))
	copy(fns, s.listeners)
	s.listenersMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// SetExtent sets the pixel size and physical rectangle of the image.
// It reports whether either value changed.
func (s *Space) SetExtent(pixelSize geometry.Size, physicalRect geometry.Rect) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pixelSize == pixelSize && s.physicalRect == physicalRect {
		return false
	}
	s.pixelSize = pixelSize
	s.physicalRect = physicalRect
	s.updateScale()
	return true
}

// SetPadding sets the screen padding.
func (s *Space) SetPadding(p geometry.Thickness) {
	s.mu.Lock()
	s.padding = p
	s.updateScale()
	s.mu.Unlock()
	s.raiseRedraw()
}

// SetDisplayArea replaces the visible area without validation.
// It is used to restore saved views.
func (s *Space) SetDisplayArea(r geometry.Rect) {
	s.mu.Lock()
	s.displayArea = r
	s.updateScale()
	s.mu.Unlock()
	s.raiseRedraw()
}

// paddedSize returns the screen size minus padding, clamped at zero.
func (s *Space) paddedSize() geometry.Size {
	if s.sizeOnScreen.Width == 0 || s.sizeOnScreen.Height == 0 {
		return s.sizeOnScreen
	}
	w := s.sizeOnScreen.Width - s.padding.Left - s.padding.Right
	h := s.sizeOnScreen.Height - s.padding.Top - s.padding.Bottom
	return geometry.Size{Width: math.Max(w, 0), Height: math.Max(h, 0)}
}

func (s *Space) hasExtent() bool {
	return !s.pixelSize.IsZero() && !s.physicalRect.IsEmpty()
}

func (s *Space) hasView() bool {
	return s.hasExtent() && !s.paddedSize().IsZero() && !s.displayArea.IsEmpty()
}

func (s *Space) updateScale() {
	ps := s.paddedSize()
	if !s.hasExtent() || ps.IsZero() {
		s.xScale, s.yScale, s.minScale = 0, 0, 1
		return
	}
	s.minScale = math.Min(1, math.Min(ps.Width/s.pixelSize.Width, ps.Height/s.pixelSize.Height))
	if s.displayArea.IsEmpty() {
		s.xScale, s.yScale = 0, 0
		return
	}
	px := s.pixelRectFromPhysical(s.displayArea)
	s.xScale = ps.Width / px.Width
	s.yScale = ps.Height / px.Height
}

// visualScale returns screen units per physical unit along each axis.
// ok is false while the screen or the display area has no size.
func (s *Space) visualScale() (vx, vy float64, ok bool) {
	ps := s.paddedSize()
	if ps.IsZero() || s.displayArea.IsEmpty() {
		return 1, 1, false
	}
	return ps.Width / s.displayArea.Width, ps.Height / s.displayArea.Height, true
}

// pixelScale returns pixels per physical unit along each axis.
// ok is false until an extent is set.
func (s *Space) pixelScale() (sx, sy float64, ok bool) {
	if !s.hasExtent() {
		return 1, 1, false
	}
	return s.pixelSize.Width / s.physicalRect.Width, s.pixelSize.Height / s.physicalRect.Height, true
}

// The conversions below return their input unchanged when the scale between
// the two spaces is undefined.

func (s *Space) screenRectFromPhysical(r geometry.Rect) geometry.Rect {
	vx, vy, ok := s.visualScale()
	if !ok {
		return r
	}
	return geometry.Rect{
		X:      (r.X-s.displayArea.X)*vx + s.padding.Left,
		Y:      (r.Y-s.displayArea.Y)*vy + s.padding.Top,
		Width:  r.Width * vx,
		Height: r.Height * vy,
	}
}

func (s *Space) physicalRectFromScreen(r geometry.Rect) geometry.Rect {
	vx, vy, ok := s.visualScale()
	if !ok {
		return r
	}
	return geometry.Rect{
		X:      (r.X-s.padding.Left)/vx + s.displayArea.X,
		Y:      (r.Y-s.padding.Top)/vy + s.displayArea.Y,
		Width:  r.Width / vx,
		Height: r.Height / vy,
	}
}

func (s *Space) pixelRectFromPhysical(r geometry.Rect) geometry.Rect {
	sx, sy, ok := s.pixelScale()
	if !ok {
		return r
	}
	return geometry.Rect{
		X:      (r.X - s.physicalRect.X) * sx,
		Y:      (r.Y - s.physicalRect.Y) * sy,
		Width:  r.Width * sx,
		Height: r.Height * sy,
	}
}

func (s *Space) physicalRectFromPixel(r geometry.Rect) geometry.Rect {
	sx, sy, ok := s.pixelScale()
	if !ok {
		return r
	}
	return geometry.Rect{
		X:      r.X/sx + s.physicalRect.X,
		Y:      r.Y/sy + s.physicalRect.Y,
		Width:  r.Width / sx,
		Height: r.Height / sy,
	}
}

func (s *Space) screenPointFromPhysical(p geometry.Point) geometry.Point {
	vx, vy, ok := s.visualScale()
	if !ok {
		return p
	}
	return geometry.Point{
		X: (p.X-s.displayArea.X)*vx + s.padding.Left,
		Y: (p.Y-s.displayArea.Y)*vy + s.padding.Top,
	}
}

func (s *Space) physicalPointFromScreen(p geometry.Point) geometry.Point {
	vx, vy, ok := s.visualScale()
	if !ok {
		return p
	}
	return geometry.Point{
		X: (p.X-s.padding.Left)/vx + s.displayArea.X,
		Y: (p.Y-s.padding.Top)/vy + s.displayArea.Y,
	}
}

func (s *Space) physicalPointFromPixel(p geometry.Point) geometry.Point {
	sx, sy, ok := s.pixelScale()
	if !ok {
		return p
	}
	return geometry.Point{X: p.X/sx + s.physicalRect.X, Y: p.Y/sy + s.physicalRect.Y}
}

func (s *Space) pixelPointFromPhysical(p geometry.Point) geometry.Point {
	sx, sy, ok := s.pixelScale()
	if !ok {
		return p
	}
	return geometry.Point{X: (p.X - s.physicalRect.X) * sx, Y: (p.Y - s.physicalRect.Y) * sy}
}

// ScreenRectFromPhysical projects a physical rectangle onto the screen.
func (s *Space) ScreenRectFromPhysical(r geometry.Rect) geometry.Rect {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.screenRectFromPhysical(r)
}

// PhysicalRectFromScreen maps a screen rectangle back to physical units.
func (s *Space) PhysicalRectFromScreen(r geometry.Rect) geometry.Rect {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.physicalRectFromScreen(r)
}

// PixelRectFromPhysical maps a physical rectangle onto the pixel grid.
func (s *Space) PixelRectFromPhysical(r geometry.Rect) geometry.Rect {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pixelRectFromPhysical(r)
}

// PhysicalRectFromPixel maps a pixel rectangle to physical units.
func (s *Space) PhysicalRectFromPixel(r geometry.Rect) geometry.Rect {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.physicalRectFromPixel(r)
}

// ScreenRectFromPixel projects a pixel rectangle onto the screen.
func (s *Space) ScreenRectFromPixel(r geometry.Rect) geometry.Rect {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.screenRectFromPhysical(s.physicalRectFromPixel(r))
}

// PixelRectFromScreen maps a screen rectangle onto the pixel grid.
func (s *Space) PixelRectFromScreen(r geometry.Rect) geometry.Rect {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pixelRectFromPhysical(s.physicalRectFromScreen(r))
}

// ScreenPointFromPhysical projects a physical point onto the screen.
func (s *Space) ScreenPointFromPhysical(p geometry.Point) geometry.Point {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.screenPointFromPhysical(p)
}

// PhysicalPointFromScreen maps a screen point to physical units.
func (s *Space) PhysicalPointFromScreen(p geometry.Point) geometry.Point {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.physicalPointFromScreen(p)
}

// PhysicalPointFromPixel maps a pixel point to physical units.
func (s *Space) PhysicalPointFromPixel(p geometry.Point) geometry.Point {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.physicalPointFromPixel(p)
}

// PixelPointFromPhysical maps a physical point onto the pixel grid.
func (s *Space) PixelPointFromPhysical(p geometry.Point) geometry.Point {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pixelPointFromPhysical(p)
}

// ScreenPointFromPixel projects a pixel point onto the screen.
func (s *Space) ScreenPointFromPixel(p geometry.Point) geometry.Point {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.screenPointFromPhysical(s.physicalPointFromPixel(p))
}

// PixelPointFromScreen maps a screen point onto the pixel grid.
func (s *Space) PixelPointFromScreen(p geometry.Point) geometry.Point {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pixelPointFromPhysical(s.physicalPointFromScreen(p))
}

// CoercePoint clamps a physical point into the image extent.
func (s *Space) CoercePoint(p geometry.Point) geometry.Point {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return coercePoint(p, s.physicalRect)
}

// CoercePointInDisplayArea clamps a physical point into the visible area.
func (s *Space) CoercePointInDisplayArea(p geometry.Point) geometry.Point {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return coercePoint(p, s.displayArea)
}

// CoerceRect shrinks and shifts r until it fits inside the image extent.
func (s *Space) CoerceRect(r geometry.Rect) geometry.Rect {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return coerceRect(r, s.physicalRect)
}

// CoerceRectInDisplayArea shrinks and shifts r until it fits inside the visible area.
func (s *Space) CoerceRectInDisplayArea(r geometry.Rect) geometry.Rect {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return coerceRect(r, s.displayArea)
}

func coercePoint(p geometry.Point, area geometry.Rect) geometry.Point {
	p.X = math.Min(math.Max(p.X, area.Left()), area.Right())
	p.Y = math.Min(math.Max(p.Y, area.Top()), area.Bottom())
	return p
}

func coerceRect(r, area geometry.Rect) geometry.Rect {
	r.Width = math.Min(r.Width, area.Width)
	r.Height = math.Min(r.Height, area.Height)
	if r.Right() > area.Right() {
		r.X = area.Right() - r.Width
	}
	if r.X < area.Left() {
		r.X = area.Left()
	}
	if r.Bottom() > area.Bottom() {
		r.Y = area.Bottom() - r.Height
	}
	if r.Y < area.Top() {
		r.Y = area.Top()
	}
	return r
}
