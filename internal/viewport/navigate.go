package viewport

import (
	"math"

	"github.com/omeview/server/pkg/geometry"
)

// ResizeBehavior selects how the display area follows a screen resize.
type ResizeBehavior int

const (
	// ResizeKeepScale grows or shrinks the display area with the screen so
	// the scale stays unchanged.
	ResizeKeepScale ResizeBehavior = iota
	// ResizeFit re-fits the whole image.
	ResizeFit
	// ResizeKeepView keeps the visible window and its center, padding the
	// axis the new screen ratio makes longer.
	ResizeKeepView
)

// ParseResizeBehavior maps a config/API name to a ResizeBehavior.
func ParseResizeBehavior(name string) (ResizeBehavior, bool) {
	switch name {
	case "", "keep_scale":
		return ResizeKeepScale, true
	case "fit":
		return ResizeFit, true
	case "keep_view":
		return ResizeKeepView, true
	}
	return ResizeKeepScale, false
}

// AutoFit centers the whole image in the viewport.
func (s *Space) AutoFit() {
	s.mu.Lock()
	changed := s.autoFit()
	s.mu.Unlock()
	if changed {
		s.raiseRedraw()
	}
}

func (s *Space) screenCenter() geometry.Point {
	ps := s.paddedSize()
	return geometry.Point{X: s.padding.Left + ps.Width/2, Y: s.padding.Top + ps.Height/2}
}

func (s *Space) autoFit() bool {
	ps := s.paddedSize()
	if !s.hasExtent() || ps.IsZero() {
		return false
	}
	s.displayArea = s.physicalRectFromPixel(fitInto(
		geometry.Rect{Width: s.pixelSize.Width, Height: s.pixelSize.Height},
		ps.Width/ps.Height,
	))
	s.updateScale()
	s.setScale(s.screenCenter(), math.Max(s.xScale, s.yScale))
	return true
}

// fitInto pads the shorter axis of area so its aspect ratio equals ratio,
// keeping area centered.
func fitInto(area geometry.Rect, ratio float64) geometry.Rect {
	current := area.Width / area.Height
	switch {
	case ratio > current:
		w := ratio * area.Height
		return geometry.Rect{X: area.X + (area.Width-w)/2, Y: area.Y, Width: w, Height: area.Height}
	case ratio < current:
		h := area.Width / ratio
		return geometry.Rect{X: area.X, Y: area.Y + (area.Height-h)/2, Width: area.Width, Height: h}
	}
	return area
}

// ZoomIn zooms one step toward anchor, given in screen coordinates.
func (s *Space) ZoomIn(anchor geometry.Point) { s.Zoom(anchor, true) }

// ZoomOut zooms one step away from anchor, given in screen coordinates.
func (s *Space) ZoomOut(anchor geometry.Point) { s.Zoom(anchor, false) }

// Zoom multiplies or divides both axis scales by the zoom rate. The
// physical point under anchor stays fixed on screen.
func (s *Space) Zoom(anchor geometry.Point, in bool) {
	s.mu.Lock()
	changed := s.zoom(anchor, in)
	s.mu.Unlock()
	if changed {
		s.raiseRedraw()
	}
}

func (s *Space) zoom(anchor geometry.Point, in bool) bool {
	if !s.hasView() || s.xScale <= 0 || s.yScale <= 0 {
		return false
	}
	rate := s.opts.ZoomRate
	if in {
		current := math.Max(s.xScale, s.yScale)
		if current*rate > s.opts.MaxScale {
			rate = s.opts.MaxScale / current
		}
		s.xScale *= rate
		s.yScale *= rate
	} else {
		current := math.Min(s.xScale, s.yScale)
		if current/rate < s.minScale {
			rate = current / s.minScale
		}
		s.xScale /= rate
		s.yScale /= rate
	}
	return s.setScale(anchor, math.Max(s.xScale, s.yScale))
}

// SetScale sets the dominant axis scale, clamped to [MinScale, MaxScale],
// and keeps the other axis in proportion. The physical point under anchor
// stays fixed on screen.
func (s *Space) SetScale(anchor geometry.Point, scale float64) {
	s.mu.Lock()
	changed := s.setScale(anchor, scale)
	s.mu.Unlock()
	if changed {
		s.raiseRedraw()
	}
}

func (s *Space) clampScale(scale float64) float64 {
	if math.IsNaN(scale) {
		return s.minScale
	}
	return math.Min(math.Max(scale, s.minScale), s.opts.MaxScale)
}

func (s *Space) setScale(anchor geometry.Point, scale float64) bool {
	if !s.hasView() || s.xScale <= 0 || s.yScale <= 0 {
		return false
	}
	scale = s.clampScale(scale)
	xs, ys := s.xScale, s.yScale
	if xs > ys {
		ys = ys / (xs / scale)
		xs = scale
	} else {
		xs = xs / (ys / scale)
		ys = scale
	}
	return s.applyScale(anchor, xs, ys)
}

func (s *Space) applyScale(anchor geometry.Point, xs, ys float64) bool {
	ps := s.paddedSize()
	actual := s.physicalPointFromScreen(anchor)
	next := s.physicalRectFromPixel(geometry.Rect{Width: ps.Width / xs, Height: ps.Height / ys})
	if next.IsEmpty() || math.IsInf(next.Width, 0) || math.IsInf(next.Height, 0) {
		return false
	}
	vx := ps.Width / next.Width
	vy := ps.Height / next.Height
	next.X = actual.X - (anchor.X-s.padding.Left)/vx
	next.Y = actual.Y - (anchor.Y-s.padding.Top)/vy
	s.displayArea = next
	s.updateScale()
	return true
}

// MoveInPhysical translates the display area by v, in physical units.
// The move is rejected if the image would keep less than the minimum
// on-screen overlap along either axis. It reports whether the move happened.
func (s *Space) MoveInPhysical(v geometry.Vector) bool {
	s.mu.Lock()
	moved := s.move(v)
	s.mu.Unlock()
	if moved {
		s.raiseRedraw()
	}
	return moved
}

// MoveInPixel translates the display area by v, in screen units.
func (s *Space) MoveInPixel(v geometry.Vector) bool {
	s.mu.Lock()
	moved := false
	if vx, vy, ok := s.visualScale(); ok && s.hasView() {
		moved = s.move(geometry.Vector{X: v.X / vx, Y: v.Y / vy})
	}
	s.mu.Unlock()
	if moved {
		s.raiseRedraw()
	}
	return moved
}

func (s *Space) move(v geometry.Vector) bool {
	if !s.hasView() || math.IsNaN(v.X) || math.IsNaN(v.Y) {
		return false
	}
	candidate := s.displayArea.Offset(v)
	view := s.screenRectFromPhysical(candidate)
	image := s.screenRectFromPhysical(s.physicalRect)
	if !view.IntersectsWith(image) {
		return false
	}
	if overlap(view.Left(), view.Right(), image.Left(), image.Right()) < s.opts.MinOverlap ||
		overlap(view.Top(), view.Bottom(), image.Top(), image.Bottom()) < s.opts.MinOverlap {
		return false
	}
	s.displayArea = candidate
	s.updateScale()
	return true
}

func overlap(a0, a1, b0, b1 float64) float64 {
	return math.Min(a1, b1) - math.Max(a0, b0)
}

// Resize updates the screen size using the configured resize behavior.
func (s *Space) Resize(size geometry.Size) {
	s.ResizeWith(size, s.opts.Resize)
}

// ResizeWith updates the screen size. The first non-zero size always fits
// the image; later sizes follow behavior.
func (s *Space) ResizeWith(size geometry.Size, behavior ResizeBehavior) {
	s.mu.Lock()
	changed := s.resize(size, behavior)
	s.mu.Unlock()
	if changed {
		s.raiseRedraw()
	}
}

func (s *Space) resize(size geometry.Size, behavior ResizeBehavior) bool {
	if size.Width < 0 || size.Height < 0 {
		return false
	}
	oldPadded := s.paddedSize()
	first := s.sizeOnScreen.IsZero() && !size.IsZero()
	s.sizeOnScreen = size
	if first {
		s.updateScale()
		return s.autoFit()
	}
	newPadded := s.paddedSize()
	if !s.hasExtent() || newPadded.IsZero() || s.displayArea.IsEmpty() {
		s.updateScale()
		return false
	}

	switch behavior {
	case ResizeFit:
		return s.autoFit()
	case ResizeKeepView:
		shown := s.pixelRectFromPhysical(s.displayArea)
		s.displayArea = s.physicalRectFromPixel(fitInto(shown, newPadded.Width/newPadded.Height))
		s.updateScale()
		return s.setScale(s.screenCenter(), math.Max(s.xScale, s.yScale))
	default:
		if !oldPadded.IsZero() {
			s.displayArea.Width *= newPadded.Width / oldPadded.Width
			s.displayArea.Height *= newPadded.Height / oldPadded.Height
		}
		s.updateScale()
		return true
	}
}

// AspectRatio switches between isotropic physical units (locked) and
// isotropic pixels (unlocked), keeping the current center and zoom width.
func (s *Space) AspectRatio(locked bool) {
	s.mu.Lock()
	changed := s.aspectRatio(locked)
	s.mu.Unlock()
	if changed {
		s.raiseRedraw()
	}
}

func (s *Space) aspectRatio(locked bool) bool {
	ps := s.paddedSize()
	if !s.hasView() {
		return false
	}
	previous := s.displayArea
	center := previous.Center()

	if locked {
		s.displayArea = fitInto(s.physicalRect, ps.Width/ps.Height)
		s.updateScale()
		s.setScale(s.screenCenter(), math.Max(s.xScale, s.yScale))
	} else {
		s.autoFit()
	}

	d := s.displayArea
	if s.physicalRect.Width > s.physicalRect.Height {
		h := d.Height / d.Width * previous.Width
		s.displayArea = geometry.Rect{X: center.X - previous.Width/2, Y: center.Y - h/2, Width: previous.Width, Height: h}
	} else {
		w := d.Width / d.Height * previous.Height
		s.displayArea = geometry.Rect{X: center.X - w/2, Y: center.Y - previous.Height/2, Width: w, Height: previous.Height}
	}
	s.updateScale()
	return true
}
