package viewport

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/omeview/server/pkg/geometry"
)

const eps = 1e-6

// newFitted returns a 1000x500 pixel image at 0.5 units per pixel shown on a 400x400 screen.
func newFitted(t *testing.T) (*Space, *int) {
	t.Helper()
	s := New(Options{})
	redraws := 0
	s.OnRedraw(func() { redraws++ })
	s.SetExtent(geometry.Size{Width: 1000, Height: 500}, geometry.R(0, 0, 500, 250))
	s.Resize(geometry.Size{Width: 400, Height: 400})
	return s, &redraws
}

func approx(a, b float64) bool {
	return math.Abs(a-b) <= eps
}

func TestAutoFitOnFirstResize(t *testing.T) {
	s, redraws := newFitted(t)

	want := geometry.R(0, -125, 500, 500)
	if got := s.DisplayArea(); !got.ApproxEqual(want, eps) {
		t.Fatalf("expected display area %+v, got %+v", want, got)
	}
	if got := s.Scale(); !approx(got, 0.4) {
		t.Fatalf("expected scale 0.4, got %v", got)
	}
	if *redraws == 0 {
		t.Fatalf("expected a redraw notification after auto-fit")
	}
}

func TestAutoFitAspectMatchesScreen(t *testing.T) {
	cases := []struct {
		name    string
		screen  geometry.Size
		padding geometry.Thickness
	}{
		{"wide", geometry.Size{Width: 800, Height: 200}, geometry.Thickness{}},
		{"tall", geometry.Size{Width: 200, Height: 900}, geometry.Thickness{}},
		{"padded", geometry.Size{Width: 600, Height: 400}, geometry.Thickness{Left: 50, Right: 50, Top: 10, Bottom: 30}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			s := New(Options{})
			s.SetExtent(geometry.Size{Width: 1000, Height: 500}, geometry.R(0, 0, 500, 250))
			s.SetPadding(tc.padding)
			s.Resize(tc.screen)

			pw := tc.screen.Width - tc.padding.Left - tc.padding.Right
			ph := tc.screen.Height - tc.padding.Top - tc.padding.Bottom
			d := s.DisplayArea()
			if got, want := d.Width/d.Height, pw/ph; !approx(got, want) {
				t.Fatalf("expected display aspect %v, got %v", want, got)
			}
			if !d.Contains(geometry.Pt(0, 0)) || !d.Contains(geometry.Pt(500, 250)) {
				t.Fatalf("expected the whole image to be visible, display area %+v", d)
			}
		})
	}
}

func TestRectRoundTrip(t *testing.T) {
	s, _ := newFitted(t)
	s.SetPadding(geometry.Thickness{Left: 7, Top: 3})
	s.ZoomIn(geometry.Pt(120, 80))

	rects := []geometry.Rect{
		geometry.R(10, 20, 30, 40),
		geometry.R(-50, 0, 1, 1),
		geometry.R(250, 125, 0.5, 1000),
	}
	for _, r := range rects {
		if got := s.PhysicalRectFromScreen(s.ScreenRectFromPhysical(r)); !got.ApproxEqual(r, eps) {
			t.Errorf("screen round trip: expected %+v, got %+v", r, got)
		}
		if got := s.PhysicalRectFromPixel(s.PixelRectFromPhysical(r)); !got.ApproxEqual(r, eps) {
			t.Errorf("pixel round trip: expected %+v, got %+v", r, got)
		}
		if got := s.PixelRectFromScreen(s.ScreenRectFromPixel(r)); !got.ApproxEqual(r, eps) {
			t.Errorf("composed round trip: expected %+v, got %+v", r, got)
		}
	}

	p := geometry.Pt(33, 44)
	got := s.PixelPointFromScreen(s.ScreenPointFromPixel(p))
	if !approx(got.X, p.X) || !approx(got.Y, p.Y) {
		t.Errorf("point round trip: expected %+v, got %+v", p, got)
	}
}

func TestZoomClampsScale(t *testing.T) {
	s, _ := newFitted(t)
	anchor := geometry.Pt(200, 200)

	for i := 0; i < 100; i++ {
		s.ZoomIn(anchor)
	}
	if got := s.Scale(); got > DefaultMaxScale+eps || !approx(got, DefaultMaxScale) {
		t.Fatalf("expected scale to stop at %v, got %v", DefaultMaxScale, got)
	}

	for i := 0; i < 200; i++ {
		s.ZoomOut(anchor)
	}
	st := s.Snapshot()
	if st.Scale < st.MinScale-eps || !approx(st.Scale, st.MinScale) {
		t.Fatalf("expected scale to stop at min %v, got %v", st.MinScale, st.Scale)
	}
}

func TestZoomKeepsAnchor(t *testing.T) {
	s, _ := newFitted(t)
	anchor := geometry.Pt(100, 300)
	before := s.PhysicalPointFromScreen(anchor)

	s.ZoomIn(anchor)
	s.ZoomIn(anchor)
	after := s.PhysicalPointFromScreen(anchor)
	if !approx(before.X, after.X) || !approx(before.Y, after.Y) {
		t.Fatalf("expected anchor to stay at %+v, got %+v", before, after)
	}
	if s.Scale() <= 0.4 {
		t.Fatalf("expected zoom in to raise the scale, got %v", s.Scale())
	}
}

func TestSetScaleClamps(t *testing.T) {
	s, _ := newFitted(t)
	anchor := geometry.Pt(200, 200)

	s.SetScale(anchor, 100)
	if got := s.Scale(); !approx(got, DefaultMaxScale) {
		t.Fatalf("expected %v, got %v", DefaultMaxScale, got)
	}
	s.SetScale(anchor, 0.001)
	if got := s.Scale(); !approx(got, 0.4) {
		t.Fatalf("expected 0.4, got %v", got)
	}
	s.SetScale(anchor, math.NaN())
	if got := s.Scale(); math.IsNaN(got) || math.IsInf(got, 0) || got == 0 {
		t.Fatalf("expected a finite scale, got %v", got)
	}
}

func TestMoveRejectsThinOverlap(t *testing.T) {
	s, redraws := newFitted(t)
	before := s.DisplayArea()
	count := *redraws

	// 495 units leaves 4 screen units of overlap at 0.8 screen units per unit.
	if s.MoveInPhysical(geometry.Vector{X: 495}) {
		t.Fatalf("expected move leaving 4 units of overlap to be rejected")
	}
	if s.MoveInPhysical(geometry.Vector{X: 10000}) {
		t.Fatalf("expected move off the image to be rejected")
	}
	if got := s.DisplayArea(); got != before {
		t.Fatalf("expected display area unchanged, got %+v", got)
	}
	if *redraws != count {
		t.Fatalf("expected no redraw for rejected moves")
	}

	if !s.MoveInPhysical(geometry.Vector{X: 100}) {
		t.Fatalf("expected move of 100 units to succeed")
	}
	if got := s.DisplayArea().X; !approx(got, 100) {
		t.Fatalf("expected display x 100, got %v", got)
	}
	if *redraws != count+1 {
		t.Fatalf("expected one redraw, got %d", *redraws-count)
	}
}

func TestMoveInPixelUsesScreenUnits(t *testing.T) {
	s, _ := newFitted(t)
	if !s.MoveInPixel(geometry.Vector{X: 80, Y: -40}) {
		t.Fatalf("expected move to succeed")
	}
	d := s.DisplayArea()
	if !approx(d.X, 100) || !approx(d.Y, -175) {
		t.Fatalf("expected display origin (100,-175), got (%v,%v)", d.X, d.Y)
	}
}

func TestResizeBehaviors(t *testing.T) {
	t.Run("keepScale", func(t *testing.T) {
		s, _ := newFitted(t)
		s.Resize(geometry.Size{Width: 800, Height: 400})
		if got := s.DisplayArea().Width; !approx(got, 1000) {
			t.Fatalf("expected width 1000, got %v", got)
		}
		if got := s.Scale(); !approx(got, 0.4) {
			t.Fatalf("expected scale 0.4, got %v", got)
		}
	})

	t.Run("fit", func(t *testing.T) {
		s, _ := newFitted(t)
		s.ResizeWith(geometry.Size{Width: 800, Height: 400}, ResizeFit)
		want := geometry.R(0, 0, 500, 250)
		if got := s.DisplayArea(); !got.ApproxEqual(want, eps) {
			t.Fatalf("expected %+v, got %+v", want, got)
		}
	})

	t.Run("keepView", func(t *testing.T) {
		s, _ := newFitted(t)
		s.ZoomIn(geometry.Pt(200, 200))
		center := s.DisplayArea().Center()
		s.ResizeWith(geometry.Size{Width: 800, Height: 400}, ResizeKeepView)
		got := s.DisplayArea().Center()
		if !approx(got.X, center.X) || !approx(got.Y, center.Y) {
			t.Fatalf("expected center %+v, got %+v", center, got)
		}
	})

	t.Run("zeroSize", func(t *testing.T) {
		s, _ := newFitted(t)
		s.Resize(geometry.Size{})
		s.ZoomIn(geometry.Pt(0, 0))
		if got := s.Scale(); got != 0 {
			t.Fatalf("expected scale 0 without a screen, got %v", got)
		}
		s.Resize(geometry.Size{Width: 400, Height: 400})
		if got := s.Scale(); !approx(got, 0.4) {
			t.Fatalf("expected re-fit to 0.4, got %v", got)
		}
	})
}

func TestEmptySpaceIsInert(t *testing.T) {
	s := New(Options{})
	s.AutoFit()
	s.ZoomIn(geometry.Pt(1, 1))
	s.SetScale(geometry.Pt(1, 1), 3)
	if s.MoveInPhysical(geometry.Vector{X: 1}) {
		t.Fatalf("expected move on empty space to be rejected")
	}
	if got := s.Scale(); got != 0 {
		t.Fatalf("expected scale 0, got %v", got)
	}

	// An extent without a screen has no defined projection.
	s.SetExtent(geometry.Size{Width: 100, Height: 100}, geometry.R(0, 0, 50, 50))
	assertFiniteConversions(t, s)

	fitted, _ := newFitted(t)
	fitted.Resize(geometry.Size{})
	assertFiniteConversions(t, fitted)
}

func assertFiniteConversions(t *testing.T, s *Space) {
	t.Helper()
	p := geometry.Pt(10, 10)
	r := geometry.R(10, 10, 20, 20)
	points := []geometry.Point{
		s.PhysicalPointFromScreen(p),
		s.ScreenPointFromPhysical(p),
		s.PixelPointFromScreen(p),
		s.ScreenPointFromPixel(p),
		s.PhysicalPointFromPixel(p),
		s.PixelPointFromPhysical(p),
	}
	for i, got := range points {
		if math.IsNaN(got.X) || math.IsNaN(got.Y) || math.IsInf(got.X, 0) || math.IsInf(got.Y, 0) {
			t.Fatalf("point conversion %d: expected finite values, got %+v", i, got)
		}
	}
	rects := []geometry.Rect{
		s.ScreenRectFromPhysical(r),
		s.PhysicalRectFromScreen(r),
		s.ScreenRectFromPixel(r),
		s.PixelRectFromScreen(r),
	}
	for i, got := range rects {
		if _, err := json.Marshal(got); err != nil {
			t.Fatalf("rect conversion %d: expected a marshalable rect, got %+v (%v)", i, got, err)
		}
	}
	if got := s.PhysicalPointFromScreen(p); got != p {
		t.Fatalf("expected %v unchanged, got %v", p, got)
	}
}

func TestScrollSteps(t *testing.T) {
	s, _ := newFitted(t)

	info := s.ScrollInfo()
	if !approx(info.ExtentWidth, 500) || !approx(info.ExtentHeight, 500) {
		t.Fatalf("unexpected extent %+v", info)
	}
	if info.HorizontalOffset != 0 || info.VerticalOffset != 0 {
		t.Fatalf("expected zero offsets, got %+v", info)
	}

	if !s.Line(ScrollRight) {
		t.Fatalf("expected line right to succeed")
	}
	if got := s.ScrollInfo().HorizontalOffset; !approx(got, 50) {
		t.Fatalf("expected offset 50, got %v", got)
	}
	if s.Page(ScrollRight) {
		t.Fatalf("expected page right to be rejected")
	}
	if !s.SetHorizontalOffset(100) {
		t.Fatalf("expected SetHorizontalOffset to succeed")
	}
	if got := s.ScrollInfo().HorizontalOffset; !approx(got, 100) {
		t.Fatalf("expected offset 100, got %v", got)
	}
	if s.Line(ScrollDirection("sideways")) {
		t.Fatalf("expected unknown direction to be ignored")
	}
}

func TestAspectRatioKeepsCenter(t *testing.T) {
	s, _ := newFitted(t)
	center := s.DisplayArea().Center()
	s.AspectRatio(true)
	got := s.DisplayArea().Center()
	if !approx(got.X, center.X) || !approx(got.Y, center.Y) {
		t.Fatalf("expected center %+v, got %+v", center, got)
	}
}

func TestCoerce(t *testing.T) {
	s, _ := newFitted(t)
	if got := s.CoercePoint(geometry.Pt(-5, 900)); got != geometry.Pt(0, 250) {
		t.Fatalf("expected (0,250), got %+v", got)
	}
	got := s.CoerceRect(geometry.R(450, -10, 100, 20))
	if want := geometry.R(400, 0, 100, 20); got != want {
		t.Fatalf("expected %+v, got %+v", want, got)
	}
}
