package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/omeview/server/internal/viewport"
	"github.com/omeview/server/pkg/geometry"
)

// viewportRequest carries the arguments of every viewport operation.
// Each operation reads only the fields it needs.
type viewportRequest struct {
	Width      float64  `json:"width"`
	Height     float64  `json:"height"`
	Behavior   string   `json:"behavior"`
	X          float64  `json:"x"`
	Y          float64  `json:"y"`
	In         bool     `json:"in"`
	Scale      float64  `json:"scale"`
	DX         float64  `json:"dx"`
	DY         float64  `json:"dy"`
	Direction  string   `json:"direction"`
	Horizontal *float64 `json:"horizontal"`
	Vertical   *float64 `json:"vertical"`
	Locked     bool     `json:"locked"`
}

func viewportHandler(w http.ResponseWriter, r *http.Request) {
	var req viewportRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	space := getSession(r).Viewport()
	anchor := geometry.Pt(req.X, req.Y)
	before := space.Snapshot()
	// Operations that return no result are judged by the camera before and after.
	var changed *bool
	report := func(v bool) { changed = &v }

	switch op := chi.URLParam(r, "op"); op {
	case "resize":
		if req.Width < 0 || req.Height < 0 {
			http.Error(w, "width and height must not be negative", http.StatusBadRequest)
			return
		}
		size := geometry.Size{Width: req.Width, Height: req.Height}
		if req.Behavior == "" {
			space.Resize(size)
			break
		}
		behavior, ok := viewport.ParseResizeBehavior(req.Behavior)
		if !ok {
			http.Error(w, "unknown resize behavior: "+req.Behavior, http.StatusBadRequest)
			return
		}
		space.ResizeWith(size, behavior)
	case "zoom":
		space.Zoom(anchor, req.In)
	case "scale":
		if req.Scale <= 0 {
			http.Error(w, "scale must be positive", http.StatusBadRequest)
			return
		}
		space.SetScale(anchor, req.Scale)
	case "move":
		report(space.MoveInPhysical(geometry.Vector{X: req.DX, Y: req.DY}))
	case "move-pixel":
		report(space.MoveInPixel(geometry.Vector{X: req.DX, Y: req.DY}))
	case "fit":
		space.AutoFit()
	case "line", "page":
		d := viewport.ScrollDirection(req.Direction)
		switch d {
		case viewport.ScrollUp, viewport.ScrollDown, viewport.ScrollLeft, viewport.ScrollRight:
		default:
			http.Error(w, "unknown direction: "+req.Direction, http.StatusBadRequest)
			return
		}
		if op == "line" {
			report(space.Line(d))
		} else {
			report(space.Page(d))
		}
	case "offset":
		if req.Horizontal == nil && req.Vertical == nil {
			http.Error(w, "missing horizontal or vertical offset", http.StatusBadRequest)
			return
		}
		moved := false
		if req.Horizontal != nil && space.SetHorizontalOffset(*req.Horizontal) {
			moved = true
		}
		if req.Vertical != nil && space.SetVerticalOffset(*req.Vertical) {
			moved = true
		}
		report(moved)
	case "aspect":
		space.AspectRatio(req.Locked)
	default:
		http.Error(w, "unknown viewport operation: "+op, http.StatusNotFound)
		return
	}

	after := space.Snapshot()
	if changed == nil {
		report(after.DisplayArea != before.DisplayArea || after.SizeOnScreen != before.SizeOnScreen)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"changed":  *changed,
		"viewport": after,
	})
}
