package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/omeview/server/internal/backend"
	"github.com/omeview/server/internal/cache"
	"github.com/omeview/server/internal/loader"
	"github.com/omeview/server/internal/render"
	"github.com/omeview/server/internal/scene"
	"github.com/omeview/server/internal/viewport"
	"github.com/omeview/server/internal/viewstore"
	"github.com/omeview/server/internal/windowing"
	"github.com/omeview/server/pkg/geometry"
)

var (
	// ErrTileNotFound is returned for a tile index outside the current grid.
	ErrTileNotFound = errors.New("tile not found")
	// ErrNoFrame is returned before the first frame has been loaded.
	ErrNoFrame = errors.New("no frame loaded")
	// ErrUnknownAutoMode is returned for an automatic window mode that does not exist.
	ErrUnknownAutoMode = errors.New("unknown auto window mode")
)

// AutoMode selects how the window follows the loaded frame.
type AutoMode string

const (
	AutoOff        AutoMode = ""
	AutoBrightness AutoMode = "brightness"
	AutoContrast   AutoMode = "contrast"
)

// DefaultSaturation is the percentage of pixels auto contrast leaves outside the window.
const DefaultSaturation = 0.35

// ParseAutoMode accepts "", "off", "none", "brightness" and "contrast".
func ParseAutoMode(name string) (AutoMode, error) {
	switch name {
	case "", "off", "none":
		return AutoOff, nil
	case "brightness":
		return AutoBrightness, nil
	case "contrast":
		return AutoContrast, nil
	}
	return AutoOff, fmt.Errorf("%w: %q", ErrUnknownAutoMode, name)
}

// SessionConfig contains the settings shared by every session.
type SessionConfig struct {
	Viewport   viewport.Options
	Loader     loader.Options
	RefreshHz  int
	Colormap   string
	ScreenSize geometry.Size
	Cache      *cache.Manager
	Renderer   *render.Renderer
}

// Session is one open document with its own camera, tiles and display settings.
type Session struct {
	id         string
	documentID string
	doc        backend.Document
	cfg        SessionConfig

	space  *viewport.Space
	loader *loader.Loader
	engine *windowing.Engine
	scene  *scene.Reconciler
	ticker *scene.Ticker

	// applyMu serializes window recomputation against loads and edits.
	applyMu sync.Mutex

	mu          sync.Mutex
	params      windowing.Params
	auto        AutoMode
	saturation  float64
	colormap    string
	items       []scene.Item
	pendingView *pendingView

	sceneVersion atomic.Uint64
	lastUsed     atomic.Int64
	closeOnce    sync.Once
}

// pendingView is a saved camera waiting for the load of its frame.
type pendingView struct {
	frame backend.FrameKey
	area  geometry.Rect
}

// NewSession wires a session around an open document. Start must be called
// before frames are requested.
func NewSession(id, documentID string, doc backend.Document, cfg SessionConfig) *Session {
	if cfg.Colormap == "" {
		cfg.Colormap = "gray"
	}
	space := viewport.New(cfg.Viewport)
	s := &Session{
		id:         id,
		documentID: documentID,
		doc:        doc,
		cfg:        cfg,
		space:      space,
		loader:     loader.New(doc, space, cfg.Loader),
		engine:     windowing.NewEngine(),
		scene:      scene.New(space),
		params:     windowing.NewParams(0),
		saturation: DefaultSaturation,
		colormap:   cfg.Colormap,
	}
	s.ticker = scene.NewTicker(s.scene, cfg.RefreshHz, func(scene.TickStats) {
		s.sceneVersion.Add(1)
	})
	s.loader.OnLoaded(s.onLoaded)
	s.Touch()
	return s
}

// Start launches the load worker and the render ticker.
func (s *Session) Start() {
	if !s.cfg.ScreenSize.IsZero() {
		s.space.Resize(s.cfg.ScreenSize)
	}
	s.loader.Start()
	s.ticker.Start()
}

// Close stops all background work and closes the document.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.ticker.Stop()
		s.engine.Cancel()
		s.loader.Close()
		if err := s.doc.Close(); err != nil {
			log.Printf("[Session %s] close document: %v", s.id, err)
		}
		log.Printf("[Session %s] closed", s.id)
	})
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// DocumentID returns the id of the open document.
func (s *Session) DocumentID() string { return s.documentID }

// Viewport returns the session's coordinate space.
func (s *Session) Viewport() *viewport.Space { return s.space }

// Loader returns the session's frame loader.
func (s *Session) Loader() *loader.Loader { return s.loader }

// Scene returns the session's reconciler.
func (s *Session) Scene() *scene.Reconciler { return s.scene }

// Touch marks the session as used now.
func (s *Session) Touch() {
	s.lastUsed.Store(time.Now().UnixNano())
}

// IdleFor returns the time since the session was last used.
func (s *Session) IdleFor() time.Duration {
	return time.Since(time.Unix(0, s.lastUsed.Load()))
}

// SelectFrame queues a load of key. Z and T are clamped by the loader.
func (s *Session) SelectFrame(key backend.FrameKey, shiftTo8Bits bool) error {
	s.mu.Lock()
	s.params.ShiftTo8Bits = shiftTo8Bits
	s.pendingView = nil
	s.mu.Unlock()
	return s.loader.Request(key)
}

// onLoaded runs on the loader worker after every load.
func (s *Session) onLoaded(res loader.Result) {
	if !res.Applied {
		s.mu.Lock()
		if s.pendingView != nil && s.pendingView.frame == res.Frame {
			s.pendingView = nil
		}
		s.mu.Unlock()
		return
	}
	frame := s.loader.Frame()
	if frame == nil {
		return
	}

	if res.Rebuilt {
		tiles := s.loader.Tiles()
		items := make([]scene.Item, len(tiles))
		for i, t := range tiles {
			items[i] = scene.TileItem{
				Set:      res.Generation,
				Tile:     t,
				Physical: s.space.PhysicalRectFromPixel(t.Rect().ToFloat()),
			}
		}
		s.mu.Lock()
		old := s.items
		s.items = items
		s.mu.Unlock()
		s.scene.ReplaceAll(old, items)
	}

	s.mu.Lock()
	s.params.SetSignificantBits(frame.SignificantBits)
	var area *geometry.Rect
	if pv := s.pendingView; pv != nil && pv.frame == frame.Key {
		area = &pv.area
		s.pendingView = nil
	}
	s.mu.Unlock()
	if area != nil {
		s.space.SetDisplayArea(*area)
	}

	s.rewindow()
}

// rewindow recomputes automatic bounds and starts a new windowing pass.
func (s *Session) rewindow() *windowing.Pass {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	s.mu.Lock()
	p := s.params
	mode, sat := s.auto, s.saturation
	s.mu.Unlock()

	tiles := s.loader.Tiles()
	stats := s.loader.Stats()

	var err error
	switch mode {
	case AutoBrightness:
		p, err = windowing.AutoBrightness(p, stats)
	case AutoContrast:
		var h *windowing.Histogram
		h, err = windowing.NewHistogram(context.Background(), tiles)
		if err == nil {
			p, err = windowing.AutoContrast(p, h, sat)
		}
	}
	if err != nil {
		log.Printf("[Session %s] auto %s window: %v", s.id, mode, err)
	}

	s.mu.Lock()
	s.params = p
	s.mu.Unlock()
	return s.engine.Apply(context.Background(), tiles, p, stats)
}

// WindowRequest edits the intensity window. Bounds are ignored when Auto is set.
type WindowRequest struct {
	Min        *float64 `json:"min"`
	Max        *float64 `json:"max"`
	Auto       string   `json:"auto"`
	Saturation *float64 `json:"saturation"`
}

// SetWindow validates and applies a window edit. On error the window is unchanged.
func (s *Session) SetWindow(req WindowRequest) (windowing.Params, error) {
	mode, err := ParseAutoMode(req.Auto)
	if err != nil {
		return s.Params(), err
	}

	s.mu.Lock()
	p := s.params
	if mode == AutoOff {
		switch {
		case req.Min == nil && req.Max == nil:
			p.Clear()
		case req.Min != nil && req.Max != nil:
			err = p.SetRange(*req.Min, *req.Max)
		case req.Min != nil:
			err = p.SetMin(*req.Min)
		default:
			err = p.SetMax(*req.Max)
		}
	}
	if err != nil {
		s.mu.Unlock()
		return p, err
	}
	s.params = p
	s.auto = mode
	if req.Saturation != nil {
		s.saturation = *req.Saturation
	}
	s.mu.Unlock()

	pass := s.rewindow()
	log.Printf("[Session %s] window pass %d (auto=%q)", s.id, pass.ID, mode)
	return s.Params(), nil
}

// Params returns the current window.
func (s *Session) Params() windowing.Params {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params
}

// SetColormap selects the colormap tiles are rendered with.
func (s *Session) SetColormap(name string) error {
	if _, err := s.cfg.Renderer.LUT(name); err != nil {
		return err
	}
	s.mu.Lock()
	s.colormap = name
	s.mu.Unlock()
	return nil
}

// Colormap returns the selected colormap name.
func (s *Session) Colormap() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.colormap
}

// CurrentPass returns the most recent windowing pass, or nil.
func (s *Session) CurrentPass() *windowing.Pass {
	return s.engine.Current()
}

// PixelAt reads the pixel under p, given in screen, pixel or physical coordinates.
func (s *Session) PixelAt(p geometry.Point, space string) (loader.PixelInfo, error) {
	switch space {
	case "", "screen":
		p = s.space.PixelPointFromScreen(p)
	case "physical":
		p = s.space.PixelPointFromPhysical(p)
	case "pixel":
	default:
		return loader.PixelInfo{}, fmt.Errorf("unknown coordinate space %q", space)
	}
	return s.loader.PixelAt(p), nil
}

// Hierarchy returns the document tree as JSON, cached per document.
func (s *Session) Hierarchy() ([]byte, error) {
	key := cache.QueryKey("hierarchy", s.documentID, nil)
	if s.cfg.Cache != nil {
		if data, ok := s.cfg.Cache.GetQuery(key); ok {
			return data, nil
		}
	}
	h, err := ReadHierarchy(s.doc)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("failed to encode hierarchy: %w", err)
	}
	if s.cfg.Cache != nil {
		s.cfg.Cache.SetQuery(key, data)
	}
	return data, nil
}

// TilePNG renders tile index of the current grid. A tile without a display
// bitmap yet renders as a transparent image.
func (s *Session) TilePNG(index int) ([]byte, error) {
	t := s.loader.Tile(index)
	if t == nil {
		return nil, ErrTileNotFound
	}
	b := t.Display()
	if b == nil {
		r := t.Rect()
		return s.cfg.Renderer.EmptyTile(r.Width, r.Height)
	}
	cmap := s.Colormap()
	key := cache.TileKey(s.id, index, b.Generation, b.Pass, cmap)
	if s.cfg.Cache != nil {
		if data, ok := s.cfg.Cache.GetTile(key); ok {
			return data, nil
		}
	}
	data, err := s.cfg.Renderer.RenderTile(b, cmap)
	if err != nil {
		return nil, err
	}
	if s.cfg.Cache != nil {
		if err := s.cfg.Cache.SetTile(key, data); err != nil {
			log.Printf("[Session %s] cache tile %d: %v", s.id, index, err)
		}
	}
	return data, nil
}

// ScreenPNG composites the attached visuals at the current screen size.
func (s *Session) ScreenPNG() ([]byte, error) {
	size := s.space.Snapshot().SizeOnScreen
	w, h := int(size.Width+0.5), int(size.Height+0.5)
	return s.cfg.Renderer.RenderScreen(w, h, s.scene.Snapshot(), s.Colormap())
}

// State is a snapshot of a session for the API.
type State struct {
	ID           string           `json:"session_id"`
	Document     string           `json:"document"`
	Viewport     viewport.State   `json:"viewport"`
	Frame        *loader.Frame    `json:"frame"`
	Loader       loader.Status    `json:"loader"`
	Stats        loader.Stats     `json:"stats"`
	Window       windowing.Params `json:"window"`
	Auto         AutoMode         `json:"auto"`
	Saturation   float64          `json:"saturation"`
	Colormap     string           `json:"colormap"`
	Tiles        int              `json:"tiles"`
	Visuals      int              `json:"visuals"`
	SceneVersion uint64           `json:"scene_version"`
}

// State returns a snapshot of the session.
func (s *Session) State() State {
	st := State{
		ID:           s.id,
		Document:     s.documentID,
		Viewport:     s.space.Snapshot(),
		Frame:        s.loader.Frame(),
		Loader:       s.loader.Status(),
		Stats:        s.loader.Stats(),
		Tiles:        s.loader.Grid().Count(),
		Visuals:      s.scene.Len(),
		SceneVersion: s.sceneVersion.Load(),
	}
	s.mu.Lock()
	st.Window = s.params
	st.Auto = s.auto
	st.Saturation = s.saturation
	st.Colormap = s.colormap
	s.mu.Unlock()
	return st
}

// NewView captures the current frame, camera and display settings.
func (s *Session) NewView(id, name string) (*viewstore.View, error) {
	frame := s.loader.Frame()
	if frame == nil {
		return nil, ErrNoFrame
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return &viewstore.View{
		ID:           id,
		Document:     s.documentID,
		Name:         name,
		Frame:        frame.Key,
		DisplayArea:  s.space.DisplayArea(),
		Window:       viewstore.Window{Min: s.params.Min, Max: s.params.Max},
		Colormap:     s.colormap,
		ShiftTo8Bits: s.params.ShiftTo8Bits,
	}, nil
}

// ApplyView restores a saved view. The camera is restored once its frame has loaded.
func (s *Session) ApplyView(v *viewstore.View) error {
	if v.Colormap != "" {
		if err := s.SetColormap(v.Colormap); err != nil {
			return err
		}
	}
	s.mu.Lock()
	p := s.params
	p.Clear()
	if v.Window.Min != nil && v.Window.Max != nil {
		// The saved bounds fit the bit depth they were saved with.
		p.SignificantBits = 16
		if err := p.SetRange(*v.Window.Min, *v.Window.Max); err != nil {
			s.mu.Unlock()
			return err
		}
		p.SignificantBits = s.params.SignificantBits
	}
	p.ShiftTo8Bits = v.ShiftTo8Bits
	s.params = p
	s.auto = AutoOff
	s.pendingView = nil
	if !v.DisplayArea.IsEmpty() {
		s.pendingView = &pendingView{frame: v.Frame, area: v.DisplayArea}
	}
	s.mu.Unlock()
	return s.loader.Request(v.Frame)
}
