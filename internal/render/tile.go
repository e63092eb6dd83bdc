// Package render turns display bitmaps into PNG images using fogleman/gg.
package render

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"sync"

	"github.com/fogleman/gg"

	"github.com/omeview/server/internal/loader"
	"github.com/omeview/server/internal/scene"
	"github.com/omeview/server/pkg/colormap"
)

// ErrUnknownColormap is returned for a colormap name that is not registered.
var ErrUnknownColormap = errors.New("unknown colormap")

// Config contains renderer configuration.
type Config struct {
	DefaultColormap string
	Background      color.Color
}

// Renderer encodes tiles and composites screens.
type Renderer struct {
	config     Config
	bufferPool sync.Pool

	mu        sync.Mutex
	contexts  map[image.Point]*sync.Pool
	lutsMu    sync.RWMutex
	lookupLUT map[string]*colormap.LUT
}

// NewRenderer creates a new renderer.
func NewRenderer(cfg Config) *Renderer {
	if cfg.DefaultColormap == "" {
		cfg.DefaultColormap = "gray"
	}
	if cfg.Background == nil {
		cfg.Background = color.Black
	}
	return &Renderer{
		config: cfg,
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 64*1024))
			},
		},
		contexts:  make(map[image.Point]*sync.Pool),
		lookupLUT: make(map[string]*colormap.LUT),
	}
}

// LUT returns the sampled colormap for name; an empty name selects the default.
func (r *Renderer) LUT(name string) (*colormap.LUT, error) {
	if name == "" {
		name = r.config.DefaultColormap
	}
	r.lutsMu.RLock()
	lut, ok := r.lookupLUT[name]
	r.lutsMu.RUnlock()
	if ok {
		return lut, nil
	}

	cmap, ok := colormap.Lookup(name)
	if !ok {
		return nil, ErrUnknownColormap
	}
	lut = colormap.NewLUT(cmap)
	r.lutsMu.Lock()
	r.lookupLUT[name] = lut
	r.lutsMu.Unlock()
	return lut, nil
}

// Colorize maps a display bitmap through lut. 16-bit values use their high byte.
func Colorize(b *loader.Bitmap, lut *colormap.LUT) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, b.Width, b.Height))
	for y := 0; y < b.Height; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < b.Width; x++ {
			v := b.At(x, y)
			if b.BytesPerSample == 2 {
				v >>= 8
			}
			c := lut[v]
			o := x * 4
			row[o], row[o+1], row[o+2], row[o+3] = c.R, c.G, c.B, c.A
		}
	}
	return img
}

// RenderTile encodes one tile's display bitmap as PNG.
func (r *Renderer) RenderTile(b *loader.Bitmap, colormapName string) ([]byte, error) {
	lut, err := r.LUT(colormapName)
	if err != nil {
		return nil, err
	}
	return r.encode(Colorize(b, lut))
}

// RenderScreen draws every visible visual at its screen placement, clipped
// to the visible area, onto a width x height canvas.
func (r *Renderer) RenderScreen(width, height int, visuals []scene.Visual, colormapName string) ([]byte, error) {
	if width <= 0 || height <= 0 {
		return nil, errors.New("empty screen")
	}
	lut, err := r.LUT(colormapName)
	if err != nil {
		return nil, err
	}

	pool := r.contextPool(width, height)
	dc := pool.Get().(*gg.Context)
	defer pool.Put(dc)

	dc.ResetClip()
	dc.Identity()
	dc.SetColor(r.config.Background)
	dc.Clear()

	for _, v := range visuals {
		if !v.Visible || v.Source == nil {
			continue
		}
		b := v.Source()
		if b == nil || b.Width == 0 || b.Height == 0 {
			continue
		}
		img := Colorize(b, lut)

		dc.Push()
		dc.DrawRectangle(v.Clip.X, v.Clip.Y, v.Clip.Width, v.Clip.Height)
		dc.Clip()
		dc.Translate(v.Screen.X, v.Screen.Y)
		dc.Scale(v.Screen.Width/float64(b.Width), v.Screen.Height/float64(b.Height))
		dc.DrawImage(img, 0, 0)
		dc.Pop()
		dc.ResetClip()
	}
	return r.encode(dc.Image())
}

func (r *Renderer) contextPool(width, height int) *sync.Pool {
	key := image.Pt(width, height)
	r.mu.Lock()
	defer r.mu.Unlock()
	pool, ok := r.contexts[key]
	if !ok {
		pool = &sync.Pool{
			New: func() interface{} {
				return gg.NewContext(width, height)
			},
		}
		r.contexts[key] = pool
	}
	return pool
}

func (r *Renderer) encode(img image.Image) ([]byte, error) {
	buf := r.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		r.bufferPool.Put(buf)
	}()

	// Use fast PNG encoder
	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := encoder.Encode(buf, img); err != nil {
		return nil, err
	}

	// Copy buffer contents (buffer will be reused)
	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}

// EmptyTile creates a transparent tile of the given size.
func (r *Renderer) EmptyTile(width, height int) ([]byte, error) {
	return r.encode(image.NewNRGBA(image.Rect(0, 0, max(width, 1), max(height, 1))))
}
