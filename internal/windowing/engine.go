// Package windowing maps tile intensities through a linear window into
// display bitmaps.
//
// Every Apply starts a new pass and cancels the previous one. Tiles are
// processed concurrently and each finished tile is published on its own, so
// the screen updates progressively. A tile interrupted by cancellation is not
// published.
package windowing

import (
	"context"
	"encoding/binary"
	"log"
	"math"
	"sync"
	"sync/atomic"

	"github.com/omeview/server/internal/loader"
)

// Engine runs windowing passes for one session.
type Engine struct {
	mu      sync.Mutex
	cancel  context.CancelFunc
	current *Pass
	passes  atomic.Uint64
}

// NewEngine creates an idle engine.
func NewEngine() *Engine {
	return &Engine{}
}

// Pass is one windowing run over a set of tiles.
type Pass struct {
	ID    uint64
	Total int

	done      chan struct{}
	published atomic.Int64
	err       error
}

// Done is closed when every tile goroutine of the pass has returned.
func (p *Pass) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the pass ends and returns how many tiles it published.
// The error is the context error when the pass was cancelled.
func (p *Pass) Wait() (int, error) {
	<-p.done
	return int(p.published.Load()), p.err
}

// Apply cancels the running pass and windows tiles with params.
func (e *Engine) Apply(ctx context.Context, tiles []*loader.Tile, params Params, stats loader.Stats) *Pass {
	e.mu.Lock()
	if e.cancel != nil {
		e.cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	p := &Pass{ID: e.passes.Add(1), Total: len(tiles), done: make(chan struct{})}
	e.current = p
	e.mu.Unlock()

	m := newMapping(params, stats)

	var wg sync.WaitGroup
	for _, t := range tiles {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b := m.render(ctx, t, p.ID)
			if b == nil || ctx.Err() != nil {
				return
			}
			if t.SetDisplay(b) {
				p.published.Add(1)
			}
		}()
	}
	go func() {
		wg.Wait()
		p.err = ctx.Err()
		cancel()
		if p.err != nil {
			log.Printf("[Windowing] pass %d cancelled after %d/%d tiles", p.ID, p.published.Load(), p.Total)
		}
		close(p.done)
	}()
	return p
}

// Cancel stops the running pass, if any.
func (e *Engine) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		e.cancel()
	}
}

// Current returns the most recent pass, or nil.
func (e *Engine) Current() *Pass {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current
}

// mapping is the per-pass transfer function.
type mapping struct {
	passthrough bool
	lo, hi      float64
	shift8      bool
	shift       uint
}

func newMapping(params Params, stats loader.Stats) mapping {
	mp := mapping{passthrough: true}
	if params.Set() {
		lo, hi := *params.Min, *params.Max
		contains := stats.Known() && lo < stats.Min && hi > stats.Max
		if !contains && hi > lo {
			mp.passthrough = false
			mp.lo, mp.hi = lo, hi
		}
	}
	if params.ShiftTo8Bits {
		mp.shift8 = true
		// Windowed output spans the full 16-bit range; passthrough data only
		// its significant bits.
		bits := 16
		if mp.passthrough && params.SignificantBits > 8 && params.SignificantBits < 16 {
			bits = params.SignificantBits
		}
		mp.shift = uint(bits - 8)
	}
	return mp
}

// Coefficients returns the slope and offset of the window [lo, hi] for a
// format whose largest value is upper.
func Coefficients(lo, hi, upper float64) (m, a float64) {
	m = upper / (hi - lo)
	return m, -lo * m
}

// Window maps v through the window [lo, hi] into [0, upper].
func Window(v, lo, hi, upper float64) float64 {
	m, a := Coefficients(lo, hi, upper)
	return clamp(math.Round(v*m+a), upper)
}

func clamp(v, upper float64) float64 {
	if v < 0 {
		return 0
	}
	if v > upper {
		return upper
	}
	return v
}

// render windows one tile into a new bitmap. It returns nil when the tile
// holds no data or ctx is cancelled before the last row.
func (mp mapping) render(ctx context.Context, t *loader.Tile, pass uint64) *loader.Bitmap {
	var out *loader.Bitmap
	t.View(func(d loader.Data) {
		if !d.Loaded {
			return
		}
		w, h := d.Rect.Width, d.Rect.Height
		bps := d.PixelType.BytesPerSample()
		upper := float64(d.PixelType.MaxValue())
		m, a := Coefficients(mp.lo, mp.hi, upper)
		outBps := bps
		if mp.shift8 && bps == 2 {
			outBps = 1
		}

		pix := make([]byte, w*h*outBps)
		for y := 0; y < h; y++ {
			if ctx.Err() != nil {
				return
			}
			for x := 0; x < w; x++ {
				i := y*w + x
				v := d.Value(i)
				if !mp.passthrough {
					v = uint32(clamp(math.Round(float64(v)*m+a), upper))
				}
				switch {
				case outBps == 1 && bps == 2:
					pix[i] = byte(min(v>>mp.shift, 0xff))
				case outBps == 1:
					pix[i] = byte(v)
				default:
					binary.LittleEndian.PutUint16(pix[i*2:], uint16(v))
				}
			}
		}
		out = &loader.Bitmap{
			Width:          w,
			Height:         h,
			BytesPerSample: outBps,
			Pix:            pix,
			Pass:           pass,
			Generation:     d.Generation,
		}
	})
	return out
}
