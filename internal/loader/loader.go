// Package loader turns a frame selection into a grid of tiles filled from an
// imaging backend.
//
// Requests go through a single-slot mailbox drained by one worker: a request
// that arrives while another is pending replaces it. A load that has started
// runs to completion.
package loader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/omeview/server/internal/backend"
	"github.com/omeview/server/internal/tiling"
	"github.com/omeview/server/internal/viewport"
	"github.com/omeview/server/pkg/geometry"
)

// DefaultParallelism is the number of tiles fetched concurrently.
const DefaultParallelism = 5

var (
	// ErrUnsupportedPixelType is returned for frames whose samples cannot be displayed.
	ErrUnsupportedPixelType = errors.New("unsupported pixel type")
	// ErrClosed is returned once the loader has been closed.
	ErrClosed = errors.New("loader closed")
)

// Options configures a Loader.
type Options struct {
	MaxTiles    int
	Parallelism int
}

func (o *Options) applyDefaults() {
	if o.MaxTiles <= 0 {
		o.MaxTiles = tiling.DefaultMaxTiles
	}
	if o.Parallelism <= 0 {
		o.Parallelism = DefaultParallelism
	}
}

// Stats is the global intensity range of the current frame. Unknown bounds are NaN.
type Stats struct {
	Min float64
	Max float64
}

// Known reports whether both bounds are set.
func (s Stats) Known() bool {
	return !math.IsNaN(s.Min) && !math.IsNaN(s.Max)
}

// MarshalJSON encodes unknown bounds as null.
func (s Stats) MarshalJSON() ([]byte, error) {
	out := map[string]*float64{"min": nil, "max": nil}
	if !math.IsNaN(s.Min) {
		out["min"] = &s.Min
	}
	if !math.IsNaN(s.Max) {
		out["max"] = &s.Max
	}
	return json.Marshal(out)
}

func unknownStats() Stats {
	return Stats{Min: math.NaN(), Max: math.NaN()}
}

// Frame describes the loaded plane.
type Frame struct {
	Key             backend.FrameKey    `json:"key"`
	Scan            backend.ScanInfo    `json:"scan"`
	Channel         backend.ChannelInfo `json:"channel"`
	Region          backend.RegionInfo  `json:"region"`
	PhysicalRect    geometry.Rect       `json:"physical_rect"`
	SignificantBits int                 `json:"significant_bits"`
}

// Result reports the outcome of one load.
type Result struct {
	Frame      backend.FrameKey `json:"frame"`
	Generation uint64           `json:"generation"`
	Grid       tiling.Grid      `json:"grid"`
	Rebuilt    bool             `json:"rebuilt"`
	Applied    bool             `json:"applied"`
	Loaded     int              `json:"loaded"`
	Failed     int              `json:"failed"`
	Stats      Stats            `json:"stats"`
	Duration   time.Duration    `json:"duration"`
	Err        error            `json:"-"`
}

// Loader owns the tile records of one document.
type Loader struct {
	doc   backend.Document
	space *viewport.Space
	opts  Options

	mailMu  sync.Mutex
	mailbox chan backend.FrameKey
	closed  bool

	loadMu     sync.Mutex
	generation atomic.Uint64

	mu      sync.RWMutex
	frame   *Frame
	grid    tiling.Grid
	tiles   []*Tile
	stats   Stats
	last    *Result
	pending bool
	loading bool

	listenersMu sync.Mutex
	listeners   []func(Result)

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

// New creates a loader reading from doc and publishing extents into space.
func New(doc backend.Document, space *viewport.Space, opts Options) *Loader {
	opts.applyDefaults()
	return &Loader{
		doc:     doc,
		space:   space,
		opts:    opts,
		mailbox: make(chan backend.FrameKey, 1),
		stats:   unknownStats(),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the load worker.
func (l *Loader) Start() {
	l.wg.Add(1)
	go l.worker()
}

// Close stops the worker, rejects further requests and releases the tile records.
func (l *Loader) Close() {
	l.stopOnce.Do(func() {
		l.mailMu.Lock()
		l.closed = true
		l.mailMu.Unlock()

		// Writes still in flight belong to a stale generation from here on.
		l.generation.Add(1)
		close(l.stopCh)
		l.wg.Wait()

		l.loadMu.Lock()
		l.mu.Lock()
		for _, t := range l.tiles {
			t.release()
		}
		l.tiles = nil
		l.mu.Unlock()
		l.loadMu.Unlock()
	})
}

// OnLoaded registers fn to run after every load, on the worker goroutine.
func (l *Loader) OnLoaded(fn func(Result)) {
	l.listenersMu.Lock()
	defer l.listenersMu.Unlock()
	l.listeners = append(l.listeners, fn)
}

// Request queues a load of key, replacing any request that has not started yet.
func (l *Loader) Request(key backend.FrameKey) error {
	l.mailMu.Lock()
	defer l.mailMu.Unlock()
	if l.closed {
		return ErrClosed
	}
	select {
	case old := <-l.mailbox:
		log.Printf("[Loader] request %s replaced by %s", old, key)
	default:
	}
	l.mailbox <- key

	l.mu.Lock()
	l.pending = true
	l.mu.Unlock()
	return nil
}

func (l *Loader) worker() {
	defer l.wg.Done()
	for {
		select {
		case <-l.stopCh:
			return
		case key := <-l.mailbox:
			l.mailMu.Lock()
			l.mu.Lock()
			l.pending = len(l.mailbox) > 0
			l.mu.Unlock()
			l.mailMu.Unlock()

			ctx, cancel := context.WithCancel(context.Background())
			go func() {
				select {
				case <-l.stopCh:
					cancel()
				case <-ctx.Done():
				}
			}()
			res := l.Load(ctx, key)
			cancel()
			if res.Err != nil {
				log.Printf("[Loader] load %s failed: %v", key, res.Err)
			}
		}
	}
}

// Load loads key synchronously. Concurrent calls are serialized.
func (l *Loader) Load(ctx context.Context, key backend.FrameKey) Result {
	l.loadMu.Lock()
	defer l.loadMu.Unlock()

	l.mailMu.Lock()
	closed := l.closed
	l.mailMu.Unlock()
	if closed {
		return Result{Frame: key, Err: ErrClosed, Stats: unknownStats()}
	}

	l.setLoading(true)
	defer l.setLoading(false)

	start := time.Now()
	res := l.load(ctx, key)
	res.Duration = time.Since(start)

	l.mu.Lock()
	l.last = &res
	l.mu.Unlock()

	l.listenersMu.Lock()
	fns := make([]func(Result), len(l.listeners))
	copy(fns, l.listeners)
	l.listenersMu.Unlock()
	for _, fn := range fns {
		fn(res)
	}
	return res
}

func (l *Loader) setLoading(v bool) {
	l.mu.Lock()
	l.loading = v
	l.mu.Unlock()
}

func (l *Loader) resolve(key backend.FrameKey) (*Frame, error) {
	scan, err := backend.FindScan(l.doc, key.Plate, key.Scan)
	if err != nil {
		return nil, err
	}
	channel, err := backend.FindChannel(l.doc, key.Plate, key.Scan, key.Channel)
	if err != nil {
		return nil, err
	}
	region, err := backend.FindRegion(l.doc, key.Plate, key.Scan, key.Region)
	if err != nil {
		return nil, err
	}
	if !scan.PixelType.Supported() {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedPixelType, scan.PixelType)
	}
	if region.SizeX <= 0 || region.SizeY <= 0 {
		return nil, backend.StatusNoPixelsInImage
	}

	bits := scan.SignificantBits
	if bits <= 0 || bits > scan.PixelType.BytesPerSample()*8 {
		bits = scan.PixelType.BytesPerSample() * 8
	}
	return &Frame{
		Key:             key.Clamp(region),
		Scan:            scan,
		Channel:         channel,
		Region:          region,
		PhysicalRect:    physicalRect(scan, region),
		SignificantBits: bits,
	}, nil
}

// physicalRect places the region in micrometers.
func physicalRect(scan backend.ScanInfo, region backend.RegionInfo) geometry.Rect {
	sx, sy := scan.PhysicalSizeX, scan.PhysicalSizeY
	if sx <= 0 {
		sx = 1
	}
	if sy <= 0 {
		sy = 1
	}
	return geometry.R(
		region.StartX*region.StartUnitX.MicrometerFactor(),
		region.StartY*region.StartUnitY.MicrometerFactor(),
		float64(region.SizeX)*sx*scan.PhysicalUnitX.MicrometerFactor(),
		float64(region.SizeY)*sy*scan.PhysicalUnitY.MicrometerFactor(),
	)
}

func (l *Loader) load(ctx context.Context, key backend.FrameKey) Result {
	gen := l.generation.Add(1)
	res := Result{Frame: key, Generation: gen, Stats: unknownStats()}

	frame, err := l.resolve(key)
	if err != nil {
		res.Err = fmt.Errorf("failed to resolve frame %s: %w", key, err)
		return res
	}
	key = frame.Key
	res.Frame = key

	l.mu.RLock()
	prev := l.frame
	l.mu.RUnlock()
	l.publishExtent(frame)

	grid, err := tiling.Plan(frame.Region.SizeX, frame.Region.SizeY, frame.Scan.TileWidth, frame.Scan.TileHeight, l.opts.MaxTiles)
	if err != nil {
		l.publishExtent(prev)
		res.Err = fmt.Errorf("failed to plan tiles for %s: %w", key, err)
		return res
	}
	res.Grid = grid

	binSize := frame.Channel.Samples()
	pt := frame.Scan.PixelType

	l.mu.RLock()
	reuse := l.frame != nil && l.frame.Key.SamePlane(key) && l.grid == grid &&
		len(l.tiles) == grid.Count() && l.tiles[0].Key.BinSize == binSize && l.tiles[0].Key.PixelType == pt
	tiles := l.tiles
	l.mu.RUnlock()

	if !reuse {
		tiles = make([]*Tile, grid.Count())
		for i, r := range grid.Rects() {
			tiles[i] = newTile(i, r, binSize, pt)
		}
		res.Rebuilt = true
	}

	stats, loaded, failed, fetchErr := l.fetch(ctx, gen, key, tiles)
	res.Loaded = loaded
	res.Failed = failed

	if loaded == 0 && (fetchErr != nil || failed > 0) {
		// Nothing usable was read: keep the previous frame on screen.
		if fetchErr == nil {
			fetchErr = firstFailure(tiles)
		}
		l.publishExtent(prev)
		res.Err = fmt.Errorf("failed to load %s: %w", key, fetchErr)
		return res
	}

	if l.generation.Load() != gen {
		res.Err = ErrClosed
		return res
	}

	l.mu.Lock()
	if !reuse {
		for _, t := range l.tiles {
			t.release()
		}
	}
	l.frame = frame
	l.grid = grid
	l.tiles = tiles
	l.stats = stats
	l.mu.Unlock()
	res.Applied = true

	res.Stats = stats
	if fetchErr != nil {
		res.Err = fmt.Errorf("failed to load %s: %w", key, fetchErr)
	}
	log.Printf("[Loader] loaded %s: %d/%d tiles (rebuilt=%v, min=%v, max=%v)",
		key, loaded, len(tiles), res.Rebuilt, stats.Min, stats.Max)
	return res
}

// publishExtent hands the frame's pixel size and physical rect to the
// viewport, refitting when the extent changed. A nil frame clears the extent.
func (l *Loader) publishExtent(f *Frame) {
	if l.space == nil {
		return
	}
	var size geometry.Size
	var phys geometry.Rect
	if f != nil {
		size = geometry.Size{Width: float64(f.Region.SizeX), Height: float64(f.Region.SizeY)}
		phys = f.PhysicalRect
	}
	if l.space.SetExtent(size, phys) {
		l.space.AutoFit()
	}
}

// firstFailure returns the status of the first tile whose fetch failed.
func firstFailure(tiles []*Tile) error {
	for _, t := range tiles {
		if st := t.Status(); !st.OK() {
			return st
		}
	}
	return backend.StatusReadDataFailed
}

// fetch reads every tile with bounded parallelism and reduces the samples.
// A failing tile is recorded and skipped; a handle error stops the whole fetch.
func (l *Loader) fetch(ctx context.Context, gen uint64, key backend.FrameKey, tiles []*Tile) (Stats, int, int, error) {
	var (
		mu     sync.Mutex
		stats  = unknownStats()
		loaded int
		failed int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.opts.Parallelism)
	for _, t := range tiles {
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			raw, summed, lo, hi, err := l.read(key, t)
			if err != nil {
				if backend.IsHandleError(err) {
					return err
				}
				t.fail(gen, backend.StatusOf(err))
				log.Printf("[Loader] tile %d of %s failed: %v", t.Index, key, err)
				mu.Lock()
				failed++
				mu.Unlock()
				return nil
			}
			if !t.write(gen, l.generation.Load, raw, summed) {
				return nil
			}
			mu.Lock()
			loaded++
			if math.IsNaN(stats.Min) || lo < stats.Min {
				stats.Min = lo
			}
			if math.IsNaN(stats.Max) || hi > stats.Max {
				stats.Max = hi
			}
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	return stats, loaded, failed, err
}

// read fetches one tile and computes its summed buffer and value range.
func (l *Loader) read(key backend.FrameKey, t *Tile) ([]byte, []uint16, float64, float64, error) {
	r := t.Key.Rect
	bps := t.Key.PixelType.BytesPerSample()
	stride := r.Width * t.Key.BinSize * bps
	raw := make([]byte, stride*r.Height)
	if err := l.doc.ReadRect(key, r, raw, stride); err != nil {
		return nil, nil, 0, 0, err
	}
	summed, lo, hi := reduce(raw, r.Width*r.Height, t.Key.BinSize, t.Key.PixelType)
	return raw, summed, lo, hi, nil
}

// reduce sums the samples of each pixel, clamped to the format maximum, and
// returns the range of the per-pixel values. summed is nil for single-sample data.
func reduce(raw []byte, pixels, binSize int, pt backend.PixelType) ([]uint16, float64, float64) {
	d := Data{Raw: raw, BinSize: binSize, PixelType: pt}
	limit := pt.MaxValue()
	lo, hi := uint32(math.MaxUint32), uint32(0)

	var summed []uint16
	if binSize > 1 {
		summed = make([]uint16, pixels)
	}
	for i := 0; i < pixels; i++ {
		var v uint32
		if binSize > 1 {
			for s := 0; s < binSize; s++ {
				v += d.Sample(i, s)
			}
			if v > limit {
				v = limit
			}
			summed[i] = uint16(v)
		} else {
			v = d.Value(i)
		}
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	if pixels == 0 {
		return summed, math.NaN(), math.NaN()
	}
	return summed, float64(lo), float64(hi)
}

// Frame returns the loaded frame, or nil before the first successful load.
func (l *Loader) Frame() *Frame {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.frame == nil {
		return nil
	}
	f := *l.frame
	return &f
}

// Grid returns the current tile grid.
func (l *Loader) Grid() tiling.Grid {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.grid
}

// Tiles returns the current tile records.
func (l *Loader) Tiles() []*Tile {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]*Tile(nil), l.tiles...)
}

// Tile returns tile i, or nil.
func (l *Loader) Tile(i int) *Tile {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if i < 0 || i >= len(l.tiles) {
		return nil
	}
	return l.tiles[i]
}

// Stats returns the global intensity range of the current frame.
func (l *Loader) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.stats
}

// Generation returns the generation of the most recent load.
func (l *Loader) Generation() uint64 {
	return l.generation.Load()
}

// Status summarizes the loader for the API.
type Status struct {
	Loading bool    `json:"loading"`
	Pending bool    `json:"pending"`
	Last    *Result `json:"last,omitempty"`
	Error   string  `json:"error,omitempty"`
}

// Status returns whether a load is running or queued, and the last result.
func (l *Loader) Status() Status {
	l.mu.RLock()
	defer l.mu.RUnlock()
	st := Status{Loading: l.loading, Pending: l.pending}
	if l.last != nil {
		last := *l.last
		st.Last = &last
		if last.Err != nil {
			st.Error = last.Err.Error()
		}
	}
	return st
}
