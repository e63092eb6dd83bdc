package loader

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/omeview/server/internal/backend"
	"github.com/omeview/server/internal/viewport"
	"github.com/omeview/server/pkg/geometry"
)

func newDoc(pt backend.PixelType, channels []backend.ChannelInfo, value backend.ValueFunc) backend.MemorySpec {
	return backend.MemorySpec{
		Scan: backend.ScanInfo{
			PixelType:     pt,
			TileWidth:     256,
			TileHeight:    256,
			PhysicalSizeX: 0.5,
			PhysicalSizeY: 0.5,
			PhysicalUnitX: backend.UnitMicrometer,
			PhysicalUnitY: backend.UnitMicrometer,
		},
		Channels: channels,
		Region: backend.RegionInfo{
			SizeX:      1000,
			SizeY:      600,
			SizeZ:      4,
			SizeT:      2,
			StartX:     1,
			StartUnitX: backend.UnitMillimeter,
			StartUnitY: backend.UnitMicrometer,
		},
		Value: value,
	}
}

func sumXY(_ backend.FrameKey, x, y, _ int) uint32 {
	return uint32(x + y)
}

func TestLoadBuildsGridAndStats(t *testing.T) {
	t.Parallel()

	space := viewport.New(viewport.Options{})
	l := New(backend.NewMemory(newDoc(backend.PixelUint16, nil, sumXY)), space, Options{})
	defer l.Close()

	res := l.Load(context.Background(), backend.FrameKey{})
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if !res.Rebuilt || res.Grid.Count() != 12 || res.Loaded != 12 || res.Failed != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	if st := l.Stats(); st.Min != 0 || st.Max != 999+599 {
		t.Fatalf("expected range [0,1598], got %+v", st)
	}

	snap := space.Snapshot()
	want := geometry.R(1000, 0, 500, 300)
	if !snap.PhysicalRect.ApproxEqual(want, 1e-9) {
		t.Fatalf("expected physical rect %+v, got %+v", want, snap.PhysicalRect)
	}
	if snap.PixelSize != (geometry.Size{Width: 1000, Height: 600}) {
		t.Fatalf("unexpected pixel size %+v", snap.PixelSize)
	}

	f := l.Frame()
	if f == nil || f.SignificantBits != 16 {
		t.Fatalf("unexpected frame %+v", f)
	}
}

func TestMultiSampleSum(t *testing.T) {
	t.Parallel()

	channels := []backend.ChannelInfo{{ID: 0, BinSize: 3}}
	value := func(_ backend.FrameKey, _, _, s int) uint32 { return uint32(10 * (s + 1)) }
	l := New(backend.NewMemory(newDoc(backend.PixelUint16, channels, value)), nil, Options{})
	defer l.Close()

	if res := l.Load(context.Background(), backend.FrameKey{}); res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if st := l.Stats(); st.Min != 60 || st.Max != 60 {
		t.Fatalf("expected range [60,60], got %+v", st)
	}

	p := l.PixelAt(geometry.Pt(300.5, 10.2))
	if !p.InImage || !p.Loaded || p.Tile != 1 {
		t.Fatalf("unexpected pixel %+v", p)
	}
	if len(p.Samples) != 3 || p.Samples[0] != 10 || p.Samples[1] != 20 || p.Samples[2] != 30 {
		t.Fatalf("expected samples [10 20 30], got %v", p.Samples)
	}
	if p.Intensity != 60 {
		t.Fatalf("expected intensity 60, got %d", p.Intensity)
	}

	l.Tile(0).View(func(d Data) {
		if d.Summed == nil || d.Value(0) != 60 {
			t.Errorf("expected summed value 60")
		}
	})
}

func TestMultiSampleSumClamps(t *testing.T) {
	t.Parallel()

	channels := []backend.ChannelInfo{{ID: 0, BinSize: 3}}
	value := func(backend.FrameKey, int, int, int) uint32 { return 100 }
	l := New(backend.NewMemory(newDoc(backend.PixelUint8, channels, value)), nil, Options{})
	defer l.Close()

	if res := l.Load(context.Background(), backend.FrameKey{}); res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if st := l.Stats(); st.Max != 255 {
		t.Fatalf("expected clamped max 255, got %v", st.Max)
	}
	if p := l.PixelAt(geometry.Pt(0, 0)); p.Intensity != 300 {
		t.Fatalf("expected intensity 300, got %d", p.Intensity)
	}
}

func TestZTChangeReusesTiles(t *testing.T) {
	t.Parallel()

	channels := []backend.ChannelInfo{{ID: 0, BinSize: 1}, {ID: 1, BinSize: 1}}
	value := func(f backend.FrameKey, x, y, _ int) uint32 { return uint32(f.Z*1000 + x) }
	l := New(backend.NewMemory(newDoc(backend.PixelUint16, channels, value)), nil, Options{})
	defer l.Close()

	ctx := context.Background()
	l.Load(ctx, backend.FrameKey{})
	before := l.Tiles()

	res := l.Load(ctx, backend.FrameKey{Z: 2, T: 1})
	if res.Err != nil || res.Rebuilt {
		t.Fatalf("expected in-place reload, got %+v", res)
	}
	after := l.Tiles()
	for i := range before {
		if before[i] != after[i] {
			t.Fatalf("tile %d was replaced on a Z/T change", i)
		}
	}
	if st := l.Stats(); st.Min != 2000 {
		t.Fatalf("expected min 2000 after Z change, got %v", st.Min)
	}
	if gen := after[0].Generation(); gen != res.Generation {
		t.Fatalf("expected tile generation %d, got %d", res.Generation, gen)
	}

	res = l.Load(ctx, backend.FrameKey{Channel: 1})
	if res.Err != nil || !res.Rebuilt {
		t.Fatalf("expected rebuild on channel change, got %+v", res)
	}
	if l.Tiles()[0] == before[0] {
		t.Fatalf("expected new tile records after a channel change")
	}
	if before[0].Loaded() {
		t.Fatalf("expected replaced tiles to be released")
	}
}

func TestZTIsClamped(t *testing.T) {
	t.Parallel()

	l := New(backend.NewMemory(newDoc(backend.PixelUint16, nil, sumXY)), nil, Options{})
	defer l.Close()

	res := l.Load(context.Background(), backend.FrameKey{Z: 10, T: 5})
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if res.Frame.Z != 3 || res.Frame.T != 1 {
		t.Fatalf("expected z=3 t=1, got %+v", res.Frame)
	}
}

func TestUnsupportedPixelTypeKeepsState(t *testing.T) {
	t.Parallel()

	spec := newDoc(backend.PixelUint16, nil, sumXY)
	l := New(backend.NewMemory(spec), nil, Options{})
	defer l.Close()
	l.Load(context.Background(), backend.FrameKey{})
	tiles := l.Tiles()

	for _, pt := range []backend.PixelType{backend.PixelInt8, backend.PixelInt16, backend.PixelFloat32, backend.PixelUndefined} {
		spec.Scan.PixelType = pt
		l.doc = backend.NewMemory(spec)
		res := l.Load(context.Background(), backend.FrameKey{Z: 1})
		if !errors.Is(res.Err, ErrUnsupportedPixelType) {
			t.Fatalf("%s: expected ErrUnsupportedPixelType, got %v", pt, res.Err)
		}
	}
	if got := l.Tiles(); len(got) != len(tiles) || got[0] != tiles[0] {
		t.Fatalf("expected previous tiles to be retained")
	}
	if l.Frame().Key.Z != 0 {
		t.Fatalf("expected previous frame to be retained")
	}
}

func TestTileFailureIsIsolated(t *testing.T) {
	t.Parallel()

	spec := newDoc(backend.PixelUint16, nil, sumXY)
	spec.Fail = func(_ backend.FrameKey, r geometry.RectInt) backend.Status {
		if r.X == 0 && r.Y == 0 {
			return backend.StatusDecompressLZWFailed
		}
		return backend.StatusOK
	}
	l := New(backend.NewMemory(spec), nil, Options{})
	defer l.Close()

	res := l.Load(context.Background(), backend.FrameKey{})
	if res.Err != nil {
		t.Fatalf("expected tile failure not to fail the load, got %v", res.Err)
	}
	if res.Failed != 1 || res.Loaded != 11 {
		t.Fatalf("expected 1 failed and 11 loaded, got %d and %d", res.Failed, res.Loaded)
	}
	if st := l.Tile(0).Status(); st != backend.StatusDecompressLZWFailed {
		t.Fatalf("expected tile status %d, got %d", backend.StatusDecompressLZWFailed, st)
	}
	if l.Tile(0).Loaded() {
		t.Fatalf("expected failed tile to stay unloaded")
	}
	if p := l.PixelAt(geometry.Pt(1, 1)); !p.InImage || p.Loaded {
		t.Fatalf("expected a pixel on a failed tile to report no data, got %+v", p)
	}
	// Min comes from the tiles that loaded.
	if st := l.Stats(); st.Min != 256 {
		t.Fatalf("expected min 256, got %v", st.Min)
	}
}

func TestAllTilesFailingKeepsFrame(t *testing.T) {
	t.Parallel()

	channels := []backend.ChannelInfo{{ID: 0, BinSize: 1}, {ID: 1, BinSize: 1}}
	value := func(f backend.FrameKey, x, y, _ int) uint32 { return uint32(f.Z*1000 + x + y) }
	spec := newDoc(backend.PixelUint16, channels, value)
	spec.Fail = func(f backend.FrameKey, _ geometry.RectInt) backend.Status {
		if f.Channel == 1 || f.Z == 2 {
			return backend.StatusDecompressLZWFailed
		}
		return backend.StatusOK
	}
	l := New(backend.NewMemory(spec), nil, Options{})
	defer l.Close()

	ctx := context.Background()
	if res := l.Load(ctx, backend.FrameKey{}); res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	tiles := l.Tiles()
	stats := l.Stats()

	tests := []struct {
		name string
		key  backend.FrameKey
	}{
		{"rebuild", backend.FrameKey{Channel: 1}},
		{"reuse", backend.FrameKey{Z: 2}},
	}
	for _, tt := range tests {
		res := l.Load(ctx, tt.key)
		if res.Err == nil || res.Applied {
			t.Fatalf("%s: expected a failed, unapplied load, got %+v", tt.name, res)
		}
		if st := backend.StatusOf(res.Err); st != backend.StatusDecompressLZWFailed {
			t.Fatalf("%s: expected status %d, got %d", tt.name, backend.StatusDecompressLZWFailed, st)
		}
		if res.Loaded != 0 || res.Failed != len(tiles) {
			t.Fatalf("%s: expected 0 loaded and %d failed, got %d and %d", tt.name, len(tiles), res.Loaded, res.Failed)
		}
		if k := l.Frame().Key; k.Channel != 0 || k.Z != 0 {
			t.Fatalf("%s: expected the previous frame to be retained, got %s", tt.name, k)
		}
		if got := l.Tiles(); got[0] != tiles[0] || !got[0].Loaded() {
			t.Fatalf("%s: expected the previous tiles to be retained", tt.name)
		}
		if got := l.Stats(); got != stats {
			t.Fatalf("%s: expected stats %+v, got %+v", tt.name, stats, got)
		}
	}
	if p := l.PixelAt(geometry.Pt(3, 4)); !p.Loaded || p.Intensity != 7 {
		t.Fatalf("expected the previous plane's samples, got %+v", p)
	}
}

func TestExtentPublishedBeforeFetch(t *testing.T) {
	t.Parallel()

	space := viewport.New(viewport.Options{})
	space.Resize(geometry.Size{Width: 400, Height: 300})
	l := New(backend.NewMemory(newDoc(backend.PixelUint16, nil, sumXY)), space, Options{})
	defer l.Close()

	ctx := context.Background()
	if res := l.Load(ctx, backend.FrameKey{}); res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}

	var (
		mu   sync.Mutex
		seen geometry.Size
	)
	spec := newDoc(backend.PixelUint16, nil, sumXY)
	spec.Region.SizeX, spec.Region.SizeY = 2000, 1500
	spec.Fail = func(backend.FrameKey, geometry.RectInt) backend.Status {
		mu.Lock()
		seen = space.Snapshot().PixelSize
		mu.Unlock()
		return backend.StatusOK
	}
	l.doc = backend.NewMemory(spec)
	if res := l.Load(ctx, backend.FrameKey{}); res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	mu.Lock()
	got := seen
	mu.Unlock()
	if got.Width != 2000 || got.Height != 1500 {
		t.Fatalf("expected the new extent during the fetch, got %+v", got)
	}

	// A load that reads nothing puts the previous extent back.
	spec.Region.SizeX, spec.Region.SizeY = 500, 500
	spec.Fail = func(backend.FrameKey, geometry.RectInt) backend.Status { return backend.StatusReadDataFailed }
	l.doc = backend.NewMemory(spec)
	if res := l.Load(ctx, backend.FrameKey{}); res.Err == nil {
		t.Fatalf("expected the load to fail")
	}
	if size := space.Snapshot().PixelSize; size.Width != 2000 || size.Height != 1500 {
		t.Fatalf("expected extent 2000x1500 to be restored, got %+v", size)
	}
}

func TestHandleErrorAbortsLoad(t *testing.T) {
	t.Parallel()

	spec := newDoc(backend.PixelUint16, nil, sumXY)
	spec.Fail = func(backend.FrameKey, geometry.RectInt) backend.Status { return backend.StatusUselessHandle }
	l := New(backend.NewMemory(spec), nil, Options{})
	defer l.Close()

	res := l.Load(context.Background(), backend.FrameKey{})
	if !backend.IsHandleError(res.Err) {
		t.Fatalf("expected handle error, got %v", res.Err)
	}
	if res.Loaded != 0 || l.Frame() != nil {
		t.Fatalf("expected nothing to be committed, got %+v", res)
	}
	if st := l.Stats(); !math.IsNaN(st.Min) || !math.IsNaN(st.Max) || st.Known() {
		t.Fatalf("expected unknown stats, got %+v", st)
	}
}

func TestRequestLatestWins(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	spec := newDoc(backend.PixelUint16, nil, sumXY)
	spec.OnRead = func(f backend.FrameKey, _ geometry.RectInt) {
		if f.Z == 0 {
			once.Do(func() { close(started) })
			<-gate
		}
	}
	l := New(backend.NewMemory(spec), nil, Options{})

	results := make(chan Result, 8)
	l.OnLoaded(func(r Result) { results <- r })
	l.Start()
	defer l.Close()

	if err := l.Request(backend.FrameKey{Z: 0}); err != nil {
		t.Fatalf("Request error: %v", err)
	}
	<-started
	for z := 1; z <= 3; z++ {
		if err := l.Request(backend.FrameKey{Z: z}); err != nil {
			t.Fatalf("Request error: %v", err)
		}
	}
	if !l.Status().Pending {
		t.Fatalf("expected a pending request")
	}
	close(gate)

	var got []int
	timeout := time.After(5 * time.Second)
	for len(got) < 2 {
		select {
		case r := <-results:
			got = append(got, r.Frame.Z)
		case <-timeout:
			t.Fatalf("timed out waiting for loads, got %v", got)
		}
	}
	if got[0] != 0 || got[1] != 3 {
		t.Fatalf("expected loads of z=0 then z=3, got %v", got)
	}
	select {
	case r := <-results:
		t.Fatalf("unexpected extra load of %s", r.Frame)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCloseRejectsRequests(t *testing.T) {
	t.Parallel()

	l := New(backend.NewMemory(newDoc(backend.PixelUint16, nil, sumXY)), nil, Options{})
	l.Start()
	l.Load(context.Background(), backend.FrameKey{})
	l.Close()

	if err := l.Request(backend.FrameKey{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if res := l.Load(context.Background(), backend.FrameKey{}); !errors.Is(res.Err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", res.Err)
	}
	if len(l.Tiles()) != 0 {
		t.Fatalf("expected tiles to be released")
	}
}

func TestStaleWriteRejected(t *testing.T) {
	t.Parallel()

	tile := newTile(0, geometry.RectInt{Width: 1, Height: 1}, 1, backend.PixelUint8)
	current := func() uint64 { return 2 }
	if tile.write(1, current, []byte{7}, nil) {
		t.Fatalf("expected a write from generation 1 to be rejected")
	}
	if !tile.write(2, current, []byte{9}, nil) {
		t.Fatalf("expected a current write to succeed")
	}
	tile.View(func(d Data) {
		if d.Value(0) != 9 || d.Generation != 2 {
			t.Fatalf("unexpected tile data %+v", d)
		}
	})
}
