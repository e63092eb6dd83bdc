package scene

import (
	"sync"
	"time"
)

// DefaultRefreshHz is the tick rate used when none is configured.
const DefaultRefreshHz = 60

// Ticker drives a reconciler at a fixed refresh rate on one goroutine.
type Ticker struct {
	r        *Reconciler
	interval time.Duration
	onTick   func(TickStats)

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewTicker creates a ticker for r. onTick, if set, runs after every tick
// that changed the scene and must not block.
func NewTicker(r *Reconciler, hz int, onTick func(TickStats)) *Ticker {
	if hz <= 0 {
		hz = DefaultRefreshHz
	}
	return &Ticker{
		r:        r,
		interval: time.Second / time.Duration(hz),
		onTick:   onTick,
		stopCh:   make(chan struct{}),
	}
}

// Start begins ticking.
func (t *Ticker) Start() {
	t.wg.Add(1)
	go t.run()
}

// Stop ends the loop and waits for the last tick to finish.
func (t *Ticker) Stop() {
	t.stopOnce.Do(func() {
		close(t.stopCh)
		t.wg.Wait()
	})
}

func (t *Ticker) run() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			st := t.r.Tick()
			if t.onTick != nil && st.Changed() {
				t.onTick(st)
			}
		}
	}
}
