// Package scene keeps the visuals on the render surface in step with the
// logical item list.
//
// Observers of the item list queue additions and removals. Tick drains both
// queues on the render loop, removals first. An item removed and added again
// before the same tick stays attached and is not rebuilt.
package scene

import (
	"slices"
	"sync"
	"sync/atomic"

	"github.com/omeview/server/internal/viewport"
)

// TickStats reports what one tick changed.
type TickStats struct {
	Added   int `json:"added"`
	Removed int `json:"removed"`
	Kept    int `json:"kept"`
	Skipped int `json:"skipped"`
}

// Changed reports whether the tick attached or detached anything.
func (s TickStats) Changed() bool {
	return s.Added > 0 || s.Removed > 0
}

// Reconciler owns the attached visuals.
type Reconciler struct {
	space *viewport.Space

	factoriesMu sync.RWMutex
	factories   map[Kind]Factory

	queueMu   sync.Mutex
	additions []Item
	removals  []Item

	mu       sync.RWMutex
	attached map[string]*Visual
	seq      uint64

	dirty atomic.Bool
}

// New creates a reconciler that places visuals through space. A nil space
// places visuals at their physical coordinates.
func New(space *viewport.Space) *Reconciler {
	r := &Reconciler{
		space:     space,
		factories: map[Kind]Factory{KindImageTile: TileFactory},
		attached:  make(map[string]*Visual),
	}
	if space != nil {
		space.OnRedraw(r.Invalidate)
	}
	return r
}

// Register sets the factory for kind. A nil factory removes it.
func (r *Reconciler) Register(kind Kind, f Factory) {
	r.factoriesMu.Lock()
	defer r.factoriesMu.Unlock()
	if f == nil {
		delete(r.factories, kind)
		return
	}
	r.factories[kind] = f
}

func (r *Reconciler) factory(kind Kind) Factory {
	r.factoriesMu.RLock()
	defer r.factoriesMu.RUnlock()
	return r.factories[kind]
}

// ReplaceAll queues every old item for removal and every new item for addition.
func (r *Reconciler) ReplaceAll(old, items []Item) {
	r.queueMu.Lock()
	defer r.queueMu.Unlock()
	r.removals = append(r.removals, old...)
	r.additions = append(r.additions, items...)
}

// Insert queues items for addition.
func (r *Reconciler) Insert(items ...Item) {
	r.queueMu.Lock()
	defer r.queueMu.Unlock()
	r.additions = append(r.additions, items...)
}

// Remove queues items for removal.
func (r *Reconciler) Remove(items ...Item) {
	r.queueMu.Lock()
	defer r.queueMu.Unlock()
	r.removals = append(r.removals, items...)
}

// Reset drops pending additions and queues live for removal.
func (r *Reconciler) Reset(live []Item) {
	r.queueMu.Lock()
	defer r.queueMu.Unlock()
	r.additions = nil
	r.removals = append(r.removals, live...)
}

// Pending returns the queued addition and removal counts.
func (r *Reconciler) Pending() (int, int) {
	r.queueMu.Lock()
	defer r.queueMu.Unlock()
	return len(r.additions), len(r.removals)
}

// Invalidate makes the next tick re-place every attached visual.
func (r *Reconciler) Invalidate() {
	r.dirty.Store(true)
}

// Tick applies the queued changes.
func (r *Reconciler) Tick() TickStats {
	r.queueMu.Lock()
	adds, rems := r.additions, r.removals
	r.additions, r.removals = nil, nil
	r.queueMu.Unlock()

	var st TickStats
	readded := make(map[string]bool, len(adds))
	for _, it := range adds {
		readded[it.ID()] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	notDeleted := make(map[string]bool)
	for _, it := range rems {
		id := it.ID()
		if _, ok := r.attached[id]; !ok {
			notDeleted[id] = true
			continue
		}
		if readded[id] {
			st.Kept++
			continue
		}
		delete(r.attached, id)
		st.Removed++
	}

	for _, it := range adds {
		id := it.ID()
		if notDeleted[id] {
			delete(notDeleted, id)
			st.Skipped++
			continue
		}
		if _, ok := r.attached[id]; ok {
			continue
		}
		f := r.factory(it.Kind())
		if f == nil {
			st.Skipped++
			continue
		}
		v, ok := f(it)
		if !ok {
			st.Skipped++
			continue
		}
		v.ID = id
		r.place(v)
		r.seq++
		v.seq = r.seq
		r.attached[id] = v
		st.Added++
	}

	if r.dirty.Swap(false) {
		for _, v := range r.attached {
			r.place(v)
		}
	}
	return st
}

// place computes the screen rectangle of v and its visible part.
func (r *Reconciler) place(v *Visual) {
	if r.space == nil {
		v.Screen = v.Physical
		v.Clip = v.Physical
		v.Visible = !v.Physical.IsEmpty()
		return
	}
	v.Screen = r.space.ScreenRectFromPhysical(v.Physical)
	view := r.space.ScreenRectFromPhysical(r.space.DisplayArea())
	v.Clip = v.Screen.Intersect(view)
	v.Visible = !v.Clip.IsEmpty()
}

// Snapshot returns copies of the attached visuals in attach order.
func (r *Reconciler) Snapshot() []Visual {
	r.mu.RLock()
	out := make([]Visual, 0, len(r.attached))
	for _, v := range r.attached {
		out = append(out, *v)
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b Visual) int {
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		}
		return 0
	})
	return out
}

// Attached reports whether an item with id has a visual.
func (r *Reconciler) Attached(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.attached[id]
	return ok
}

// Len returns the number of attached visuals.
func (r *Reconciler) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.attached)
}
