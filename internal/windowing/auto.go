package windowing

import (
	"context"
	"errors"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/omeview/server/internal/loader"
)

// ErrNoData is returned when no loaded tile contributes to an automatic window.
var ErrNoData = errors.New("no intensity data")

// AutoBrightness returns p with its window set to the frame's intensity range.
func AutoBrightness(p Params, stats loader.Stats) (Params, error) {
	if !stats.Known() {
		return p, ErrNoData
	}
	return fitRange(p, stats.Min, stats.Max)
}

// AutoContrast returns p with its window set so that saturation percent of
// the pixels fall outside it, split evenly between both ends.
func AutoContrast(p Params, h *Histogram, saturation float64) (Params, error) {
	if h == nil || h.Total == 0 {
		return p, ErrNoData
	}
	q := math.Max(0, math.Min(saturation, 100)) / 200
	return fitRange(p, h.Quantile(q), h.Quantile(1-q))
}

func fitRange(p Params, lo, hi float64) (Params, error) {
	limit := p.MaxLimit()
	lo, hi = clamp(lo, limit), clamp(hi, limit)
	if hi <= lo {
		if lo < limit {
			hi = lo + 1
		} else {
			lo = hi - 1
		}
	}
	err := p.SetRange(lo, hi)
	return p, err
}

// Histogram counts the display values of a frame's loaded tiles.
// Values is ascending and holds only values with a nonzero count.
type Histogram struct {
	Values []float64 `json:"-"`
	Counts []float64 `json:"-"`
	Total  float64   `json:"total"`
}

// NewHistogram builds a histogram over the loaded tiles. It checks ctx
// between tiles.
func NewHistogram(ctx context.Context, tiles []*loader.Tile) (*Histogram, error) {
	var counts []float64
	var total float64
	for _, t := range tiles {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		t.View(func(d loader.Data) {
			if !d.Loaded {
				return
			}
			if counts == nil {
				counts = make([]float64, int(d.PixelType.MaxValue())+1)
			}
			n := d.Rect.Width * d.Rect.Height
			for i := 0; i < n; i++ {
				v := int(d.Value(i))
				if v < len(counts) {
					counts[v]++
				}
			}
			total += float64(n)
		})
	}
	if counts == nil {
		return &Histogram{}, nil
	}
	// Empty bins are dropped.
	h := &Histogram{Total: total}
	for v, c := range counts {
		if c > 0 {
			h.Values = append(h.Values, float64(v))
			h.Counts = append(h.Counts, c)
		}
	}
	return h, nil
}

// Quantile returns the smallest value v such that a fraction p of the pixels is <= v.
func (h *Histogram) Quantile(p float64) float64 {
	if h.Total == 0 {
		return math.NaN()
	}
	return stat.Quantile(p, stat.Empirical, h.Values, h.Counts)
}

// Mean returns the mean display value.
func (h *Histogram) Mean() float64 {
	if h.Total == 0 {
		return math.NaN()
	}
	return stat.Mean(h.Values, h.Counts)
}
