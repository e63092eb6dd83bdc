// Package colormap provides lookup tables for displaying intensity images.
package colormap

import (
	"image/color"
	"sort"
)

// Colormap maps normalized values [0, 1] to colors.
type Colormap interface {
	At(t float64) color.Color
	AtIndex(i int) color.Color
}

// LinearColormap is a linear interpolation colormap.
type LinearColormap struct {
	colors []color.RGBA
}

// At returns the color at position t (0-1).
func (c LinearColormap) At(t float64) color.Color {
	if t <= 0 {
		return c.colors[0]
	}
	if t >= 1 {
		return c.colors[len(c.colors)-1]
	}

	idx := t * float64(len(c.colors)-1)
	lower := int(idx)
	upper := lower + 1
	if upper >= len(c.colors) {
		upper = len(c.colors) - 1
	}

	frac := idx - float64(lower)
	return interpolate(c.colors[lower], c.colors[upper], frac)
}

// AtIndex returns the color of 8-bit intensity i, clamped to [0, 255].
func (c LinearColormap) AtIndex(i int) color.Color {
	return c.At(float64(min(max(i, 0), 255)) / 255)
}

func interpolate(c1, c2 color.RGBA, t float64) color.RGBA {
	return color.RGBA{
		R: uint8(float64(c1.R) + t*(float64(c2.R)-float64(c1.R)) + 0.5),
		G: uint8(float64(c1.G) + t*(float64(c2.G)-float64(c1.G)) + 0.5),
		B: uint8(float64(c1.B) + t*(float64(c2.B)-float64(c1.B)) + 0.5),
		A: 255,
	}
}

func ramp(to color.RGBA) LinearColormap {
	return LinearColormap{colors: []color.RGBA{{0, 0, 0, 255}, to}}
}

// Single-hue ramps used for fluorescence channels.
var (
	Gray    = ramp(color.RGBA{255, 255, 255, 255})
	Red     = ramp(color.RGBA{255, 0, 0, 255})
	Green   = ramp(color.RGBA{0, 255, 0, 255})
	Blue    = ramp(color.RGBA{0, 0, 255, 255})
	Cyan    = ramp(color.RGBA{0, 255, 255, 255})
	Magenta = ramp(color.RGBA{255, 0, 255, 255})
	Yellow  = ramp(color.RGBA{255, 255, 0, 255})
)

// Viridis colormap (matplotlib viridis)
var Viridis = LinearColormap{
	colors: []color.RGBA{
		{68, 1, 84, 255},
		{72, 35, 116, 255},
		{64, 67, 135, 255},
		{52, 94, 141, 255},
		{41, 120, 142, 255},
		{32, 144, 140, 255},
		{34, 167, 132, 255},
		{68, 190, 112, 255},
		{121, 209, 81, 255},
		{189, 222, 38, 255},
		{253, 231, 37, 255},
	},
}

// Inferno colormap
var Inferno = LinearColormap{
	colors: []color.RGBA{
		{0, 0, 4, 255},
		{40, 11, 84, 255},
		{101, 21, 110, 255},
		{159, 42, 99, 255},
		{212, 72, 66, 255},
		{245, 125, 21, 255},
		{250, 193, 39, 255},
		{252, 255, 164, 255},
	},
}

// HiLo is a gray ramp that marks clipped pixels: zero in blue, full scale in red.
type HiLo struct{}

// At returns the color at position t (0-1).
func (HiLo) At(t float64) color.Color {
	switch {
	case t <= 0:
		return color.RGBA{0, 0, 255, 255}
	case t >= 1:
		return color.RGBA{255, 0, 0, 255}
	}
	return Gray.At(t)
}

// AtIndex returns the color of 8-bit intensity i.
func (h HiLo) AtIndex(i int) color.Color {
	return h.At(float64(i) / 255)
}

var registry = map[string]Colormap{
	"gray":    Gray,
	"red":     Red,
	"green":   Green,
	"blue":    Blue,
	"cyan":    Cyan,
	"magenta": Magenta,
	"yellow":  Yellow,
	"viridis": Viridis,
	"inferno": Inferno,
	"hilo":    HiLo{},
}

// Lookup returns the colormap registered under name.
func Lookup(name string) (Colormap, bool) {
	c, ok := registry[name]
	return c, ok
}

// Names lists the registered colormaps.
func Names() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// LUT is a colormap sampled at the 256 display intensities.
type LUT [256]color.RGBA

// NewLUT samples c.
func NewLUT(c Colormap) *LUT {
	var l LUT
	for i := range l {
		l[i] = color.RGBAModel.Convert(c.AtIndex(i)).(color.RGBA)
	}
	return &l
}
