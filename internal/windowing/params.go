package windowing

import (
	"errors"
	"fmt"
)

var (
	// ErrOutOfRange is returned for a bound outside [0, MaxLimit].
	ErrOutOfRange = errors.New("window bound out of range")
	// ErrOutOfOrder is returned when a write would leave Min >= Max.
	ErrOutOfOrder = errors.New("window min must be below max")
)

// Params is the intensity window. A nil bound means no windowing.
type Params struct {
	Min             *float64 `json:"min"`
	Max             *float64 `json:"max"`
	SignificantBits int      `json:"significant_bits"`
	ShiftTo8Bits    bool     `json:"shift_to_8_bits"`
}

// NewParams returns an unset window for data with the given significant bits.
func NewParams(significantBits int) Params {
	return Params{SignificantBits: significantBits}
}

// MaxLimit is the largest value a bound may take, 2^SignificantBits - 1.
func (p Params) MaxLimit() float64 {
	bits := p.SignificantBits
	if bits <= 0 || bits > 16 {
		bits = 16
	}
	return float64(uint32(1)<<uint(bits) - 1)
}

// Set reports whether both bounds are present.
func (p Params) Set() bool {
	return p.Min != nil && p.Max != nil
}

func (p Params) check(v float64) error {
	if v < 0 || v > p.MaxLimit() {
		return fmt.Errorf("%w: %v not in [0, %v]", ErrOutOfRange, v, p.MaxLimit())
	}
	return nil
}

// SetMin sets the lower bound. On error p is unchanged.
func (p *Params) SetMin(v float64) error {
	if err := p.check(v); err != nil {
		return err
	}
	if p.Max != nil && v >= *p.Max {
		return fmt.Errorf("%w: min %v, max %v", ErrOutOfOrder, v, *p.Max)
	}
	p.Min = &v
	return nil
}

// SetMax sets the upper bound. On error p is unchanged.
func (p *Params) SetMax(v float64) error {
	if err := p.check(v); err != nil {
		return err
	}
	if p.Min != nil && v <= *p.Min {
		return fmt.Errorf("%w: min %v, max %v", ErrOutOfOrder, *p.Min, v)
	}
	p.Max = &v
	return nil
}

// SetRange sets both bounds together. On error p is unchanged.
func (p *Params) SetRange(lo, hi float64) error {
	if err := p.check(lo); err != nil {
		return err
	}
	if err := p.check(hi); err != nil {
		return err
	}
	if lo >= hi {
		return fmt.Errorf("%w: min %v, max %v", ErrOutOfOrder, lo, hi)
	}
	p.Min, p.Max = &lo, &hi
	return nil
}

// Clear removes both bounds.
func (p *Params) Clear() {
	p.Min, p.Max = nil, nil
}

// SetSignificantBits changes the bit depth and drops bounds that no longer fit.
func (p *Params) SetSignificantBits(bits int) {
	p.SignificantBits = bits
	if (p.Min != nil && p.check(*p.Min) != nil) || (p.Max != nil && p.check(*p.Max) != nil) {
		p.Clear()
	}
}
