// Package beam turns a focal point or steering angle into per-channel delay
// register values for a uniform linear array.
package beam

import (
	"errors"
	"fmt"
	"math"

	"github.com/rjboer/GoTX/internal/channel"
)

// ErrInvalidParameter reports unusable geometry or targeting input.
var ErrInvalidParameter = errors.New("beam: invalid parameter")

// Geometry describes the array and the delay clock.
type Geometry struct {
	PitchM         float64 // element pitch in metres
	Elements       int
	ClockHz        float64 // delay counter clock
	MaxDelayCycles int
}

// DefaultGeometry is the 110 um, 32 element probe on a 250 MHz delay clock
// (4 ns per cycle, 2 ns with the fractional bit).
func DefaultGeometry() Geometry {
	return Geometry{
		PitchM:         110e-6,
		Elements:       channel.NumChannels,
		ClockHz:        250e6,
		MaxDelayCycles: channel.MaxDelayCycles,
	}
}

// Validate rejects geometries the register model cannot represent.
func (g Geometry) Validate() error {
	if !(g.PitchM > 0) || math.IsInf(g.PitchM, 0) {
		return fmt.Errorf("%w: pitch %g m", ErrInvalidParameter, g.PitchM)
	}
	if g.Elements != channel.NumChannels {
		return fmt.Errorf("%w: %d elements, array has %d", ErrInvalidParameter, g.Elements, channel.NumChannels)
	}
	if !(g.ClockHz > 0) || math.IsInf(g.ClockHz, 0) {
		return fmt.Errorf("%w: clock %g Hz", ErrInvalidParameter, g.ClockHz)
	}
	if g.MaxDelayCycles <= 0 || g.MaxDelayCycles > channel.MaxDelayCycles {
		return fmt.Errorf("%w: max delay %d cycles", ErrInvalidParameter, g.MaxDelayCycles)
	}
	return nil
}

// ElementX returns the lateral position of element i in metres, centred on
// the array midpoint.
func (g Geometry) ElementX(i int) float64 {
	return (float64(i) - float64(g.Elements-1)/2) * g.PitchM
}

// CycleSeconds is the duration of one delay clock cycle.
func (g Geometry) CycleSeconds() float64 {
	return 1 / g.ClockHz
}
