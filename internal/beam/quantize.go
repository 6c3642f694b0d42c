package beam

import (
	"errors"
	"fmt"
	"math"

	"github.com/rjboer/GoTX/internal/channel"
)

// ErrDelayOutOfRange reports a normalised delay that does not fit the
// register. It is never clamped for active channels: a clamped delay would
// mis-focus the beam.
var ErrDelayOutOfRange = errors.New("beam: delay out of range")

// DelayOutOfRangeError identifies the worst offending channel.
type DelayOutOfRangeError struct {
	Channel int
	Cycles  int
	Max     int
}

// Excess is how many cycles the channel is over the limit.
func (e *DelayOutOfRangeError) Excess() int { return e.Cycles - e.Max }

func (e *DelayOutOfRangeError) Error() string {
	return fmt.Sprintf("beam: channel %d needs %d delay cycles, %d over the %d limit", e.Channel, e.Cycles, e.Excess(), e.Max)
}

func (e *DelayOutOfRangeError) Is(target error) bool {
	return target == ErrDelayOutOfRange
}

// halfCycleLimit bounds the float-to-int conversion; anything above it is
// far outside the register range anyway.
const halfCycleLimit = 1 << 40

// Quantize converts raw delays into half-cycle register values, normalises
// them so the earliest active channel fires at zero, and stores them in bank.
//
// Normalisation is done in integer half-cycle units after rounding. Only
// enabled, powered-up channels define the minimum; if none are active every
// channel does. An enabled channel past the delay limit is an error even when
// powered down, since its delay is programmed and drives it once powered up.
// Channels below the minimum, and disabled channels past the limit, are
// clamped. On error bank is unchanged.
func Quantize(g Geometry, d DelayVector, bank *channel.Bank) error {
	if err := g.Validate(); err != nil {
		return err
	}
	if len(d) != channel.NumChannels {
		return fmt.Errorf("%w: %d delays for %d channels", ErrInvalidParameter, len(d), channel.NumChannels)
	}

	cfgs := bank.Configs()
	half := make([]int64, len(d))
	for i, t := range d {
		v := math.Round(t * g.ClockHz * 2)
		if math.IsNaN(v) || math.Abs(v) > halfCycleLimit {
			return fmt.Errorf("%w: channel %d delay %g s", ErrInvalidParameter, i, t)
		}
		half[i] = int64(v)
	}

	anyActive := false
	for _, c := range cfgs {
		if c.Active() {
			anyActive = true
			break
		}
	}
	minHalf := int64(math.MaxInt64)
	for i, c := range cfgs {
		if (c.Active() || !anyActive) && half[i] < minHalf {
			minHalf = half[i]
		}
	}

	var worst *DelayOutOfRangeError
	next := bank.Clone()
	for i, c := range cfgs {
		n := half[i] - minHalf
		cycles, frac := n/2, n%2 == 1
		if c.Enabled && cycles > int64(g.MaxDelayCycles) {
			if worst == nil || int(cycles) > worst.Cycles {
				worst = &DelayOutOfRangeError{Channel: i, Cycles: int(cycles), Max: g.MaxDelayCycles}
			}
			continue
		}
		switch {
		case n < 0:
			cycles, frac = 0, false
		case cycles > int64(g.MaxDelayCycles):
			cycles, frac = int64(g.MaxDelayCycles), false
		}
		if err := next.SetDelay(i, int(cycles), frac); err != nil {
			return err
		}
	}
	if worst != nil {
		return worst
	}
	*bank = *next
	return nil
}

// Compile calculates and quantises the delays for t into bank.
func Compile(g Geometry, t Target, bank *channel.Bank) (DelayVector, error) {
	d, err := Calculate(g, t)
	if err != nil {
		return nil, err
	}
	if err := Quantize(g, d, bank); err != nil {
		return d, err
	}
	return d, nil
}
