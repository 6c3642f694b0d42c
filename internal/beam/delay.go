package beam

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/floats"
)

// Mode selects how a Target is interpreted.
type Mode int

const (
	ModeFocus Mode = iota
	ModeSteer
)

func (m Mode) String() string {
	switch m {
	case ModeFocus:
		return "focus"
	case ModeSteer:
		return "steer"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Accepted input ranges.
const (
	MinSpeedOfSound = 1000.0
	MaxSpeedOfSound = 2000.0
	MaxSteeringDeg  = 30.0
)

// Target is a beamforming request: either a focal point or a steering angle,
// always paired with the speed of sound in the medium.
type Target struct {
	Mode         Mode
	FocalXmm     float64
	FocalZmm     float64
	SteeringDeg  float64
	SpeedOfSound float64 // m/s
}

// Focus builds a focal point target.
func Focus(xmm, zmm, c float64) Target {
	return Target{Mode: ModeFocus, FocalXmm: xmm, FocalZmm: zmm, SpeedOfSound: c}
}

// Steer builds a plane-wave steering target.
func Steer(deg, c float64) Target {
	return Target{Mode: ModeSteer, SteeringDeg: deg, SpeedOfSound: c}
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Validate checks every field against its accepted range, including the
// fields of the inactive mode so a stored target is always loadable.
func (t Target) Validate() error {
	if t.Mode != ModeFocus && t.Mode != ModeSteer {
		return fmt.Errorf("%w: mode %s", ErrInvalidParameter, t.Mode)
	}
	if !finite(t.SpeedOfSound) || t.SpeedOfSound <= 0 {
		return fmt.Errorf("%w: speed of sound %g m/s", ErrInvalidParameter, t.SpeedOfSound)
	}
	if t.SpeedOfSound < MinSpeedOfSound || t.SpeedOfSound > MaxSpeedOfSound {
		return fmt.Errorf("%w: speed of sound %g m/s outside [%g,%g]", ErrInvalidParameter, t.SpeedOfSound, MinSpeedOfSound, MaxSpeedOfSound)
	}
	if !finite(t.FocalXmm) || !finite(t.FocalZmm) || t.FocalZmm < 0 {
		return fmt.Errorf("%w: focal point (%g, %g) mm", ErrInvalidParameter, t.FocalXmm, t.FocalZmm)
	}
	if !finite(t.SteeringDeg) || math.Abs(t.SteeringDeg) > MaxSteeringDeg {
		return fmt.Errorf("%w: steering angle %g deg outside [-%g,%g]", ErrInvalidParameter, t.SteeringDeg, MaxSteeringDeg, MaxSteeringDeg)
	}
	return nil
}

// DelayVector holds one delay in seconds per channel index.
type DelayVector []float64

// Calculate computes the raw per-channel firing delays for t.
//
// Focus: the element farthest from the focal point fires first, so channel i
// is delayed by max(d)/c - d_i/c. Steer: plane-wave delays x_i*sin(theta)/c,
// shifted so the smallest is zero.
func Calculate(g Geometry, t Target) (DelayVector, error) {
	if t.SpeedOfSound <= 0 || math.IsNaN(t.SpeedOfSound) {
		return nil, fmt.Errorf("%w: speed of sound %g m/s", ErrInvalidParameter, t.SpeedOfSound)
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}

	tof := make([]float64, g.Elements)
	switch t.Mode {
	case ModeFocus:
		fx := t.FocalXmm * 1e-3
		fz := t.FocalZmm * 1e-3
		for i := range tof {
			tof[i] = math.Hypot(g.ElementX(i)-fx, fz) / t.SpeedOfSound
		}
		tmax := floats.Max(tof)
		floats.Scale(-1, tof)
		floats.AddConst(tmax, tof)
	case ModeSteer:
		s := math.Sin(t.SteeringDeg * math.Pi / 180)
		for i := range tof {
			tof[i] = g.ElementX(i) * s / t.SpeedOfSound
		}
		floats.AddConst(-floats.Min(tof), tof)
	}
	return DelayVector(tof), nil
}

// Preset is a named, built-in beamforming target.
type Preset int

const (
	PresetCenter15mm Preset = iota
	PresetCenter20mm
	PresetSteerPlus15
	PresetSteerMinus15
)

// Presets lists every built-in preset in display order.
var Presets = []Preset{PresetCenter15mm, PresetCenter20mm, PresetSteerPlus15, PresetSteerMinus15}

func (p Preset) String() string {
	switch p {
	case PresetCenter15mm:
		return "center-15mm"
	case PresetCenter20mm:
		return "center-20mm"
	case PresetSteerPlus15:
		return "steer+15"
	case PresetSteerMinus15:
		return "steer-15"
	default:
		return fmt.Sprintf("preset(%d)", int(p))
	}
}

// Target returns the preset's beamforming target in water.
func (p Preset) Target() Target {
	switch p {
	case PresetCenter20mm:
		return Focus(0, 20, 1500)
	case PresetSteerPlus15:
		return Steer(15, 1500)
	case PresetSteerMinus15:
		return Steer(-15, 1500)
	default:
		return Focus(0, 15, 1500)
	}
}

// ParsePreset looks up a preset by name.
func ParsePreset(s string) (Preset, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for _, p := range Presets {
		if p.String() == name {
			return p, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown beamforming preset %q", ErrInvalidParameter, s)
}
