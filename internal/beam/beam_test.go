package beam

import (
	"errors"
	"math"
	"testing"

	"github.com/rjboer/GoTX/internal/channel"
)

func activeBank(t *testing.T) *channel.Bank {
	t.Helper()
	b := channel.NewBank()
	if err := b.ApplyPreset(channel.PresetAllTX); err != nil {
		t.Fatalf("preset: %v", err)
	}
	return b
}

func pitchGeometry(pitchM float64) Geometry {
	g := DefaultGeometry()
	g.PitchM = pitchM
	return g
}

func TestFocusCenterScenario(t *testing.T) {
	g := pitchGeometry(0.3e-3)
	bank := activeBank(t)
	if _, err := Compile(g, Focus(0, 15, 1500), bank); err != nil {
		t.Fatalf("compile: %v", err)
	}
	cfgs := bank.Configs()
	if cfgs[15].DelayCycles != cfgs[16].DelayCycles || cfgs[15].DelayFractional != cfgs[16].DelayFractional {
		t.Fatalf("centre channels differ: %+v vs %+v", cfgs[15], cfgs[16])
	}
	for i, c := range cfgs {
		if c.DelayCycles > cfgs[15].DelayCycles {
			t.Fatalf("channel %d delay %d exceeds centre delay %d", i, c.DelayCycles, cfgs[15].DelayCycles)
		}
	}
	if cfgs[0].DelayCycles != 0 || cfgs[31].DelayCycles != 0 || cfgs[0].DelayFractional || cfgs[31].DelayFractional {
		t.Fatalf("edge channels should fire first: %+v %+v", cfgs[0], cfgs[31])
	}
	// (sqrt(4.65^2+15^2) - sqrt(0.15^2+15^2)) mm / 1500 m/s at 250 MHz.
	if got := cfgs[15].DelayCycles; got < 115 || got > 119 {
		t.Fatalf("centre delay %d cycles, expected about 117", got)
	}
}

func TestFocusDelaysNonNegativeWithZeroMinimum(t *testing.T) {
	targets := []Target{
		Focus(0, 15, 1500),
		Focus(2.5, 8, 1540),
		Focus(-1, 40, 1000),
		Focus(3, 0, 2000), // lateral-only, still finite
		Focus(0, 0, 1500),
	}
	for _, tgt := range targets {
		d, err := Calculate(DefaultGeometry(), tgt)
		if err != nil {
			t.Fatalf("calculate %+v: %v", tgt, err)
		}
		for i, v := range d {
			if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
				t.Fatalf("%+v channel %d delay %g", tgt, i, v)
			}
		}
		bank := activeBank(t)
		if err := Quantize(DefaultGeometry(), d, bank); err != nil {
			t.Fatalf("quantize %+v: %v", tgt, err)
		}
		minCycles := math.MaxInt
		for _, c := range bank.Configs() {
			if c.DelayCycles < minCycles {
				minCycles = c.DelayCycles
			}
		}
		if minCycles != 0 {
			t.Fatalf("%+v minimum delay %d, want 0", tgt, minCycles)
		}
	}
}

func TestSteeringMonotonic(t *testing.T) {
	g := pitchGeometry(0.3e-3)
	d, err := Calculate(g, Steer(15, 1500))
	if err != nil {
		t.Fatalf("calculate: %v", err)
	}
	if d[0] != 0 {
		t.Fatalf("first element should have zero delay, got %g", d[0])
	}
	for i := 1; i < len(d); i++ {
		if d[i] <= d[i-1] {
			t.Fatalf("delay not increasing at %d: %g <= %g", i, d[i], d[i-1])
		}
	}

	bank := activeBank(t)
	if err := Quantize(g, d, bank); err != nil {
		t.Fatalf("quantize: %v", err)
	}
	prev := -1
	for i, c := range bank.Configs() {
		half := 2*c.DelayCycles + btoi(c.DelayFractional)
		if half < prev {
			t.Fatalf("quantised delay decreases at %d", i)
		}
		prev = half
	}
}

func btoi(b bool) int {
	if b {
		return 1
	}
	return 0
}

func TestSteeringMirrorSymmetry(t *testing.T) {
	g := DefaultGeometry()
	for _, deg := range []float64{5, 15, 30} {
		pos, err := Calculate(g, Steer(deg, 1500))
		if err != nil {
			t.Fatal(err)
		}
		neg, err := Calculate(g, Steer(-deg, 1500))
		if err != nil {
			t.Fatal(err)
		}
		n := len(pos)
		for i := range pos {
			if math.Abs(pos[i]-neg[n-1-i]) > 1e-15 {
				t.Fatalf("theta=%g: delay(%d)=%g, mirrored=%g", deg, i, pos[i], neg[n-1-i])
			}
		}
	}
}

func TestZeroSteeringIsFlat(t *testing.T) {
	d, err := Calculate(DefaultGeometry(), Steer(0, 1500))
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range d {
		if v != 0 {
			t.Fatalf("channel %d delay %g at broadside", i, v)
		}
	}
}

func TestInvalidTargets(t *testing.T) {
	tests := []Target{
		Focus(0, 15, 0),
		Focus(0, 15, -1500),
		Focus(0, 15, math.NaN()),
		Focus(0, 15, 2500),
		Focus(0, -1, 1500),
		Steer(31, 1500),
		Steer(math.Inf(1), 1500),
		{Mode: Mode(7), SpeedOfSound: 1500},
	}
	for _, tgt := range tests {
		if _, err := Calculate(DefaultGeometry(), tgt); !errors.Is(err, ErrInvalidParameter) {
			t.Fatalf("Calculate(%+v) err = %v, want ErrInvalidParameter", tgt, err)
		}
	}

	bad := DefaultGeometry()
	bad.Elements = 16
	if _, err := Calculate(bad, Focus(0, 15, 1500)); !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("expected geometry rejection, got %v", err)
	}
}

func TestQuantizeHalfCycles(t *testing.T) {
	g := DefaultGeometry()
	d := make(DelayVector, channel.NumChannels)
	for i := range d {
		d[i] = float64(i+4) * 2e-9 // i+4 half cycles at 250 MHz
	}
	bank := activeBank(t)
	if err := Quantize(g, d, bank); err != nil {
		t.Fatalf("quantize: %v", err)
	}
	for i, c := range bank.Configs() {
		if c.DelayCycles != i/2 || c.DelayFractional != (i%2 == 1) {
			t.Fatalf("channel %d = %d cycles frac=%v", i, c.DelayCycles, c.DelayFractional)
		}
	}
}

func TestQuantizeExcludesInactiveFromMinimum(t *testing.T) {
	g := DefaultGeometry()
	bank := activeBank(t)
	off := false
	if err := bank.Set(0, channel.Fields{Enabled: &off}); err != nil {
		t.Fatal(err)
	}
	on := true
	if err := bank.Set(31, channel.Fields{PowerDown: &on}); err != nil {
		t.Fatal(err)
	}

	if _, err := Compile(g, Focus(0, 10, 1500), bank); err != nil {
		t.Fatalf("compile: %v", err)
	}
	cfgs := bank.Configs()
	if cfgs[1].DelayCycles != 0 || cfgs[30].DelayCycles != 0 {
		t.Fatalf("outermost active channels should be zero: %+v %+v", cfgs[1], cfgs[30])
	}
	if cfgs[0].DelayCycles != 0 || cfgs[0].DelayFractional || cfgs[31].DelayCycles != 0 {
		t.Fatalf("inactive edge channels should clamp to zero: %+v %+v", cfgs[0], cfgs[31])
	}
}

func TestQuantizeOutOfRangeLeavesBankUnchanged(t *testing.T) {
	g := Geometry{PitchM: 5e-3, Elements: channel.NumChannels, ClockHz: 1e9, MaxDelayCycles: channel.MaxDelayCycles}
	bank := activeBank(t)
	if err := bank.SetDelay(4, 99, true); err != nil {
		t.Fatal(err)
	}
	before := bank.Clone()

	_, err := Compile(g, Steer(30, 1500), bank)
	if !errors.Is(err, ErrDelayOutOfRange) {
		t.Fatalf("err = %v, want ErrDelayOutOfRange", err)
	}
	var oor *DelayOutOfRangeError
	if !errors.As(err, &oor) {
		t.Fatalf("expected *DelayOutOfRangeError, got %T", err)
	}
	if oor.Channel != 31 || oor.Excess() <= 0 {
		t.Fatalf("unexpected detail %+v", oor)
	}
	if !bank.Equal(before) {
		t.Fatalf("bank modified by failed quantisation")
	}
}

func TestQuantizeOverflowOnPoweredDownChannel(t *testing.T) {
	g := DefaultGeometry()
	d := make(DelayVector, channel.NumChannels)
	d[31] = float64(g.MaxDelayCycles+5) / g.ClockHz

	on, off := true, false
	bank := activeBank(t)
	if err := bank.Set(31, channel.Fields{PowerDown: &on}); err != nil {
		t.Fatal(err)
	}
	before := bank.Clone()
	var oor *DelayOutOfRangeError
	if err := Quantize(g, d, bank); !errors.As(err, &oor) || oor.Channel != 31 {
		t.Fatalf("enabled but powered down: err = %v", err)
	}
	if !bank.Equal(before) {
		t.Fatalf("bank modified by failed quantisation")
	}

	if err := bank.Set(31, channel.Fields{Enabled: &off}); err != nil {
		t.Fatal(err)
	}
	if err := Quantize(g, d, bank); err != nil {
		t.Fatalf("disabled: %v", err)
	}
	if got := bank.Configs()[31].DelayCycles; got != g.MaxDelayCycles {
		t.Fatalf("disabled channel delay = %d, want clamp to %d", got, g.MaxDelayCycles)
	}
}

func TestQuantizeRejectsWrongLength(t *testing.T) {
	if err := Quantize(DefaultGeometry(), DelayVector{0, 1}, channel.NewBank()); !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("err = %v", err)
	}
}

func TestPresets(t *testing.T) {
	for _, p := range Presets {
		got, err := ParsePreset(p.String())
		if err != nil || got != p {
			t.Fatalf("ParsePreset(%q) = %v, %v", p.String(), got, err)
		}
		if err := p.Target().Validate(); err != nil {
			t.Fatalf("preset %s target invalid: %v", p, err)
		}
	}
	if PresetSteerPlus15.Target().Mode != ModeSteer {
		t.Fatalf("steer preset should be in steering mode")
	}
	if _, err := ParsePreset("nowhere"); !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("expected error for unknown preset")
	}
}
