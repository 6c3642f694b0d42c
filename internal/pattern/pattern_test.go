package pattern

import (
	"errors"
	"testing"

	"github.com/rjboer/GoTX/internal/regs"
)

func TestEncodePresetPadsMemory(t *testing.T) {
	m, err := Encode(Spec{Type: Kind56MHz3LevelA, FrequencyMHz: 5.6, Cycles: 2})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	want := [MemoryWords]uint32{0x00020002, 0x0000B5B1, 0, 0}
	if m.Words != want || m.StartWord != DefaultStartWord || m.Kind != Kind56MHz3LevelA {
		t.Fatalf("memory = %+v", m)
	}
}

func TestEncodePresetInheritsZeroFields(t *testing.T) {
	if _, err := Encode(Spec{Type: Kind34MHz2LevelA}); err != nil {
		t.Fatalf("zero frequency/cycles should inherit preset values: %v", err)
	}
}

func TestEncodeRejectsMismatchedPreset(t *testing.T) {
	tests := []struct {
		name string
		spec Spec
		want error
	}{
		{name: "frequency", spec: Spec{Type: Kind56MHz3LevelA, FrequencyMHz: 4}, want: ErrInvalidParameter},
		{name: "cycles", spec: Spec{Type: Kind34MHz2LevelA, Cycles: 5}, want: ErrInvalidParameter},
		{name: "unknown", spec: Spec{Type: Kind(99)}, want: ErrUnknownPattern},
		{name: "custom without bytes", spec: Spec{Type: KindCustom}, want: ErrInvalidPatternLength},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Encode(tt.spec); !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestEncodeCustom(t *testing.T) {
	raw, err := ParseHex("0xB5B10100 0xC8C80500, 0x0000FF00 0x00000000")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	// Custom bytes override the preset fields entirely.
	m, err := Encode(Spec{Type: Kind56MHz3LevelA, FrequencyMHz: 1, Custom: raw})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if m.Kind != KindCustom || m.Words[0] != 0xB5B10100 || m.Words[2] != 0x0000FF00 {
		t.Fatalf("memory = %+v", m)
	}
	if FormatHex(m.Bytes()) != "b5b10100c8c805000000ff0000000000" {
		t.Fatalf("bytes = %s", FormatHex(m.Bytes()))
	}
}

func TestEncodeCustomWrongLength(t *testing.T) {
	for _, n := range []int{0, 1, MemoryBytes - 1, MemoryBytes + 4} {
		_, err := Encode(Spec{Type: KindCustom, Custom: make([]byte, n)})
		if !errors.Is(err, ErrInvalidPatternLength) {
			t.Fatalf("%d bytes: err = %v", n, err)
		}
	}
}

func TestParseHexErrors(t *testing.T) {
	if _, err := ParseHex("zz"); !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("err = %v", err)
	}
}

func TestParseKind(t *testing.T) {
	for _, p := range Presets() {
		k, err := ParseKind(p.Kind.String())
		if err != nil || k != p.Kind {
			t.Fatalf("ParseKind(%q) = %v, %v", p.Kind, k, err)
		}
	}
	if k, err := ParseKind(" 5.6mhz_3lvl_a "); err != nil || k != Kind56MHz3LevelA {
		t.Fatalf("case-insensitive parse failed: %v %v", k, err)
	}
	if _, err := ParseKind("5.6MHz"); !errors.Is(err, ErrUnknownPattern) {
		t.Fatalf("expected ErrUnknownPattern, got %v", err)
	}
}

func TestEveryPresetEncodes(t *testing.T) {
	for _, p := range Presets() {
		if _, err := Encode(FromPreset(p)); err != nil {
			t.Fatalf("preset %s: %v", p.Kind, err)
		}
	}
}

func TestMemoryImage(t *testing.T) {
	m, _ := Encode(Spec{Type: KindTestGlitch})
	img := m.Image()
	if len(img) != regs.PatternStartRegs+MemoryWords {
		t.Fatalf("image length %d", len(img))
	}
	if img[0].Addr != regs.RegPatternStart || img[0].Value != 0x001E001E {
		t.Fatalf("first start word write = %+v", img[0])
	}
	last := img[len(img)-MemoryWords]
	if last.Page != regs.PagePattern || last.Addr != regs.MemoryBase+DefaultStartWord || last.Value != 0xA0A00000 {
		t.Fatalf("first pattern write = %+v", last)
	}
}
