// Package pattern resolves excitation waveforms into the pattern-memory image
// of the transmitter.
package pattern

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/rjboer/GoTX/internal/regs"
)

var (
	ErrInvalidPatternLength = errors.New("pattern: invalid pattern length")
	ErrInvalidParameter     = errors.New("pattern: invalid parameter")
	ErrUnknownPattern       = errors.New("pattern: unknown pattern type")
)

const (
	// MemoryWords is the size of one pattern-memory slot in 32-bit words.
	MemoryWords = 4
	// MemoryBytes is the exact length a custom pattern must have.
	MemoryBytes = MemoryWords * 4
	// DefaultStartWord is where patterns are placed in pattern memory.
	DefaultStartWord uint16 = 0x001E
)

// Scheme is the number of drive levels a waveform uses.
type Scheme int

const (
	TwoLevel   Scheme = 2
	ThreeLevel Scheme = 3
)

// Kind identifies a built-in waveform or a user-supplied one.
type Kind int

const (
	Kind56MHz3LevelA Kind = iota
	Kind56MHz3LevelExtended
	Kind34MHz2LevelA
	KindTestGlitch
	KindCustom
)

var kindNames = map[Kind]string{
	Kind56MHz3LevelA:        "5.6MHz_3LVL_A",
	Kind56MHz3LevelExtended: "5.6MHz_3LVL_extended",
	Kind34MHz2LevelA:        "3.4MHz_2LVL_A",
	KindTestGlitch:          "test_glitch",
	KindCustom:              "custom",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind maps a pattern_type identifier onto Kind. Matching is exact
// apart from surrounding whitespace and letter case.
func ParseKind(s string) (Kind, error) {
	want := strings.ToLower(strings.TrimSpace(s))
	for k, name := range kindNames {
		if strings.ToLower(name) == want {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownPattern, s)
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	if _, ok := kindNames[k]; !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPattern, int(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Preset is a built-in waveform.
type Preset struct {
	Kind         Kind
	Name         string
	FrequencyMHz float64
	Cycles       int
	Scheme       Scheme
	Words        []uint32
	StartWord    uint16
	Description  string
}

// Under the 250 MHz pattern clock each level byte holds a level code in the
// high nibble and a duration in the low nibble: 0xB1 is 22 cycles at PHV,
// 0xB5 22 cycles at MHV, 0xC8 ground.
var presets = [...]Preset{
	{
		Kind: Kind56MHz3LevelA, Name: "5.6 MHz 3-Level A",
		FrequencyMHz: 5.6, Cycles: 2, Scheme: ThreeLevel,
		Words:       []uint32{0x00020002, 0x0000B5B1},
		StartWord:   DefaultStartWord,
		Description: "Standard 5.6 MHz 3-level waveform, 22 clock cycles per transition.",
	},
	{
		Kind: Kind56MHz3LevelExtended, Name: "5.6 MHz 3-Level Extended",
		FrequencyMHz: 5.6, Cycles: 2, Scheme: ThreeLevel,
		Words:       []uint32{0xB5B10100, 0xC8C80500, 0x0000FF00},
		StartWord:   DefaultStartWord,
		Description: "5.6 MHz 3-level waveform with ground guard bands.",
	},
	{
		Kind: Kind34MHz2LevelA, Name: "3.4 MHz 2-Level A",
		FrequencyMHz: 3.4, Cycles: 2, Scheme: TwoLevel,
		Words:       []uint32{0x31F90300, 0x050035FD, 0xFF00C8C8},
		StartWord:   DefaultStartWord,
		Description: "3.4 MHz 2-level waveform, 250 MHz / (2*37). PHV and MHV only.",
	},
	{
		Kind: KindTestGlitch, Name: "Test Glitch Pattern",
		Scheme:      TwoLevel,
		Words:       []uint32{0xA0A00000},
		StartWord:   DefaultStartWord,
		Description: "T/R switch glitch test pattern.",
	},
}

// Presets returns the built-in waveforms in table order.
func Presets() []Preset {
	out := make([]Preset, len(presets))
	copy(out, presets[:])
	return out
}

// Lookup returns the built-in waveform for k.
func Lookup(k Kind) (Preset, bool) {
	for _, p := range presets {
		if p.Kind == k {
			return p, true
		}
	}
	return Preset{}, false
}

// Spec is a requested waveform. A non-nil Custom overrides everything else.
type Spec struct {
	Type         Kind
	FrequencyMHz float64
	Cycles       int
	Custom       []byte
	Description  string
}

// FromPreset builds the Spec that selects p.
func FromPreset(p Preset) Spec {
	return Spec{Type: p.Kind, FrequencyMHz: p.FrequencyMHz, Cycles: p.Cycles, Description: p.Description}
}

// Memory is a resolved pattern-memory slot.
type Memory struct {
	Kind      Kind
	Words     [MemoryWords]uint32
	StartWord uint16
}

// Encode resolves s into a pattern-memory image.
func Encode(s Spec) (Memory, error) {
	if s.Custom != nil || s.Type == KindCustom {
		return encodeCustom(s.Custom)
	}

	p, ok := Lookup(s.Type)
	if !ok {
		return Memory{}, fmt.Errorf("%w: %s", ErrUnknownPattern, s.Type)
	}
	if s.FrequencyMHz != 0 && math.Abs(s.FrequencyMHz-p.FrequencyMHz) > 1e-9 {
		return Memory{}, fmt.Errorf("%w: %s runs at %g MHz, not %g MHz", ErrInvalidParameter, p.Kind, p.FrequencyMHz, s.FrequencyMHz)
	}
	if s.Cycles != 0 && s.Cycles != p.Cycles {
		return Memory{}, fmt.Errorf("%w: %s has %d cycles, not %d", ErrInvalidParameter, p.Kind, p.Cycles, s.Cycles)
	}
	if p.Scheme != TwoLevel && p.Scheme != ThreeLevel {
		return Memory{}, fmt.Errorf("%w: %s uses %d levels", ErrInvalidParameter, p.Kind, p.Scheme)
	}
	if len(p.Words) > MemoryWords {
		return Memory{}, fmt.Errorf("%w: %s has %d words", ErrInvalidPatternLength, p.Kind, len(p.Words))
	}

	m := Memory{Kind: p.Kind, StartWord: p.StartWord}
	copy(m.Words[:], p.Words)
	return m, nil
}

func encodeCustom(b []byte) (Memory, error) {
	if len(b) != MemoryBytes {
		return Memory{}, fmt.Errorf("%w: got %d bytes, pattern memory holds %d", ErrInvalidPatternLength, len(b), MemoryBytes)
	}
	m := Memory{Kind: KindCustom, StartWord: DefaultStartWord}
	for i := range m.Words {
		m.Words[i] = binary.BigEndian.Uint32(b[i*4:])
	}
	return m, nil
}

// Image returns the register writes that load m: start words for every
// channel pair, then the pattern words on the pattern page.
func (m Memory) Image() regs.Image {
	img := make(regs.Image, 0, regs.PatternStartRegs+MemoryWords)
	for r := 0; r < regs.PatternStartRegs; r++ {
		img = append(img, regs.Write{Page: regs.PageGlobal, Addr: regs.RegPatternStart + uint16(r), Value: regs.StartWord(m.StartWord)})
	}
	for i, w := range m.Words {
		img = append(img, regs.Write{Page: regs.PagePattern, Addr: regs.MemoryBase + m.StartWord + uint16(i), Value: w})
	}
	return img
}

// Bytes returns the big-endian byte form of the memory words.
func (m Memory) Bytes() []byte {
	out := make([]byte, MemoryBytes)
	for i, w := range m.Words {
		binary.BigEndian.PutUint32(out[i*4:], w)
	}
	return out
}

// ParseHex decodes a custom pattern written as hex, either one run of digits
// or a list of 0x-prefixed words. Whitespace, commas and underscores are
// ignored.
func ParseHex(s string) ([]byte, error) {
	clean := strings.NewReplacer("0x", "", "0X", "", " ", "", "\t", "", "\n", "", ",", "", "_", "").Replace(s)
	b, err := hex.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParameter, err)
	}
	return b, nil
}

// FormatHex renders bytes in the form accepted by ParseHex.
func FormatHex(b []byte) string {
	return hex.EncodeToString(b)
}
