package channel

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/rjboer/GoTX/internal/regs"
)

func ptr[T any](v T) *T { return &v }

func TestNewBankDefaults(t *testing.T) {
	b := NewBank()
	for i, c := range b.Configs() {
		if c.ID != i || c.Enabled || c.Mode != ModeRX || c.DelayCycles != 0 || c.DelayFractional || c.PowerDown {
			t.Fatalf("channel %d default = %+v", i, c)
		}
	}
}

func TestSetValidation(t *testing.T) {
	tests := []struct {
		name string
		id   int
		f    Fields
		want error
	}{
		{name: "negative id", id: -1, f: Fields{}, want: ErrInvalidChannel},
		{name: "id too large", id: NumChannels, f: Fields{}, want: ErrInvalidChannel},
		{name: "delay too large", id: 4, f: Fields{DelayCycles: ptr(MaxDelayCycles + 1)}, want: ErrInvalidField},
		{name: "negative delay", id: 4, f: Fields{DelayCycles: ptr(-1)}, want: ErrInvalidField},
		{name: "unset mode", id: 4, f: Fields{Mode: ptr(ModeUnset)}, want: ErrInvalidField},
		{name: "ok", id: 31, f: Fields{Enabled: ptr(true), Mode: ptr(ModeTX), DelayCycles: ptr(MaxDelayCycles)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBank()
			before := b.Clone()
			err := b.Set(tt.id, tt.f)
			if tt.want == nil {
				if err != nil {
					t.Fatalf("unexpected error %v", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if !b.Equal(before) {
				t.Fatalf("failed Set must not modify the bank")
			}
		})
	}
}

func TestSetTouchesOneEntry(t *testing.T) {
	b := NewBank()
	if err := b.Set(7, Fields{Enabled: ptr(true), DelayCycles: ptr(120), DelayFractional: ptr(true)}); err != nil {
		t.Fatalf("set: %v", err)
	}
	for i, c := range b.Configs() {
		if i == 7 {
			if !c.Enabled || c.DelayCycles != 120 || !c.DelayFractional || c.Mode != ModeRX {
				t.Fatalf("channel 7 = %+v", c)
			}
			continue
		}
		if c != defaultConfig(i) {
			t.Fatalf("channel %d changed: %+v", i, c)
		}
	}
}

func TestReplaceIsAllOrNothing(t *testing.T) {
	b := NewBank()
	before := b.Clone()
	err := b.Replace([]Config{
		{ID: 0, Enabled: true, Mode: ModeTX, DelayCycles: 10},
		{ID: 1, Enabled: true, Mode: ModeTX, DelayCycles: MaxDelayCycles + 5},
	})
	if !errors.Is(err, ErrInvalidField) {
		t.Fatalf("err = %v", err)
	}
	if !b.Equal(before) {
		t.Fatalf("bank modified by rejected replace")
	}

	if err := b.Replace([]Config{{ID: 2, Enabled: true, Mode: ModeTX, DelayCycles: 9}}); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if c, _ := b.Get(2); c.DelayCycles != 9 || c.Mode != ModeTX {
		t.Fatalf("channel 2 = %+v", c)
	}
}

func TestApplyPresetHalfKeepsDelays(t *testing.T) {
	b := NewBank()
	for i := 0; i < NumChannels; i++ {
		if err := b.SetDelay(i, i*3, i%2 == 0); err != nil {
			t.Fatalf("set delay: %v", err)
		}
	}
	if err := b.Set(5, Fields{PowerDown: ptr(true)}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := b.ApplyPreset(PresetHalfTXHalfRX); err != nil {
		t.Fatalf("preset: %v", err)
	}
	for i, c := range b.Configs() {
		want := ModeRX
		if i < 16 {
			want = ModeTX
		}
		if c.Mode != want || !c.Enabled {
			t.Fatalf("channel %d = %+v, want mode %s enabled", i, c, want)
		}
		if c.DelayCycles != i*3 || c.DelayFractional != (i%2 == 0) {
			t.Fatalf("channel %d delay changed: %+v", i, c)
		}
	}
	if c, _ := b.Get(5); !c.PowerDown {
		t.Fatalf("preset must preserve power-down")
	}
}

func TestApplyPresetOverwriteLaw(t *testing.T) {
	direct := NewBank()
	_ = direct.SetDelay(3, 77, true)
	sequenced := direct.Clone()

	if err := sequenced.ApplyPreset(PresetAllTX); err != nil {
		t.Fatal(err)
	}
	if err := sequenced.ApplyPreset(PresetAllRX); err != nil {
		t.Fatal(err)
	}
	if err := direct.ApplyPreset(PresetAllRX); err != nil {
		t.Fatal(err)
	}
	if !direct.Equal(sequenced) {
		t.Fatalf("ALL_TX then ALL_RX differs from ALL_RX")
	}

	again := direct.Clone()
	_ = again.ApplyPreset(PresetAllRX)
	if !again.Equal(direct) {
		t.Fatalf("preset is not idempotent")
	}
}

func TestParsePreset(t *testing.T) {
	for in, want := range map[string]Preset{"all_tx": PresetAllTX, "ALL-RX": PresetAllRX, "half_tx_half_rx": PresetHalfTXHalfRX} {
		got, err := ParsePreset(in)
		if err != nil || got != want {
			t.Fatalf("ParsePreset(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParsePreset("all_tx "); err != nil {
		t.Fatalf("whitespace should be trimmed: %v", err)
	}
	if _, err := ParsePreset("custom"); !errors.Is(err, ErrInvalidField) {
		t.Fatalf("expected ErrInvalidField, got %v", err)
	}
}

func randomBank(r *rand.Rand) *Bank {
	b := NewBank()
	for i := 0; i < NumChannels; i++ {
		m := ModeRX
		if r.Intn(2) == 0 {
			m = ModeTX
		}
		_ = b.Set(i, Fields{
			Enabled:         ptr(r.Intn(2) == 0),
			Mode:            ptr(m),
			DelayCycles:     ptr(r.Intn(MaxDelayCycles + 1)),
			DelayFractional: ptr(r.Intn(2) == 0),
			PowerDown:       ptr(r.Intn(4) == 0),
		})
	}
	return b
}

func TestPackUnpackRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	for n := 0; n < 200; n++ {
		b := randomBank(r)
		words, err := b.Pack()
		if err != nil {
			t.Fatalf("pack: %v", err)
		}
		if len(words) != PackedWords {
			t.Fatalf("packed length %d", len(words))
		}
		back, err := Unpack(words)
		if err != nil {
			t.Fatalf("unpack: %v", err)
		}
		if !back.Equal(b) {
			t.Fatalf("unpack(pack(b)) != b")
		}
		again, err := back.Pack()
		if err != nil {
			t.Fatalf("repack: %v", err)
		}
		for i := range words {
			if words[i] != again[i] {
				t.Fatalf("pack(unpack(words)) differs at %d: 0x%08X vs 0x%08X", i, words[i], again[i])
			}
		}
	}
}

func TestPackDelayLayout(t *testing.T) {
	b := NewBank()
	_ = b.SetDelay(0, 0x0123, true)
	_ = b.SetDelay(1, 0x3FFF, false)
	words, err := b.Pack()
	if err != nil {
		t.Fatal(err)
	}
	if words[wordDelay] != 0x3FFF<<16|0x4123 {
		t.Fatalf("delay pair 0 = 0x%08X", words[wordDelay])
	}
}

func TestPackRequiresModes(t *testing.T) {
	cfgs := NewBank().Configs()
	cfgs[12].Mode = ModeUnset
	b, err := NewBankFrom(cfgs)
	if err != nil {
		t.Fatalf("NewBankFrom: %v", err)
	}
	if _, err := b.Pack(); !errors.Is(err, ErrIncompleteConfiguration) {
		t.Fatalf("expected ErrIncompleteConfiguration, got %v", err)
	}
	if _, err := b.Image(); !errors.Is(err, ErrIncompleteConfiguration) {
		t.Fatalf("Image should fail the same way, got %v", err)
	}
}

func TestNewBankFromRejectsDuplicates(t *testing.T) {
	cfgs := NewBank().Configs()
	cfgs[3].ID = 4
	if _, err := NewBankFrom(cfgs); !errors.Is(err, ErrInvalidChannel) {
		t.Fatalf("expected ErrInvalidChannel, got %v", err)
	}
	if _, err := NewBankFrom(cfgs[:31]); !errors.Is(err, ErrIncompleteConfiguration) {
		t.Fatalf("expected ErrIncompleteConfiguration, got %v", err)
	}
}

func TestUnpackRejectsReservedBit(t *testing.T) {
	words := make([]uint32, PackedWords)
	words[wordDelay] = 0x8000
	if _, err := Unpack(words); !errors.Is(err, ErrInvalidField) {
		t.Fatalf("expected ErrInvalidField, got %v", err)
	}
	if _, err := Unpack(words[:4]); !errors.Is(err, ErrIncompleteConfiguration) {
		t.Fatalf("expected ErrIncompleteConfiguration, got %v", err)
	}
}

func TestImageMasksInactiveTiming(t *testing.T) {
	b := NewBank()
	_ = b.ApplyPreset(PresetAllTX)
	_ = b.SetDelay(0, 100, true)
	_ = b.SetDelay(1, 200, false)
	_ = b.Set(1, Fields{PowerDown: ptr(true)})

	img, err := b.Image()
	if err != nil {
		t.Fatal(err)
	}
	var pair uint32
	found := false
	for _, w := range img {
		if w.Page == regs.PageDelay && w.Addr == regs.MemoryBase {
			pair, found = w.Value, true
		}
	}
	if !found {
		t.Fatalf("delay pair 0 missing from image")
	}
	if pair != 0x4064 {
		t.Fatalf("pair 0 = 0x%08X, want powered-down channel 1 zeroed", pair)
	}
	if c, _ := b.Get(1); c.DelayCycles != 200 {
		t.Fatalf("Image must not modify the stored delay")
	}
}
