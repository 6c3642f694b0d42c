// Package channel holds the authoritative per-channel configuration of the
// 32-element transmitter and converts it to and from hardware register words.
package channel

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// NumChannels is the fixed element count of the array.
	NumChannels = 32
	// MaxDelayCycles is the largest value of the 14-bit delay field.
	MaxDelayCycles = 1<<14 - 1
)

var (
	ErrInvalidChannel          = errors.New("channel: invalid channel id")
	ErrInvalidField            = errors.New("channel: invalid field value")
	ErrIncompleteConfiguration = errors.New("channel: incomplete configuration")
)

// Mode selects the transmit or receive path of a channel.
type Mode uint8

const (
	ModeUnset Mode = iota
	ModeTX
	ModeRX
)

func (m Mode) String() string {
	switch m {
	case ModeTX:
		return "TX"
	case ModeRX:
		return "RX"
	default:
		return "UNSET"
	}
}

// ParseMode accepts "TX"/"RX" in any case.
func ParseMode(s string) (Mode, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TX":
		return ModeTX, nil
	case "RX":
		return ModeRX, nil
	default:
		return ModeUnset, fmt.Errorf("%w: mode %q", ErrInvalidField, s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) {
	if m == ModeUnset {
		return []byte(""), nil
	}
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. An empty string decodes
// to ModeUnset so incomplete records surface at Pack time.
func (m *Mode) UnmarshalText(b []byte) error {
	if len(strings.TrimSpace(string(b))) == 0 {
		*m = ModeUnset
		return nil
	}
	parsed, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Config is the state of one physical channel.
type Config struct {
	ID              int  `json:"channel_id" yaml:"channel_id" cbor:"channel_id"`
	Enabled         bool `json:"enabled" yaml:"enabled" cbor:"enabled"`
	Mode            Mode `json:"mode" yaml:"mode" cbor:"mode"`
	DelayCycles     int  `json:"delay_cycles" yaml:"delay_cycles" cbor:"delay_cycles"`
	DelayFractional bool `json:"delay_fractional" yaml:"delay_fractional" cbor:"delay_fractional"`
	PowerDown       bool `json:"power_down" yaml:"power_down" cbor:"power_down"`
}

// Active reports whether the channel contributes live timing.
func (c Config) Active() bool {
	return c.Enabled && !c.PowerDown
}

// Validate checks the ranges of c.
func (c Config) Validate() error {
	if c.ID < 0 || c.ID >= NumChannels {
		return fmt.Errorf("%w: %d", ErrInvalidChannel, c.ID)
	}
	if c.DelayCycles < 0 || c.DelayCycles > MaxDelayCycles {
		return fmt.Errorf("%w: channel %d delay_cycles %d outside [0,%d]", ErrInvalidField, c.ID, c.DelayCycles, MaxDelayCycles)
	}
	if c.Mode > ModeRX {
		return fmt.Errorf("%w: channel %d mode %d", ErrInvalidField, c.ID, c.Mode)
	}
	return nil
}

func defaultConfig(id int) Config {
	return Config{ID: id, Mode: ModeRX}
}

// Fields is a partial update for Bank.Set; nil members are left unchanged.
type Fields struct {
	Enabled         *bool
	Mode            *Mode
	DelayCycles     *int
	DelayFractional *bool
	PowerDown       *bool
}

// Preset is a bulk mode assignment.
type Preset int

const (
	PresetAllTX Preset = iota
	PresetAllRX
	PresetHalfTXHalfRX
)

func (p Preset) String() string {
	switch p {
	case PresetAllTX:
		return "all_tx"
	case PresetAllRX:
		return "all_rx"
	case PresetHalfTXHalfRX:
		return "half_tx_half_rx"
	default:
		return fmt.Sprintf("preset(%d)", int(p))
	}
}

// ParsePreset maps the textual preset identifiers onto Preset.
func ParsePreset(s string) (Preset, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "all_tx", "all-tx", "alltx":
		return PresetAllTX, nil
	case "all_rx", "all-rx", "allrx":
		return PresetAllRX, nil
	case "half_tx_half_rx", "half-tx-half-rx", "half":
		return PresetHalfTXHalfRX, nil
	default:
		return 0, fmt.Errorf("%w: unknown preset %q", ErrInvalidField, s)
	}
}

// Bank is the 32-entry channel table. It is not safe for concurrent use;
// the device session serialises access to the bank it owns.
type Bank struct {
	ch [NumChannels]Config
}

// NewBank returns a bank with every channel at its default: disabled, RX,
// zero delay.
func NewBank() *Bank {
	b := &Bank{}
	b.ResetAll()
	return b
}

// NewBankFrom builds a bank from a full set of channel configurations. Every
// id must appear exactly once.
func NewBankFrom(cfgs []Config) (*Bank, error) {
	if len(cfgs) != NumChannels {
		return nil, fmt.Errorf("%w: got %d channels, want %d", ErrIncompleteConfiguration, len(cfgs), NumChannels)
	}
	b := &Bank{}
	var seen [NumChannels]bool
	for _, c := range cfgs {
		if err := c.Validate(); err != nil {
			return nil, err
		}
		if seen[c.ID] {
			return nil, fmt.Errorf("%w: duplicate channel %d", ErrInvalidChannel, c.ID)
		}
		seen[c.ID] = true
		b.ch[c.ID] = c
	}
	return b, nil
}

// Get returns the configuration of channel id.
func (b *Bank) Get(id int) (Config, error) {
	if id < 0 || id >= NumChannels {
		return Config{}, fmt.Errorf("%w: %d", ErrInvalidChannel, id)
	}
	return b.ch[id], nil
}

// Configs returns a copy of all 32 entries ordered by id.
func (b *Bank) Configs() []Config {
	out := make([]Config, NumChannels)
	copy(out, b.ch[:])
	return out
}

// Set applies a partial update to one channel. On error nothing changes.
func (b *Bank) Set(id int, f Fields) error {
	cur, err := b.Get(id)
	if err != nil {
		return err
	}
	if f.Enabled != nil {
		cur.Enabled = *f.Enabled
	}
	if f.Mode != nil {
		if *f.Mode != ModeTX && *f.Mode != ModeRX {
			return fmt.Errorf("%w: channel %d mode %s", ErrInvalidField, id, *f.Mode)
		}
		cur.Mode = *f.Mode
	}
	if f.DelayCycles != nil {
		cur.DelayCycles = *f.DelayCycles
	}
	if f.DelayFractional != nil {
		cur.DelayFractional = *f.DelayFractional
	}
	if f.PowerDown != nil {
		cur.PowerDown = *f.PowerDown
	}
	if err := cur.Validate(); err != nil {
		return err
	}
	b.ch[id] = cur
	return nil
}

// Replace validates every entry first and then overwrites the matching
// channels. Entries may cover any subset of ids.
func (b *Bank) Replace(cfgs []Config) error {
	var seen [NumChannels]bool
	for _, c := range cfgs {
		if err := c.Validate(); err != nil {
			return err
		}
		if seen[c.ID] {
			return fmt.Errorf("%w: duplicate channel %d", ErrInvalidChannel, c.ID)
		}
		seen[c.ID] = true
	}
	for _, c := range cfgs {
		b.ch[c.ID] = c
	}
	return nil
}

// Reset returns one channel to its defaults.
func (b *Bank) Reset(id int) error {
	if id < 0 || id >= NumChannels {
		return fmt.Errorf("%w: %d", ErrInvalidChannel, id)
	}
	b.ch[id] = defaultConfig(id)
	return nil
}

// ResetAll returns every channel to its defaults.
func (b *Bank) ResetAll() {
	for i := range b.ch {
		b.ch[i] = defaultConfig(i)
	}
}

// ApplyPreset enables every channel and assigns modes according to p.
// Delay and power-down fields are preserved.
func (b *Bank) ApplyPreset(p Preset) error {
	for i := range b.ch {
		var m Mode
		switch p {
		case PresetAllTX:
			m = ModeTX
		case PresetAllRX:
			m = ModeRX
		case PresetHalfTXHalfRX:
			m = ModeRX
			if i < NumChannels/2 {
				m = ModeTX
			}
		default:
			return fmt.Errorf("%w: unknown preset %d", ErrInvalidField, int(p))
		}
		b.ch[i].Enabled = true
		b.ch[i].Mode = m
	}
	return nil
}

// SetDelay stores quantised timing for one channel without touching the
// other fields.
func (b *Bank) SetDelay(id, cycles int, fractional bool) error {
	return b.Set(id, Fields{DelayCycles: &cycles, DelayFractional: &fractional})
}

// Clone returns an independent copy of b.
func (b *Bank) Clone() *Bank {
	c := *b
	return &c
}

// Equal reports whether both banks hold identical entries.
func (b *Bank) Equal(other *Bank) bool {
	if b == nil || other == nil {
		return b == other
	}
	return b.ch == other.ch
}
