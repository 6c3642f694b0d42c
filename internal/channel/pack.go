package channel

import (
	"fmt"

	"github.com/rjboer/GoTX/internal/regs"
)

// Register word layout produced by Pack:
//
//	word 0       enable mask, bit n = channel n
//	word 1       mode mask, bit n set = TX
//	word 2       power-down mask
//	word 3..18   delay pairs, [31:16] odd channel, [15:0] even channel
//
// Each 16-bit delay half is [15]=0, [14]=FRAC_DEL, [13:0]=DEL.
const (
	wordEnable    = 0
	wordMode      = 1
	wordPowerDown = 2
	wordDelay     = 3
	delayWords    = NumChannels / 2

	// PackedWords is the length of a packed register image.
	PackedWords = wordDelay + delayWords

	fracBit     = 0x4000
	delayMask   = 0x3FFF
	reservedBit = 0x8000
)

func encodeDelay(cycles int, frac bool) uint32 {
	v := uint32(cycles) & delayMask
	if frac {
		v |= fracBit
	}
	return v
}

func decodeDelay(half uint32) (int, bool, error) {
	if half&reservedBit != 0 {
		return 0, false, fmt.Errorf("%w: reserved delay bit set in 0x%04X", ErrInvalidField, half)
	}
	return int(half & delayMask), half&fracBit != 0, nil
}

// Pack serialises the bank into register words. Every channel must carry an
// explicit mode.
func (b *Bank) Pack() ([]uint32, error) {
	words := make([]uint32, PackedWords)
	for i, c := range b.ch {
		if c.Mode == ModeUnset {
			return nil, fmt.Errorf("%w: channel %d has no mode", ErrIncompleteConfiguration, i)
		}
		if err := c.Validate(); err != nil {
			return nil, err
		}
		bit := uint32(1) << uint(i)
		if c.Enabled {
			words[wordEnable] |= bit
		}
		if c.Mode == ModeTX {
			words[wordMode] |= bit
		}
		if c.PowerDown {
			words[wordPowerDown] |= bit
		}
		half := encodeDelay(c.DelayCycles, c.DelayFractional)
		if i%2 == 1 {
			half <<= 16
		}
		words[wordDelay+i/2] |= half
	}
	return words, nil
}

// Unpack rebuilds a bank from words produced by Pack.
func Unpack(words []uint32) (*Bank, error) {
	if len(words) != PackedWords {
		return nil, fmt.Errorf("%w: got %d words, want %d", ErrIncompleteConfiguration, len(words), PackedWords)
	}
	b := &Bank{}
	for i := range b.ch {
		bit := uint32(1) << uint(i)
		pair := words[wordDelay+i/2]
		half := pair & 0xFFFF
		if i%2 == 1 {
			half = pair >> 16
		}
		cycles, frac, err := decodeDelay(half)
		if err != nil {
			return nil, fmt.Errorf("channel %d: %w", i, err)
		}
		mode := ModeRX
		if words[wordMode]&bit != 0 {
			mode = ModeTX
		}
		b.ch[i] = Config{
			ID:              i,
			Enabled:         words[wordEnable]&bit != 0,
			Mode:            mode,
			DelayCycles:     cycles,
			DelayFractional: frac,
			PowerDown:       words[wordPowerDown]&bit != 0,
		}
	}
	return b, nil
}

// Image returns the addressed register writes that make the bank live.
// Inactive channels are written with zero delay: their stored timing stays in
// the bank but never reaches the device.
func (b *Bank) Image() (regs.Image, error) {
	live := b.Clone()
	for i, c := range live.ch {
		if !c.Active() {
			live.ch[i].DelayCycles = 0
			live.ch[i].DelayFractional = false
		}
	}
	words, err := live.Pack()
	if err != nil {
		return nil, err
	}

	img := make(regs.Image, 0, 3+regs.DelayStartRegs+delayWords)
	img = append(img,
		regs.Write{Page: regs.PageGlobal, Addr: regs.RegChannelEnable, Value: words[wordEnable]},
		regs.Write{Page: regs.PageGlobal, Addr: regs.RegChannelMode, Value: words[wordMode]},
		regs.Write{Page: regs.PageGlobal, Addr: regs.RegPowerDown, Value: words[wordPowerDown]},
	)
	for r := 0; r < regs.DelayStartRegs; r++ {
		img = append(img, regs.Write{Page: regs.PageGlobal, Addr: regs.RegDelayStart + uint16(r), Value: regs.StartWord(0)})
	}
	for i := 0; i < delayWords; i++ {
		img = append(img, regs.Write{Page: regs.PageDelay, Addr: regs.MemoryBase + uint16(i), Value: words[wordDelay+i]})
	}
	return img, nil
}
