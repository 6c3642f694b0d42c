// Package regs holds the register map of the transmitter chip and the frame
// format spoken by the USB/serial bridge in front of it.
package regs

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Pages selected through RegPageSelect before an addressed access.
const (
	PageGlobal  uint32 = 0x00000000
	PageDelay   uint32 = 0x00010000
	PagePattern uint32 = 0x0000FFFF
)

// Global page register addresses.
const (
	RegControl       uint16 = 0x00 // bit0 software reset, bit1 read mode
	RegPageSelect    uint16 = 0x02
	RegChannelEnable uint16 = 0x05 // one bit per channel
	RegChannelMode   uint16 = 0x06 // one bit per channel, 1 = TX
	RegPowerDown     uint16 = 0x07 // one bit per channel
	RegSync          uint16 = 0x08 // bit1 clock sync detection
	RegPatternStart  uint16 = 0x0C // 0x0C..0x13, start word per channel pair
	RegDelayStart    uint16 = 0x0D // 0x0D..0x14, delay profile start word
	RegDiagLevel     uint16 = 0x1D
	RegDiagTemp      uint16 = 0x4D
	RegDiagSupply    uint16 = 0x4E
	RegLDOControl    uint16 = 0x5C
	RegDiagTemp2     uint16 = 0x62
	RegDiagClock     uint16 = 0x6C
	RegDiagTrigger   uint16 = 0x78
)

// Memory layout shared by the delay and pattern pages.
const (
	MemoryBase         uint16 = 0x40
	PatternStartRegs          = 8
	DelayStartRegs            = 8
	ControlSoftReset   uint32 = 0x00000001
	SyncClockDetect    uint32 = 0x00000002
	LDODisableDynamic  uint32 = 0x00001000
	MemoryResetTopAddr uint16 = 0x40
)

// Op is the bridge frame opcode.
type Op uint8

const (
	OpWrite         Op = 0x01
	OpRead          Op = 0x02
	OpHardwareReset Op = 0x03
	// OpCommit ends a burst on a network bridge. The bridge relays the burst
	// to the device and answers with an Ack. It never reaches the chip.
	OpCommit Op = 0x04
)

func (o Op) String() string {
	switch o {
	case OpWrite:
		return "write"
	case OpRead:
		return "read"
	case OpHardwareReset:
		return "hw-reset"
	case OpCommit:
		return "commit"
	default:
		return fmt.Sprintf("op(0x%02x)", uint8(o))
	}
}

// FrameSize is the fixed length of every bridge frame:
// op(1) | page(4) | addr(2) | value(4), big endian.
const FrameSize = 11

// ValueSize is the length of a read-back reply.
const ValueSize = 4

// ErrBadFrame reports a frame that does not decode.
var ErrBadFrame = errors.New("regs: malformed frame")

// Frame is one bridge request.
type Frame struct {
	Op    Op
	Page  uint32
	Addr  uint16
	Value uint32
}

// AppendTo serialises f onto dst.
func (f Frame) AppendTo(dst []byte) []byte {
	var b [FrameSize]byte
	b[0] = byte(f.Op)
	binary.BigEndian.PutUint32(b[1:5], f.Page)
	binary.BigEndian.PutUint16(b[5:7], f.Addr)
	binary.BigEndian.PutUint32(b[7:11], f.Value)
	return append(dst, b[:]...)
}

// DecodeFrames splits a contiguous byte sequence back into frames.
func DecodeFrames(p []byte) ([]Frame, error) {
	if len(p)%FrameSize != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a multiple of %d", ErrBadFrame, len(p), FrameSize)
	}
	out := make([]Frame, 0, len(p)/FrameSize)
	for off := 0; off < len(p); off += FrameSize {
		b := p[off : off+FrameSize]
		f := Frame{
			Op:    Op(b[0]),
			Page:  binary.BigEndian.Uint32(b[1:5]),
			Addr:  binary.BigEndian.Uint16(b[5:7]),
			Value: binary.BigEndian.Uint32(b[7:11]),
		}
		switch f.Op {
		case OpWrite, OpRead, OpHardwareReset, OpCommit:
		default:
			return nil, fmt.Errorf("%w: unknown op %s at offset %d", ErrBadFrame, f.Op, off)
		}
		out = append(out, f)
	}
	return out, nil
}

// Write is a single addressed register write.
type Write struct {
	Page  uint32
	Addr  uint16
	Value uint32
}

// Image is an ordered register image.
type Image []Write

// Encode renders the image as one contiguous frame sequence.
func (img Image) Encode() []byte {
	out := make([]byte, 0, len(img)*FrameSize)
	for _, w := range img {
		out = Frame{Op: OpWrite, Page: w.Page, Addr: w.Addr, Value: w.Value}.AppendTo(out)
	}
	return out
}

// Framed wraps img in the sync guard used for every live update: clock sync
// is dropped before the first write and restored after the last one.
func (img Image) Framed() Image {
	out := make(Image, 0, len(img)+2)
	out = append(out, Write{Page: PageGlobal, Addr: RegSync, Value: 0})
	out = append(out, img...)
	out = append(out, Write{Page: PageGlobal, Addr: RegSync, Value: SyncClockDetect})
	return out
}

// ReadRequest encodes a read-back request for one register.
func ReadRequest(page uint32, addr uint16) []byte {
	return Frame{Op: OpRead, Page: page, Addr: addr}.AppendTo(nil)
}

// HardwareReset encodes the bridge-side reset pulse request.
func HardwareReset() []byte {
	return Frame{Op: OpHardwareReset}.AppendTo(nil)
}

// StartWord packs the same start word into both halves of a start register.
func StartWord(w uint16) uint32 {
	return uint32(w)<<16 | uint32(w)
}

// Commit encodes the end-of-burst marker sent to network bridges.
func Commit() []byte {
	return Frame{Op: OpCommit}.AppendTo(nil)
}

// Ack status codes returned by a bridge after a commit.
const (
	AckOK          uint8 = 0x00
	AckDeviceError uint8 = 0x01
	AckBadFrame    uint8 = 0x02
	AckBusy        uint8 = 0x03
)

// AckHeaderSize is status(1) | message length(2); the message follows.
const AckHeaderSize = 3

// MaxAckMessage bounds the message carried by an Ack.
const MaxAckMessage = 1024

// ErrBridge reports a commit the bridge did not carry out.
var ErrBridge = errors.New("regs: bridge rejected burst")

// AckError is a non-OK Ack. Message is the bridge-side error text.
type AckError struct {
	Status  uint8
	Message string
}

func (e *AckError) Error() string {
	return fmt.Sprintf("regs: bridge status 0x%02x: %s", e.Status, e.Message)
}

func (e *AckError) Is(target error) bool { return target == ErrBridge }

// EncodeAck renders a commit reply. A nil err is AckOK.
func EncodeAck(status uint8, err error) []byte {
	var msg string
	if err != nil {
		msg = err.Error()
	}
	if len(msg) > MaxAckMessage {
		msg = msg[:MaxAckMessage]
	}
	out := make([]byte, AckHeaderSize, AckHeaderSize+len(msg))
	out[0] = status
	binary.BigEndian.PutUint16(out[1:], uint16(len(msg)))
	return append(out, msg...)
}

// ReadAck reads one Ack through read, which must return exactly n bytes or
// fail. A non-OK status comes back as *AckError.
func ReadAck(read func(n int) ([]byte, error)) error {
	hdr, err := read(AckHeaderSize)
	if err != nil {
		return err
	}
	n := int(binary.BigEndian.Uint16(hdr[1:]))
	if n > MaxAckMessage {
		return fmt.Errorf("%w: ack message of %d bytes", ErrBadFrame, n)
	}
	var msg []byte
	if n > 0 {
		if msg, err = read(n); err != nil {
			return err
		}
	}
	if hdr[0] == AckOK {
		return nil
	}
	return &AckError{Status: hdr[0], Message: string(msg)}
}
