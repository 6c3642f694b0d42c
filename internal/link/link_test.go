package link

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rjboer/GoTX/internal/diagnostics"
	"github.com/rjboer/GoTX/internal/regs"
)

func TestSplit(t *testing.T) {
	tests := []struct {
		in, scheme, rest string
	}{
		{"mock", SchemeMock, ""},
		{"mock:TX7332", SchemeMock, "TX7332"},
		{"tcp://10.0.0.2:5025", SchemeTCP, "10.0.0.2:5025"},
		{"SSH://root@bridge:2222", SchemeSSH, "root@bridge:2222"},
		{"/dev/ttyUSB0", "", "/dev/ttyUSB0"},
		{"FT4232 Mini Module A", "", "FT4232 Mini Module A"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			scheme, rest := Split(tt.in)
			assert.Equal(t, tt.scheme, scheme)
			assert.Equal(t, tt.rest, rest)
		})
	}
}

func TestMockAppliesWritesAndAnswersReads(t *testing.T) {
	m := NewMock("TX7332")
	img := regs.Image{
		{Page: regs.PageGlobal, Addr: regs.RegChannelEnable, Value: 0xFFFFFFFF},
		{Page: regs.PageDelay, Addr: regs.MemoryBase, Value: 0x00010002},
	}
	require.NoError(t, m.Write(img.Encode()))
	assert.Equal(t, uint32(0xFFFFFFFF), m.Register(regs.PageGlobal, regs.RegChannelEnable))
	assert.Equal(t, uint32(0x00010002), m.Register(regs.PageDelay, regs.MemoryBase))

	require.NoError(t, m.Write(regs.ReadRequest(regs.PageGlobal, regs.RegDiagClock)))
	b, err := m.Read(regs.ValueSize)
	require.NoError(t, err)
	assert.Equal(t, diagnostics.Nominal()[regs.RegDiagClock], binary.BigEndian.Uint32(b))

	_, err = m.Read(regs.ValueSize)
	assert.ErrorIs(t, err, ErrTimeout, "no reply pending")
	assert.Len(t, m.Writes(), 2)
}

func TestMockRejectsMalformedFrames(t *testing.T) {
	m := NewMock("x")
	err := m.Write([]byte{1, 2, 3})
	assert.ErrorIs(t, err, regs.ErrBadFrame)
	assert.Empty(t, m.Writes())
}

func TestMockHardwareResetReseeds(t *testing.T) {
	m := NewMock("x")
	m.SetRegister(regs.PageGlobal, regs.RegDiagClock, 0)
	require.NoError(t, m.Write(regs.HardwareReset()))
	assert.Equal(t, 1, m.HardwareResets())
	assert.Equal(t, diagnostics.Nominal()[regs.RegDiagClock], m.Register(regs.PageGlobal, regs.RegDiagClock))
}

func TestMockFaultInjection(t *testing.T) {
	m := NewMock("x")
	boom := errors.New("cable pulled")
	m.FailNextWrite(boom)
	assert.ErrorIs(t, m.Write(regs.HardwareReset()), boom)
	assert.NoError(t, m.Write(regs.HardwareReset()), "failure is one-shot")

	m.FailNextRead(boom)
	_, err := m.Read(1)
	assert.ErrorIs(t, err, boom)

	m.FailWriteAt(3)
	assert.NoError(t, m.Write(regs.HardwareReset()))
	assert.Error(t, m.Write(regs.HardwareReset()))

	require.NoError(t, m.Close())
	assert.ErrorIs(t, m.Write(nil), ErrClosed)
}

func TestMockDriver(t *testing.T) {
	d := NewMockDriver("TX7364", "TX7332")
	names, err := d.ListDevices(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"TX7332", "TX7364"}, names)

	tr, err := d.Open(context.Background(), "")
	require.NoError(t, err)
	assert.Same(t, d.Device("TX7332"), tr)

	_, err = d.Open(context.Background(), "nope")
	assert.Error(t, err)

	d.FailOpen(io.ErrUnexpectedEOF)
	_, err = d.Open(context.Background(), "TX7332")
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestRouterOpensMockByName(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DiscoveryTimeout = 0
	r := NewRouter(cfg, NewMockDriver("TX7332"), nil)

	tr, err := r.Open(context.Background(), "TX7332")
	require.NoError(t, err)
	assert.IsType(t, &Mock{}, tr)

	tr, err = r.Open(context.Background(), "mock:TX7332")
	require.NoError(t, err)
	assert.IsType(t, &Mock{}, tr)

	_, err = r.Open(context.Background(), "carrier-pigeon://x")
	assert.Error(t, err)
}

// bridge acks every commit on c. Read requests are answered with the
// register address as value. A non-empty reject fails every non-empty burst
// with that message.
func bridge(c net.Conn, reject string) {
	defer c.Close()
	frame := make([]byte, regs.FrameSize)
	var values []byte
	var frames int
	for {
		if _, err := io.ReadFull(c, frame); err != nil {
			return
		}
		fs, err := regs.DecodeFrames(frame)
		if err != nil {
			_, _ = c.Write(regs.EncodeAck(regs.AckBadFrame, err))
			return
		}
		switch fs[0].Op {
		case regs.OpRead:
			values = binary.BigEndian.AppendUint32(values, uint32(fs[0].Addr))
			frames++
		case regs.OpCommit:
			reply := regs.EncodeAck(regs.AckOK, nil)
			if reject != "" && frames > 0 {
				reply = regs.EncodeAck(regs.AckDeviceError, errors.New(reject))
			} else {
				reply = append(reply, values...)
			}
			_, _ = c.Write(reply)
			values, frames = nil, 0
		default:
			frames++
		}
	}
}

func listenBridge(t *testing.T, reject string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		c, err := ln.Accept()
		if err == nil {
			bridge(c, reject)
		}
	}()
	return ln.Addr().String()
}

func TestTCPRoundTrip(t *testing.T) {
	tr, err := DialTCP(context.Background(), listenBridge(t, ""), time.Second)
	require.NoError(t, err)
	defer tr.Close()

	require.NoError(t, tr.Write(regs.ReadRequest(regs.PageGlobal, regs.RegDiagTrigger)))
	b, err := tr.Read(regs.ValueSize)
	require.NoError(t, err)
	assert.Equal(t, uint32(regs.RegDiagTrigger), binary.BigEndian.Uint32(b))
}

func TestTCPWriteReturnsDeviceError(t *testing.T) {
	tr, err := DialTCP(context.Background(), listenBridge(t, "spi timeout"), time.Second)
	require.NoError(t, err)
	defer tr.Close()

	err = tr.Write(regs.Image{{Page: regs.PageGlobal, Addr: 0x05, Value: 1}}.Encode())
	require.ErrorIs(t, err, regs.ErrBridge)
	var ack *regs.AckError
	require.ErrorAs(t, err, &ack)
	assert.Equal(t, regs.AckDeviceError, ack.Status)
	assert.Equal(t, "spi timeout", ack.Message)
}

func TestTCPWriteWaitsForAck(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	tr := newTCP(client, 50*time.Millisecond)
	defer tr.Close()

	go func() {
		_, _ = io.ReadFull(server, make([]byte, 2*regs.FrameSize))
	}()
	err := tr.Write(regs.HardwareReset())
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestTCPReadTimeout(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	tr := newTCP(client, 20*time.Millisecond)
	defer tr.Close()

	_, err := tr.Read(4)
	assert.ErrorIs(t, err, ErrTimeout)

	require.NoError(t, tr.Close())
	assert.ErrorIs(t, tr.Write([]byte{1}), ErrClosed)
}

func TestReadFullTimeoutClosesReader(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	aborted := false
	_, err := readFull(pr, 4, 10*time.Millisecond, func() {
		aborted = true
		pr.CloseWithError(ErrClosed)
	})
	assert.ErrorIs(t, err, ErrTimeout)
	assert.True(t, aborted)

	// the abandoned read must not swallow a late reply
	_, err = pw.Write([]byte{1, 2, 3, 4})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestReadFull(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	go pw.Write([]byte{1, 2, 3, 4})
	b, err := readFull(pr, 4, time.Second, func() { t.Error("aborted a read that completed") })
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, b)
}

func TestHostAddress(t *testing.T) {
	h := Host{Hostname: "bridge.local.", Port: 5025}
	assert.Equal(t, "tcp://bridge.local:5025", h.Address())
	h.Addresses = []net.IP{net.ParseIP("192.168.1.20")}
	assert.Equal(t, "tcp://192.168.1.20:5025", h.Address())
	assert.Empty(t, Host{Hostname: "x"}.Address())
}

func TestSSHConfigParseTarget(t *testing.T) {
	var c SSHConfig
	require.NoError(t, c.parseTarget("analog@10.0.0.5:2222"))
	assert.Equal(t, SSHConfig{Host: "10.0.0.5", User: "analog", Port: 2222}, c)

	c = SSHConfig{}
	require.NoError(t, c.parseTarget("bridge"))
	c.defaults()
	assert.Equal(t, "bridge", c.Host)
	assert.Equal(t, 22, c.Port)
	assert.Equal(t, "root", c.User)

	_, err := SSHConfig{Host: "h"}.authMethods()
	assert.Error(t, err)
}
