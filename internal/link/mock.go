package link

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rjboer/GoTX/internal/device"
	"github.com/rjboer/GoTX/internal/diagnostics"
	"github.com/rjboer/GoTX/internal/regs"
)

type regKey struct {
	page uint32
	addr uint16
}

// Mock emulates the bridge and the transmitter behind it. Writes are decoded
// into a register file, read requests are answered from it.
type Mock struct {
	mu      sync.Mutex
	name    string
	file    map[regKey]uint32
	reply   []byte
	writes  [][]byte
	resets  int
	closed  bool
	failW   error
	failR   error
	failAt  int // fail the write with this index, -1 for none
	nWrites int
}

// NewMock returns a powered, clocked device whose diagnostics all pass.
func NewMock(name string) *Mock {
	m := &Mock{name: name, failAt: -1}
	m.reseed()
	return m
}

func (m *Mock) reseed() {
	m.file = make(map[regKey]uint32)
	for addr, v := range diagnostics.Nominal() {
		m.file[regKey{regs.PageGlobal, addr}] = v
	}
}

// Name returns the address the mock answers to.
func (m *Mock) Name() string { return m.name }

// Write decodes p as a frame sequence and applies it. A malformed sequence
// is rejected whole.
func (m *Mock) Write(p []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	idx := m.nWrites
	m.nWrites++
	if m.failW != nil {
		err := m.failW
		m.failW = nil
		return err
	}
	if idx == m.failAt {
		return fmt.Errorf("link: injected failure on write %d", idx)
	}
	frames, err := regs.DecodeFrames(p)
	if err != nil {
		return err
	}
	m.writes = append(m.writes, append([]byte(nil), p...))
	for _, f := range frames {
		switch f.Op {
		case regs.OpWrite:
			m.file[regKey{f.Page, f.Addr}] = f.Value
		case regs.OpRead:
			m.reply = binary.BigEndian.AppendUint32(m.reply, m.file[regKey{f.Page, f.Addr}])
		case regs.OpHardwareReset:
			m.resets++
			m.reseed()
		}
	}
	return nil
}

// Read returns the next n reply bytes.
func (m *Mock) Read(n int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if m.failR != nil {
		err := m.failR
		m.failR = nil
		return nil, err
	}
	if len(m.reply) < n {
		return nil, ErrTimeout
	}
	out := append([]byte(nil), m.reply[:n]...)
	m.reply = m.reply[n:]
	return out, nil
}

// Close marks the mock closed. A closed mock can be reopened by its driver.
func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.reply = nil
	return nil
}

// Closed reports whether the last handle was closed.
func (m *Mock) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// FailNextWrite makes the next Write return err without applying anything.
func (m *Mock) FailNextWrite(err error) {
	m.mu.Lock()
	m.failW = err
	m.mu.Unlock()
}

// FailWriteAt makes the write with the given zero-based index fail.
func (m *Mock) FailWriteAt(idx int) {
	m.mu.Lock()
	m.failAt = idx
	m.mu.Unlock()
}

// FailNextRead makes the next Read return err.
func (m *Mock) FailNextRead(err error) {
	m.mu.Lock()
	m.failR = err
	m.mu.Unlock()
}

// Register returns the current value of a register.
func (m *Mock) Register(page uint32, addr uint16) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.file[regKey{page, addr}]
}

// SetRegister overwrites a register, for example to fake a diagnostic fault.
func (m *Mock) SetRegister(page uint32, addr uint16, v uint32) {
	m.mu.Lock()
	m.file[regKey{page, addr}] = v
	m.mu.Unlock()
}

// Writes returns every accepted write, in order.
func (m *Mock) Writes() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.writes))
	copy(out, m.writes)
	return out
}

// HardwareResets counts reset pulses seen.
func (m *Mock) HardwareResets() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resets
}

// MockDriver hands out Mock devices by name.
type MockDriver struct {
	mu      sync.Mutex
	devices map[string]*Mock
	openErr error
}

// NewMockDriver creates one mock per name.
func NewMockDriver(names ...string) *MockDriver {
	d := &MockDriver{devices: make(map[string]*Mock)}
	for _, n := range names {
		d.devices[n] = NewMock(n)
	}
	return d
}

// Device returns the mock registered under name.
func (d *MockDriver) Device(name string) *Mock {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.devices[name]
}

// Has reports whether name is a registered mock.
func (d *MockDriver) Has(name string) bool {
	return d.Device(name) != nil
}

// FailOpen makes every Open fail with err until cleared with nil.
func (d *MockDriver) FailOpen(err error) {
	d.mu.Lock()
	d.openErr = err
	d.mu.Unlock()
}

// Open implements device.Driver. An empty name opens the first device.
func (d *MockDriver) Open(_ context.Context, name string) (device.Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.openErr != nil {
		return nil, d.openErr
	}
	if name == "" {
		names := d.names()
		if len(names) == 0 {
			return nil, errors.New("link: no mock devices")
		}
		name = names[0]
	}
	m, ok := d.devices[name]
	if !ok {
		return nil, fmt.Errorf("link: no mock device %q", name)
	}
	m.mu.Lock()
	m.closed = false
	m.mu.Unlock()
	return m, nil
}

// ListDevices implements device.Driver.
func (d *MockDriver) ListDevices(context.Context) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.names(), nil
}

func (d *MockDriver) names() []string {
	out := make([]string, 0, len(d.devices))
	for n := range d.devices {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
