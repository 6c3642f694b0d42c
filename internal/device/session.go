package device

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rjboer/GoTX/internal/beam"
	"github.com/rjboer/GoTX/internal/channel"
	"github.com/rjboer/GoTX/internal/diagnostics"
	"github.com/rjboer/GoTX/internal/logging"
	"github.com/rjboer/GoTX/internal/pattern"
	"github.com/rjboer/GoTX/internal/regs"
	"github.com/rjboer/GoTX/internal/telemetry"
)

// Status is a consistent snapshot of the session. It never waits on an
// in-flight operation.
type Status struct {
	State       State         `json:"state"`
	SessionID   string        `json:"session_id"`
	Address     string        `json:"address,omitempty"`
	LastError   string        `json:"last_error,omitempty"`
	Uptime      time.Duration `json:"uptime"`
	ModelInSync bool          `json:"model_in_sync"`
	LivePattern string        `json:"live_pattern,omitempty"`
	Target      beam.Target   `json:"target"`
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the session logger.
func WithLogger(l logging.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithReporter sets where session events are published.
func WithReporter(r telemetry.Reporter) Option {
	return func(s *Session) {
		if r != nil {
			s.reporter = r
		}
	}
}

// WithGeometry overrides the array geometry used for beamforming.
func WithGeometry(g beam.Geometry) Option {
	return func(s *Session) { s.geometry = g }
}

// WithDiagnostics replaces the diagnostics engine.
func WithDiagnostics(e *diagnostics.Engine) Option {
	return func(s *Session) {
		if e != nil {
			s.diag = e
		}
	}
}

// Session is the single logical connection to one transmitter.
//
// At most one operation that touches the device or the channel model runs at
// a time. A second caller fails immediately with ErrDeviceBusy instead of
// queueing behind a write it cannot observe. Disconnect is the exception: it
// waits for the in-flight operation and then closes the link. Status and
// Channels are served from a separate lock and never block on the device.
type Session struct {
	op sync.Mutex // exclusive device access; guards transport

	transport Transport
	driver    Driver
	geometry  beam.Geometry
	diag      *diagnostics.Engine
	logger    logging.Logger
	reporter  telemetry.Reporter
	now       func() time.Time

	mu          sync.RWMutex // guards everything below
	id          uuid.UUID
	state       State
	address     string
	lastErr     string
	connectedAt time.Time
	modelInSync bool
	livePattern string
	bank        *channel.Bank
	target      beam.Target
	pattern     pattern.Spec
}

// NewSession builds a disconnected session that opens links through driver.
func NewSession(driver Driver, opts ...Option) *Session {
	s := &Session{
		driver:   driver,
		geometry: beam.DefaultGeometry(),
		logger:   logging.Default(),
		reporter: telemetry.Discard{},
		now:      time.Now,
		id:       uuid.New(),
		bank:     channel.NewBank(),
		target:   beam.PresetCenter15mm.Target(),
		pattern:  pattern.Spec{Type: pattern.Kind56MHz3LevelA},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.diag == nil {
		s.diag = diagnostics.NewEngine(s.logger)
	}
	s.logger = s.logger.With(logging.Component("device"), logging.Field{Key: "session", Value: s.id.String()})
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id.String() }

// Status returns a snapshot of the session state.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Status{
		State:       s.state,
		SessionID:   s.id.String(),
		Address:     s.address,
		LastError:   s.lastErr,
		ModelInSync: s.modelInSync,
		LivePattern: s.livePattern,
		Target:      s.target,
	}
	if s.state == StateConnected || s.state == StateApplying {
		st.Uptime = s.now().Sub(s.connectedAt)
	}
	return st
}

// Channels returns a copy of the channel model.
func (s *Session) Channels() []channel.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bank.Configs()
}

// Bank returns a copy of the channel model.
func (s *Session) Bank() *channel.Bank {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bank.Clone()
}

// Target returns the beamforming target the model was last compiled for.
func (s *Session) Target() beam.Target {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.target
}

// PatternSpec returns the last pattern applied or loaded into the session.
func (s *Session) PatternSpec() pattern.Spec {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pattern
}

func (s *Session) emit(kind telemetry.Kind, state State, msg string) {
	s.reporter.Report(telemetry.Event{
		Timestamp: s.now(),
		Session:   s.id.String(),
		Kind:      kind,
		State:     state.String(),
		Message:   msg,
	})
}

func (s *Session) setState(st State, msg string) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	s.emit(telemetry.KindState, st, msg)
}

func (s *Session) acquire() error {
	if !s.op.TryLock() {
		return ErrDeviceBusy
	}
	return nil
}

// require checks the session state. Callers hold op, so the state cannot
// change underneath them.
func (s *Session) require(op string, want State) error {
	s.mu.RLock()
	st := s.state
	s.mu.RUnlock()
	if st != want {
		return &TransitionError{Op: op, State: st}
	}
	return nil
}

// Connect opens a link. With an empty address every listed device is tried
// in order, then DefaultAddresses.
func (s *Session) Connect(ctx context.Context, address string) error {
	if err := s.acquire(); err != nil {
		return err
	}
	defer s.op.Unlock()
	if err := s.require("connect", StateDisconnected); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.setState(StateConnecting, address)

	candidates := []string{address}
	if address == "" {
		candidates = s.candidates(ctx)
	}

	var errs []error
	for _, addr := range candidates {
		t, err := s.driver.Open(ctx, addr)
		if err != nil {
			s.logger.Debug("open failed", logging.Field{Key: "address", Value: addr}, logging.Err(err))
			errs = append(errs, fmt.Errorf("%s: %w", addr, err))
			continue
		}
		s.transport = t
		s.mu.Lock()
		s.state = StateConnected
		s.address = addr
		s.lastErr = ""
		s.connectedAt = s.now()
		s.modelInSync = false
		s.livePattern = ""
		s.mu.Unlock()
		s.logger.Info("connected", logging.Field{Key: "address", Value: addr})
		s.emit(telemetry.KindState, StateConnected, addr)
		return nil
	}

	terr := &TransportError{Op: "connect", State: StateConnecting, Err: errors.Join(errs...)}
	if len(errs) == 0 {
		terr.Err = errors.New("no device address available")
	}
	s.mu.Lock()
	s.state = StateError
	s.lastErr = terr.Error()
	s.mu.Unlock()
	s.emit(telemetry.KindError, StateError, terr.Error())
	s.logger.Warn("connect failed", logging.Err(terr))
	s.setState(StateDisconnected, "")
	return terr
}

func (s *Session) candidates(ctx context.Context) []string {
	listed, err := s.driver.ListDevices(ctx)
	if err != nil {
		s.logger.Warn("device enumeration failed", logging.Err(err))
	}
	if len(listed) > 0 {
		return listed
	}
	return DefaultAddresses
}

// Disconnect releases the link. It is legal from any state and always ends
// in StateDisconnected.
func (s *Session) Disconnect() error {
	s.op.Lock()
	defer s.op.Unlock()
	var err error
	if s.transport != nil {
		err = s.transport.Close()
		s.transport = nil
	}
	s.mu.Lock()
	s.address = ""
	s.modelInSync = false
	s.livePattern = ""
	s.mu.Unlock()
	s.setState(StateDisconnected, "")
	if err != nil {
		s.logger.Warn("close failed", logging.Err(err))
		return &TransportError{Op: "disconnect", State: StateDisconnected, Err: err}
	}
	s.logger.Info("disconnected")
	return nil
}

// fail records a transport failure, passes through StateError and releases
// the link. Caller holds op.
func (s *Session) fail(op string, st State, cause error) error {
	terr := &TransportError{Op: op, State: st, Err: cause}
	s.mu.Lock()
	s.state = StateError
	s.lastErr = terr.Error()
	s.mu.Unlock()
	s.emit(telemetry.KindError, StateError, terr.Error())
	s.logger.Error("transport failure", logging.Field{Key: "op", Value: op}, logging.Err(cause))

	if s.transport != nil {
		if err := s.transport.Close(); err != nil {
			s.logger.Debug("close after failure", logging.Err(err))
		}
		s.transport = nil
	}
	s.mu.Lock()
	s.address = ""
	s.modelInSync = false
	s.livePattern = ""
	s.mu.Unlock()
	s.setState(StateDisconnected, "")
	return terr
}

// write sends payload as one transport write, moving Connected to Applying
// and back. commit runs under the status lock only after the transport
// acknowledged. Caller holds op and has checked the state.
func (s *Session) write(kind telemetry.Kind, op string, payload []byte, commit func()) error {
	s.setState(StateApplying, op)
	if err := s.transport.Write(payload); err != nil {
		return s.fail(op, StateApplying, err)
	}
	s.mu.Lock()
	s.state = StateConnected
	if commit != nil {
		commit()
	}
	s.mu.Unlock()
	s.emit(kind, StateConnected, op)
	s.logger.Debug("applied", logging.Field{Key: "op", Value: op}, logging.Field{Key: "bytes", Value: len(payload)})
	return nil
}

// Apply writes img wrapped in the sync guard as a single frame sequence. The
// channel model is not touched and is no longer assumed to match the device.
func (s *Session) Apply(ctx context.Context, img regs.Image) error {
	if err := s.acquire(); err != nil {
		return err
	}
	defer s.op.Unlock()
	if err := s.require("apply", StateConnected); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.write(telemetry.KindApply, "apply", img.Framed().Encode(), func() { s.modelInSync = false })
}

// applyBank writes next and makes it the model. Caller holds op.
func (s *Session) applyBank(ctx context.Context, op string, next *channel.Bank, commit func()) error {
	img, err := next.Image()
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.write(telemetry.KindApply, op, img.Framed().Encode(), func() {
		s.bank = next
		s.modelInSync = true
		if commit != nil {
			commit()
		}
	})
}

// ApplyChannels replaces the channel model with cfgs and makes it live. A nil
// cfgs applies the current model. On any error the model is unchanged.
func (s *Session) ApplyChannels(ctx context.Context, cfgs []channel.Config) error {
	if err := s.acquire(); err != nil {
		return err
	}
	defer s.op.Unlock()
	if err := s.require("apply channels", StateConnected); err != nil {
		return err
	}
	next := s.Bank()
	if cfgs != nil {
		if err := next.Replace(cfgs); err != nil {
			return err
		}
	}
	return s.applyBank(ctx, "apply channels", next, nil)
}

// ApplyBeamforming compiles t into the channel model and makes it live.
func (s *Session) ApplyBeamforming(ctx context.Context, t beam.Target) (beam.DelayVector, error) {
	if err := s.acquire(); err != nil {
		return nil, err
	}
	defer s.op.Unlock()
	if err := s.require("apply beamforming", StateConnected); err != nil {
		return nil, err
	}
	next := s.Bank()
	d, err := beam.Compile(s.geometry, t, next)
	if err != nil {
		return d, err
	}
	return d, s.applyBank(ctx, "apply beamforming", next, func() { s.target = t })
}

// UpdateBeamforming compiles t into the channel model without touching the
// device.
func (s *Session) UpdateBeamforming(t beam.Target) (beam.DelayVector, error) {
	if err := s.acquire(); err != nil {
		return nil, err
	}
	defer s.op.Unlock()
	next := s.Bank()
	d, err := beam.Compile(s.geometry, t, next)
	if err != nil {
		return d, err
	}
	s.mu.Lock()
	s.bank = next
	s.target = t
	s.modelInSync = false
	s.mu.Unlock()
	return d, nil
}

// ApplyPattern encodes spec and loads it into pattern memory. A spec that
// does not encode leaves the live pattern in place.
func (s *Session) ApplyPattern(ctx context.Context, spec pattern.Spec) (pattern.Memory, error) {
	if err := s.acquire(); err != nil {
		return pattern.Memory{}, err
	}
	defer s.op.Unlock()
	if err := s.require("apply pattern", StateConnected); err != nil {
		return pattern.Memory{}, err
	}
	m, err := pattern.Encode(spec)
	if err != nil {
		return pattern.Memory{}, err
	}
	if err := ctx.Err(); err != nil {
		return pattern.Memory{}, err
	}
	err = s.write(telemetry.KindPattern, "apply pattern", m.Image().Framed().Encode(), func() {
		s.livePattern = m.Kind.String()
		s.pattern = spec
	})
	return m, err
}

// Reset resets the device. Hardware and software resets invalidate the
// cached channel model; the caller must apply again before relying on it.
func (s *Session) Reset(ctx context.Context, kind ResetKind) error {
	if err := s.acquire(); err != nil {
		return err
	}
	defer s.op.Unlock()
	op := "reset " + kind.String()
	if err := s.require(op, StateConnected); err != nil {
		return err
	}

	var payload []byte
	var commit func()
	switch kind {
	case ResetHardware:
		payload = append(regs.HardwareReset(),
			regs.Image{{Page: regs.PageGlobal, Addr: regs.RegLDOControl, Value: regs.LDODisableDynamic}}.Encode()...)
		commit = func() { s.modelInSync = false; s.livePattern = "" }
	case ResetSoftware:
		payload = regs.Image{{Page: regs.PageGlobal, Addr: regs.RegControl, Value: regs.ControlSoftReset}}.Encode()
		commit = func() { s.modelInSync = false }
	case ResetMemory:
		img := make(regs.Image, 0, regs.MemoryResetTopAddr)
		for a := uint16(0); a < regs.MemoryResetTopAddr; a++ {
			img = append(img, regs.Write{Page: regs.PagePattern, Addr: a})
		}
		payload = img.Encode()
		commit = func() { s.livePattern = "" }
	default:
		return fmt.Errorf("device: unknown reset kind %d", int(kind))
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.write(telemetry.KindReset, op, payload, commit)
}

// RunDiagnostics reads the status registers back. It never changes the
// channel model.
func (s *Session) RunDiagnostics(ctx context.Context) (diagnostics.Response, error) {
	if err := s.acquire(); err != nil {
		return diagnostics.Response{}, err
	}
	defer s.op.Unlock()
	if err := s.require("run diagnostics", StateConnected); err != nil {
		return diagnostics.Response{}, err
	}
	resp, err := s.diag.Run(ctx, registerPort{s})
	s.mu.RLock()
	st := s.state
	s.mu.RUnlock()
	s.emit(telemetry.KindDiagnostics, st, fmt.Sprintf("%s, %d failed", resp.OverallStatus, resp.ErrorCount))
	return resp, err
}

// registerPort gives the diagnostics engine addressed access to the link
// while RunDiagnostics holds op.
type registerPort struct{ s *Session }

func (p registerPort) ReadRegister(ctx context.Context, page uint32, addr uint16) (uint32, error) {
	s := p.s
	if s.transport == nil {
		return 0, &TransitionError{Op: "read register", State: StateDisconnected}
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	op := fmt.Sprintf("read 0x%02X", addr)
	if err := s.transport.Write(regs.ReadRequest(page, addr)); err != nil {
		return 0, s.fail(op, StateConnected, err)
	}
	b, err := s.transport.Read(regs.ValueSize)
	if err != nil {
		return 0, s.fail(op, StateConnected, err)
	}
	if len(b) != regs.ValueSize {
		return 0, s.fail(op, StateConnected, fmt.Errorf("short read: %d bytes", len(b)))
	}
	return binary.BigEndian.Uint32(b), nil
}

func (p registerPort) WriteRegister(ctx context.Context, page uint32, addr uint16, value uint32) error {
	s := p.s
	if s.transport == nil {
		return &TransitionError{Op: "write register", State: StateDisconnected}
	}
	op := fmt.Sprintf("write 0x%02X", addr)
	if err := s.transport.Write(regs.Image{{Page: page, Addr: addr, Value: value}}.Encode()); err != nil {
		return s.fail(op, StateConnected, err)
	}
	return nil
}

// SetChannel edits one channel in the model.
func (s *Session) SetChannel(id int, f channel.Fields) error {
	return s.edit(func(b *channel.Bank) error { return b.Set(id, f) })
}

// ReplaceChannels overwrites the listed channels in the model.
func (s *Session) ReplaceChannels(cfgs []channel.Config) error {
	return s.edit(func(b *channel.Bank) error { return b.Replace(cfgs) })
}

// ApplyChannelPreset applies p to the model.
func (s *Session) ApplyChannelPreset(p channel.Preset) error {
	return s.edit(func(b *channel.Bank) error { return b.ApplyPreset(p) })
}

// ResetChannels restores every channel to its default in the model.
func (s *Session) ResetChannels() error {
	return s.edit(func(b *channel.Bank) error { b.ResetAll(); return nil })
}

// LoadModel replaces the model, target and pattern selection, typically from
// a stored profile. Nothing is written to the device.
func (s *Session) LoadModel(bank *channel.Bank, t beam.Target, spec pattern.Spec) error {
	if err := s.acquire(); err != nil {
		return err
	}
	defer s.op.Unlock()
	if bank == nil {
		return fmt.Errorf("%w: nil channel bank", channel.ErrIncompleteConfiguration)
	}
	if err := t.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.bank = bank.Clone()
	s.target = t
	s.pattern = spec
	s.modelInSync = false
	s.mu.Unlock()
	return nil
}

func (s *Session) edit(fn func(*channel.Bank) error) error {
	if err := s.acquire(); err != nil {
		return err
	}
	defer s.op.Unlock()
	next := s.Bank()
	if err := fn(next); err != nil {
		return err
	}
	s.mu.Lock()
	if !next.Equal(s.bank) {
		s.modelInSync = false
	}
	s.bank = next
	s.mu.Unlock()
	return nil
}
