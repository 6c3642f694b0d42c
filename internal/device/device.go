// Package device owns the single link to the transmitter and serialises every
// operation that touches it.
package device

import (
	"context"
	"errors"
	"fmt"
)

// Transport is a blocking request/response link to the bridge. Only one call
// is in flight at a time; timeouts belong to the implementation.
type Transport interface {
	Write(p []byte) error
	Read(n int) ([]byte, error)
	Close() error
}

// Driver opens transports and enumerates reachable devices.
type Driver interface {
	Open(ctx context.Context, address string) (Transport, error)
	ListDevices(ctx context.Context) ([]string, error)
}

// DefaultAddresses are tried in order when Connect is given no address and
// the driver lists nothing.
var DefaultAddresses = []string{"FT4232 Mini Module A", "TX7332", "TX7364", "TX7516"}

// State is the lifecycle state of a session.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateApplying
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateApplying:
		return "applying"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

var (
	ErrIllegalStateTransition = errors.New("device: illegal state transition")
	ErrDeviceBusy             = errors.New("device: busy")
	ErrTransport              = errors.New("device: transport failure")
)

// TransitionError reports an operation attempted from the wrong state.
type TransitionError struct {
	Op    string
	State State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("device: %s not allowed while %s", e.Op, e.State)
}

func (e *TransitionError) Is(target error) bool { return target == ErrIllegalStateTransition }

// TransportError carries a link failure and the state the session was in
// when it happened.
type TransportError struct {
	Op    string
	State State
	Err   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("device: %s failed while %s: %v", e.Op, e.State, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// ResetKind selects what Reset clears.
type ResetKind int

const (
	ResetHardware ResetKind = iota
	ResetSoftware
	ResetMemory
)

func (k ResetKind) String() string {
	switch k {
	case ResetHardware:
		return "hardware"
	case ResetSoftware:
		return "software"
	case ResetMemory:
		return "memory"
	default:
		return fmt.Sprintf("reset(%d)", int(k))
	}
}

// ParseResetKind accepts "hardware", "software" or "memory".
func ParseResetKind(s string) (ResetKind, error) {
	for _, k := range []ResetKind{ResetHardware, ResetSoftware, ResetMemory} {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("device: unknown reset kind %q", s)
}
