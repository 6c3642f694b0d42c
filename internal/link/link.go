// Package link provides the transports the device session talks through: an
// in-memory bridge emulator, a raw serial port, a TCP bridge and a bridge
// process started over SSH.
package link

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rjboer/GoTX/internal/device"
	"github.com/rjboer/GoTX/internal/logging"
)

var (
	ErrClosed  = errors.New("link: closed")
	ErrTimeout = errors.New("link: operation timed out")
)

// Address schemes understood by Router.
const (
	SchemeMock = "mock"
	SchemeTCP  = "tcp"
	SchemeSSH  = "ssh"
)

// Config carries the settings shared by the transports.
type Config struct {
	BaudRate         int
	Timeout          time.Duration
	DiscoveryTimeout time.Duration
	SSH              SSHConfig
}

// DefaultConfig returns the settings used when none are given.
func DefaultConfig() Config {
	return Config{
		BaudRate:         921600,
		Timeout:          2 * time.Second,
		DiscoveryTimeout: time.Second,
	}
}

// Router is a device.Driver that picks a transport from the address:
// "mock[:name]", "tcp://host:port", "ssh://[user@]host[:port]", anything else
// is a serial device path.
type Router struct {
	Config Config
	Mock   *MockDriver
	Logger logging.Logger
}

// NewRouter builds a router. A nil mock disables the mock scheme.
func NewRouter(cfg Config, mock *MockDriver, logger logging.Logger) *Router {
	if logger == nil {
		logger = logging.Default()
	}
	return &Router{Config: cfg, Mock: mock, Logger: logger.With(logging.Component("link"))}
}

// Split returns the scheme and remainder of address. Serial paths have an
// empty scheme.
func Split(address string) (scheme, rest string) {
	if address == SchemeMock {
		return SchemeMock, ""
	}
	if s, r, ok := strings.Cut(address, "://"); ok {
		return strings.ToLower(s), r
	}
	if s, r, ok := strings.Cut(address, ":"); ok && s == SchemeMock {
		return SchemeMock, r
	}
	return "", address
}

// Open implements device.Driver.
func (r *Router) Open(ctx context.Context, address string) (device.Transport, error) {
	scheme, rest := Split(address)
	r.Logger.Debug("open", logging.Field{Key: "scheme", Value: scheme}, logging.Field{Key: "address", Value: rest})
	switch scheme {
	case SchemeMock:
		if r.Mock == nil {
			return nil, fmt.Errorf("link: mock transport not enabled")
		}
		return r.Mock.Open(ctx, rest)
	case SchemeTCP:
		t, err := DialTCP(ctx, rest, r.Config.Timeout)
		if err != nil {
			return nil, err
		}
		return t, nil
	case SchemeSSH:
		cfg := r.Config.SSH
		if err := cfg.parseTarget(rest); err != nil {
			return nil, err
		}
		t, err := DialSSH(ctx, cfg, r.Config.Timeout)
		if err != nil {
			return nil, err
		}
		return t, nil
	case "":
		if r.Mock != nil && r.Mock.Has(rest) {
			return r.Mock.Open(ctx, rest)
		}
		t, err := OpenSerial(rest, r.Config.BaudRate, r.Config.Timeout)
		if err != nil {
			return nil, err
		}
		return t, nil
	default:
		return nil, fmt.Errorf("link: unknown scheme %q", scheme)
	}
}

// ListDevices implements device.Driver. It lists mock devices, local serial
// ports and bridges advertised over mDNS, in that order. Enumeration failures
// of one kind do not hide the others.
func (r *Router) ListDevices(ctx context.Context) ([]string, error) {
	var out []string
	if r.Mock != nil {
		devs, _ := r.Mock.ListDevices(ctx)
		out = append(out, devs...)
	}

	var errs []error
	ports, err := ListSerialPorts()
	if err != nil {
		errs = append(errs, err)
	}
	out = append(out, ports...)

	if r.Config.DiscoveryTimeout > 0 {
		hosts, err := DiscoverBridges(ctx, r.Config.DiscoveryTimeout)
		if err != nil {
			errs = append(errs, err)
		}
		for _, h := range hosts {
			if a := h.Address(); a != "" {
				out = append(out, a)
			}
		}
	}
	return out, errors.Join(errs...)
}

// readFull reads exactly n bytes from rd, giving up after timeout. On timeout
// abort is called before returning; it must close rd so the abandoned read
// ends and nothing it consumes is mistaken for a later reply.
func readFull(rd io.Reader, n int, timeout time.Duration, abort func()) ([]byte, error) {
	buf := make([]byte, n)
	if timeout <= 0 {
		_, err := io.ReadFull(rd, buf)
		return buf, err
	}
	done := make(chan error, 1)
	go func() {
		_, err := io.ReadFull(rd, buf)
		done <- err
	}()
	select {
	case err := <-done:
		return buf, err
	case <-time.After(timeout):
		abort()
		return nil, ErrTimeout
	}
}
