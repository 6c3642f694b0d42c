// Package bridge relays bridge frames from network or stdio clients to a
// locally attached transmitter. It is the far end of the tcp:// and ssh://
// transports.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/grandcat/zeroconf"

	"github.com/rjboer/GoTX/internal/device"
	"github.com/rjboer/GoTX/internal/link"
	"github.com/rjboer/GoTX/internal/logging"
	"github.com/rjboer/GoTX/internal/regs"
)

// ErrBusy is returned to a client that connects while another one owns the
// device.
var ErrBusy = errors.New("bridge: device in use by another client")

// MaxBurstFrames bounds the frames buffered before a commit.
const MaxBurstFrames = 4096

// Server forwards frame bursts to one device. One client owns the device at
// a time; others are refused with an AckBusy reply.
type Server struct {
	mu     sync.Mutex // held by the client that owns dev
	dev    device.Transport
	logger logging.Logger
}

// New wraps dev.
func New(dev device.Transport, logger logging.Logger) *Server {
	if logger == nil {
		logger = logging.Default()
	}
	return &Server{dev: dev, logger: logger.With(logging.Component("bridge"))}
}

// ServeConn serves one client until it hangs up. Frames are buffered until
// an OpCommit, then relayed and answered with an Ack followed by the values
// of any read requests in the burst. A device failure is reported in the Ack
// and the client stays connected. A malformed frame means the stream lost
// alignment, so it is answered with AckBadFrame and the client is dropped.
func (s *Server) ServeConn(ctx context.Context, rw io.ReadWriter) error {
	if !s.mu.TryLock() {
		s.refuse(rw)
		return ErrBusy
	}
	defer s.mu.Unlock()

	frame := make([]byte, regs.FrameSize)
	var burst []byte
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		if _, err := io.ReadFull(rw, frame); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("bridge: read frame: %w", err)
		}
		fs, err := regs.DecodeFrames(frame)
		if err == nil && fs[0].Op != regs.OpCommit && len(burst) >= MaxBurstFrames*regs.FrameSize {
			err = fmt.Errorf("%w: burst longer than %d frames", regs.ErrBadFrame, MaxBurstFrames)
		}
		if err != nil {
			_, _ = rw.Write(regs.EncodeAck(regs.AckBadFrame, err))
			return err
		}
		if fs[0].Op != regs.OpCommit {
			burst = append(burst, frame...)
			continue
		}

		values, err := s.relay(burst)
		burst = nil
		reply := regs.EncodeAck(regs.AckOK, nil)
		if err != nil {
			s.logger.Warn("device rejected burst", logging.Err(err))
			reply = regs.EncodeAck(regs.AckDeviceError, err)
		} else {
			reply = append(reply, values...)
		}
		if _, err := rw.Write(reply); err != nil {
			return fmt.Errorf("bridge: write ack: %w", err)
		}
	}
}

// refuse answers the client's first commit with AckBusy. The burst is read
// off first so the close that follows does not discard the reply.
func (s *Server) refuse(rw io.ReadWriter) {
	frame := make([]byte, regs.FrameSize)
	for n := 0; n <= MaxBurstFrames; n++ {
		if _, err := io.ReadFull(rw, frame); err != nil {
			return
		}
		if regs.Op(frame[0]) == regs.OpCommit {
			break
		}
	}
	_, _ = rw.Write(regs.EncodeAck(regs.AckBusy, ErrBusy))
}

// relay writes burst to the device. Each read request ends a device write
// and its value is collected before the rest is sent. Caller holds mu.
func (s *Server) relay(burst []byte) ([]byte, error) {
	var values []byte
	start := 0
	for off := 0; off < len(burst); off += regs.FrameSize {
		if regs.Op(burst[off]) != regs.OpRead {
			continue
		}
		end := off + regs.FrameSize
		if err := s.dev.Write(burst[start:end]); err != nil {
			return nil, fmt.Errorf("bridge: device write: %w", err)
		}
		v, err := s.dev.Read(regs.ValueSize)
		if err != nil {
			return nil, fmt.Errorf("bridge: device read-back: %w", err)
		}
		values = append(values, v...)
		start = end
	}
	if start < len(burst) {
		if err := s.dev.Write(burst[start:]); err != nil {
			return nil, fmt.Errorf("bridge: device write: %w", err)
		}
	}
	return values, nil
}

// Serve accepts clients on ln until ctx is cancelled. Open connections are
// closed on the way out.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	var wg sync.WaitGroup
	var mu sync.Mutex
	conns := map[net.Conn]struct{}{}
	go func() {
		<-ctx.Done()
		ln.Close()
		mu.Lock()
		for c := range conns {
			c.Close()
		}
		mu.Unlock()
	}()

	s.logger.Info("bridge listening", logging.Field{Key: "addr", Value: ln.Addr().String()})
	for {
		c, err := ln.Accept()
		if err != nil {
			wg.Wait()
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		mu.Lock()
		conns[c] = struct{}{}
		mu.Unlock()

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				mu.Lock()
				delete(conns, c)
				mu.Unlock()
				c.Close()
			}()
			peer := logging.Field{Key: "peer", Value: c.RemoteAddr().String()}
			s.logger.Info("client connected", peer)
			if err := s.ServeConn(ctx, c); err != nil {
				if errors.Is(err, ErrBusy) {
					s.logger.Info("client refused, device busy", peer)
					return
				}
				s.logger.Warn("client dropped", peer, logging.Err(err))
				return
			}
			s.logger.Info("client disconnected", peer)
		}()
	}
}

// Advertise registers the bridge under link.BridgeService until ctx ends, so
// txctl finds it when probing without an address.
func Advertise(ctx context.Context, instance string, port int, txt []string, logger logging.Logger) error {
	if logger == nil {
		logger = logging.Default()
	}
	srv, err := zeroconf.Register(instance, link.BridgeService, "local.", port, txt, nil)
	if err != nil {
		return fmt.Errorf("bridge: mdns register: %w", err)
	}
	logger.Info("mdns advertising",
		logging.Field{Key: "instance", Value: instance},
		logging.Field{Key: "service", Value: link.BridgeService},
		logging.Field{Key: "port", Value: port})
	go func() {
		<-ctx.Done()
		srv.Shutdown()
	}()
	return nil
}

// Stdio joins a reader and a writer into the stream ServeConn expects.
type Stdio struct {
	io.Reader
	io.Writer
}
