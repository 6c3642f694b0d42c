package link

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rjboer/GoTX/internal/regs"
)

// TCP is a network bridge speaking the frame protocol over a stream socket.
type TCP struct {
	mu      sync.Mutex
	conn    net.Conn
	timeout time.Duration
}

// DialTCP connects to a bridge at host:port and checks that it answers an
// empty commit. A bridge already serving another client refuses with
// regs.AckBusy.
func DialTCP(ctx context.Context, address string, timeout time.Duration) (*TCP, error) {
	d := net.Dialer{Timeout: timeout}
	c, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("link: connect %s: %w", address, err)
	}
	t := newTCP(c, timeout)
	if err := t.Write(nil); err != nil {
		t.Close()
		return nil, fmt.Errorf("link: handshake %s: %w", address, err)
	}
	return t, nil
}

func newTCP(c net.Conn, timeout time.Duration) *TCP {
	return &TCP{conn: c, timeout: timeout}
}

// Write sends p followed by a commit and waits for the bridge to ack it. A
// device failure on the far side comes back as a *regs.AckError.
func (t *TCP) Write(p []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return ErrClosed
	}
	burst := append(append(make([]byte, 0, len(p)+regs.FrameSize), p...), regs.Commit()...)
	for len(burst) > 0 {
		if t.timeout > 0 {
			_ = t.conn.SetWriteDeadline(time.Now().Add(t.timeout))
		}
		n, err := t.conn.Write(burst)
		if err != nil {
			return fmt.Errorf("link: tcp write: %w", err)
		}
		burst = burst[n:]
	}
	if err := regs.ReadAck(t.readLocked); err != nil {
		return fmt.Errorf("link: tcp ack: %w", err)
	}
	return nil
}

// Read reads exactly n bytes. The socket is read unbuffered.
func (t *TCP) Read(n int) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil, ErrClosed
	}
	return t.readLocked(n)
}

func (t *TCP) readLocked(n int) ([]byte, error) {
	if t.timeout > 0 {
		_ = t.conn.SetReadDeadline(time.Now().Add(t.timeout))
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(t.conn, buf); err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("link: tcp read: %w", err)
	}
	return buf, nil
}

// Close closes the socket.
func (t *TCP) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}
