//go:build linux

package link

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

var baudRates = map[int]uint32{
	9600:    unix.B9600,
	19200:   unix.B19200,
	38400:   unix.B38400,
	57600:   unix.B57600,
	115200:  unix.B115200,
	230400:  unix.B230400,
	460800:  unix.B460800,
	921600:  unix.B921600,
	1000000: unix.B1000000,
	2000000: unix.B2000000,
	3000000: unix.B3000000,
}

// Serial is a raw 8N1 tty talking the bridge frame protocol.
type Serial struct {
	mu         sync.Mutex
	fd         int
	device     string
	timeout    time.Duration
	closed     bool
	oldTermios *unix.Termios
}

// OpenSerial opens and configures device. Reads give up after timeout.
func OpenSerial(device string, baud int, timeout time.Duration) (*Serial, error) {
	if device == "" {
		return nil, errors.New("link: serial device path required")
	}
	speed, ok := baudRates[baud]
	if !ok {
		return nil, fmt.Errorf("link: unsupported baud rate %d", baud)
	}

	fd, err := unix.Open(device, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("link: open %s: %w", device, err)
	}
	old, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("link: get termios: %w", err)
	}

	t := *old
	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON | unix.IXOFF | unix.IXANY
	t.Oflag &^= unix.OPOST
	t.Cflag &^= unix.CSIZE | unix.PARENB | unix.PARODD | unix.CSTOPB | unix.CBAUD
	t.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL | speed
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Ispeed = speed
	t.Ospeed = speed
	t.Cc[unix.VMIN] = 0
	t.Cc[unix.VTIME] = 1

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, &t); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("link: set termios: %w", err)
	}
	if err := unix.SetNonblock(fd, false); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("link: set blocking: %w", err)
	}
	// drop anything the bridge sent before we were listening
	_ = unix.IoctlSetInt(fd, unix.TCFLSH, unix.TCIOFLUSH)

	return &Serial{fd: fd, device: device, timeout: timeout, oldTermios: old}, nil
}

// Write sends p completely.
func (s *Serial) Write(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	for len(p) > 0 {
		n, err := unix.Write(s.fd, p)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("link: serial write: %w", err)
		}
		p = p[n:]
	}
	return nil
}

// Read returns exactly n bytes or fails after the configured timeout. A
// timeout of zero or less blocks until the bytes arrive.
func (s *Serial) Read(n int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	buf := make([]byte, n)
	got := 0
	deadline := time.Now().Add(s.timeout)
	for got < n {
		wait := -1 // a zero timeout waits forever
		if s.timeout > 0 {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return nil, ErrTimeout
			}
			wait = int(remaining.Milliseconds()) + 1
		}
		pfd := []unix.PollFd{{Fd: int32(s.fd), Events: unix.POLLIN}}
		ready, err := unix.Poll(pfd, wait)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return nil, fmt.Errorf("link: serial poll: %w", err)
		}
		if ready == 0 {
			return nil, ErrTimeout
		}
		if pfd[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
			return nil, io.EOF
		}
		k, err := unix.Read(s.fd, buf[got:])
		if err != nil {
			return nil, fmt.Errorf("link: serial read: %w", err)
		}
		got += k
	}
	return buf, nil
}

// Close restores the original line settings and closes the port.
func (s *Serial) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.oldTermios != nil {
		_ = unix.IoctlSetTermios(s.fd, unix.TCSETS, s.oldTermios)
	}
	return unix.Close(s.fd)
}

// Device returns the port path.
func (s *Serial) Device() string { return s.device }
