//go:build linux

package link

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func pipeSerial(t *testing.T, timeout time.Duration) (*Serial, int) {
	t.Helper()
	var fds [2]int
	require.NoError(t, unix.Pipe(fds[:]))
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return &Serial{fd: fds[0], device: "pipe", timeout: timeout}, fds[1]
}

func TestSerialReadWithoutTimeoutBlocks(t *testing.T) {
	s, w := pipeSerial(t, 0)
	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = unix.Write(w, []byte{0xDE, 0xAD, 0xBE, 0xEF})
	}()
	b, err := s.Read(4)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xDE, 0xAD, 0xBE, 0xEF}, b)
}

func TestSerialReadTimeout(t *testing.T) {
	s, _ := pipeSerial(t, 20*time.Millisecond)
	_, err := s.Read(4)
	assert.ErrorIs(t, err, ErrTimeout)
}
