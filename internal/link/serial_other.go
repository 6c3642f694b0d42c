//go:build !linux

package link

import (
	"errors"
	"time"
)

// Serial is only implemented on Linux.
type Serial struct{}

// OpenSerial always fails on this platform.
func OpenSerial(device string, baud int, timeout time.Duration) (*Serial, error) {
	return nil, errors.ErrUnsupported
}

func (s *Serial) Write([]byte) error       { return errors.ErrUnsupported }
func (s *Serial) Read(int) ([]byte, error) { return nil, errors.ErrUnsupported }
func (s *Serial) Close() error             { return nil }
func (s *Serial) Device() string           { return "" }
