//go:build !linux

package capture

import (
	"errors"
	"time"
)

// RawSocket is unavailable on this platform.
type RawSocket struct{}

// OpenRawSocket always fails: capture with IP_HDRINCL raw sockets is Linux only.
func OpenRawSocket(time.Duration) (*RawSocket, error) {
	return nil, errors.New("raw ICMP capture is only supported on linux")
}

// ReadPacket always fails.
func (s *RawSocket) ReadPacket([]byte) (int, error) {
	return 0, errors.New("raw ICMP capture is only supported on linux")
}

// Close is a no-op.
func (s *RawSocket) Close() error { return nil }
