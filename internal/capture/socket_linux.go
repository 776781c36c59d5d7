//go:build linux

package capture

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// RawSocket is an AF_INET raw ICMP socket. Reads return whole IPv4
// datagrams, header included.
type RawSocket struct {
	fd        int
	closeOnce sync.Once
	closeErr  error
}

// OpenRawSocket opens the capture socket. readTimeout bounds each read so
// the capture loop can observe shutdown; values <= 0 use DefaultReadTimeout.
// Requires CAP_NET_RAW.
func OpenRawSocket(readTimeout time.Duration) (*RawSocket, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.IPPROTO_ICMP)
	if err != nil {
		return nil, fmt.Errorf("open raw icmp socket: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_HDRINCL, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("set IP_HDRINCL: %w", err)
	}

	tv := unix.NsecToTimeval(readTimeoutOrDefault(readTimeout).Nanoseconds())
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("set SO_RCVTIMEO: %w", err)
	}

	return &RawSocket{fd: fd}, nil
}

// ReadPacket reads one datagram into buf.
func (s *RawSocket) ReadPacket(buf []byte) (int, error) {
	n, _, err := unix.Recvfrom(s.fd, buf, 0)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR) {
			return 0, os.ErrDeadlineExceeded
		}
		return 0, fmt.Errorf("recvfrom: %w", err)
	}
	return n, nil
}

// Close closes the socket. It is safe to call more than once.
func (s *RawSocket) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = unix.Close(s.fd)
	})
	return s.closeErr
}
