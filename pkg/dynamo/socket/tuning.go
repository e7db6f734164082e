// Package socket provides socket-level tuning for the daemon's listening
// and accepted descriptors, plus the sendfile fast path for file-backed
// responses.
package socket

import (
	"errors"

	"golang.org/x/sys/unix"
)

// Shared errors.
var (
	// ErrAgain reports that the operation would block.
	ErrAgain = errors.New("socket: operation would block")

	// ErrNotSupported reports that the platform lacks the primitive.
	ErrNotSupported = errors.New("socket: not supported on this platform")
)

// Options control per-socket tuning applied at listen and accept time.
type Options struct {
	// NoDelay disables Nagle's algorithm on accepted sockets. Responses
	// are written in large blocks, so coalescing only adds latency.
	NoDelay bool

	// ReuseAddr sets SO_REUSEADDR on the listener, allowing fast restarts
	// while old connections linger in TIME_WAIT.
	ReuseAddr bool

	// RecvBufferSize sets SO_RCVBUF on accepted sockets when non-zero.
	RecvBufferSize int

	// SendBufferSize sets SO_SNDBUF on accepted sockets when non-zero.
	SendBufferSize int
}

// DefaultOptions returns the tuning applied when the daemon is not
// configured otherwise.
func DefaultOptions() Options {
	return Options{
		NoDelay:   true,
		ReuseAddr: true,
	}
}

// ApplyListener tunes a listening socket before bind.
func (o Options) ApplyListener(fd int) error {
	if o.ReuseAddr {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			return err
		}
	}
	return applyListenerPlatform(fd, o)
}

// ApplyConn tunes an accepted socket.
func (o Options) ApplyConn(fd int) error {
	if o.NoDelay {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
			return err
		}
	}
	if o.RecvBufferSize > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, o.RecvBufferSize); err != nil {
			return err
		}
	}
	if o.SendBufferSize > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, o.SendBufferSize); err != nil {
			return err
		}
	}
	return applyConnPlatform(fd, o)
}
