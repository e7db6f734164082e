//go:build linux

package socket

import "golang.org/x/sys/unix"

// Linux-specific knobs.
const (
	// TCP_DEFER_ACCEPT - only wake the acceptor when data arrives.
	// Value is a timeout in seconds.
	deferAcceptSeconds = 1

	// TCP_QUICKACK - send immediate ACKs, eliminating the delayed-ACK
	// timer on the request path. Not persistent; set per connection.
	tcpQuickAck = 12
)

func applyListenerPlatform(fd int, o Options) error {
	// Best-effort: kernels with the option disabled still serve fine.
	unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_DEFER_ACCEPT, deferAcceptSeconds)
	return nil
}

func applyConnPlatform(fd int, o Options) error {
	unix.SetsockoptInt(fd, unix.IPPROTO_TCP, tcpQuickAck, 1)
	return nil
}
