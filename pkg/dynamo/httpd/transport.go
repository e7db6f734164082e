package httpd

import (
	"io"

	"golang.org/x/sys/unix"
)

// transport is the byte-stream a connection's state machine reads from
// and writes to. The plain implementation works on a non-blocking socket;
// the TLS implementation adds a handshake phase and routes bytes through
// the record layer. Both surface would-block as ErrAgain, the state
// machine's suspension signal.
type transport interface {
	// Handshake returns nil once the transport is established, ErrAgain
	// while establishment is in progress, and any other error on failure.
	// Plain transports are established from the start.
	Handshake() error

	// Read fills p with available bytes. Returns (0, ErrAgain) when the
	// socket has no data and (0, io.EOF) when the peer half-closed.
	Read(p []byte) (int, error)

	// Write sends a prefix of p, returning the number of bytes accepted.
	// Returns (0, ErrAgain) when the socket buffer is full.
	Write(p []byte) (int, error)

	// Close releases the transport and its socket.
	Close() error

	// SendfileFd returns the raw socket descriptor for the sendfile fast
	// path, or -1 when the transport cannot accept spliced bytes (TLS).
	SendfileFd() int
}

// plainTransport is direct non-blocking socket I/O.
type plainTransport struct {
	fd int
}

func newPlainTransport(fd int) *plainTransport {
	return &plainTransport{fd: fd}
}

func (t *plainTransport) Handshake() error {
	return nil
}

func (t *plainTransport) Read(p []byte) (int, error) {
	for {
		n, err := unix.Read(t.fd, p)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return 0, ErrAgain
		case err != nil:
			return 0, err
		case n == 0:
			return 0, io.EOF
		default:
			return n, nil
		}
	}
}

func (t *plainTransport) Write(p []byte) (int, error) {
	for {
		n, err := unix.Write(t.fd, p)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return 0, ErrAgain
		case err != nil:
			return 0, err
		default:
			return n, nil
		}
	}
}

func (t *plainTransport) Close() error {
	if t.fd < 0 {
		return nil
	}
	err := unix.Close(t.fd)
	t.fd = -1
	return err
}

func (t *plainTransport) SendfileFd() int {
	return t.fd
}
