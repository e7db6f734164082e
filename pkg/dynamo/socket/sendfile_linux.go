//go:build linux

package socket

import "golang.org/x/sys/unix"

// Sendfile splices up to n bytes from the file descriptor src to the
// socket dst starting at *off, advancing *off by the bytes sent. Returns
// ErrAgain when the socket buffer is full.
func Sendfile(dst, src int, off *int64, n int) (int, error) {
	for {
		sent, err := unix.Sendfile(dst, src, off, n)
		switch err {
		case nil:
			return sent, nil
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return 0, ErrAgain
		case unix.EINVAL, unix.ENOSYS:
			// Not spliceable (e.g. the source is not mmap-able).
			return 0, ErrNotSupported
		default:
			return sent, err
		}
	}
}
