//go:build !linux

package socket

// Sendfile is unavailable; callers fall back to positional reads.
func Sendfile(dst, src int, off *int64, n int) (int, error) {
	return 0, ErrNotSupported
}
