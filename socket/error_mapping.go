package socket

import (
	"errors"
	"io"
	"net"
	"os"
	"syscall"
)

// errnoOf converts a stack error to the negative errno reported to the controller.
func errnoOf(err error) int {
	if err == nil {
		return 0
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		return -int(errno)
	}

	if errors.Is(err, os.ErrDeadlineExceeded) || os.IsTimeout(err) {
		return -int(syscall.ETIMEDOUT)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return -int(syscall.ETIMEDOUT)
	}

	if errors.Is(err, net.ErrClosed) {
		return -int(syscall.EBADF)
	}

	if errors.Is(err, io.ErrUnexpectedEOF) {
		return -int(syscall.ECONNRESET)
	}

	var addrErr *net.AddrError
	if errors.As(err, &addrErr) {
		return -int(syscall.EINVAL)
	}

	if os.IsPermission(err) {
		return -int(syscall.EACCES)
	}

	return -int(syscall.EIO)
}

// isRetry reports whether err is a would-block or timeout failure that
// leaves the socket usable.
func isRetry(err error) bool {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EAGAIN || errno == syscall.EWOULDBLOCK || errno == syscall.ETIMEDOUT
	}

	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return false
}
