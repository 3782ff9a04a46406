//go:build linux

package hoststack

import (
	"os"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/wippyai/sockrelay/socket"
)

// maxSessionTimeout is the largest idle timeout, in seconds, accepted for
// accepted TCP sessions.
const maxSessionTimeout = 135

// Modem-specific options have no host socket equivalent and are kept as
// per-socket values.
func defaultVendorOptions() map[socket.OptionID]int {
	return map[socket.OptionID]int{
		socket.OptSilenceAll:      0,
		socket.OptIPEchoReply:     1,
		socket.OptIPv6EchoReply:   1,
		socket.OptTCPSrvSessTimeo: 0,
	}
}

func (c *Conn) SetIntOption(id socket.OptionID, v int) error {
	switch id {
	case socket.OptReuseAddr:
		return c.control(func(fd int) error {
			return os.NewSyscallError("setsockopt", unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, v))
		})
	case socket.OptSilenceAll, socket.OptIPEchoReply, socket.OptIPv6EchoReply:
		if v != 0 && v != 1 {
			return syscall.EINVAL
		}
	case socket.OptTCPSrvSessTimeo:
		if v < 0 || v > maxSessionTimeout {
			return syscall.EINVAL
		}
	default:
		return syscall.ENOPROTOOPT
	}
	if c.closed {
		return syscall.EBADF
	}
	c.vendor[id] = v
	return nil
}

func (c *Conn) IntOption(id socket.OptionID) (int, error) {
	switch id {
	case socket.OptError:
		var v int
		err := c.control(func(fd int) error {
			var err error
			v, err = unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
			return os.NewSyscallError("getsockopt", err)
		})
		return v, err
	case socket.OptReuseAddr:
		var v int
		err := c.control(func(fd int) error {
			var err error
			v, err = unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR)
			return os.NewSyscallError("getsockopt", err)
		})
		return v, err
	}
	if c.closed {
		return 0, syscall.EBADF
	}
	v, ok := c.vendor[id]
	if !ok {
		return 0, syscall.ENOPROTOOPT
	}
	return v, nil
}

func (c *Conn) SetTimeout(id socket.OptionID, d time.Duration) error {
	var opt int
	switch id {
	case socket.OptRcvTimeo:
		opt = unix.SO_RCVTIMEO
	case socket.OptSndTimeo:
		opt = unix.SO_SNDTIMEO
	default:
		return syscall.ENOPROTOOPT
	}
	if d < 0 {
		return syscall.EINVAL
	}

	tv := unix.NsecToTimeval(d.Nanoseconds())
	err := c.control(func(fd int) error {
		return os.NewSyscallError("setsockopt", unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, opt, &tv))
	})
	if err != nil {
		return err
	}
	// Upgraded sockets run non-blocking, so the timeout is also applied
	// as a deadline per call.
	if id == socket.OptRcvTimeo {
		c.rcvTimeo = d
	} else {
		c.sndTimeo = d
	}
	return nil
}

func (c *Conn) Timeout(id socket.OptionID) (time.Duration, error) {
	if c.closed {
		return 0, syscall.EBADF
	}
	switch id {
	case socket.OptRcvTimeo:
		return c.rcvTimeo, nil
	case socket.OptSndTimeo:
		return c.sndTimeo, nil
	}
	return 0, syscall.ENOPROTOOPT
}

func (c *Conn) SetStringOption(id socket.OptionID, v string) error {
	if id != socket.OptBindToDevice {
		return syscall.ENOPROTOOPT
	}
	return c.control(func(fd int) error {
		return os.NewSyscallError("setsockopt", unix.BindToDevice(fd, v))
	})
}

// SetFlag records a release-assistance hint. The host network has no radio
// to release, so the hint is only logged.
func (c *Conn) SetFlag(id socket.OptionID) error {
	if id < socket.OptRAINoData || id > socket.OptRAIWaitMore {
		return syscall.ENOPROTOOPT
	}
	if c.closed {
		return syscall.EBADF
	}
	c.stack.log.Debug("release assistance hint", zap.Int("fd", c.FD()), zap.Stringer("hint", id))
	return nil
}
