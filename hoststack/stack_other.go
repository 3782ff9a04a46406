//go:build !linux

package hoststack

import (
	"syscall"

	"github.com/wippyai/sockrelay/socket"
)

func (s *Stack) open(socket.Family, socket.Transport, socket.Protocol) (socket.Conn, error) {
	return nil, syscall.EAFNOSUPPORT
}
