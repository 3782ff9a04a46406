//go:build linux

package hoststack

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"syscall"
	"time"

	"github.com/pion/dtls/v2"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/wippyai/sockrelay/resource"
	"github.com/wippyai/sockrelay/socket"
)

const closeNotifyTimeout = time.Second

// Conn is one host socket.
//
// Until a secured socket completes its handshake, fd is the raw descriptor.
// Afterwards the descriptor is owned by nc and reached through raw.
type Conn struct {
	stack    *Stack
	nc       net.Conn
	raw      syscall.RawConn
	vendor   map[socket.OptionID]int
	peer     netip.AddrPort
	sec      security
	rcvTimeo time.Duration
	sndTimeo time.Duration
	fd       int
	family   socket.Family
	proto    socket.Protocol
	handle   resource.Handle
	bound    bool
	closed   bool
	// broken is set once a TLS write times out; crypto/tls fails every
	// later write on that connection.
	broken bool
}

var (
	_ socket.Conn      = (*Conn)(nil)
	_ resource.Dropper = (*Conn)(nil)
)

func (s *Stack) open(family socket.Family, transport socket.Transport, protocol socket.Protocol) (socket.Conn, error) {
	var domain int
	switch family {
	case socket.FamilyIPv4:
		domain = unix.AF_INET
	case socket.FamilyIPv6:
		domain = unix.AF_INET6
	default:
		return nil, syscall.EAFNOSUPPORT
	}

	typ, proto, kind := unix.SOCK_STREAM, unix.IPPROTO_TCP, resource.KindStream
	if transport == socket.TransportDatagram {
		typ, proto, kind = unix.SOCK_DGRAM, unix.IPPROTO_UDP, resource.KindDatagram
	}

	fd, err := unix.Socket(domain, typ|unix.SOCK_CLOEXEC, proto)
	if err != nil {
		return nil, os.NewSyscallError("socket", err)
	}
	return s.track(kind, fd, family, protocol)
}

func (s *Stack) track(kind resource.Kind, fd int, family socket.Family, protocol socket.Protocol) (*Conn, error) {
	c := &Conn{
		stack:  s,
		fd:     fd,
		family: family,
		proto:  protocol,
		vendor: defaultVendorOptions(),
	}
	c.handle = s.table.Insert(kind, c)
	if c.handle == 0 {
		_ = unix.Close(fd)
		return nil, syscall.EBADF
	}
	return c, nil
}

// FD returns the descriptor handle.
func (c *Conn) FD() int {
	return int(c.handle)
}

// LocalAddr returns the address the socket is bound to.
func (c *Conn) LocalAddr() (netip.AddrPort, error) {
	var ap netip.AddrPort
	err := c.control(func(fd int) error {
		sa, err := unix.Getsockname(fd)
		if err != nil {
			return os.NewSyscallError("getsockname", err)
		}
		ap = fromSockaddr(sa)
		return nil
	})
	return ap, err
}

func (c *Conn) Bind(addr netip.AddrPort) error {
	fd, err := c.plainFD()
	if err != nil {
		return err
	}
	sa, err := toSockaddr(c.family, addr)
	if err != nil {
		return err
	}
	if err := unix.Bind(fd, sa); err != nil {
		return os.NewSyscallError("bind", err)
	}
	c.bound = true
	return nil
}

func (c *Conn) Connect(ctx context.Context, addr netip.AddrPort) error {
	fd, err := c.plainFD()
	if err != nil {
		return err
	}
	sa, err := toSockaddr(c.family, addr)
	if err != nil {
		return err
	}
	if err := connectFD(fd, sa); err != nil {
		return os.NewSyscallError("connect", err)
	}
	if !c.proto.Secure() {
		return nil
	}

	ctx, cancel := c.stack.handshakeContext(ctx)
	defer cancel()
	return c.upgrade(ctx, true, addr)
}

// connectFD connects fd, waiting for completion when the call is
// interrupted.
func connectFD(fd int, sa unix.Sockaddr) error {
	err := unix.Connect(fd, sa)
	if err != unix.EINTR && err != unix.EINPROGRESS {
		return err
	}
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
	for {
		_, err := unix.Poll(fds, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		break
	}
	soerr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if soerr != 0 {
		return unix.Errno(soerr)
	}
	return nil
}

func (c *Conn) Listen(backlog int) error {
	fd, err := c.plainFD()
	if err != nil {
		return err
	}
	return os.NewSyscallError("listen", unix.Listen(fd, backlog))
}

func (c *Conn) Accept(ctx context.Context) (socket.Conn, netip.AddrPort, error) {
	fd, err := c.plainFD()
	if err != nil {
		return nil, netip.AddrPort{}, err
	}

	var nfd int
	var sa unix.Sockaddr
	for {
		nfd, sa, err = unix.Accept4(fd, unix.SOCK_CLOEXEC)
		if err != unix.EINTR {
			break
		}
	}
	if err != nil {
		return nil, netip.AddrPort{}, os.NewSyscallError("accept", err)
	}
	from := fromSockaddr(sa)

	peer, err := c.stack.track(resource.KindAccepted, nfd, c.family, c.proto)
	if err != nil {
		return nil, netip.AddrPort{}, err
	}
	peer.sec = c.sec
	peer.sec.tags = append([]uint32(nil), c.sec.tags...)
	// The kernel copies SO_RCVTIMEO/SO_SNDTIMEO to the accepted fd; the
	// upgraded connection needs them as deadlines.
	peer.rcvTimeo = c.rcvTimeo
	peer.sndTimeo = c.sndTimeo

	if c.proto.Secure() {
		ctx, cancel := c.stack.handshakeContext(ctx)
		defer cancel()
		if err := peer.upgrade(ctx, false, from); err != nil {
			_ = peer.Close()
			return nil, netip.AddrPort{}, err
		}
	}
	return peer, from, nil
}

func (c *Conn) Send(p []byte) (int, error) {
	if c.nc != nil {
		return c.write(p)
	}
	fd, err := c.plainFD()
	if err != nil {
		return 0, err
	}
	return sendmsg(fd, p, nil)
}

func (c *Conn) Recv(p []byte) (int, error) {
	if c.proto == socket.ProtoDTLS12 && c.nc == nil {
		if err := c.acceptDatagramPeer(); err != nil {
			return 0, err
		}
	}
	if c.nc != nil {
		return c.read(p)
	}
	fd, err := c.plainFD()
	if err != nil {
		return 0, err
	}
	n, _, err := recvfrom(fd, p)
	return n, err
}

func (c *Conn) SendTo(p []byte, addr netip.AddrPort) (int, error) {
	if c.proto == socket.ProtoDTLS12 && c.nc == nil {
		if err := c.dialDatagramPeer(addr); err != nil {
			return 0, err
		}
	}
	if c.nc != nil {
		if c.proto == socket.ProtoDTLS12 && addr != c.peer {
			return 0, os.NewSyscallError("sendto", unix.EISCONN)
		}
		return c.write(p)
	}

	fd, err := c.plainFD()
	if err != nil {
		return 0, err
	}
	sa, err := toSockaddr(c.family, addr)
	if err != nil {
		return 0, err
	}
	return sendmsg(fd, p, sa)
}

func (c *Conn) RecvFrom(p []byte) (int, netip.AddrPort, error) {
	if c.proto == socket.ProtoDTLS12 && c.nc == nil {
		if err := c.acceptDatagramPeer(); err != nil {
			return 0, netip.AddrPort{}, err
		}
	}
	if c.nc != nil {
		n, err := c.read(p)
		return n, c.peer, err
	}
	fd, err := c.plainFD()
	if err != nil {
		return 0, netip.AddrPort{}, err
	}
	return recvfrom(fd, p)
}

// write sends on the upgraded connection. The first TLS write timeout is
// reported as ETIMEDOUT; the connection is unusable afterwards, so later
// writes fail with EPIPE.
func (c *Conn) write(p []byte) (int, error) {
	if c.broken {
		return 0, os.NewSyscallError("write", unix.EPIPE)
	}
	c.writeDeadline()
	n, err := c.nc.Write(p)
	if err == nil || c.proto != socket.ProtoTLS12 {
		return n, err
	}
	var netErr net.Error
	if errors.Is(err, os.ErrDeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		c.broken = true
		c.stack.log.Warn("TLS: write timed out, connection unusable", zap.Int("fd", c.FD()))
		return n, fmt.Errorf("%w: %w", syscall.ETIMEDOUT, err)
	}
	return n, err
}

func (c *Conn) read(p []byte) (int, error) {
	c.readDeadline()
	n, err := c.nc.Read(p)
	if errors.Is(err, io.EOF) {
		return n, nil
	}
	return n, err
}

func sendmsg(fd int, p []byte, to unix.Sockaddr) (int, error) {
	for {
		n, err := unix.SendmsgN(fd, p, nil, to, unix.MSG_NOSIGNAL)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, os.NewSyscallError("sendmsg", err)
		}
		return n, nil
	}
}

func recvfrom(fd int, p []byte) (int, netip.AddrPort, error) {
	for {
		n, sa, err := unix.Recvfrom(fd, p, 0)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, netip.AddrPort{}, os.NewSyscallError("recvfrom", err)
		}
		return n, fromSockaddr(sa), nil
	}
}

// acceptDatagramPeer waits for the first datagram, connects the socket to
// its sender and runs the DTLS server handshake. Only bound sockets serve
// peers; an unbound one has no session to read from yet.
func (c *Conn) acceptDatagramPeer() error {
	fd, err := c.plainFD()
	if err != nil {
		return err
	}
	if !c.bound {
		return syscall.ENOTCONN
	}
	var sa unix.Sockaddr
	probe := make([]byte, 1)
	for {
		_, sa, err = unix.Recvfrom(fd, probe, unix.MSG_PEEK)
		if err != unix.EINTR {
			break
		}
	}
	if err != nil {
		return os.NewSyscallError("recvfrom", err)
	}
	if err := unix.Connect(fd, sa); err != nil {
		return os.NewSyscallError("connect", err)
	}

	ctx, cancel := c.stack.handshakeContext(context.Background())
	defer cancel()
	return c.upgrade(ctx, false, fromSockaddr(sa))
}

// dialDatagramPeer connects the socket to addr and runs the DTLS client
// handshake.
func (c *Conn) dialDatagramPeer(addr netip.AddrPort) error {
	fd, err := c.plainFD()
	if err != nil {
		return err
	}
	sa, err := toSockaddr(c.family, addr)
	if err != nil {
		return err
	}
	if err := connectFD(fd, sa); err != nil {
		return os.NewSyscallError("connect", err)
	}
	ctx, cancel := c.stack.handshakeContext(context.Background())
	defer cancel()
	return c.upgrade(ctx, true, addr)
}

// upgrade hands the connected descriptor to the runtime and runs the TLS or
// DTLS handshake over it.
func (c *Conn) upgrade(ctx context.Context, client bool, peer netip.AddrPort) error {
	creds, err := c.stack.credentials(c.sec.tags)
	if err != nil {
		return err
	}
	m := merge(creds)

	f := os.NewFile(uintptr(c.fd), "sockrelay")
	nc, err := net.FileConn(f)
	_ = f.Close()
	c.fd = -1
	if err != nil {
		return err
	}
	if sc, ok := nc.(syscall.Conn); ok {
		c.raw, _ = sc.SyscallConn()
	}

	log := c.stack.log.With(zap.Int("fd", c.FD()), zap.Stringer("peer", peer))
	switch c.proto {
	case socket.ProtoTLS12:
		cfg, err := tlsConfig(log, m, c.sec, client)
		if err != nil {
			_ = nc.Close()
			return err
		}
		var tc *tls.Conn
		if client {
			tc = tls.Client(nc, cfg)
		} else {
			tc = tls.Server(nc, cfg)
		}
		if err := tc.HandshakeContext(ctx); err != nil {
			_ = tc.Close()
			return handshakeError(err)
		}
		c.nc = tc

	case socket.ProtoDTLS12:
		cfg, err := dtlsConfig(log, m, c.sec, client)
		if err != nil {
			_ = nc.Close()
			return err
		}
		var dc *dtls.Conn
		if client {
			dc, err = dtls.ClientWithContext(ctx, nc, cfg)
		} else {
			dc, err = dtls.ServerWithContext(ctx, nc, cfg)
		}
		if err != nil {
			_ = nc.Close()
			return handshakeError(err)
		}
		c.nc = dc

	default:
		_ = nc.Close()
		return syscall.EPROTONOSUPPORT
	}

	c.peer = peer
	log.Debug("handshake complete", zap.Bool("client", client), zap.Stringer("protocol", c.proto))
	return nil
}

func (c *Conn) readDeadline() {
	var t time.Time
	if c.rcvTimeo > 0 {
		t = time.Now().Add(c.rcvTimeo)
	}
	_ = c.nc.SetReadDeadline(t)
}

func (c *Conn) writeDeadline() {
	var t time.Time
	if c.sndTimeo > 0 {
		t = time.Now().Add(c.sndTimeo)
	}
	_ = c.nc.SetWriteDeadline(t)
}

func (c *Conn) SetSecTags(tags []uint32) error {
	if !c.proto.Secure() {
		return syscall.EOPNOTSUPP
	}
	if _, err := c.stack.credentials(tags); err != nil {
		return err
	}
	c.sec.tags = append([]uint32(nil), tags...)
	return nil
}

func (c *Conn) SetPeerVerify(level socket.PeerVerify) error {
	if !c.proto.Secure() {
		return syscall.EOPNOTSUPP
	}
	if level > socket.PeerVerifyRequired {
		return syscall.EINVAL
	}
	c.sec.verify = level
	return nil
}

func (c *Conn) SetHostname(name string) error {
	if !c.proto.Secure() {
		return syscall.EOPNOTSUPP
	}
	c.sec.hostname = name
	return nil
}

// Close closes the socket and releases its descriptor handle.
func (c *Conn) Close() error {
	if c.closed {
		return nil
	}
	err := c.release()
	c.stack.table.Remove(c.handle)
	return err
}

// Drop releases the socket when its handle is removed from the table.
func (c *Conn) Drop() {
	_ = c.release()
}

func (c *Conn) release() error {
	if c.closed {
		return nil
	}
	c.closed = true

	var err error
	if c.nc != nil {
		_ = c.nc.SetWriteDeadline(time.Now().Add(closeNotifyTimeout))
		err = c.nc.Close()
		c.nc = nil
	}
	if c.fd >= 0 {
		if cerr := unix.Close(c.fd); cerr != nil && err == nil {
			err = os.NewSyscallError("close", cerr)
		}
		c.fd = -1
	}
	return err
}

// plainFD returns the raw descriptor of a socket that has not been handed
// to a TLS or DTLS session.
func (c *Conn) plainFD() (int, error) {
	switch {
	case c.closed:
		return -1, syscall.EBADF
	case c.fd < 0:
		return -1, syscall.EISCONN
	}
	return c.fd, nil
}

// control runs fn on the underlying descriptor, upgraded or not.
func (c *Conn) control(fn func(fd int) error) error {
	if c.closed {
		return syscall.EBADF
	}
	if c.fd >= 0 {
		return fn(c.fd)
	}
	if c.raw == nil {
		return syscall.EBADF
	}
	var ferr error
	if err := c.raw.Control(func(fd uintptr) { ferr = fn(int(fd)) }); err != nil {
		return err
	}
	return ferr
}

func toSockaddr(family socket.Family, ap netip.AddrPort) (unix.Sockaddr, error) {
	addr := ap.Addr().Unmap()
	switch family {
	case socket.FamilyIPv4:
		if !addr.Is4() {
			return nil, syscall.EINVAL
		}
		return &unix.SockaddrInet4{Port: int(ap.Port()), Addr: addr.As4()}, nil
	case socket.FamilyIPv6:
		if !addr.Is6() {
			return nil, syscall.EINVAL
		}
		return &unix.SockaddrInet6{Port: int(ap.Port()), Addr: addr.As16()}, nil
	}
	return nil, syscall.EAFNOSUPPORT
}

func fromSockaddr(sa unix.Sockaddr) netip.AddrPort {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(sa.Addr).Unmap(), uint16(sa.Port))
	}
	return netip.AddrPort{}
}
