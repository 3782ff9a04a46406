package atcmd

import (
	"bytes"
	"context"
	"net/netip"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/wippyai/sockrelay/resolver"
	"github.com/wippyai/sockrelay/socket"
)

// memStack is an in-memory socket.Stack. Descriptors start at 3.
type memStack struct {
	conns  []*memConn
	nextFD int
}

func (s *memStack) Open(family socket.Family, transport socket.Transport, proto socket.Protocol) (socket.Conn, error) {
	return s.newConn(), nil
}

func (s *memStack) newConn() *memConn {
	s.nextFD++
	c := &memConn{stack: s, fd: s.nextFD + 2, ints: map[socket.OptionID]int{}}
	s.conns = append(s.conns, c)
	return c
}

type datagram struct {
	data []byte
	from netip.AddrPort
}

type memConn struct {
	stack     *memStack
	ints      map[socket.OptionID]int
	connected netip.AddrPort
	inbox     []datagram
	sent      []string
	sentTo    []netip.AddrPort
	sendErr   error
	rcvTimeo  time.Duration
	fd        int
	closed    bool
}

func (c *memConn) FD() int                                       { return c.fd }
func (c *memConn) Bind(netip.AddrPort) error                     { return nil }
func (c *memConn) Listen(int) error                              { return nil }
func (c *memConn) SetSecTags([]uint32) error                     { return nil }
func (c *memConn) SetPeerVerify(socket.PeerVerify) error         { return nil }
func (c *memConn) SetHostname(string) error                      { return nil }
func (c *memConn) SetStringOption(socket.OptionID, string) error { return nil }
func (c *memConn) SetFlag(socket.OptionID) error                 { return nil }

func (c *memConn) Connect(_ context.Context, addr netip.AddrPort) error {
	c.connected = addr
	return nil
}

func (c *memConn) Accept(context.Context) (socket.Conn, netip.AddrPort, error) {
	peer := c.stack.newConn()
	peer.inbox = c.inbox
	c.inbox = nil
	return peer, netip.MustParseAddrPort("198.51.100.7:40000"), nil
}

func (c *memConn) Send(p []byte) (int, error) {
	if c.sendErr != nil {
		return 0, c.sendErr
	}
	c.sent = append(c.sent, string(p))
	return len(p), nil
}

func (c *memConn) SendTo(p []byte, addr netip.AddrPort) (int, error) {
	c.sentTo = append(c.sentTo, addr)
	return c.Send(p)
}

func (c *memConn) Recv(p []byte) (int, error) {
	n, _, err := c.RecvFrom(p)
	return n, err
}

func (c *memConn) RecvFrom(p []byte) (int, netip.AddrPort, error) {
	if len(c.inbox) == 0 {
		return 0, netip.AddrPort{}, syscall.EAGAIN
	}
	d := c.inbox[0]
	c.inbox = c.inbox[1:]
	return copy(p, d.data), d.from, nil
}

func (c *memConn) SetIntOption(id socket.OptionID, v int) error {
	c.ints[id] = v
	return nil
}

func (c *memConn) IntOption(id socket.OptionID) (int, error) {
	return c.ints[id], nil
}

func (c *memConn) SetTimeout(id socket.OptionID, d time.Duration) error {
	c.rcvTimeo = d
	return nil
}

func (c *memConn) Timeout(socket.OptionID) (time.Duration, error) {
	return c.rcvTimeo, nil
}

func (c *memConn) Close() error {
	c.closed = true
	return nil
}

type memKeys struct {
	loaded map[uint32]bool
}

func (k *memKeys) Load(tag uint32) error {
	k.loaded[tag] = true
	return nil
}

func (k *memKeys) Unload(tag uint32) error {
	delete(k.loaded, tag)
	return nil
}

type memNetInfo struct{}

func (memNetInfo) OwnAddress(socket.Family) (netip.Addr, error) {
	return netip.MustParseAddr("10.0.0.2"), nil
}

type memResolver map[string][]netip.Addr

func (r memResolver) Resolve(_ context.Context, host string) ([]netip.Addr, error) {
	addrs, ok := r[host]
	if !ok {
		return nil, resolver.ErrNotFound
	}
	return addrs, nil
}

type session struct {
	t     *testing.T
	d     *Dispatcher
	stack *memStack
	keys  *memKeys
}

func newSession(t *testing.T) *session {
	t.Helper()
	s := &session{
		t:     t,
		stack: &memStack{},
		keys:  &memKeys{loaded: map[uint32]bool{}},
	}
	res := memResolver{
		"example.com":    {netip.MustParseAddr("93.184.216.34")},
		"dual.example":   {netip.MustParseAddr("192.0.2.1"), netip.MustParseAddr("2001:db8::1")},
		"v6only.example": {netip.MustParseAddr("2001:db8::2")},
	}
	d, err := New(socket.Config{
		Stack:      s.stack,
		Keystore:   s.keys,
		NetInfo:    memNetInfo{},
		Resolver:   res,
		BufferSize: 16,
	})
	if err != nil {
		t.Fatal(err)
	}
	s.d = d
	return s
}

// run executes line and returns the response with CRLF framing collapsed:
// each framed line becomes one "|"-terminated entry, raw payload is kept.
func (s *session) run(line string) string {
	s.t.Helper()
	var buf bytes.Buffer
	if err := s.d.Execute(context.Background(), line, &buf); err != nil {
		s.t.Fatalf("Execute(%q): %v", line, err)
	}
	out := strings.ReplaceAll(buf.String(), "\r\n\r\n", "|")
	out = strings.TrimPrefix(out, "\r\n")
	out = strings.ReplaceAll(out, "\r\n", "|")
	return out
}

func (s *session) primary() *memConn {
	return s.stack.conns[0]
}
