package socket

import (
	"context"
	"fmt"
	"net/netip"
	"time"
)

// fakeStack hands out scripted connections and records every call made on them.
type fakeStack struct {
	openErr error
	opened  []*fakeConn
	calls   []string
	nextFD  int
}

func (s *fakeStack) Open(family Family, transport Transport, protocol Protocol) (Conn, error) {
	s.calls = append(s.calls, fmt.Sprintf("open %s %s %s", family, transport, protocol))
	if s.openErr != nil {
		return nil, s.openErr
	}
	s.nextFD++
	c := newFakeConn(s, s.nextFD)
	s.opened = append(s.opened, c)
	return c, nil
}

func (s *fakeStack) record(format string, args ...any) {
	s.calls = append(s.calls, fmt.Sprintf(format, args...))
}

// live returns the number of connections not yet closed.
func (s *fakeStack) live() int {
	n := 0
	for _, c := range s.opened {
		if !c.closed {
			n++
		}
	}
	return n
}

type fakeConn struct {
	stack    *fakeStack
	ints     map[OptionID]int
	timeouts map[OptionID]time.Duration
	strs     map[OptionID]string
	flags    map[OptionID]bool

	bindErr    error
	connectErr error
	listenErr  error
	acceptErr  error
	secTagErr  error
	verifyErr  error
	hostErr    error
	optErr     error
	closeErr   error

	// sendSteps scripts successive Send/SendTo results. Once exhausted
	// writes accept everything.
	sendSteps []sendStep
	recvData  [][]byte
	recvErr   error
	recvFrom  netip.AddrPort

	peer     *fakeConn
	peerAddr netip.AddrPort

	secTags  []uint32
	verify   PeerVerify
	hostname string
	sendTo   []netip.AddrPort
	written  []byte
	fd       int
	closed   bool
}

type sendStep struct {
	err error
	n   int
}

func newFakeConn(s *fakeStack, fd int) *fakeConn {
	return &fakeConn{
		stack:    s,
		fd:       fd,
		ints:     map[OptionID]int{},
		timeouts: map[OptionID]time.Duration{},
		strs:     map[OptionID]string{},
		flags:    map[OptionID]bool{},
	}
}

func (c *fakeConn) FD() int { return c.fd }

func (c *fakeConn) Bind(addr netip.AddrPort) error {
	c.stack.record("bind %d %s", c.fd, addr)
	return c.bindErr
}

func (c *fakeConn) Connect(_ context.Context, addr netip.AddrPort) error {
	c.stack.record("connect %d %s", c.fd, addr)
	return c.connectErr
}

func (c *fakeConn) Listen(backlog int) error {
	c.stack.record("listen %d %d", c.fd, backlog)
	return c.listenErr
}

func (c *fakeConn) Accept(context.Context) (Conn, netip.AddrPort, error) {
	c.stack.record("accept %d", c.fd)
	if c.acceptErr != nil {
		return nil, netip.AddrPort{}, c.acceptErr
	}
	if c.peer == nil || c.peer.closed {
		c.stack.nextFD++
		c.peer = newFakeConn(c.stack, c.stack.nextFD)
	}
	c.stack.opened = append(c.stack.opened, c.peer)
	return c.peer, c.peerAddr, nil
}

func (c *fakeConn) write(p []byte) (int, error) {
	if len(c.sendSteps) > 0 {
		step := c.sendSteps[0]
		c.sendSteps = c.sendSteps[1:]
		if step.err != nil {
			return 0, step.err
		}
		n := min(step.n, len(p))
		c.written = append(c.written, p[:n]...)
		return n, nil
	}
	c.written = append(c.written, p...)
	return len(p), nil
}

func (c *fakeConn) Send(p []byte) (int, error) {
	c.stack.record("send %d %d", c.fd, len(p))
	return c.write(p)
}

func (c *fakeConn) Recv(p []byte) (int, error) {
	c.stack.record("recv %d %d", c.fd, len(p))
	if c.recvErr != nil {
		return 0, c.recvErr
	}
	if len(c.recvData) == 0 {
		return 0, nil
	}
	n := copy(p, c.recvData[0])
	c.recvData = c.recvData[1:]
	return n, nil
}

func (c *fakeConn) SendTo(p []byte, addr netip.AddrPort) (int, error) {
	c.stack.record("sendto %d %s %d", c.fd, addr, len(p))
	c.sendTo = append(c.sendTo, addr)
	return c.write(p)
}

func (c *fakeConn) RecvFrom(p []byte) (int, netip.AddrPort, error) {
	c.stack.record("recvfrom %d %d", c.fd, len(p))
	n, err := c.Recv(p)
	return n, c.recvFrom, err
}

func (c *fakeConn) SetSecTags(tags []uint32) error {
	c.secTags = tags
	return c.secTagErr
}

func (c *fakeConn) SetPeerVerify(level PeerVerify) error {
	c.verify = level
	return c.verifyErr
}

func (c *fakeConn) SetHostname(name string) error {
	c.stack.record("hostname %d %s", c.fd, name)
	c.hostname = name
	return c.hostErr
}

func (c *fakeConn) SetIntOption(id OptionID, v int) error {
	if c.optErr != nil {
		return c.optErr
	}
	c.ints[id] = v
	return nil
}

func (c *fakeConn) IntOption(id OptionID) (int, error) {
	return c.ints[id], c.optErr
}

func (c *fakeConn) SetTimeout(id OptionID, d time.Duration) error {
	if c.optErr != nil {
		return c.optErr
	}
	c.timeouts[id] = d
	return nil
}

func (c *fakeConn) Timeout(id OptionID) (time.Duration, error) {
	return c.timeouts[id], c.optErr
}

func (c *fakeConn) SetStringOption(id OptionID, v string) error {
	if c.optErr != nil {
		return c.optErr
	}
	c.strs[id] = v
	return nil
}

func (c *fakeConn) SetFlag(id OptionID) error {
	if c.optErr != nil {
		return c.optErr
	}
	c.flags[id] = true
	return nil
}

func (c *fakeConn) Close() error {
	c.stack.record("close %d", c.fd)
	c.closed = true
	return c.closeErr
}

// fakeKeystore records load and unload in the stack call log so ordering
// against socket calls can be checked.
type fakeKeystore struct {
	stack     *fakeStack
	loadErr   error
	unloadErr error
	loaded    map[uint32]bool
}

func (k *fakeKeystore) Load(tag uint32) error {
	k.record("load %d", tag)
	if k.loadErr != nil {
		return k.loadErr
	}
	if k.loaded == nil {
		k.loaded = map[uint32]bool{}
	}
	k.loaded[tag] = true
	return nil
}

func (k *fakeKeystore) Unload(tag uint32) error {
	k.record("unload %d", tag)
	delete(k.loaded, tag)
	return k.unloadErr
}

func (k *fakeKeystore) record(format string, args ...any) {
	if k.stack != nil {
		k.stack.record(format, args...)
	}
}

type fakeNetInfo struct {
	addrs map[Family]netip.Addr
}

func (n fakeNetInfo) OwnAddress(f Family) (netip.Addr, error) {
	a, ok := n.addrs[f]
	if !ok {
		return netip.Addr{}, fmt.Errorf("no %s address", f)
	}
	return a, nil
}

type fakeResolver struct {
	hosts   map[string][]netip.Addr
	lookups []string
}

func (r *fakeResolver) Resolve(_ context.Context, host string) ([]netip.Addr, error) {
	r.lookups = append(r.lookups, host)
	addrs, ok := r.hosts[host]
	if !ok {
		return nil, fmt.Errorf("lookup %s: no such host", host)
	}
	return addrs, nil
}

type recorder struct {
	events []Event
}

func (r *recorder) Notify(ev Event) {
	r.events = append(r.events, ev)
}

func (r *recorder) closed() []Closed {
	var out []Closed
	for _, ev := range r.events {
		if c, ok := ev.(Closed); ok {
			out = append(out, c)
		}
	}
	return out
}

func (r *recorder) reset() {
	r.events = nil
}

type harness struct {
	eng   *Engine
	stack *fakeStack
	keys  *fakeKeystore
	res   *fakeResolver
	rec   *recorder
}

func newHarness(t interface{ Fatalf(string, ...any) }) *harness {
	hosts := map[string][]netip.Addr{
		"example.com":   {netip.MustParseAddr("93.184.216.34")},
		"a.example":     {netip.MustParseAddr("192.0.2.10")},
		"b.example":     {netip.MustParseAddr("192.0.2.20")},
		"v6.example":    {netip.MustParseAddr("2001:db8::1")},
		"mixed.example": {netip.MustParseAddr("2001:db8::2"), netip.MustParseAddr("192.0.2.30")},
	}
	own := fakeNetInfo{addrs: map[Family]netip.Addr{
		FamilyIPv4: netip.MustParseAddr("10.0.0.2"),
	}}

	stack := &fakeStack{nextFD: 2}
	h := &harness{
		stack: stack,
		keys:  &fakeKeystore{stack: stack},
		res:   &fakeResolver{hosts: hosts},
		rec:   &recorder{},
	}
	eng, err := New(Config{
		Stack:    h.stack,
		Keystore: h.keys,
		NetInfo:  own,
		Resolver: h.res,
		Notifier: h.rec,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.eng = eng
	return h
}

func (h *harness) primary() *fakeConn {
	return h.stack.opened[0]
}
