package socket

import (
	"context"
	"net/netip"
	"time"
)

// Stack creates OS sockets.
type Stack interface {
	Open(family Family, transport Transport, protocol Protocol) (Conn, error)
}

// Conn is one OS socket descriptor owned by the engine.
//
// Calls block until the OS operation completes. Errors should wrap the
// syscall.Errno that caused them so the engine can report it.
type Conn interface {
	// FD is the descriptor reported to the controller.
	FD() int

	Bind(addr netip.AddrPort) error
	// Connect connects the socket and, for secured sockets, completes the
	// handshake. ctx bounds name resolution and handshakes only.
	Connect(ctx context.Context, addr netip.AddrPort) error
	Listen(backlog int) error
	Accept(ctx context.Context) (Conn, netip.AddrPort, error)

	Send(p []byte) (int, error)
	// Recv returns 0, nil when the peer shut down gracefully.
	Recv(p []byte) (int, error)
	SendTo(p []byte, addr netip.AddrPort) (int, error)
	RecvFrom(p []byte) (int, netip.AddrPort, error)

	SetSecTags(tags []uint32) error
	SetPeerVerify(level PeerVerify) error
	SetHostname(name string) error

	SetIntOption(id OptionID, v int) error
	IntOption(id OptionID) (int, error)
	SetTimeout(id OptionID, d time.Duration) error
	Timeout(id OptionID) (time.Duration, error)
	SetStringOption(id OptionID, v string) error
	SetFlag(id OptionID) error

	Close() error
}

// Keystore makes TLS credentials available to the stack by security tag.
type Keystore interface {
	Load(tag uint32) error
	Unload(tag uint32) error
}

// NetInfo reports the device's own address.
type NetInfo interface {
	OwnAddress(family Family) (netip.Addr, error)
}

// Resolver resolves host names. Results may mix families.
type Resolver interface {
	Resolve(ctx context.Context, host string) ([]netip.Addr, error)
}
