package socket

import (
	"net/netip"
	"strconv"
)

// Transport is the socket type requested by the controller.
type Transport uint8

const (
	TransportStream   Transport = 1
	TransportDatagram Transport = 2
)

func (t Transport) String() string {
	switch t {
	case TransportStream:
		return "stream"
	case TransportDatagram:
		return "datagram"
	default:
		return "transport(" + strconv.Itoa(int(t)) + ")"
	}
}

func (t Transport) valid() bool {
	return t == TransportStream || t == TransportDatagram
}

// Role selects client or server behavior for the session.
type Role uint8

const (
	RoleClient Role = 0
	RoleServer Role = 1
)

func (r Role) String() string {
	switch r {
	case RoleClient:
		return "client"
	case RoleServer:
		return "server"
	default:
		return "role(" + strconv.Itoa(int(r)) + ")"
	}
}

func (r Role) valid() bool {
	return r == RoleClient || r == RoleServer
}

// Family is the address family of the session. The numeric values are the
// ones reported by the READ form of the socket commands.
type Family uint8

const (
	FamilyUnspec Family = 0
	FamilyIPv4   Family = 1
	FamilyIPv6   Family = 2
)

func (f Family) String() string {
	switch f {
	case FamilyIPv4:
		return "IPv4"
	case FamilyIPv6:
		return "IPv6"
	default:
		return "unspecified"
	}
}

// FamilyOf returns the family of addr after unmapping IPv4-in-IPv6.
func FamilyOf(addr netip.Addr) Family {
	addr = addr.Unmap()
	switch {
	case addr.Is4():
		return FamilyIPv4
	case addr.Is6():
		return FamilyIPv6
	default:
		return FamilyUnspec
	}
}

// Matches reports whether addr belongs to family f. An unspecified
// family accepts any valid address.
func (f Family) Matches(addr netip.Addr) bool {
	if !addr.IsValid() {
		return false
	}
	return f == FamilyUnspec || FamilyOf(addr) == f
}

// Protocol is the IP protocol number used to create the socket.
type Protocol int

const (
	ProtoTCP    Protocol = 6
	ProtoUDP    Protocol = 17
	ProtoTLS12  Protocol = 258
	ProtoDTLS12 Protocol = 273
)

// ProtocolFor maps the (secure, transport) pair to a protocol number.
func ProtocolFor(secure bool, t Transport) Protocol {
	switch {
	case secure && t == TransportStream:
		return ProtoTLS12
	case secure:
		return ProtoDTLS12
	case t == TransportStream:
		return ProtoTCP
	default:
		return ProtoUDP
	}
}

func (p Protocol) String() string {
	switch p {
	case ProtoTCP:
		return "TCP"
	case ProtoUDP:
		return "UDP"
	case ProtoTLS12:
		return "TLS1.2"
	case ProtoDTLS12:
		return "DTLS1.2"
	default:
		return "proto(" + strconv.Itoa(int(p)) + ")"
	}
}

// Secure reports whether the protocol runs over TLS or DTLS.
func (p Protocol) Secure() bool {
	return p == ProtoTLS12 || p == ProtoDTLS12
}

// PeerVerify is the TLS peer verification level.
type PeerVerify uint8

const (
	PeerVerifyNone     PeerVerify = 0
	PeerVerifyOptional PeerVerify = 1
	PeerVerifyRequired PeerVerify = 2
)

func (v PeerVerify) String() string {
	switch v {
	case PeerVerifyNone:
		return "none"
	case PeerVerifyOptional:
		return "optional"
	case PeerVerifyRequired:
		return "required"
	default:
		return "verify(" + strconv.Itoa(int(v)) + ")"
	}
}

// DefaultPeerVerify returns the level applied when the controller does not
// choose one: servers do not verify clients, clients require a valid server.
func DefaultPeerVerify(r Role) PeerVerify {
	if r == RoleServer {
		return PeerVerifyNone
	}
	return PeerVerifyRequired
}

// State is the position of the session in its lifecycle.
type State uint8

const (
	StateClosed State = iota
	StateOpen
	StateBound
	StateListening
	StateConnected
	StateAccepted
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateBound:
		return "BOUND"
	case StateListening:
		return "LISTENING"
	case StateConnected:
		return "CONNECTED"
	case StateAccepted:
		return "ACCEPTED"
	default:
		return "STATE(" + strconv.Itoa(int(s)) + ")"
	}
}

// SecurityParams configures a secured session.
type SecurityParams struct {
	// PeerVerify overrides DefaultPeerVerify(role) when non-nil.
	PeerVerify     *PeerVerify
	Tag            uint32
	HostnameVerify bool
}

// OpenParams describes the session requested by Open.
type OpenParams struct {
	Security  *SecurityParams
	Transport Transport
	Role      Role
	Family    Family
	Secure    bool
}

// session is the single socket session owned by an Engine.
// The zero value is the CLOSED session.
type session struct {
	primary        Conn
	peer           Conn
	peerAddr       netip.AddrPort
	secTag         uint32
	transport      Transport
	role           Role
	family         Family
	protocol       Protocol
	state          State
	secured        bool
	hostnameVerify bool
}

func (s *session) open() bool {
	return s.primary != nil
}

// SessionStatus is a read-only snapshot of the session.
type SessionStatus struct {
	PeerAddr       netip.AddrPort
	FD             int
	PeerFD         int
	SecTag         uint32
	Transport      Transport
	Role           Role
	Family         Family
	Protocol       Protocol
	State          State
	Secured        bool
	HostnameVerify bool
}

// Open reports whether a session exists.
func (s SessionStatus) Open() bool {
	return s.State != StateClosed
}
