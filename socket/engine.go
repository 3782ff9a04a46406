package socket

import (
	"context"
	"fmt"
	"net"
	"net/netip"

	"go.uber.org/zap"
)

// DefaultBufferSize is the size of the internal transfer buffer.
const DefaultBufferSize = 1024

// listenBacklog is the pending connection queue length for server sockets.
const listenBacklog = 1

// Engine executes socket commands against a single session.
//
// Engine is not safe for concurrent use. Operations run to completion,
// including blocking I/O, and the caller must not start the next operation
// before the previous one returns.
type Engine struct {
	stack    Stack
	keys     Keystore
	netinfo  NetInfo
	resolver Resolver
	notifier Notifier
	log      *zap.Logger
	buf      []byte
	session  session
}

// Config holds the collaborators of an Engine.
type Config struct {
	// Stack creates OS sockets. Required.
	Stack Stack

	// Keystore loads credentials for secured sessions. When nil the stack
	// is expected to manage credentials itself and no load or unload
	// is performed.
	Keystore Keystore

	// NetInfo supplies the local address for Bind. When nil Bind fails
	// with a validation error.
	NetInfo NetInfo

	// Resolver resolves host names. Defaults to the system resolver.
	Resolver Resolver

	// Notifier receives events. Defaults to discarding them.
	Notifier Notifier

	// BufferSize is the transfer buffer size in bytes.
	// 0 means DefaultBufferSize.
	BufferSize int
}

// New creates an engine with no open session.
func New(cfg Config) (*Engine, error) {
	if cfg.Stack == nil {
		return nil, fmt.Errorf("socket: stack is required")
	}
	if cfg.BufferSize < 0 {
		return nil, fmt.Errorf("socket: invalid buffer size %d", cfg.BufferSize)
	}

	size := cfg.BufferSize
	if size == 0 {
		size = DefaultBufferSize
	}

	e := &Engine{
		stack:    cfg.Stack,
		keys:     cfg.Keystore,
		netinfo:  cfg.NetInfo,
		resolver: cfg.Resolver,
		notifier: cfg.Notifier,
		log:      Logger(),
		buf:      make([]byte, size),
	}
	if e.resolver == nil {
		e.resolver = systemResolver{r: net.DefaultResolver}
	}
	if e.notifier == nil {
		e.notifier = nopNotifier{}
	}
	return e, nil
}

// BufferSize returns the transfer buffer size.
func (e *Engine) BufferSize() int {
	return len(e.buf)
}

// Status returns a snapshot of the current session.
func (e *Engine) Status() SessionStatus {
	s := &e.session
	st := SessionStatus{
		State:          s.state,
		Transport:      s.transport,
		Role:           s.role,
		Family:         s.family,
		Protocol:       s.protocol,
		Secured:        s.secured,
		SecTag:         s.secTag,
		HostnameVerify: s.hostnameVerify,
		PeerAddr:       s.peerAddr,
	}
	if s.primary != nil {
		st.FD = s.primary.FD()
	}
	if s.peer != nil {
		st.PeerFD = s.peer.FD()
	}
	return st
}

func (e *Engine) notify(ev Event) {
	e.notifier.Notify(ev)
}

// systemResolver resolves through the Go net package.
type systemResolver struct {
	r *net.Resolver
}

func (s systemResolver) Resolve(ctx context.Context, host string) ([]netip.Addr, error) {
	return s.r.LookupNetIP(ctx, "ip", host)
}
