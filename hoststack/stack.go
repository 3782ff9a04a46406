// Package hoststack provides socket.Stack on top of the host operating
// system's sockets.
//
// Plain sockets are driven with blocking system calls. Secured sockets are
// upgraded after connect or accept: TLS 1.2 through crypto/tls and DTLS 1.2
// through pion/dtls, with credentials taken from a CredentialSource by
// security tag. Descriptors handed to the engine are entries of a
// resource.Table, so they are small, stable and reused oldest first.
package hoststack

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/wippyai/sockrelay/keystore"
	"github.com/wippyai/sockrelay/resource"
	"github.com/wippyai/sockrelay/socket"
)

// DefaultHandshakeTimeout bounds a TLS or DTLS handshake.
const DefaultHandshakeTimeout = 30 * time.Second

// CredentialSource supplies loaded credentials by security tag.
type CredentialSource interface {
	Credential(tag uint32) (*keystore.Credential, error)
}

// Config configures a Stack.
type Config struct {
	// Credentials serves TLS material for secured sockets. When nil,
	// secured sockets fail to attach security tags.
	Credentials CredentialSource

	// HandshakeTimeout bounds TLS and DTLS handshakes.
	// 0 means DefaultHandshakeTimeout.
	HandshakeTimeout time.Duration
}

// Stack implements socket.Stack.
type Stack struct {
	creds            CredentialSource
	table            *resource.Table[socket.Conn]
	log              *zap.Logger
	handshakeTimeout time.Duration
}

var (
	_ socket.Stack     = (*Stack)(nil)
	_ CredentialSource = (*keystore.Store)(nil)
)

// New creates a host stack.
func New(cfg Config) *Stack {
	s := &Stack{
		creds:            cfg.Credentials,
		table:            resource.NewTable[socket.Conn](),
		log:              Logger(),
		handshakeTimeout: cfg.HandshakeTimeout,
	}
	if s.handshakeTimeout <= 0 {
		s.handshakeTimeout = DefaultHandshakeTimeout
	}
	s.table.Subscribe(s)
	return s
}

// Open creates a socket for the given family, transport and protocol.
func (s *Stack) Open(family socket.Family, transport socket.Transport, protocol socket.Protocol) (socket.Conn, error) {
	return s.open(family, transport, protocol)
}

// Live returns the number of open descriptors.
func (s *Stack) Live() int {
	return s.table.Len()
}

// Close closes every descriptor still open and refuses new ones.
func (s *Stack) Close() error {
	return s.table.Close()
}

// OnResourceEvent logs descriptor lifecycle events.
func (s *Stack) OnResourceEvent(ev resource.Event) {
	switch ev.Type {
	case resource.EventCreated:
		s.log.Debug("descriptor created", zap.Uint32("fd", uint32(ev.Handle)), zap.Stringer("kind", ev.Kind))
	case resource.EventDropped:
		s.log.Debug("descriptor dropped", zap.Uint32("fd", uint32(ev.Handle)), zap.Stringer("kind", ev.Kind))
	}
}

func (s *Stack) credentials(tags []uint32) ([]*keystore.Credential, error) {
	if s.creds == nil {
		return nil, fmt.Errorf("%w: no credential source", syscall.ENOENT)
	}
	creds := make([]*keystore.Credential, 0, len(tags))
	for _, tag := range tags {
		c, err := s.creds.Credential(tag)
		if err != nil {
			return nil, fmt.Errorf("%w: sec tag %d: %w", syscall.ENOENT, tag, err)
		}
		creds = append(creds, c)
	}
	return creds, nil
}

func (s *Stack) handshakeContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return context.WithTimeout(parent, s.handshakeTimeout)
}
