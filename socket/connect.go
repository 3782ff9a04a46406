package socket

import (
	"context"
	"net/netip"

	"go.uber.org/zap"

	"github.com/wippyai/sockrelay/errors"
)

// Bind binds the session socket to the device's own address for the
// session family and the given port.
func (e *Engine) Bind(_ context.Context, port uint16) error {
	if err := e.requireOpen(errors.PhaseBind); err != nil {
		return err
	}

	if e.netinfo == nil {
		return errors.Validation(errors.PhaseBind, "no network information available")
	}
	addr, err := e.netinfo.OwnAddress(e.session.family)
	if err != nil || !addr.IsValid() {
		e.log.Error("Bind: local address unavailable",
			zap.Stringer("family", e.session.family),
			zap.Error(err))
		verr := errors.Validation(errors.PhaseBind, "no local %s address", e.session.family)
		verr.Cause = err
		return verr
	}

	local := netip.AddrPortFrom(addr, port)
	if err := e.session.primary.Bind(local); err != nil {
		return e.fail(errors.PhaseBind, err)
	}

	if e.session.state == StateOpen {
		e.session.state = StateBound
	}
	e.log.Debug("Bind: bound", zap.Stringer("addr", local))
	return nil
}

// Connect resolves host and connects the client socket to it.
//
// For secured sessions with hostname verification the host name is
// attached before connecting. A host name attached by an earlier call
// stays on the socket even if later calls would not set one.
func (e *Engine) Connect(ctx context.Context, host string, port uint16) error {
	if err := e.requireOpen(errors.PhaseConnect); err != nil {
		return err
	}
	if e.session.role != RoleClient {
		return errors.Validation(errors.PhaseConnect, "invalid role %s", e.session.role)
	}

	addr, err := e.resolve(ctx, errors.PhaseConnect, host)
	if err != nil {
		return err
	}

	if e.session.secured && e.session.hostnameVerify {
		if err := e.session.primary.SetHostname(host); err != nil {
			return e.fail(errors.PhaseConnect, err)
		}
	}

	remote := netip.AddrPortFrom(addr, port)
	if err := e.session.primary.Connect(ctx, remote); err != nil {
		return e.fail(errors.PhaseConnect, err)
	}

	e.session.state = StateConnected
	e.log.Debug("Connect: connected", zap.String("host", host), zap.Stringer("addr", remote))
	e.notify(ConnectAck{})
	return nil
}

// Listen marks the server stream socket as accepting connections.
func (e *Engine) Listen(_ context.Context) error {
	if err := e.requireOpen(errors.PhaseListen); err != nil {
		return err
	}
	if e.session.role != RoleServer {
		return errors.Validation(errors.PhaseListen, "invalid role %s", e.session.role)
	}
	if e.session.transport != TransportStream {
		return errors.Validation(errors.PhaseListen, "listen needs a stream socket")
	}

	if err := e.session.primary.Listen(listenBacklog); err != nil {
		return e.fail(errors.PhaseListen, err)
	}

	e.session.state = StateListening
	return nil
}

// Accept blocks until a client connects to the listening socket and
// records it as the session peer. Only one peer is held at a time: a peer
// left from an earlier Accept is closed before waiting for the next one.
func (e *Engine) Accept(ctx context.Context) error {
	if err := e.requireOpen(errors.PhaseAccept); err != nil {
		return err
	}
	if e.session.role != RoleServer {
		return errors.Validation(errors.PhaseAccept, "invalid role %s", e.session.role)
	}
	if e.session.transport != TransportStream {
		return errors.Validation(errors.PhaseAccept, "accept needs a stream socket")
	}
	if e.session.state != StateListening && e.session.state != StateAccepted {
		return errors.Validation(errors.PhaseAccept, "socket is %s, not listening", e.session.state)
	}
	e.dropPeer()

	peer, from, err := e.session.primary.Accept(ctx)
	if err != nil {
		e.session.peer = nil
		return e.fail(errors.PhaseAccept, err)
	}

	e.session.peer = peer
	e.session.peerAddr = from
	e.session.state = StateAccepted
	e.log.Info("Accept: connected", zap.Stringer("peer", from), zap.Int("fd", peer.FD()))
	e.notify(AcceptAck{PeerAddr: from, PeerFD: peer.FD()})
	return nil
}

// dropPeer closes the accepted peer, if any, and returns the session to
// LISTENING.
func (e *Engine) dropPeer() {
	s := &e.session
	if s.peer == nil {
		return
	}
	if err := s.peer.Close(); err != nil {
		e.log.Warn("Accept: failed to close previous peer", zap.Int("fd", s.peer.FD()), zap.Error(err))
	}
	e.log.Debug("Accept: previous peer released", zap.Int("fd", s.peer.FD()))
	s.peer = nil
	s.peerAddr = netip.AddrPort{}
	s.state = StateListening
}
