package socket

import (
	"context"
	"syscall"

	"go.uber.org/zap"

	"github.com/wippyai/sockrelay/errors"
)

// Open creates the session socket and, for secured sessions, attaches the
// credential identified by p.Security.Tag.
//
// Open fails with an already_open error when a session exists; that session
// is left as it was. Any failure after the socket is created tears the
// partial socket down again, so a failed Open never leaves a session behind.
func (e *Engine) Open(ctx context.Context, p OpenParams) (*OpenAck, error) {
	if e.session.open() {
		return nil, errors.AlreadyOpen(e.session.primary.FD())
	}

	if !p.Transport.valid() {
		return nil, errors.Validation(errors.PhaseOpen, "socket type %d not supported", p.Transport)
	}
	if !p.Role.valid() {
		return nil, errors.Validation(errors.PhaseOpen, "socket role %d not supported", p.Role)
	}
	if p.Family != FamilyIPv4 && p.Family != FamilyIPv6 {
		return nil, errors.Validation(errors.PhaseOpen, "address family %d not supported", p.Family)
	}
	if p.Secure && p.Security == nil {
		return nil, errors.Validation(errors.PhaseOpen, "security tag required")
	}

	proto := ProtocolFor(p.Secure, p.Transport)
	conn, err := e.stack.Open(p.Family, p.Transport, proto)
	if err != nil {
		code := errnoOf(err)
		e.log.Error("Open: socket creation failed",
			zap.Stringer("proto", proto),
			zap.Int("errno", code),
			zap.Error(err))
		return nil, errors.Transport(errors.PhaseOpen, code, err)
	}

	s := session{
		primary:   conn,
		transport: p.Transport,
		role:      p.Role,
		family:    p.Family,
		protocol:  proto,
		state:     StateOpen,
	}

	if p.Secure {
		if err := e.secure(conn, p.Role, p.Security); err != nil {
			if cerr := conn.Close(); cerr != nil {
				e.log.Warn("Open: failed to close partial socket", zap.Int("fd", conn.FD()), zap.Error(cerr))
			}
			return nil, err
		}
		s.secured = true
		s.secTag = p.Security.Tag
		s.hostnameVerify = p.Security.HostnameVerify
	}

	e.session = s
	e.log.Debug("Open: session created",
		zap.Int("fd", conn.FD()),
		zap.Stringer("transport", p.Transport),
		zap.Stringer("role", p.Role),
		zap.Stringer("family", p.Family),
		zap.Stringer("proto", proto))

	ack := OpenAck{
		FD:        conn.FD(),
		Transport: p.Transport,
		Role:      p.Role,
		Protocol:  proto,
		Secure:    p.Secure,
	}
	e.notify(ack)
	return &ack, nil
}

// secure loads the credential and attaches it to conn. On failure the
// credential is unloaded again if it was loaded.
func (e *Engine) secure(conn Conn, role Role, sec *SecurityParams) error {
	if e.keys != nil {
		if err := e.keys.Load(sec.Tag); err != nil {
			e.log.Error("Open: failed to load credential",
				zap.Uint32("sec_tag", sec.Tag),
				zap.Error(err))
			return errors.New(errors.PhaseOpen, errors.KindTransport).
				Code(-int(syscall.EAGAIN)).
				Value(sec.Tag).
				Detail("load credential %d", sec.Tag).
				Cause(err).
				Build()
		}
	}

	verify := DefaultPeerVerify(role)
	if sec.PeerVerify != nil {
		verify = *sec.PeerVerify
	}

	err := conn.SetSecTags([]uint32{sec.Tag})
	if err == nil {
		err = conn.SetPeerVerify(verify)
	}
	if err == nil {
		return nil
	}

	code := errnoOf(err)
	e.log.Error("Open: failed to attach credential",
		zap.Uint32("sec_tag", sec.Tag),
		zap.Stringer("peer_verify", verify),
		zap.Int("errno", code),
		zap.Error(err))
	e.unload(sec.Tag)
	return errors.Transport(errors.PhaseOpen, code, err)
}

func (e *Engine) unload(tag uint32) error {
	if e.keys == nil {
		return nil
	}
	if err := e.keys.Unload(tag); err != nil {
		e.log.Warn("Keystore: failed to unload credential", zap.Uint32("sec_tag", tag), zap.Error(err))
		return err
	}
	return nil
}

// Close tears the session down and emits Closed{reason}. Close on a closed
// engine does nothing.
//
// Teardown always completes: the credential is unloaded, then the peer and
// the primary sockets are closed, then the session is reset. The first
// failure among those steps is returned.
func (e *Engine) Close(_ context.Context, reason int) error {
	if !e.session.open() {
		return nil
	}
	return e.teardown(reason)
}

func (e *Engine) teardown(reason int) error {
	s := e.session
	var first error

	if s.secured {
		if err := e.unload(s.secTag); err != nil {
			first = errors.Transport(errors.PhaseClose, errnoOf(err), err)
		}
	}

	if s.peer != nil {
		if err := s.peer.Close(); err != nil {
			e.log.Warn("Close: failed to close peer socket", zap.Int("fd", s.peer.FD()), zap.Error(err))
			if first == nil {
				first = errors.Transport(errors.PhaseClose, errnoOf(err), err)
			}
		}
	}

	if err := s.primary.Close(); err != nil {
		e.log.Warn("Close: failed to close socket", zap.Int("fd", s.primary.FD()), zap.Error(err))
		if first == nil {
			first = errors.Transport(errors.PhaseClose, errnoOf(err), err)
		}
	}

	e.session = session{}
	e.log.Debug("Close: session closed", zap.Int("reason", reason))
	e.notify(Closed{Reason: reason})
	return first
}

// fail closes the session after a transport failure and returns the error
// reported for it.
func (e *Engine) fail(phase errors.Phase, err error) error {
	code := errnoOf(err)
	e.log.Error(string(phase)+": transport failure, closing session",
		zap.Int("errno", code),
		zap.Error(err))
	_ = e.teardown(code)
	return errors.Transport(phase, code, err)
}

func (e *Engine) requireOpen(phase errors.Phase) error {
	if !e.session.open() {
		return errors.NotOpen(phase)
	}
	return nil
}
