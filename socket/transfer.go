package socket

import (
	"context"
	"net/netip"
	"syscall"

	"go.uber.org/zap"

	"github.com/wippyai/sockrelay/errors"
)

// target returns the socket that carries data for Send and Recv. A stream
// server talks to its accepted peer, everything else uses the primary.
func (e *Engine) target(phase errors.Phase) (Conn, error) {
	s := &e.session
	if s.role == RoleServer && s.transport == TransportStream {
		if s.peer == nil {
			return nil, errors.Validation(phase, "no connection accepted")
		}
		return s.peer, nil
	}
	return s.primary, nil
}

// ioFailure classifies a send or receive error. Retry-class errors are
// reported as Status and keep the session; anything else closes it.
func (e *Engine) ioFailure(phase errors.Phase, err error) error {
	if isRetry(err) {
		code := errnoOf(err)
		e.log.Warn(string(phase)+": would block or timed out",
			zap.Int("errno", code),
			zap.Error(err))
		e.notify(Status{Code: code})
		return errors.Transient(phase, code, err)
	}
	return e.fail(phase, err)
}

// writeAll repeats write until data is consumed or write fails, and returns
// the number of bytes accepted.
func (e *Engine) writeAll(phase errors.Phase, data []byte, write func([]byte) (int, error)) (int, error) {
	offset := 0
	for offset < len(data) {
		n, err := write(data[offset:])
		if err == nil && n <= 0 {
			// No progress without an error; report it as would-block
			// instead of spinning.
			err = syscall.EAGAIN
		}
		if err != nil {
			return offset, e.ioFailure(phase, err)
		}
		offset += n
	}
	return offset, nil
}

func (e *Engine) checkLength(phase errors.Phase, n int) error {
	if n > len(e.buf) {
		e.log.Error(string(phase)+": length exceeds buffer",
			zap.Int("length", n),
			zap.Int("buffer", len(e.buf)))
		return errors.ResourceExhaustion(phase, n, len(e.buf))
	}
	return nil
}

// Send writes data to the connected socket, or to the accepted peer for a
// stream server. The number of bytes sent is always reported with
// SendResult, including after a failure.
func (e *Engine) Send(_ context.Context, data []byte) (int, error) {
	if err := e.requireOpen(errors.PhaseSend); err != nil {
		return 0, err
	}
	if err := e.checkLength(errors.PhaseSend, len(data)); err != nil {
		return 0, err
	}
	conn, err := e.target(errors.PhaseSend)
	if err != nil {
		return 0, err
	}

	sent, err := e.writeAll(errors.PhaseSend, data, conn.Send)
	e.notify(SendResult{Sent: sent})
	return sent, err
}

// Recv performs one blocking read of at most maxLength bytes. maxLength 0
// reads up to the buffer size. A return of 0 bytes with a nil error means
// the peer shut down; no event is emitted in that case.
func (e *Engine) Recv(_ context.Context, maxLength int) (int, error) {
	if err := e.requireOpen(errors.PhaseRecv); err != nil {
		return 0, err
	}
	size, err := e.readSize(errors.PhaseRecv, maxLength)
	if err != nil {
		return 0, err
	}
	conn, err := e.target(errors.PhaseRecv)
	if err != nil {
		return 0, err
	}

	n, err := conn.Recv(e.buf[:size])
	if err != nil {
		return 0, e.ioFailure(errors.PhaseRecv, err)
	}
	if n == 0 {
		e.log.Warn("recv: peer shut down", zap.Int("fd", conn.FD()))
		return 0, nil
	}

	e.notify(Payload{Data: e.payload(n)})
	e.notify(RecvResult{Count: n})
	return n, nil
}

// SendTo resolves host and sends data to it. Nothing about the target is
// kept between calls.
func (e *Engine) SendTo(ctx context.Context, host string, port uint16, data []byte) (int, error) {
	if err := e.requireOpen(errors.PhaseSendTo); err != nil {
		return 0, err
	}
	if err := e.checkLength(errors.PhaseSendTo, len(data)); err != nil {
		return 0, err
	}

	addr, err := e.resolve(ctx, errors.PhaseSendTo, host)
	if err != nil {
		return 0, err
	}

	primary := e.session.primary
	if e.session.secured && e.session.hostnameVerify {
		if err := primary.SetHostname(host); err != nil {
			return 0, e.fail(errors.PhaseSendTo, err)
		}
	}

	to := netip.AddrPortFrom(addr, port)
	sent, err := e.writeAll(errors.PhaseSendTo, data, func(p []byte) (int, error) {
		return primary.SendTo(p, to)
	})
	e.notify(SendToResult{Sent: sent})
	return sent, err
}

// RecvFrom performs one blocking datagram read on the primary socket.
// An empty datagram returns 0 and emits no events.
func (e *Engine) RecvFrom(_ context.Context, maxLength int) (int, netip.AddrPort, error) {
	if err := e.requireOpen(errors.PhaseRecvFrom); err != nil {
		return 0, netip.AddrPort{}, err
	}
	size, err := e.readSize(errors.PhaseRecvFrom, maxLength)
	if err != nil {
		return 0, netip.AddrPort{}, err
	}

	n, from, err := e.session.primary.RecvFrom(e.buf[:size])
	if err != nil {
		return 0, netip.AddrPort{}, e.ioFailure(errors.PhaseRecvFrom, err)
	}
	if n == 0 {
		return 0, from, nil
	}

	e.notify(Payload{Data: e.payload(n)})
	e.notify(RecvFromResult{Count: n, From: from})
	return n, from, nil
}

func (e *Engine) readSize(phase errors.Phase, maxLength int) (int, error) {
	if maxLength < 0 {
		return 0, errors.Validation(phase, "invalid length %d", maxLength)
	}
	if maxLength == 0 {
		return len(e.buf), nil
	}
	if err := e.checkLength(phase, maxLength); err != nil {
		return 0, err
	}
	return maxLength, nil
}

// payload copies the first n buffered bytes so the buffer can be reused.
func (e *Engine) payload(n int) []byte {
	data := make([]byte, n)
	copy(data, e.buf[:n])
	return data
}
