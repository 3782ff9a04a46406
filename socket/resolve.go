package socket

import (
	"context"
	"fmt"
	"net/netip"
	"syscall"

	"go.uber.org/zap"

	"github.com/wippyai/sockrelay/errors"
)

// resolve returns the first address for host and checks it against the
// session family. Resolution failures leave the session untouched.
func (e *Engine) resolve(ctx context.Context, phase errors.Phase, host string) (netip.Addr, error) {
	addrs, err := e.lookup(ctx, phase, host)
	if err != nil {
		return netip.Addr{}, err
	}

	addr := addrs[0]
	if !e.session.family.Matches(addr) {
		got := FamilyOf(addr)
		e.log.Error("resolve: address family mismatch",
			zap.String("host", host),
			zap.Stringer("want", e.session.family),
			zap.Stringer("got", got))
		return netip.Addr{}, errors.FamilyMismatch(phase, host, e.session.family.String(), got.String())
	}
	return addr, nil
}

func (e *Engine) lookup(ctx context.Context, phase errors.Phase, host string) ([]netip.Addr, error) {
	if host == "" {
		return nil, errors.Validation(phase, "empty host")
	}

	// Literal addresses skip the resolver.
	if addr, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{addr.Unmap()}, nil
	}

	addrs, err := e.resolver.Resolve(ctx, host)
	if err == nil && len(addrs) == 0 {
		err = fmt.Errorf("no address for %s", host)
	}
	if err != nil {
		e.log.Error("resolve: lookup failed", zap.String("host", host), zap.Error(err))
		return nil, errors.New(phase, errors.KindTransient).
			Code(-int(syscall.EAGAIN)).
			Value(host).
			Detail("resolve %s", host).
			Cause(err).
			Build()
	}

	out := make([]netip.Addr, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.Unmap())
	}
	return out, nil
}

// Lookup resolves host without a session. All addresses are returned in
// resolver order.
func (e *Engine) Lookup(ctx context.Context, host string) ([]netip.Addr, error) {
	return e.lookup(ctx, errors.PhaseResolve, host)
}
