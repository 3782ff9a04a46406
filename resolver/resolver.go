// Package resolver resolves host names for the socket engine.
//
// Without configured servers it uses the system resolver. With servers it
// sends its own A and AAAA queries over UDP, trying each server in turn.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/netip"
	"strings"
	"time"

	"golang.org/x/net/dns/dnsmessage"

	"github.com/wippyai/sockrelay/socket"
)

// DefaultTimeout bounds one query to one server.
const DefaultTimeout = 2 * time.Second

const maxUDPMessage = 1232

var (
	// ErrNotFound is returned when the name has no A or AAAA records.
	ErrNotFound = errors.New("resolver: no such host")
	// ErrNoServers is returned when every configured server failed.
	ErrNoServers = errors.New("resolver: no server answered")
)

// Config configures a Resolver.
type Config struct {
	// Servers are "host" or "host:port" entries. Empty selects the system resolver.
	Servers []string
	// Timeout bounds each query. 0 means DefaultTimeout.
	Timeout time.Duration
}

// Resolver implements socket.Resolver.
type Resolver struct {
	system  *net.Resolver
	dial    func(ctx context.Context, network, address string) (net.Conn, error)
	servers []string
	timeout time.Duration
}

var _ socket.Resolver = (*Resolver)(nil)

// New creates a resolver from cfg.
func New(cfg Config) (*Resolver, error) {
	r := &Resolver{
		system:  net.DefaultResolver,
		timeout: cfg.Timeout,
	}
	if r.timeout <= 0 {
		r.timeout = DefaultTimeout
	}

	var d net.Dialer
	r.dial = d.DialContext

	for _, s := range cfg.Servers {
		addr, err := serverAddr(s)
		if err != nil {
			return nil, err
		}
		r.servers = append(r.servers, addr)
	}
	return r, nil
}

func serverAddr(s string) (string, error) {
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return ap.String(), nil
	}
	if a, err := netip.ParseAddr(s); err == nil {
		return netip.AddrPortFrom(a, 53).String(), nil
	}
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return "", fmt.Errorf("resolver: invalid server %q", s)
	}
	return net.JoinHostPort(host, port), nil
}

// Servers returns the configured server addresses.
func (r *Resolver) Servers() []string {
	return r.servers
}

// Resolve returns the IPv4 addresses of host followed by its IPv6 addresses.
func (r *Resolver) Resolve(ctx context.Context, host string) ([]netip.Addr, error) {
	if len(r.servers) == 0 {
		ctx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()
		addrs, err := r.system.LookupNetIP(ctx, "ip", host)
		if err != nil {
			var dnsErr *net.DNSError
			if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
				return nil, fmt.Errorf("%w: %s", ErrNotFound, host)
			}
			return nil, err
		}
		return sortByFamily(addrs), nil
	}

	name, err := dnsmessage.NewName(fqdn(host))
	if err != nil {
		return nil, fmt.Errorf("resolver: invalid name %q: %w", host, err)
	}

	var out []netip.Addr
	var lastErr error
	answered := false
	for _, qtype := range []dnsmessage.Type{dnsmessage.TypeA, dnsmessage.TypeAAAA} {
		addrs, err := r.query(ctx, name, qtype)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				answered = true
			}
			lastErr = err
			continue
		}
		answered = true
		out = append(out, addrs...)
	}

	if len(out) > 0 {
		return out, nil
	}
	if answered {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, host)
	}
	return nil, lastErr
}

// query asks each server in turn until one answers.
func (r *Resolver) query(ctx context.Context, name dnsmessage.Name, qtype dnsmessage.Type) ([]netip.Addr, error) {
	id := uint16(rand.Uint32())
	msg := dnsmessage.Message{
		Header: dnsmessage.Header{
			ID:               id,
			RecursionDesired: true,
		},
		Questions: []dnsmessage.Question{
			{
				Name:  name,
				Type:  qtype,
				Class: dnsmessage.ClassINET,
			},
		},
	}
	packed, err := msg.Pack()
	if err != nil {
		return nil, err
	}

	lastErr := ErrNoServers
	for _, server := range r.servers {
		addrs, err := r.exchange(ctx, server, packed, id, qtype)
		if err == nil || errors.Is(err, ErrNotFound) {
			return addrs, err
		}
		lastErr = fmt.Errorf("%w: %s: %w", ErrNoServers, server, err)
	}
	return nil, lastErr
}

func (r *Resolver) exchange(ctx context.Context, server string, packed []byte, id uint16, qtype dnsmessage.Type) ([]netip.Addr, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	conn, err := r.dial(ctx, "udp", server)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	if _, err := conn.Write(packed); err != nil {
		return nil, err
	}

	buf := make([]byte, maxUDPMessage)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return nil, err
		}

		var resp dnsmessage.Message
		if err := resp.Unpack(buf[:n]); err != nil {
			continue
		}
		// Stray or spoofed replies are skipped.
		if !resp.Header.Response || resp.Header.ID != id {
			continue
		}

		switch resp.Header.RCode {
		case dnsmessage.RCodeSuccess:
		case dnsmessage.RCodeNameError:
			return nil, ErrNotFound
		default:
			return nil, fmt.Errorf("rcode %s", resp.Header.RCode)
		}

		var addrs []netip.Addr
		for _, ans := range resp.Answers {
			switch body := ans.Body.(type) {
			case *dnsmessage.AResource:
				if qtype == dnsmessage.TypeA {
					addrs = append(addrs, netip.AddrFrom4(body.A))
				}
			case *dnsmessage.AAAAResource:
				if qtype == dnsmessage.TypeAAAA {
					addrs = append(addrs, netip.AddrFrom16(body.AAAA).Unmap())
				}
			}
		}
		if len(addrs) == 0 {
			return nil, ErrNotFound
		}
		return addrs, nil
	}
}

func fqdn(host string) string {
	if strings.HasSuffix(host, ".") {
		return host
	}
	return host + "."
}

// sortByFamily moves IPv4 addresses ahead of IPv6 ones, keeping order
// within each family.
func sortByFamily(addrs []netip.Addr) []netip.Addr {
	out := make([]netip.Addr, 0, len(addrs))
	for _, a := range addrs {
		if a.Unmap().Is4() {
			out = append(out, a.Unmap())
		}
	}
	for _, a := range addrs {
		if !a.Unmap().Is4() {
			out = append(out, a)
		}
	}
	return out
}
