// Package netinfo reports the device's own IP address per address family.
package netinfo

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sort"

	"github.com/gobwas/glob"

	"github.com/wippyai/sockrelay/socket"
)

// ErrNoAddress is returned when no interface provides an address of the
// requested family.
var ErrNoAddress = errors.New("netinfo: no address available")

// Config selects where addresses come from.
type Config struct {
	// Interfaces are glob patterns matched against interface names.
	// Empty means every interface.
	Interfaces []string
	// IPv4 and IPv6 override interface discovery when set.
	IPv4 string
	IPv6 string
}

// Interface is the subset of interface state used for selection.
type Interface struct {
	Name     string
	Addrs    []netip.Addr
	Up       bool
	Loopback bool
}

// Provider implements socket.NetInfo.
type Provider struct {
	static     map[socket.Family]netip.Addr
	interfaces func() ([]Interface, error)
	patterns   []glob.Glob
}

var _ socket.NetInfo = (*Provider)(nil)

// New builds a provider from cfg.
func New(cfg Config) (*Provider, error) {
	p := &Provider{
		static:     make(map[socket.Family]netip.Addr),
		interfaces: systemInterfaces,
	}

	for _, pattern := range cfg.Interfaces {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("netinfo: interface pattern %q: %w", pattern, err)
		}
		p.patterns = append(p.patterns, g)
	}

	for family, s := range map[socket.Family]string{socket.FamilyIPv4: cfg.IPv4, socket.FamilyIPv6: cfg.IPv6} {
		if s == "" {
			continue
		}
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return nil, fmt.Errorf("netinfo: %s address: %w", family, err)
		}
		addr = addr.Unmap()
		if socket.FamilyOf(addr) != family {
			return nil, fmt.Errorf("netinfo: %s is not an %s address", s, family)
		}
		p.static[family] = addr
	}
	return p, nil
}

// OwnAddress returns the address the relay binds to for family.
//
// Static overrides win. Otherwise interfaces that are up and match the
// configured patterns are scanned in name order, preferring global unicast
// addresses over loopback ones. IPv6 link-local addresses are never used.
func (p *Provider) OwnAddress(family socket.Family) (netip.Addr, error) {
	if addr, ok := p.static[family]; ok {
		return addr, nil
	}

	ifaces, err := p.interfaces()
	if err != nil {
		return netip.Addr{}, fmt.Errorf("netinfo: list interfaces: %w", err)
	}
	sort.Slice(ifaces, func(i, j int) bool { return ifaces[i].Name < ifaces[j].Name })

	var fallback netip.Addr
	for _, iface := range ifaces {
		if !iface.Up || !p.match(iface.Name) {
			continue
		}
		for _, addr := range iface.Addrs {
			addr = addr.Unmap()
			if socket.FamilyOf(addr) != family || addr.IsLinkLocalUnicast() || addr.IsUnspecified() {
				continue
			}
			if addr.IsLoopback() || iface.Loopback {
				if !fallback.IsValid() {
					fallback = addr
				}
				continue
			}
			return addr, nil
		}
	}

	if fallback.IsValid() {
		return fallback, nil
	}
	return netip.Addr{}, fmt.Errorf("%w: %s", ErrNoAddress, family)
}

func (p *Provider) match(name string) bool {
	if len(p.patterns) == 0 {
		return true
	}
	for _, g := range p.patterns {
		if g.Match(name) {
			return true
		}
	}
	return false
}

func systemInterfaces() ([]Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	out := make([]Interface, 0, len(ifaces))
	for _, ifi := range ifaces {
		addrs, err := ifi.Addrs()
		if err != nil {
			continue
		}
		iface := Interface{
			Name:     ifi.Name,
			Up:       ifi.Flags&net.FlagUp != 0,
			Loopback: ifi.Flags&net.FlagLoopback != 0,
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			if addr, ok := netip.AddrFromSlice(ipnet.IP); ok {
				iface.Addrs = append(iface.Addrs, addr.Unmap())
			}
		}
		out = append(out, iface)
	}
	return out, nil
}
