package netinfo

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/wippyai/sockrelay/socket"
)

func fixedInterfaces(ifaces ...Interface) func() ([]Interface, error) {
	return func() ([]Interface, error) { return ifaces, nil }
}

func addrs(ss ...string) []netip.Addr {
	out := make([]netip.Addr, 0, len(ss))
	for _, s := range ss {
		out = append(out, netip.MustParseAddr(s))
	}
	return out
}

func TestProvider_OwnAddress(t *testing.T) {
	ifaces := []Interface{
		{Name: "lo", Up: true, Loopback: true, Addrs: addrs("127.0.0.1", "::1")},
		{Name: "wwan0", Up: true, Addrs: addrs("10.64.0.7", "fe80::1", "2001:db8::7")},
		{Name: "eth0", Up: true, Addrs: addrs("192.168.1.20")},
		{Name: "eth1", Up: false, Addrs: addrs("192.168.2.20")},
	}

	tests := []struct {
		name     string
		cfg      Config
		family   socket.Family
		want     string
		wantNone bool
	}{
		{name: "first by name", family: socket.FamilyIPv4, want: "192.168.1.20"},
		{name: "pattern", cfg: Config{Interfaces: []string{"wwan*"}}, family: socket.FamilyIPv4, want: "10.64.0.7"},
		{name: "ipv6 skips link local", family: socket.FamilyIPv6, want: "2001:db8::7"},
		{name: "loopback fallback", cfg: Config{Interfaces: []string{"lo"}}, family: socket.FamilyIPv4, want: "127.0.0.1"},
		{name: "down interface ignored", cfg: Config{Interfaces: []string{"eth1"}}, family: socket.FamilyIPv4, wantNone: true},
		{name: "static override", cfg: Config{IPv4: "203.0.113.5"}, family: socket.FamilyIPv4, want: "203.0.113.5"},
		{name: "alternatives", cfg: Config{Interfaces: []string{"{eth1,wwan0}"}}, family: socket.FamilyIPv6, want: "2001:db8::7"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := New(tt.cfg)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			p.interfaces = fixedInterfaces(ifaces...)

			got, err := p.OwnAddress(tt.family)
			if tt.wantNone {
				if !errors.Is(err, ErrNoAddress) {
					t.Errorf("err = %v, want ErrNoAddress", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("OwnAddress: %v", err)
			}
			if got != netip.MustParseAddr(tt.want) {
				t.Errorf("OwnAddress = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestNew_Invalid(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"bad pattern", Config{Interfaces: []string{"[eth"}}},
		{"bad address", Config{IPv4: "not-an-ip"}},
		{"wrong family", Config{IPv4: "2001:db8::1"}},
		{"wrong family v6", Config{IPv6: "10.0.0.1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg); err == nil {
				t.Error("expected error")
			}
		})
	}
}
