package resolver

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"slices"
	"testing"
	"time"

	"golang.org/x/net/dns/dnsmessage"
)

// startServer runs a UDP DNS server answering from records until the test ends.
// Names missing from records get NXDOMAIN.
func startServer(t *testing.T, records map[string][]netip.Addr) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { pc.Close() })

	go func() {
		buf := make([]byte, 1500)
		for {
			n, from, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			var req dnsmessage.Message
			if err := req.Unpack(buf[:n]); err != nil || len(req.Questions) != 1 {
				continue
			}
			q := req.Questions[0]
			resp := dnsmessage.Message{
				Header: dnsmessage.Header{
					ID:               req.Header.ID,
					Response:         true,
					RecursionDesired: req.Header.RecursionDesired,
				},
				Questions: req.Questions,
			}

			addrs, ok := records[q.Name.String()]
			if !ok {
				resp.Header.RCode = dnsmessage.RCodeNameError
			}
			for _, a := range addrs {
				hdr := dnsmessage.ResourceHeader{Name: q.Name, Class: dnsmessage.ClassINET, TTL: 60}
				switch {
				case a.Is4() && q.Type == dnsmessage.TypeA:
					hdr.Type = dnsmessage.TypeA
					resp.Answers = append(resp.Answers, dnsmessage.Resource{Header: hdr, Body: &dnsmessage.AResource{A: a.As4()}})
				case a.Is6() && q.Type == dnsmessage.TypeAAAA:
					hdr.Type = dnsmessage.TypeAAAA
					resp.Answers = append(resp.Answers, dnsmessage.Resource{Header: hdr, Body: &dnsmessage.AAAAResource{AAAA: a.As16()}})
				}
			}

			// A stray reply with the wrong ID goes out first.
			stray := resp
			stray.Header.ID++
			if out, err := stray.Pack(); err == nil {
				_, _ = pc.WriteTo(out, from)
			}
			if out, err := resp.Pack(); err == nil {
				_, _ = pc.WriteTo(out, from)
			}
		}
	}()
	return pc.LocalAddr().String()
}

func TestResolver_Resolve(t *testing.T) {
	server := startServer(t, map[string][]netip.Addr{
		"dual.example.":   {netip.MustParseAddr("2001:db8::5"), netip.MustParseAddr("192.0.2.5")},
		"v6only.example.": {netip.MustParseAddr("2001:db8::6")},
		"empty.example.":  nil,
	})

	r, err := New(Config{Servers: []string{server}, Timeout: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	tests := []struct {
		host     string
		want     []string
		notFound bool
	}{
		{host: "dual.example", want: []string{"192.0.2.5", "2001:db8::5"}},
		{host: "v6only.example.", want: []string{"2001:db8::6"}},
		{host: "empty.example", notFound: true},
		{host: "missing.example", notFound: true},
	}

	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			got, err := r.Resolve(ctx, tt.host)
			if tt.notFound {
				if !errors.Is(err, ErrNotFound) {
					t.Errorf("err = %v, want ErrNotFound", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			var want []netip.Addr
			for _, s := range tt.want {
				want = append(want, netip.MustParseAddr(s))
			}
			if !slices.Equal(got, want) {
				t.Errorf("Resolve = %v, want %v", got, want)
			}
		})
	}
}

func TestResolver_FailsOver(t *testing.T) {
	// Nothing listens on the first server.
	dead, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	deadAddr := dead.LocalAddr().String()
	dead.Close()

	live := startServer(t, map[string][]netip.Addr{
		"host.example.": {netip.MustParseAddr("198.51.100.1")},
	})

	r, err := New(Config{Servers: []string{deadAddr, live}, Timeout: 300 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	got, err := r.Resolve(context.Background(), "host.example")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(got) != 1 || got[0] != netip.MustParseAddr("198.51.100.1") {
		t.Errorf("Resolve = %v", got)
	}
}

func TestResolver_AllServersFail(t *testing.T) {
	dead, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := dead.LocalAddr().String()
	dead.Close()

	r, err := New(Config{Servers: []string{addr}, Timeout: 200 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	_, err = r.Resolve(context.Background(), "host.example")
	if !errors.Is(err, ErrNoServers) {
		t.Errorf("err = %v, want ErrNoServers", err)
	}
}

func TestServerAddr(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "192.0.2.53", want: "192.0.2.53:53"},
		{in: "192.0.2.53:5353", want: "192.0.2.53:5353"},
		{in: "2001:db8::53", want: "[2001:db8::53]:53"},
		{in: "[2001:db8::53]:54", want: "[2001:db8::53]:54"},
		{in: "dns.example:53", want: "dns.example:53"},
		{in: "dns.example", wantErr: true},
	}
	for _, tt := range tests {
		got, err := serverAddr(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("serverAddr(%q) should fail", tt.in)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("serverAddr(%q) = %q, %v, want %q", tt.in, got, err, tt.want)
		}
	}
}

func TestSortByFamily(t *testing.T) {
	in := []netip.Addr{
		netip.MustParseAddr("2001:db8::1"),
		netip.MustParseAddr("::ffff:192.0.2.1"),
		netip.MustParseAddr("2001:db8::2"),
		netip.MustParseAddr("192.0.2.2"),
	}
	want := []netip.Addr{
		netip.MustParseAddr("192.0.2.1"),
		netip.MustParseAddr("192.0.2.2"),
		netip.MustParseAddr("2001:db8::1"),
		netip.MustParseAddr("2001:db8::2"),
	}
	if got := sortByFamily(in); !slices.Equal(got, want) {
		t.Errorf("sortByFamily = %v, want %v", got, want)
	}
}
