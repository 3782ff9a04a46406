package hoststack

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/pion/dtls/v2"
	"go.uber.org/zap"

	"github.com/wippyai/sockrelay/keystore"
	"github.com/wippyai/sockrelay/socket"
)

// testCert returns a self-signed certificate for localhost and a pool
// trusting it.
func testCert(t *testing.T) (tls.Certificate, *x509.CertPool) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1)},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}
	pool := x509.NewCertPool()
	pool.AddCert(leaf)
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf}, pool
}

type credMap map[uint32]*keystore.Credential

func (m credMap) Credential(tag uint32) (*keystore.Credential, error) {
	c, ok := m[tag]
	if !ok {
		return nil, keystore.ErrNotLoaded
	}
	return c, nil
}

func TestMerge(t *testing.T) {
	cert, pool := testCert(t)
	m := merge([]*keystore.Credential{
		{Tag: 1, Certificates: []tls.Certificate{cert}},
		{Tag: 2, RootCAs: pool},
		{Tag: 3, PSK: []byte{1, 2}, PSKIdentity: "dev"},
		{Tag: 4, PSK: []byte{3}, PSKIdentity: "other"},
	})
	if len(m.certs) != 1 || m.roots != pool {
		t.Errorf("merge certs=%d roots=%v", len(m.certs), m.roots)
	}
	if string(m.psk) != "\x01\x02" || m.identity != "dev" {
		t.Errorf("merge psk=%v identity=%q, want first PSK", m.psk, m.identity)
	}
}

func TestTLSConfig(t *testing.T) {
	log := zap.NewNop()
	cert, pool := testCert(t)
	withCert := material{certs: []tls.Certificate{cert}, roots: pool}

	t.Run("client", func(t *testing.T) {
		cfg, err := tlsConfig(log, material{roots: pool}, security{hostname: "localhost", verify: socket.PeerVerifyRequired}, true)
		if err != nil {
			t.Fatal(err)
		}
		if cfg.MinVersion != tls.VersionTLS12 || cfg.MaxVersion != tls.VersionTLS12 {
			t.Errorf("versions = %x..%x", cfg.MinVersion, cfg.MaxVersion)
		}
		if cfg.ServerName != "localhost" || !cfg.InsecureSkipVerify || cfg.VerifyPeerCertificate == nil {
			t.Errorf("client config = %+v", cfg)
		}
	})

	t.Run("client without verification", func(t *testing.T) {
		cfg, err := tlsConfig(log, material{}, security{verify: socket.PeerVerifyNone}, true)
		if err != nil {
			t.Fatal(err)
		}
		if cfg.VerifyPeerCertificate != nil {
			t.Error("no verifier expected")
		}
	})

	t.Run("server client auth", func(t *testing.T) {
		tests := []struct {
			verify socket.PeerVerify
			want   tls.ClientAuthType
		}{
			{socket.PeerVerifyNone, tls.NoClientCert},
			{socket.PeerVerifyOptional, tls.VerifyClientCertIfGiven},
			{socket.PeerVerifyRequired, tls.RequireAndVerifyClientCert},
		}
		for _, tt := range tests {
			cfg, err := tlsConfig(log, withCert, security{verify: tt.verify}, false)
			if err != nil {
				t.Fatal(err)
			}
			if cfg.ClientAuth != tt.want || cfg.ClientCAs != pool {
				t.Errorf("%v: ClientAuth = %v", tt.verify, cfg.ClientAuth)
			}
		}
	})

	t.Run("server without certificate", func(t *testing.T) {
		_, err := tlsConfig(log, material{}, security{}, false)
		if !errors.Is(err, syscall.ENOENT) {
			t.Errorf("err = %v, want ENOENT", err)
		}
	})

	t.Run("psk only", func(t *testing.T) {
		_, err := tlsConfig(log, material{psk: []byte{1}}, security{}, true)
		if !errors.Is(err, syscall.EPROTONOSUPPORT) {
			t.Errorf("err = %v, want EPROTONOSUPPORT", err)
		}
	})
}

func TestDTLSConfig(t *testing.T) {
	log := zap.NewNop()
	cert, pool := testCert(t)

	cfg, err := dtlsConfig(log, material{psk: []byte("k"), identity: "dev"}, security{}, true)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.PSK == nil || string(cfg.PSKIdentityHint) != "dev" || len(cfg.CipherSuites) == 0 {
		t.Errorf("psk config = %+v", cfg)
	}
	if key, _ := cfg.PSK(nil); string(key) != "k" {
		t.Errorf("PSK callback = %q", key)
	}

	cfg, err = dtlsConfig(log, material{certs: []tls.Certificate{cert}, psk: []byte("k"), roots: pool}, security{verify: socket.PeerVerifyRequired}, false)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.PSK != nil || len(cfg.Certificates) != 1 {
		t.Error("certificate should take precedence over PSK")
	}
	if cfg.ClientAuth != dtls.RequireAndVerifyClientCert {
		t.Errorf("ClientAuth = %v", cfg.ClientAuth)
	}

	if _, err := dtlsConfig(log, material{}, security{}, false); !errors.Is(err, syscall.ENOENT) {
		t.Errorf("server without credentials: err = %v", err)
	}
}

func TestPeerVerifier(t *testing.T) {
	log := zap.NewNop()
	cert, pool := testCert(t)
	raw := cert.Certificate

	tests := []struct {
		name    string
		sec     security
		raw     [][]byte
		wantErr bool
	}{
		{name: "valid", sec: security{hostname: "localhost", verify: socket.PeerVerifyRequired}, raw: raw},
		{name: "no hostname", sec: security{verify: socket.PeerVerifyRequired}, raw: raw},
		{name: "wrong hostname", sec: security{hostname: "other.example", verify: socket.PeerVerifyRequired}, raw: raw, wantErr: true},
		{name: "no certificate", sec: security{verify: socket.PeerVerifyRequired}, wantErr: true},
		{name: "optional tolerates", sec: security{hostname: "other.example", verify: socket.PeerVerifyOptional}, raw: raw},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := peerVerifier(log, pool, tt.sec)(tt.raw, nil)
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}

	if peerVerifier(log, pool, security{verify: socket.PeerVerifyNone}) != nil {
		t.Error("PeerVerifyNone should not install a verifier")
	}
}

func TestHandshakeError(t *testing.T) {
	err := handshakeError(errors.New("bad record MAC"))
	if !errors.Is(err, syscall.ECONNABORTED) {
		t.Errorf("err = %v, want ECONNABORTED", err)
	}
}
