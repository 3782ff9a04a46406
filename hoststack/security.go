package hoststack

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"syscall"

	"github.com/pion/dtls/v2"
	"go.uber.org/zap"

	"github.com/wippyai/sockrelay/keystore"
	"github.com/wippyai/sockrelay/socket"
)

var errNoPeerCertificate = errors.New("peer presented no certificate")

// security is the TLS setup attached to a socket before its handshake.
type security struct {
	hostname string
	tags     []uint32
	verify   socket.PeerVerify
}

// material merges the credentials of every attached tag.
type material struct {
	roots    *x509.CertPool
	identity string
	certs    []tls.Certificate
	psk      []byte
}

func merge(creds []*keystore.Credential) material {
	var m material
	for _, c := range creds {
		m.certs = append(m.certs, c.Certificates...)
		if c.RootCAs != nil && m.roots == nil {
			m.roots = c.RootCAs
		}
		if c.HasPSK() && m.psk == nil {
			m.psk = c.PSK
			m.identity = c.PSKIdentity
		}
	}
	return m
}

// peerVerifier checks a server certificate chain on the client side.
// Optional verification logs a failed check and lets the handshake proceed.
func peerVerifier(log *zap.Logger, roots *x509.CertPool, sec security) func([][]byte, [][]*x509.Certificate) error {
	if sec.verify == socket.PeerVerifyNone {
		return nil
	}
	return func(raw [][]byte, _ [][]*x509.Certificate) error {
		err := verifyChain(raw, roots, sec.hostname)
		if err == nil {
			return nil
		}
		if sec.verify == socket.PeerVerifyOptional {
			log.Warn("TLS: peer verification failed, continuing", zap.Error(err))
			return nil
		}
		return err
	}
}

func verifyChain(raw [][]byte, roots *x509.CertPool, hostname string) error {
	if len(raw) == 0 {
		return errNoPeerCertificate
	}
	certs := make([]*x509.Certificate, 0, len(raw))
	for _, der := range raw {
		c, err := x509.ParseCertificate(der)
		if err != nil {
			return fmt.Errorf("parse peer certificate: %w", err)
		}
		certs = append(certs, c)
	}
	intermediates := x509.NewCertPool()
	for _, c := range certs[1:] {
		intermediates.AddCert(c)
	}
	_, err := certs[0].Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		DNSName:       hostname,
	})
	return err
}

func tlsConfig(log *zap.Logger, m material, sec security, client bool) (*tls.Config, error) {
	if len(m.certs) == 0 && len(m.psk) > 0 {
		return nil, fmt.Errorf("%w: TLS pre-shared keys", syscall.EPROTONOSUPPORT)
	}
	cfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		MaxVersion:   tls.VersionTLS12,
		Certificates: m.certs,
	}
	if client {
		cfg.ServerName = sec.hostname
		cfg.RootCAs = m.roots
		// Chains are checked by peerVerifier so optional verification can
		// tolerate failures.
		cfg.InsecureSkipVerify = true
		cfg.VerifyPeerCertificate = peerVerifier(log, m.roots, sec)
		return cfg, nil
	}

	if len(m.certs) == 0 {
		return nil, fmt.Errorf("%w: server requires a certificate", syscall.ENOENT)
	}
	cfg.ClientCAs = m.roots
	switch sec.verify {
	case socket.PeerVerifyOptional:
		cfg.ClientAuth = tls.VerifyClientCertIfGiven
	case socket.PeerVerifyRequired:
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	default:
		cfg.ClientAuth = tls.NoClientCert
	}
	return cfg, nil
}

var pskSuites = []dtls.CipherSuiteID{
	dtls.TLS_PSK_WITH_AES_128_GCM_SHA256,
	dtls.TLS_PSK_WITH_AES_128_CCM_8,
}

func dtlsConfig(log *zap.Logger, m material, sec security, client bool) (*dtls.Config, error) {
	cfg := &dtls.Config{
		ExtendedMasterSecret: dtls.RequestExtendedMasterSecret,
	}

	// A certificate takes precedence when a tag carries both.
	if len(m.certs) == 0 && len(m.psk) > 0 {
		psk := m.psk
		cfg.PSK = func([]byte) ([]byte, error) { return psk, nil }
		cfg.PSKIdentityHint = []byte(m.identity)
		cfg.CipherSuites = pskSuites
		return cfg, nil
	}

	cfg.Certificates = m.certs
	if client {
		cfg.ServerName = sec.hostname
		cfg.RootCAs = m.roots
		cfg.InsecureSkipVerify = true
		cfg.VerifyPeerCertificate = peerVerifier(log, m.roots, sec)
		return cfg, nil
	}

	if len(m.certs) == 0 {
		return nil, fmt.Errorf("%w: server requires a certificate or PSK", syscall.ENOENT)
	}
	cfg.ClientCAs = m.roots
	switch sec.verify {
	case socket.PeerVerifyOptional:
		cfg.ClientAuth = dtls.VerifyClientCertIfGiven
	case socket.PeerVerifyRequired:
		cfg.ClientAuth = dtls.RequireAndVerifyClientCert
	default:
		cfg.ClientAuth = dtls.NoClientCert
	}
	return cfg, nil
}

// handshakeError marks a failed handshake as an aborted connection so the
// engine treats it as fatal rather than retryable.
func handshakeError(err error) error {
	return fmt.Errorf("%w: handshake: %w", syscall.ECONNABORTED, err)
}
