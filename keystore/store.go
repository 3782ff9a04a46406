// Package keystore holds TLS and DTLS credentials keyed by security tag.
//
// Credentials live on disk, one directory per tag:
//
//	<dir>/<tag>/ca.pem        trusted CA certificates
//	<dir>/<tag>/cert.pem      own certificate chain
//	<dir>/<tag>/key.pem       private key for cert.pem
//	<dir>/<tag>/psk.txt       pre-shared key, hex encoded
//	<dir>/<tag>/identity.txt  PSK identity
//
// Every file is optional but a tag must provide at least one of them.
// A credential is parsed by Load and dropped by Unload. While loaded it is
// served by Credential, and Watch reloads it when its files change.
package keystore

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// File names inside a tag directory.
const (
	FileCA       = "ca.pem"
	FileCert     = "cert.pem"
	FileKey      = "key.pem"
	FilePSK      = "psk.txt"
	FileIdentity = "identity.txt"
)

var (
	// ErrNotFound is returned when a tag has no usable credential files.
	ErrNotFound = errors.New("keystore: credential not found")
	// ErrNotLoaded is returned for tags that were never loaded or were unloaded.
	ErrNotLoaded = errors.New("keystore: credential not loaded")
)

// Credential is the parsed material of one security tag.
type Credential struct {
	RootCAs      *x509.CertPool
	PSKIdentity  string
	Certificates []tls.Certificate
	PSK          []byte
	Tag          uint32
}

// HasCertificate reports whether the credential carries an own certificate.
func (c *Credential) HasCertificate() bool {
	return len(c.Certificates) > 0
}

// HasPSK reports whether the credential carries a pre-shared key.
func (c *Credential) HasPSK() bool {
	return len(c.PSK) > 0
}

// Store loads credentials from a directory tree.
type Store struct {
	loaded map[uint32]*Credential
	log    *zap.Logger
	dir    string
	mu     sync.RWMutex
}

// New creates a store rooted at dir. The directory does not have to exist
// until a credential is loaded.
func New(dir string, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		dir:    dir,
		loaded: make(map[uint32]*Credential),
		log:    log.Named("keystore"),
	}
}

// Dir returns the root directory.
func (s *Store) Dir() string {
	return s.dir
}

// Load parses the credential files for tag and makes them available.
// Loading an already loaded tag re-reads its files.
func (s *Store) Load(tag uint32) error {
	cred, err := s.read(tag)
	if err != nil {
		s.log.Error("Load: failed", zap.Uint32("sec_tag", tag), zap.Error(err))
		return err
	}

	s.mu.Lock()
	s.loaded[tag] = cred
	s.mu.Unlock()

	s.log.Debug("Load: credential loaded",
		zap.Uint32("sec_tag", tag),
		zap.Bool("certificate", cred.HasCertificate()),
		zap.Bool("ca", cred.RootCAs != nil),
		zap.Bool("psk", cred.HasPSK()))
	return nil
}

// Unload drops a loaded credential.
func (s *Store) Unload(tag uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.loaded[tag]; !ok {
		return fmt.Errorf("%w: tag %d", ErrNotLoaded, tag)
	}
	delete(s.loaded, tag)
	return nil
}

// Credential returns the loaded credential for tag.
func (s *Store) Credential(tag uint32) (*Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cred, ok := s.loaded[tag]
	if !ok {
		return nil, fmt.Errorf("%w: tag %d", ErrNotLoaded, tag)
	}
	return cred, nil
}

// Loaded returns the loaded tags in ascending order.
func (s *Store) Loaded() []uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tags := make([]uint32, 0, len(s.loaded))
	for tag := range s.loaded {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	return tags
}

// Tags lists the tags present on disk in ascending order.
func (s *Store) Tags() ([]uint32, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("keystore: list %s: %w", s.dir, err)
	}

	var tags []uint32
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		tag, err := ParseTag(e.Name())
		if err != nil {
			continue
		}
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	return tags, nil
}

// ParseTag parses a tag directory name.
func ParseTag(name string) (uint32, error) {
	v, err := strconv.ParseUint(name, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("keystore: invalid tag %q", name)
	}
	return uint32(v), nil
}

func (s *Store) tagDir(tag uint32) string {
	return filepath.Join(s.dir, strconv.FormatUint(uint64(tag), 10))
}

func (s *Store) read(tag uint32) (*Credential, error) {
	dir := s.tagDir(tag)
	cred := &Credential{Tag: tag}
	found := false

	ca, err := readOptional(filepath.Join(dir, FileCA))
	if err != nil {
		return nil, err
	}
	if ca != nil {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(ca) {
			return nil, fmt.Errorf("keystore: tag %d: no certificates in %s", tag, FileCA)
		}
		cred.RootCAs = pool
		found = true
	}

	certPEM, err := readOptional(filepath.Join(dir, FileCert))
	if err != nil {
		return nil, err
	}
	keyPEM, err := readOptional(filepath.Join(dir, FileKey))
	if err != nil {
		return nil, err
	}
	switch {
	case certPEM != nil && keyPEM != nil:
		pair, err := tls.X509KeyPair(certPEM, keyPEM)
		if err != nil {
			return nil, fmt.Errorf("keystore: tag %d: %w", tag, err)
		}
		cred.Certificates = []tls.Certificate{pair}
		found = true
	case certPEM != nil || keyPEM != nil:
		return nil, fmt.Errorf("keystore: tag %d: %s and %s must be provided together", tag, FileCert, FileKey)
	}

	psk, err := readOptional(filepath.Join(dir, FilePSK))
	if err != nil {
		return nil, err
	}
	if psk != nil {
		key, err := hex.DecodeString(strings.TrimSpace(string(psk)))
		if err != nil || len(key) == 0 {
			return nil, fmt.Errorf("keystore: tag %d: invalid %s", tag, FilePSK)
		}
		cred.PSK = key
		found = true

		identity, err := readOptional(filepath.Join(dir, FileIdentity))
		if err != nil {
			return nil, err
		}
		cred.PSKIdentity = strings.TrimSpace(string(identity))
	}

	if !found {
		return nil, fmt.Errorf("%w: tag %d in %s", ErrNotFound, tag, s.dir)
	}
	return cred, nil
}

func readOptional(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("keystore: %w", err)
	}
	return data, nil
}
