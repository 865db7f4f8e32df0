// Package tofu implements client-side trust-on-first-use certificate
// pinning for the control transport. When the platform trust
// store is bypassed ("accept self-signed"), the first successful connection
// to a (host, port) records the SHA-256 of the presented leaf certificate;
// any later connection to the same endpoint must present an identical leaf.
package tofu

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ErrCertificateChanged is returned when a pinned endpoint presents a leaf
// certificate whose hash no longer matches the pin. The caller must fail
// the connection and require manual re-pinning; it is never auto-healed.
var ErrCertificateChanged = errors.New("tofu: certificate changed since first use")

// Store persists leaf-certificate pins for (host, port) endpoints to a JSON
// file. All methods are safe for concurrent use.
type Store struct {
	mu   sync.Mutex
	path string
	pins map[string]string // "host:port" -> hex sha256 of leaf cert
}

// Open loads pins from path, creating an empty store if the file does not
// exist yet.
func Open(path string) (*Store, error) {
	s := &Store{path: path, pins: make(map[string]string)}
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &s.pins); err != nil {
		return nil, fmt.Errorf("tofu: corrupt pin store %s: %w", path, err)
	}
	return s, nil
}

func (s *Store) save() error {
	raw, err := json.MarshalIndent(s.pins, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".tofu-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, s.path)
}

func leafFingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}

// Verify checks endpoint's pin against leaf. If no pin exists yet it is
// recorded (first use); if a pin exists and matches, nil is returned; if a
// pin exists and differs, ErrCertificateChanged is returned and the pin is
// left untouched — the caller must re-pin explicitly.
func (s *Store) Verify(endpoint string, leaf *x509.Certificate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fp := leafFingerprint(leaf)
	existing, ok := s.pins[endpoint]
	if !ok {
		s.pins[endpoint] = fp
		return s.save()
	}
	if existing != fp {
		return ErrCertificateChanged
	}
	return nil
}

// Forget removes endpoint's pin, allowing the next connection to re-pin.
// This is the manual re-pinning action required after a
// CertificateChanged failure.
func (s *Store) Forget(endpoint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pins[endpoint]; !ok {
		return nil
	}
	delete(s.pins, endpoint)
	return s.save()
}

// ClientTLSConfig returns a tls.Config for endpoint that performs TOFU
// pinning via VerifyPeerCertificate instead of (or alongside) normal chain
// verification. Plaintext control connections are never produced by this
// package — every config returned requires TLS.
func (s *Store) ClientTLSConfig(endpoint string, base *tls.Config) *tls.Config {
	cfg := base.Clone()
	if cfg == nil {
		cfg = &tls.Config{}
	}
	// The platform trust store is bypassed deliberately: TOFU pinning is
	// the trust mechanism for self-signed deployments, not chain validation.
	cfg.InsecureSkipVerify = true
	cfg.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return errors.New("tofu: no certificate presented")
		}
		leaf, err := x509.ParseCertificate(rawCerts[0])
		if err != nil {
			return fmt.Errorf("tofu: parse leaf: %w", err)
		}
		return s.Verify(endpoint, leaf)
	}
	return cfg
}

// ServerTLSConfig wraps base for the server side. The server has no pinning
// responsibility of its own (re-key without changing the leaf hash is not
// supported; operators rotate by explicit user action); this
// exists purely so server code never constructs a tls.Config that accepts
// plaintext fallback.
func ServerTLSConfig(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
	}
}
