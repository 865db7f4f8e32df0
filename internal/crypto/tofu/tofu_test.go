package tofu

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"path/filepath"
	"testing"
	"time"
)

func selfSignedLeaf(t *testing.T, cn string) *x509.Certificate {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		t.Fatal(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}
	return cert
}

func TestFirstUsePinsThenMatches(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pins.json")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	leaf := selfSignedLeaf(t, "server-a")

	if err := s.Verify("host:9987", leaf); err != nil {
		t.Fatalf("first use: %v", err)
	}
	if err := s.Verify("host:9987", leaf); err != nil {
		t.Fatalf("second use with same leaf: %v", err)
	}

	// Reload from disk: the pin must have persisted.
	reopened, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := reopened.Verify("host:9987", leaf); err != nil {
		t.Fatalf("reopened store: %v", err)
	}
}

func TestCertificateChangeIsRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pins.json")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	first := selfSignedLeaf(t, "server-a")
	second := selfSignedLeaf(t, "server-a") // same CN, different key -> different hash

	if err := s.Verify("host:9987", first); err != nil {
		t.Fatal(err)
	}
	if err := s.Verify("host:9987", second); err != ErrCertificateChanged {
		t.Fatalf("got %v want ErrCertificateChanged", err)
	}

	if err := s.Forget("host:9987"); err != nil {
		t.Fatal(err)
	}
	if err := s.Verify("host:9987", second); err != nil {
		t.Fatalf("re-pin after Forget: %v", err)
	}
}
