// Package certstore persists TLS certificates (uploaded, generated, or
// ACME-issued) keyed by the SHA-256 of their DER-encoded leaf, plus the
// ACME account keys used by internal/acme, on a plain filesystem layout
// (spec §4's supplemented certificate-persistence feature; see
// SPEC_FULL.md §4).
package certstore

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrNotFound is returned when no certificate matches the requested key.
var ErrNotFound = errors.New("certstore: certificate not found")

// Store lays certificates out under Root/certificates/<sha256>.{crt,key}
// and ACME account material under Root/certificates/acme/<id>.{json,key}.
type Store struct {
	Root string
}

// New returns a Store rooted at dir; dir must already exist.
func New(dir string) *Store {
	return &Store{Root: dir}
}

func (s *Store) certDir() string { return filepath.Join(s.Root, "certificates") }
func (s *Store) acmeDir() string { return filepath.Join(s.certDir(), "acme") }

// Info summarizes a stored certificate without requiring the caller to
// parse PEM themselves.
type Info struct {
	SHA256    string
	Subject   string
	Issuer    string
	NotBefore time.Time
	NotAfter  time.Time
}

// leafSHA256 hashes the DER bytes of the first certificate in a PEM chain.
func leafSHA256(certPEM []byte) (string, *x509.Certificate, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return "", nil, fmt.Errorf("certstore: no PEM block found")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return "", nil, fmt.Errorf("certstore: parsing leaf: %w", err)
	}
	sum := sha256.Sum256(block.Bytes)
	return hex.EncodeToString(sum[:]), cert, nil
}

// Put stores a certificate chain and its private key, keyed by the SHA-256
// of the leaf certificate's DER bytes, and returns that key.
func (s *Store) Put(certPEM, keyPEM []byte) (string, error) {
	sum, _, err := leafSHA256(certPEM)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(s.certDir(), 0o755); err != nil {
		return "", err
	}
	crtPath := filepath.Join(s.certDir(), sum+".crt")
	keyPath := filepath.Join(s.certDir(), sum+".key")
	if err := os.WriteFile(crtPath, certPEM, 0o644); err != nil {
		return "", err
	}
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return "", err
	}
	return sum, nil
}

// Get loads a previously stored certificate chain and key by its SHA-256
// key.
func (s *Store) Get(sha256Hex string) (certPEM, keyPEM []byte, err error) {
	crtPath := filepath.Join(s.certDir(), sha256Hex+".crt")
	keyPath := filepath.Join(s.certDir(), sha256Hex+".key")
	certPEM, err = os.ReadFile(crtPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	keyPEM, err = os.ReadFile(keyPath)
	if err != nil {
		return nil, nil, err
	}
	return certPEM, keyPEM, nil
}

// Info returns metadata about a stored certificate without returning the
// private key.
func (s *Store) Info(sha256Hex string) (Info, error) {
	certPEM, _, err := s.Get(sha256Hex)
	if err != nil {
		return Info{}, err
	}
	sum, cert, err := leafSHA256(certPEM)
	if err != nil {
		return Info{}, err
	}
	return Info{
		SHA256:    sum,
		Subject:   cert.Subject.String(),
		Issuer:    cert.Issuer.String(),
		NotBefore: cert.NotBefore,
		NotAfter:  cert.NotAfter,
	}, nil
}

// PutACMEAccount persists an ACME account's key and metadata under a
// stable account id (spec's ACME component, §4.3).
func (s *Store) PutACMEAccount(id string, keyPEM, metaJSON []byte) error {
	if err := os.MkdirAll(s.acmeDir(), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(s.acmeDir(), id+".key"), keyPEM, 0o600); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.acmeDir(), id+".json"), metaJSON, 0o644)
}

// GetACMEAccount loads a previously stored ACME account's key and
// metadata.
func (s *Store) GetACMEAccount(id string) (keyPEM, metaJSON []byte, err error) {
	keyPEM, err = os.ReadFile(filepath.Join(s.acmeDir(), id+".key"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	metaJSON, err = os.ReadFile(filepath.Join(s.acmeDir(), id+".json"))
	return keyPEM, metaJSON, err
}
