package cert

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	fullchainFile = "fullchain.pem"
	privkeyFile   = "privkey.pem"
)

// Store is the on-disk certificate store. The layout follows the usual
// convention: <root>/live/<domain>/{fullchain.pem,privkey.pem}.
//
// Replacement is atomic per file (write to a temp file in the same
// directory, then rename), so a reader never observes a partially
// written file. A previously valid pair is only removed by a successful
// replacement. Only one writer operates against the store at a time by
// operational convention.
type Store struct {
	root string
}

// NewStore creates a store rooted at root.
func NewStore(root string) *Store {
	return &Store{root: root}
}

// Dir returns the live directory for a domain.
func (s *Store) Dir(domain string) string {
	return filepath.Join(s.root, "live", domain)
}

// FullchainPath returns the certificate chain path for a domain.
func (s *Store) FullchainPath(domain string) string {
	return filepath.Join(s.Dir(domain), fullchainFile)
}

// PrivkeyPath returns the private key path for a domain.
func (s *Store) PrivkeyPath(domain string) string {
	return filepath.Join(s.Dir(domain), privkeyFile)
}

// StoredCertificate describes an installed certificate pair.
type StoredCertificate struct {
	Domain        string
	FullchainPath string
	PrivkeyPath   string
	NotAfter      time.Time
}

// Lookup loads the installed certificate for a domain, if any. A missing
// pair returns os.ErrNotExist.
func (s *Store) Lookup(domain string) (*StoredCertificate, error) {
	chainPath := s.FullchainPath(domain)
	keyPath := s.PrivkeyPath(domain)

	data, err := os.ReadFile(chainPath)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(keyPath); err != nil {
		return nil, err
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM data in %s", chainPath)
	}
	leaf, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate for %s: %w", domain, err)
	}

	return &StoredCertificate{
		Domain:        domain,
		FullchainPath: chainPath,
		PrivkeyPath:   keyPath,
		NotAfter:      leaf.NotAfter,
	}, nil
}

// ValidFor reports whether the domain has an installed certificate that
// is not expired and will not expire within threshold.
func (s *Store) ValidFor(domain string, threshold time.Duration) (*StoredCertificate, bool) {
	sc, err := s.Lookup(domain)
	if err != nil {
		return nil, false
	}
	if time.Now().Add(threshold).After(sc.NotAfter) {
		return sc, false
	}
	return sc, true
}

// Install atomically writes a new certificate pair for a domain. The key
// is installed before the chain so a visible chain always has its key.
func (s *Store) Install(domain string, fullchainPEM, privkeyPEM []byte) (*StoredCertificate, error) {
	dir := s.Dir(domain)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create certificate directory: %w", err)
	}

	if err := writeFileAtomic(s.PrivkeyPath(domain), privkeyPEM, 0o600); err != nil {
		return nil, fmt.Errorf("failed to install private key: %w", err)
	}
	if err := writeFileAtomic(s.FullchainPath(domain), fullchainPEM, 0o644); err != nil {
		return nil, fmt.Errorf("failed to install certificate chain: %w", err)
	}

	return s.Lookup(domain)
}

// writeFileAtomic writes data to a temp file in the target directory and
// renames it into place.
func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
