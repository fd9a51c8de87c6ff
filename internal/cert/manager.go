package cert

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/acme"

	"stagehand/internal/core"
)

// Options configures the certificate manager.
type Options struct {
	Email          string
	DirectoryURL   string
	AccountKeyFile string
	RenewBefore    time.Duration // renew certificates expiring within this window
	ChallengeAddr  string        // listener address for HTTP-01, normally ":80"
	Domains        []string
	Force          bool // re-issue even when a valid certificate exists
}

// caClient is the subset of *acme.Client the manager uses, abstracted so
// tests can drive a fake certificate authority.
type caClient interface {
	Register(ctx context.Context, acct *acme.Account, prompt func(tosURL string) bool) (*acme.Account, error)
	AuthorizeOrder(ctx context.Context, ids []acme.AuthzID, opts ...acme.OrderOption) (*acme.Order, error)
	GetAuthorization(ctx context.Context, url string) (*acme.Authorization, error)
	HTTP01ChallengeResponse(token string) (string, error)
	Accept(ctx context.Context, chal *acme.Challenge) (*acme.Challenge, error)
	WaitAuthorization(ctx context.Context, url string) (*acme.Authorization, error)
	WaitOrder(ctx context.Context, url string) (*acme.Order, error)
	CreateOrderCert(ctx context.Context, finalizeURL string, csr []byte, bundle bool) ([][]byte, string, error)
}

// Preflight checks that a domain resolves to this machine before an
// HTTP-01 challenge is attempted.
type Preflight interface {
	Check(ctx context.Context, domain string) error
}

// Provisioner ensures a DNS record exists for a domain before issuance.
type Provisioner interface {
	EnsureRecord(ctx context.Context, domain string) error
}

// Manager acquires and renews certificates for the configured domains
// via ACME HTTP-01 and installs them into the shared store.
type Manager struct {
	opts        Options
	store       *Store
	ca          caClient
	solver      *challengeSolver
	reloader    core.ProxyReloader
	preflight   Preflight
	provisioner Provisioner

	mu         sync.Mutex
	registered bool
}

// NewManager builds a manager backed by the real ACME client. The
// account key is loaded from disk or created on first use; account
// registration is deferred until the first issuance so read-only
// commands never touch the network.
func NewManager(opts Options, store *Store, reloader core.ProxyReloader, preflight Preflight, provisioner Provisioner) (*Manager, error) {
	accountKey, err := loadOrCreateAccountKey(opts.AccountKeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load account key: %w", err)
	}

	client := &acme.Client{
		Key:          accountKey,
		DirectoryURL: opts.DirectoryURL,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}

	return &Manager{
		opts:        opts,
		store:       store,
		ca:          client,
		solver:      newChallengeSolver(opts.ChallengeAddr),
		reloader:    reloader,
		preflight:   preflight,
		provisioner: provisioner,
	}, nil
}

// EnsureCertificate makes sure a valid, non-expiring-soon certificate
// exists for the domain. When one is already installed it is reused
// without any network round trip, unless Force is set.
func (m *Manager) EnsureCertificate(ctx context.Context, domain string) core.CertificateResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.opts.Force {
		if sc, ok := m.store.ValidFor(domain, m.opts.RenewBefore); ok {
			log.Printf("[CERT] [%s] Certificate valid until %s, skipping issuance", domain, sc.NotAfter.Format(time.RFC3339))
			return core.CertificateResult{
				Domain:        domain,
				FullchainPath: sc.FullchainPath,
				PrivkeyPath:   sc.PrivkeyPath,
				ExpiresAt:     sc.NotAfter,
			}
		}
	}

	if m.provisioner != nil {
		if err := m.provisioner.EnsureRecord(ctx, domain); err != nil {
			log.Printf("[CERT] [%s] DNS record provisioning failed: %v", domain, err)
		}
	}

	if m.preflight != nil {
		if err := m.preflight.Check(ctx, domain); err != nil {
			return failedResult(domain, err)
		}
	}

	if err := m.ensureRegistered(ctx); err != nil {
		return failedResult(domain, err)
	}

	if err := m.solver.start(); err != nil {
		return failedResult(domain, fmt.Errorf("failed to start challenge listener: %w", err))
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.solver.stop(stopCtx)
	}()

	sc, err := m.obtain(ctx, domain)
	if err != nil {
		return failedResult(domain, err)
	}

	log.Printf("[CERT] [%s] Certificate issued, expires %s", domain, sc.NotAfter.Format(time.RFC3339))
	return core.CertificateResult{
		Domain:        domain,
		FullchainPath: sc.FullchainPath,
		PrivkeyPath:   sc.PrivkeyPath,
		ExpiresAt:     sc.NotAfter,
		Renewed:       true,
	}
}

// RenewAll runs EnsureCertificate for every configured domain. A failure
// for one domain never blocks the others. When at least one certificate
// was replaced the reverse proxy is told to reload; a reload failure is
// logged but does not fail the renewal, the new material is already on
// disk.
func (m *Manager) RenewAll(ctx context.Context) []core.CertificateResult {
	results := make([]core.CertificateResult, 0, len(m.opts.Domains))
	renewed := 0

	for _, domain := range m.opts.Domains {
		res := m.EnsureCertificate(ctx, domain)
		if res.Err != nil {
			log.Printf("[CERT] [%s] %v", domain, res.Err)
		} else if res.Renewed {
			renewed++
		}
		results = append(results, res)
	}

	if renewed > 0 && m.reloader != nil {
		log.Printf("[CERT] %d certificate(s) renewed, signaling proxy reload", renewed)
		if err := m.reloader.Reload(ctx); err != nil {
			log.Printf("[CERT] Proxy reload failed (certificates are installed, reload manually): %v", err)
		}
	}

	return results
}

// Force makes subsequent calls re-issue even over valid certificates.
func (m *Manager) Force() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opts.Force = true
}

// ensureRegistered registers the ACME account once per process.
func (m *Manager) ensureRegistered(ctx context.Context) error {
	if m.registered {
		return nil
	}

	acct := &acme.Account{}
	if m.opts.Email != "" {
		acct.Contact = []string{"mailto:" + m.opts.Email}
	}

	regCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if _, err := m.ca.Register(regCtx, acct, acme.AcceptTOS); err != nil && err != acme.ErrAccountAlreadyExists {
		return fmt.Errorf("failed to register ACME account: %w", err)
	}

	m.registered = true
	log.Printf("[CERT] ACME account registration completed")
	return nil
}

// obtain runs the full HTTP-01 order flow for one domain and installs
// the resulting pair.
func (m *Manager) obtain(ctx context.Context, domain string) (*StoredCertificate, error) {
	log.Printf("[CERT] [%s] Creating ACME order", domain)
	order, err := m.ca.AuthorizeOrder(ctx, acme.DomainIDs(domain))
	if err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	for _, authzURL := range order.AuthzURLs {
		authz, err := m.ca.GetAuthorization(ctx, authzURL)
		if err != nil {
			return nil, fmt.Errorf("failed to get authorization: %w", err)
		}
		if authz.Status == acme.StatusValid {
			continue
		}

		var challenge *acme.Challenge
		for _, c := range authz.Challenges {
			if c.Type == "http-01" {
				challenge = c
				break
			}
		}
		if challenge == nil {
			return nil, fmt.Errorf("no HTTP-01 challenge among %d challenges", len(authz.Challenges))
		}

		keyAuth, err := m.ca.HTTP01ChallengeResponse(challenge.Token)
		if err != nil {
			return nil, fmt.Errorf("failed to prepare challenge response: %w", err)
		}
		m.solver.put(challenge.Token, keyAuth)
		defer m.solver.forget(challenge.Token)

		log.Printf("[CERT] [%s] Accepting HTTP-01 challenge", domain)
		if _, err := m.ca.Accept(ctx, challenge); err != nil {
			return nil, fmt.Errorf("failed to accept challenge: %w", err)
		}
		if _, err := m.ca.WaitAuthorization(ctx, authz.URI); err != nil {
			return nil, fmt.Errorf("challenge validation failed: %w", err)
		}
		log.Printf("[CERT] [%s] Challenge validated", domain)
	}

	order, err = m.ca.WaitOrder(ctx, order.URI)
	if err != nil {
		return nil, fmt.Errorf("failed to wait for order: %w", err)
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	csr, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: domain},
		DNSNames: []string{domain},
	}, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create CSR: %w", err)
	}

	derCerts, _, err := m.ca.CreateOrderCert(ctx, order.FinalizeURL, csr, true)
	if err != nil {
		return nil, fmt.Errorf("failed to finalize order: %w", err)
	}

	chainPEM, keyPEM, err := encodePair(derCerts, key)
	if err != nil {
		return nil, err
	}
	return m.store.Install(domain, chainPEM, keyPEM)
}

// failedResult classifies err into the failure taxonomy.
func failedResult(domain string, err error) core.CertificateResult {
	var f *core.Failure
	if errors.As(err, &f) {
		return core.CertificateResult{Domain: domain, Err: f}
	}

	kind := core.ChallengeFailed
	var ae *acme.Error
	if errors.As(err, &ae) {
		switch {
		case ae.StatusCode == http.StatusTooManyRequests,
			strings.HasSuffix(ae.ProblemType, ":rateLimited"):
			kind = core.RateLimited
		case strings.HasSuffix(ae.ProblemType, ":connection"),
			strings.HasSuffix(ae.ProblemType, ":dns"):
			kind = core.DomainUnreachable
		}
	}
	return core.CertificateResult{Domain: domain, Err: core.DomainFailure(kind, domain, "%v", err)}
}

// encodePair PEM-encodes the issued chain and key.
func encodePair(derCerts [][]byte, key *ecdsa.PrivateKey) ([]byte, []byte, error) {
	var chain strings.Builder
	for _, der := range derCerts {
		if err := pem.Encode(&chain, &pem.Block{Type: "CERTIFICATE", Bytes: der}); err != nil {
			return nil, nil, fmt.Errorf("failed to encode certificate: %w", err)
		}
	}

	keyBytes, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes})

	return []byte(chain.String()), keyPEM, nil
}

// loadOrCreateAccountKey loads the ACME account key, generating and
// persisting a new one when absent.
func loadOrCreateAccountKey(path string) (crypto.Signer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}

	if data, err := os.ReadFile(path); err == nil {
		block, _ := pem.Decode(data)
		if block == nil {
			return nil, fmt.Errorf("failed to decode PEM block in %s", path)
		}
		key, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse account key: %w", err)
		}
		return key, nil
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate account key: %w", err)
	}
	keyBytes, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal account key: %w", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes})
	if err := os.WriteFile(path, pemBytes, 0o600); err != nil {
		return nil, fmt.Errorf("failed to save account key: %w", err)
	}
	return key, nil
}
