package cert

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/acme"

	"stagehand/internal/certtest"
	"stagehand/internal/core"
)

// fakeCA plays the certificate authority: it hands out one pending
// HTTP-01 authorization per order and finalizes with a self-signed cert.
type fakeCA struct {
	t         *testing.T
	notAfter  time.Time
	orders    int
	failOrder map[string]error
}

func (f *fakeCA) Register(ctx context.Context, acct *acme.Account, prompt func(tosURL string) bool) (*acme.Account, error) {
	return &acme.Account{}, nil
}

func (f *fakeCA) AuthorizeOrder(ctx context.Context, ids []acme.AuthzID, opts ...acme.OrderOption) (*acme.Order, error) {
	f.orders++
	domain := ids[0].Value
	if err := f.failOrder[domain]; err != nil {
		return nil, err
	}
	return &acme.Order{
		URI:       "order/" + domain,
		AuthzURLs: []string{"authz/" + domain},
		Status:    acme.StatusPending,
	}, nil
}

func (f *fakeCA) GetAuthorization(ctx context.Context, url string) (*acme.Authorization, error) {
	domain := strings.TrimPrefix(url, "authz/")
	return &acme.Authorization{
		URI:    url,
		Status: acme.StatusPending,
		Challenges: []*acme.Challenge{
			{Type: "http-01", Token: "tok-" + domain},
		},
	}, nil
}

func (f *fakeCA) HTTP01ChallengeResponse(token string) (string, error) {
	return token + ".keyauth", nil
}

func (f *fakeCA) Accept(ctx context.Context, chal *acme.Challenge) (*acme.Challenge, error) {
	return chal, nil
}

func (f *fakeCA) WaitAuthorization(ctx context.Context, url string) (*acme.Authorization, error) {
	return &acme.Authorization{URI: url, Status: acme.StatusValid}, nil
}

func (f *fakeCA) WaitOrder(ctx context.Context, url string) (*acme.Order, error) {
	domain := strings.TrimPrefix(url, "order/")
	return &acme.Order{
		URI:         url,
		FinalizeURL: "finalize/" + domain,
		Status:      acme.StatusReady,
	}, nil
}

func (f *fakeCA) CreateOrderCert(ctx context.Context, finalizeURL string, csr []byte, bundle bool) ([][]byte, string, error) {
	domain := strings.TrimPrefix(finalizeURL, "finalize/")
	return [][]byte{certtest.SelfSignedDER(f.t, domain, f.notAfter)}, "", nil
}

type fakeReloader struct {
	calls int
	err   error
}

func (f *fakeReloader) Reload(ctx context.Context) error {
	f.calls++
	return f.err
}

type preflightFunc func(ctx context.Context, domain string) error

func (fn preflightFunc) Check(ctx context.Context, domain string) error {
	return fn(ctx, domain)
}

func newTestManager(t *testing.T, domains []string, ca caClient, reloader core.ProxyReloader, preflight Preflight) *Manager {
	t.Helper()
	return &Manager{
		opts: Options{
			Email:       "ops@example.com",
			RenewBefore: 30 * 24 * time.Hour,
			Domains:     domains,
		},
		store:     NewStore(t.TempDir()),
		ca:        ca,
		solver:    newChallengeSolver("127.0.0.1:0"),
		reloader:  reloader,
		preflight: preflight,
	}
}

func TestEnsureCertificateIdempotent(t *testing.T) {
	ca := &fakeCA{t: t, notAfter: time.Now().Add(90 * 24 * time.Hour)}
	m := newTestManager(t, []string{"a.example"}, ca, nil, nil)

	chain, key := certtest.SelfSignedPEM(t, "a.example", time.Now().Add(60*24*time.Hour))
	installed, err := m.store.Install("a.example", chain, key)
	require.NoError(t, err)

	res := m.EnsureCertificate(context.Background(), "a.example")

	require.Nil(t, res.Err)
	assert.False(t, res.Renewed, "a valid certificate must be reused")
	assert.Equal(t, installed.FullchainPath, res.FullchainPath)
	assert.Equal(t, installed.PrivkeyPath, res.PrivkeyPath)
	assert.Equal(t, 0, ca.orders, "no network challenge may happen for a valid certificate")
}

func TestEnsureCertificateIssues(t *testing.T) {
	notAfter := time.Now().Add(90 * 24 * time.Hour).Truncate(time.Second)
	ca := &fakeCA{t: t, notAfter: notAfter}
	m := newTestManager(t, []string{"a.example"}, ca, nil, nil)

	res := m.EnsureCertificate(context.Background(), "a.example")

	require.Nil(t, res.Err)
	assert.True(t, res.Renewed)
	assert.FileExists(t, res.FullchainPath)
	assert.FileExists(t, res.PrivkeyPath)
	assert.WithinDuration(t, notAfter, res.ExpiresAt, time.Second)
	assert.Equal(t, 1, ca.orders)
}

func TestEnsureCertificateForce(t *testing.T) {
	ca := &fakeCA{t: t, notAfter: time.Now().Add(90 * 24 * time.Hour)}
	m := newTestManager(t, []string{"a.example"}, ca, nil, nil)

	chain, key := certtest.SelfSignedPEM(t, "a.example", time.Now().Add(60*24*time.Hour))
	_, err := m.store.Install("a.example", chain, key)
	require.NoError(t, err)

	m.Force()
	res := m.EnsureCertificate(context.Background(), "a.example")

	require.Nil(t, res.Err)
	assert.True(t, res.Renewed)
	assert.Equal(t, 1, ca.orders)
}

func TestRenewAllIsolatesFailures(t *testing.T) {
	ca := &fakeCA{t: t, notAfter: time.Now().Add(90 * 24 * time.Hour)}
	reloader := &fakeReloader{}
	preflight := preflightFunc(func(ctx context.Context, domain string) error {
		if domain == "b.example" {
			return core.DomainFailure(core.DomainUnreachable, domain, "does not resolve to this machine")
		}
		return nil
	})
	m := newTestManager(t, []string{"a.example", "b.example"}, ca, reloader, preflight)

	results := m.RenewAll(context.Background())

	require.Len(t, results, 2)

	assert.Nil(t, results[0].Err)
	assert.True(t, results[0].Renewed)
	assert.FileExists(t, results[0].FullchainPath)

	require.NotNil(t, results[1].Err)
	assert.Equal(t, core.DomainUnreachable, results[1].Err.Kind)
	assert.Equal(t, "b.example", results[1].Err.Domain)

	assert.Equal(t, 1, reloader.calls, "reload must still be signaled when at least one domain succeeded")
}

func TestRenewAllSkipsReloadWhenNothingRenewed(t *testing.T) {
	ca := &fakeCA{t: t, notAfter: time.Now().Add(90 * 24 * time.Hour)}
	reloader := &fakeReloader{}
	m := newTestManager(t, []string{"a.example"}, ca, reloader, nil)

	chain, key := certtest.SelfSignedPEM(t, "a.example", time.Now().Add(60*24*time.Hour))
	_, err := m.store.Install("a.example", chain, key)
	require.NoError(t, err)

	results := m.RenewAll(context.Background())

	require.Len(t, results, 1)
	assert.Nil(t, results[0].Err)
	assert.False(t, results[0].Renewed)
	assert.Equal(t, 0, reloader.calls)
}

func TestRenewAllReloadFailureDoesNotFailRenewal(t *testing.T) {
	ca := &fakeCA{t: t, notAfter: time.Now().Add(90 * 24 * time.Hour)}
	reloader := &fakeReloader{err: errors.New("proxy container not running")}
	m := newTestManager(t, []string{"a.example"}, ca, reloader, nil)

	results := m.RenewAll(context.Background())

	require.Len(t, results, 1)
	assert.Nil(t, results[0].Err, "reload failure must not fail the renewal itself")
	assert.Equal(t, 1, reloader.calls)
}

func TestFailureClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want core.FailureKind
	}{
		{
			name: "rate limited by problem type",
			err:  &acme.Error{ProblemType: "urn:ietf:params:acme:error:rateLimited"},
			want: core.RateLimited,
		},
		{
			name: "rate limited by status code",
			err:  &acme.Error{StatusCode: http.StatusTooManyRequests},
			want: core.RateLimited,
		},
		{
			name: "connection problem",
			err:  &acme.Error{ProblemType: "urn:ietf:params:acme:error:connection"},
			want: core.DomainUnreachable,
		},
		{
			name: "dns problem",
			err:  &acme.Error{ProblemType: "urn:ietf:params:acme:error:dns"},
			want: core.DomainUnreachable,
		},
		{
			name: "anything else is a challenge failure",
			err:  errors.New("boom"),
			want: core.ChallengeFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := failedResult("a.example", tt.err)
			require.NotNil(t, res.Err)
			assert.Equal(t, tt.want, res.Err.Kind)
			assert.Equal(t, "a.example", res.Err.Domain)
		})
	}
}

func TestChallengeSolverServesToken(t *testing.T) {
	solver := newChallengeSolver("127.0.0.1:0")
	solver.put("tok123", "tok123.keyauth")

	req := httptest.NewRequest(http.MethodGet, "/.well-known/acme-challenge/tok123", nil)
	rec := httptest.NewRecorder()
	solver.handleChallenge(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "tok123.keyauth", rec.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/.well-known/acme-challenge/unknown", nil)
	rec = httptest.NewRecorder()
	solver.handleChallenge(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
