package dns

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/miekg/dns"

	"stagehand/internal/core"
)

// Mode selects how a reachability mismatch is treated.
type Mode string

const (
	ModeOff     Mode = "off"     // skip the check entirely
	ModeWarn    Mode = "warn"    // log the mismatch, proceed anyway
	ModeEnforce Mode = "enforce" // fail the domain before any challenge
)

// Checker verifies that a domain's A records point at this machine's
// public IP before an HTTP-01 challenge is attempted. The check is a
// best-effort hint: under ModeWarn (the default) a mismatch is logged
// and issuance proceeds, matching the operator-overridable behavior of
// manual setups.
type Checker struct {
	mode     Mode
	resolver string // e.g. "1.1.1.1:53"
	endpoint string // HTTP endpoint that echoes the caller's IP
	client   *http.Client

	// resolveA is swapped out in tests.
	resolveA func(ctx context.Context, domain string) ([]string, error)
}

// NewChecker builds a checker querying resolver for A records and
// endpoint for the machine's public IP.
func NewChecker(mode Mode, resolver, endpoint string) *Checker {
	c := &Checker{
		mode:     mode,
		resolver: resolver,
		endpoint: endpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
	c.resolveA = c.lookupA
	return c
}

// Check implements cert.Preflight.
func (c *Checker) Check(ctx context.Context, domain string) error {
	if c.mode == ModeOff {
		return nil
	}

	publicIP, err := c.PublicIP(ctx)
	if err != nil {
		log.Printf("[DNS] [%s] Could not determine public IP, skipping reachability check: %v", domain, err)
		return nil
	}

	ips, err := c.resolveA(ctx, domain)
	if err != nil || len(ips) == 0 {
		return c.mismatch(domain, "domain does not resolve: %v", err)
	}
	for _, ip := range ips {
		if ip == publicIP {
			log.Printf("[DNS] [%s] Resolves to this machine (%s)", domain, publicIP)
			return nil
		}
	}
	return c.mismatch(domain, "resolves to %s, this machine is %s", strings.Join(ips, ","), publicIP)
}

func (c *Checker) mismatch(domain, format string, args ...any) error {
	if c.mode == ModeEnforce {
		return core.DomainFailure(core.DomainUnreachable, domain, format, args...)
	}
	log.Printf("[DNS] [%s] Reachability warning: %s", domain, fmt.Sprintf(format, args...))
	return nil
}

// PublicIP fetches this machine's public IP from the configured echo
// endpoint.
func (c *Checker) PublicIP(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("public IP endpoint returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64))
	if err != nil {
		return "", err
	}
	ip := strings.TrimSpace(string(body))
	if ip == "" {
		return "", fmt.Errorf("public IP endpoint returned an empty body")
	}
	return ip, nil
}

// lookupA queries the configured resolver directly instead of relying
// on the local stub resolver, which often serves stale or split-horizon
// answers on fresh hosts.
func (c *Checker) lookupA(ctx context.Context, domain string) ([]string, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(domain), dns.TypeA)

	client := &dns.Client{Timeout: 5 * time.Second}
	resp, _, err := client.ExchangeContext(ctx, m, c.resolver)
	if err != nil {
		return nil, err
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("resolver returned %s", dns.RcodeToString[resp.Rcode])
	}

	var ips []string
	for _, rr := range resp.Answer {
		if a, ok := rr.(*dns.A); ok {
			ips = append(ips, a.A.String())
		}
	}
	return ips, nil
}
