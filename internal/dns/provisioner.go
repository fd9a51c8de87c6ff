package dns

import (
	"context"
	"fmt"
	"log"

	cf "github.com/cloudflare/cloudflare-go"
)

// CloudflareProvisioner makes sure an A record exists for each managed
// domain before certificate issuance. Records that already exist are
// left untouched, whatever they point at; correcting a wrong record is
// an operator decision, not ours.
type CloudflareProvisioner struct {
	api      *cf.API
	zoneID   string
	serverIP string
}

// NewCloudflareProvisioner builds a provisioner creating records in the
// given zone pointing at serverIP.
func NewCloudflareProvisioner(apiToken, zoneID, serverIP string) (*CloudflareProvisioner, error) {
	api, err := cf.NewWithAPIToken(apiToken)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Cloudflare API client: %w", err)
	}
	return &CloudflareProvisioner{api: api, zoneID: zoneID, serverIP: serverIP}, nil
}

// EnsureRecord implements cert.Provisioner.
func (p *CloudflareProvisioner) EnsureRecord(ctx context.Context, domain string) error {
	records, _, err := p.api.ListDNSRecords(ctx, cf.ZoneIdentifier(p.zoneID), cf.ListDNSRecordsParams{
		Type: "A",
		Name: domain,
	})
	if err != nil {
		return fmt.Errorf("failed to list DNS records: %w", err)
	}
	if len(records) > 0 {
		log.Printf("[DNS] [%s] A record already exists (-> %s)", domain, records[0].Content)
		return nil
	}

	proxied := false // HTTP-01 validation needs to reach the origin directly
	record, err := p.api.CreateDNSRecord(ctx, cf.ZoneIdentifier(p.zoneID), cf.CreateDNSRecordParams{
		Type:    "A",
		Name:    domain,
		Content: p.serverIP,
		TTL:     120,
		Proxied: &proxied,
	})
	if err != nil {
		return fmt.Errorf("failed to create DNS record: %w", err)
	}

	log.Printf("[DNS] [%s] Created A record -> %s (ID: %s)", domain, p.serverIP, record.ID)
	return nil
}
