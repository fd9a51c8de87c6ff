package health

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"stagehand/internal/core"
)

// HTTPChecker queries a service's HTTP health endpoint. Any 2xx status
// counts as healthy; everything else, transport errors included, counts
// as not-yet-healthy.
type HTTPChecker struct {
	client *http.Client
}

// NewHTTPChecker creates a checker with sensible connection pooling.
func NewHTTPChecker() *HTTPChecker {
	return &HTTPChecker{
		client: &http.Client{
			Timeout: 5 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Check implements core.HealthChecker.
func (c *HTTPChecker) Check(ctx context.Context, spec core.ServiceSpec) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, spec.HealthURL, nil)
	if err != nil {
		return fmt.Errorf("invalid health URL for %s: %w", spec.Name, err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("health endpoint returned status %d", resp.StatusCode)
	}
	return nil
}
