package core

import "context"

// HealthChecker queries one service's health signal.
type HealthChecker interface {
	Check(ctx context.Context, spec ServiceSpec) error
}

// ServiceRunner starts and stops the managed service group. The real
// implementation drives the Docker Engine API; tests use fakes.
type ServiceRunner interface {
	StartGroup(ctx context.Context, group string, specs []ServiceSpec) error
	StopGroup(ctx context.Context, group string) error
	GroupStatus(ctx context.Context, group string) ([]ServiceStatus, error)
	ServiceLogs(ctx context.Context, group, service string, tail int) (string, error)
}

// ProxyReloader tells the reverse proxy to re-read its configuration
// without dropping in-flight connections.
type ProxyReloader interface {
	Reload(ctx context.Context) error
}
