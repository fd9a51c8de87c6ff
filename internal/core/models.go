package core

import "time"

// ServiceSpec declares one managed service in the deployable group.
type ServiceSpec struct {
	Name          string            `yaml:"name"`
	Image         string            `yaml:"image"`
	ContainerPort int               `yaml:"containerPort"`
	HostPort      int               `yaml:"hostPort,omitempty"`
	Env           map[string]string `yaml:"env,omitempty"`
	HealthURL     string            `yaml:"healthURL"`
	// ReadinessTimeoutSeconds bounds this service individually within a
	// deployment attempt; zero means only the global deadline applies.
	ReadinessTimeoutSeconds int `yaml:"readinessTimeoutSeconds,omitempty"`
}

// ReadinessTimeout is the per-service readiness deadline as a duration.
func (s ServiceSpec) ReadinessTimeout() time.Duration {
	return time.Duration(s.ReadinessTimeoutSeconds) * time.Second
}

// ServiceStatus is a point-in-time view of one running service.
type ServiceStatus struct {
	Name        string
	ContainerID string
	State       string // "running", "exited", ...
	Detail      string // runtime status line, e.g. "Up 3 minutes"
}

// HealthState represents the last observed health of a service.
type HealthState string

const (
	HealthUnknown   HealthState = "unknown"
	HealthChecking  HealthState = "checking"
	HealthHealthy   HealthState = "healthy"
	HealthUnhealthy HealthState = "unhealthy"
)

// CertificateResult is the per-domain outcome of an issuance or renewal pass.
type CertificateResult struct {
	Domain        string
	FullchainPath string
	PrivkeyPath   string
	ExpiresAt     time.Time
	Renewed       bool // false when a still-valid certificate was reused
	Err           *Failure
}

// OK reports whether the domain ended the pass with a usable certificate.
func (r CertificateResult) OK() bool {
	return r.Err == nil
}
