package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stagehand/internal/core"
)

func validConfig() Config {
	cfg := Default()
	cfg.ServiceGroup = "knowledge-stack"
	cfg.Domains = []string{"flow.example.com", "kb.example.com"}
	cfg.Cert.Email = "ops@example.com"
	cfg.Services = []core.ServiceSpec{
		{Name: "workflows", Image: "acme/workflows:1.0", HealthURL: "http://localhost:5678/healthz"},
		{Name: "kb", Image: "acme/kb:2.1", HealthURL: "http://localhost:8080/health"},
	}
	return cfg
}

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 5, cfg.PollIntervalSeconds)
	assert.Equal(t, 180, cfg.MaxWaitSeconds)
	assert.Equal(t, 30, cfg.Cert.RenewBeforeDays)
	assert.Equal(t, ":80", cfg.Cert.ChallengeAddr)
	assert.Equal(t, "warn", cfg.DNS.CheckMode)
	assert.Equal(t, 5*time.Second, cfg.PollInterval())
	assert.Equal(t, 180*time.Second, cfg.MaxWait())
	assert.Equal(t, 30*24*time.Hour, cfg.RenewBefore())
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
serviceGroup: knowledge-stack
domains:
  - flow.example.com
cert:
  email: ops@example.com
  storeDir: /tmp/certs
pollIntervalSeconds: 2
services:
  - name: workflows
    image: acme/workflows:1.0
    containerPort: 5678
    hostPort: 5678
    healthURL: http://localhost:5678/healthz
    env:
      TZ: UTC
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "knowledge-stack", cfg.ServiceGroup)
	assert.Equal(t, []string{"flow.example.com"}, cfg.Domains)
	assert.Equal(t, "ops@example.com", cfg.Cert.Email)
	assert.Equal(t, "/tmp/certs", cfg.Cert.StoreDir)
	assert.Equal(t, 2, cfg.PollIntervalSeconds)
	// Defaults survive a partial file.
	assert.Equal(t, 180, cfg.MaxWaitSeconds)
	assert.Equal(t, "/tmp/certs/account.key", cfg.Cert.AccountKeyFile)

	require.Len(t, cfg.Services, 1)
	assert.Equal(t, 5678, cfg.Services[0].ContainerPort)
	assert.Equal(t, "UTC", cfg.Services[0].Env["TZ"])
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("STAGEHAND_SERVICE_GROUP", "other-stack")
	t.Setenv("STAGEHAND_DOMAINS", "a.example, b.example")
	t.Setenv("STAGEHAND_MAX_WAIT_SECONDS", "60")
	t.Setenv("STAGEHAND_DNS_CHECK_MODE", "enforce")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "other-stack", cfg.ServiceGroup)
	assert.Equal(t, []string{"a.example", "b.example"}, cfg.Domains)
	assert.Equal(t, 60, cfg.MaxWaitSeconds)
	assert.Equal(t, "enforce", cfg.DNS.CheckMode)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, validConfig().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing service group", func(c *Config) { c.ServiceGroup = "" }},
		{"missing domains", func(c *Config) { c.Domains = nil }},
		{"missing cert email", func(c *Config) { c.Cert.Email = "" }},
		{"missing services", func(c *Config) { c.Services = nil }},
		{"service without image", func(c *Config) { c.Services[0].Image = "" }},
		{"service without health URL", func(c *Config) { c.Services[0].HealthURL = "" }},
		{"zero poll interval", func(c *Config) { c.PollIntervalSeconds = 0 }},
		{"zero max wait", func(c *Config) { c.MaxWaitSeconds = 0 }},
		{"bogus dns mode", func(c *Config) { c.DNS.CheckMode = "maybe" }},
		{"cloudflare without token", func(c *Config) { c.DNS.Cloudflare.Enabled = true; c.DNS.Cloudflare.ZoneID = "z" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)

			err := cfg.Validate()
			require.Error(t, err)

			f, ok := core.AsFailure(err)
			require.True(t, ok, "validation errors must be structured failures")
			assert.Equal(t, core.MissingConfig, f.Kind)
		})
	}
}
