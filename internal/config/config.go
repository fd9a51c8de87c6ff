package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"stagehand/internal/core"
)

// Config holds the full orchestrator configuration. It is loaded once at
// startup and treated as immutable afterwards.
type Config struct {
	ServiceGroup        string             `yaml:"serviceGroup"`
	Domains             []string           `yaml:"domains"`
	PollIntervalSeconds int                `yaml:"pollIntervalSeconds"`
	MaxWaitSeconds      int                `yaml:"maxWaitSeconds"`
	Cert                CertConfig         `yaml:"cert"`
	DNS                 DNSConfig          `yaml:"dns"`
	Proxy               ProxyConfig        `yaml:"proxy"`
	Services            []core.ServiceSpec `yaml:"services"`
}

// CertConfig configures the certificate manager.
type CertConfig struct {
	Email           string `yaml:"email"`
	DirectoryURL    string `yaml:"directoryURL"`
	StoreDir        string `yaml:"storeDir"`
	AccountKeyFile  string `yaml:"accountKeyFile"`
	RenewBeforeDays int    `yaml:"renewBeforeDays"`
	ChallengeAddr   string `yaml:"challengeAddr"`
}

// DNSConfig configures the pre-issuance reachability check and the
// optional Cloudflare record provisioning.
type DNSConfig struct {
	CheckMode        string           `yaml:"checkMode"` // "off", "warn" or "enforce"
	Resolver         string           `yaml:"resolver"`
	PublicIPEndpoint string           `yaml:"publicIPEndpoint"`
	Cloudflare       CloudflareConfig `yaml:"cloudflare"`
}

// CloudflareConfig enables automatic A-record provisioning.
type CloudflareConfig struct {
	Enabled  bool   `yaml:"enabled"`
	APIToken string `yaml:"apiToken"`
	ZoneID   string `yaml:"zoneID"`
}

// ProxyConfig names the reverse-proxy container that receives the
// graceful reload signal after renewals.
type ProxyConfig struct {
	ContainerName string `yaml:"containerName"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		PollIntervalSeconds: 5,
		MaxWaitSeconds:      180,
		Cert: CertConfig{
			DirectoryURL:    "https://acme-v02.api.letsencrypt.org/directory",
			StoreDir:        "/var/lib/stagehand/certs",
			RenewBeforeDays: 30,
			ChallengeAddr:   ":80",
		},
		DNS: DNSConfig{
			CheckMode:        "warn",
			Resolver:         "1.1.1.1:53",
			PublicIPEndpoint: "https://api.ipify.org",
		},
		Proxy: ProxyConfig{
			ContainerName: "stagehand-proxy",
		},
	}
}

// Load builds the configuration by layering defaults, an optional YAML
// file and environment-variable overrides, in that order.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	overrideFromEnv(&cfg)

	if cfg.Cert.AccountKeyFile == "" {
		cfg.Cert.AccountKeyFile = cfg.Cert.StoreDir + "/account.key"
	}

	return cfg, nil
}

// PollInterval is the health-poll interval as a duration.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// MaxWait is the readiness deadline as a duration.
func (c Config) MaxWait() time.Duration {
	return time.Duration(c.MaxWaitSeconds) * time.Second
}

// RenewBefore is the expiry threshold below which a certificate is renewed.
func (c Config) RenewBefore() time.Duration {
	return time.Duration(c.Cert.RenewBeforeDays) * 24 * time.Hour
}

// Validate checks that every required field is present. It fails fast on
// the first missing field, before any side effect happens.
func (c Config) Validate() error {
	if c.ServiceGroup == "" {
		return core.NewFailure(core.MissingConfig, "serviceGroup is required")
	}
	if len(c.Domains) == 0 {
		return core.NewFailure(core.MissingConfig, "at least one domain is required")
	}
	if c.Cert.Email == "" {
		return core.NewFailure(core.MissingConfig, "cert.email is required for ACME registration")
	}
	if len(c.Services) == 0 {
		return core.NewFailure(core.MissingConfig, "at least one service is required")
	}
	for _, svc := range c.Services {
		if svc.Name == "" {
			return core.NewFailure(core.MissingConfig, "every service needs a name")
		}
		if svc.Image == "" {
			return core.ServiceFailure(core.MissingConfig, svc.Name, "image is required")
		}
		if svc.HealthURL == "" {
			return core.ServiceFailure(core.MissingConfig, svc.Name, "healthURL is required")
		}
	}
	if c.PollIntervalSeconds <= 0 {
		return core.NewFailure(core.MissingConfig, "pollIntervalSeconds must be positive")
	}
	if c.MaxWaitSeconds <= 0 {
		return core.NewFailure(core.MissingConfig, "maxWaitSeconds must be positive")
	}
	switch c.DNS.CheckMode {
	case "off", "warn", "enforce":
	default:
		return core.NewFailure(core.MissingConfig, "dns.checkMode must be off, warn or enforce, got %q", c.DNS.CheckMode)
	}
	if c.DNS.Cloudflare.Enabled {
		if c.DNS.Cloudflare.APIToken == "" {
			return core.NewFailure(core.MissingConfig, "dns.cloudflare.apiToken is required when cloudflare is enabled")
		}
		if c.DNS.Cloudflare.ZoneID == "" {
			return core.NewFailure(core.MissingConfig, "dns.cloudflare.zoneID is required when cloudflare is enabled")
		}
	}
	return nil
}

// overrideFromEnv overrides configuration with environment variables.
func overrideFromEnv(cfg *Config) {
	if val := os.Getenv("STAGEHAND_SERVICE_GROUP"); val != "" {
		cfg.ServiceGroup = val
	}
	if val := os.Getenv("STAGEHAND_DOMAINS"); val != "" {
		cfg.Domains = splitList(val)
	}
	if val := os.Getenv("STAGEHAND_CERT_EMAIL"); val != "" {
		cfg.Cert.Email = val
	}
	if val := os.Getenv("STAGEHAND_ACME_DIRECTORY_URL"); val != "" {
		cfg.Cert.DirectoryURL = val
	}
	if val := os.Getenv("STAGEHAND_CERT_STORE_DIR"); val != "" {
		cfg.Cert.StoreDir = val
	}
	if val := os.Getenv("STAGEHAND_POLL_INTERVAL_SECONDS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			cfg.PollIntervalSeconds = n
		}
	}
	if val := os.Getenv("STAGEHAND_MAX_WAIT_SECONDS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			cfg.MaxWaitSeconds = n
		}
	}
	if val := os.Getenv("STAGEHAND_DNS_CHECK_MODE"); val != "" {
		cfg.DNS.CheckMode = strings.ToLower(val)
	}
	if val := os.Getenv("STAGEHAND_CLOUDFLARE_API_TOKEN"); val != "" {
		cfg.DNS.Cloudflare.APIToken = val
	}
	if val := os.Getenv("STAGEHAND_CLOUDFLARE_ZONE_ID"); val != "" {
		cfg.DNS.Cloudflare.ZoneID = val
	}
	if val := os.Getenv("STAGEHAND_PROXY_CONTAINER"); val != "" {
		cfg.Proxy.ContainerName = val
	}
}

func splitList(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
