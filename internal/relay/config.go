package relay

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds the relay's immutable startup configuration, decoded
// from the process environment per spec §6.
type Config struct {
	ListenAddr      string        `env:"RELAY_LISTEN_ADDR" envDefault:":8080"`
	Secrets         string        `env:"RELAY_SECRETS"`
	BaseDomain      string        `env:"RELAY_BASE_DOMAIN,required"`
	MaxTunnels      int           `env:"RELAY_MAX_TUNNELS" envDefault:"10"`
	TunnelPath      string        `env:"RELAY_TUNNEL_PATH" envDefault:"/tunnel"`
	SecretHeader    string        `env:"RELAY_SECRET_HEADER" envDefault:"x-api-key"`
	SubdomainHeader string        `env:"RELAY_SUBDOMAIN_HEADER" envDefault:"x-subdomain"`
	RequestTimeout  time.Duration `env:"RELAY_REQUEST_TIMEOUT" envDefault:"30s"`
	HeartbeatEvery  time.Duration `env:"RELAY_HEARTBEAT_INTERVAL" envDefault:"30s"`
	MaxBodyBytes    int64         `env:"RELAY_MAX_BODY_BYTES" envDefault:"10485760"`
}

// LoadConfig decodes a Config from the process environment and
// validates it. An empty accepted-secret set is a fatal
// misconfiguration, per spec §6.
func LoadConfig() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing relay environment config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.BaseDomain == "" {
		return fmt.Errorf("RELAY_BASE_DOMAIN is required")
	}
	if c.MaxTunnels <= 0 {
		return fmt.Errorf("RELAY_MAX_TUNNELS must be positive, got %d", c.MaxTunnels)
	}
	if len(parseSecretSet(c.Secrets)) == 0 {
		return fmt.Errorf("RELAY_SECRETS must list at least one accepted shared secret")
	}
	return nil
}

// Authenticate checks a shared secret against the configured accepted
// set, parsed fresh from Secrets on every call so a Config built by
// struct literal (as in tests) needs no separate initialization step.
func (c *Config) Authenticate(secret string) error {
	return authenticate(parseSecretSet(c.Secrets), secret)
}
