package agent

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds the agent's immutable startup configuration, decoded
// from the process environment.
type Config struct {
	RelayURL        string        `env:"AGENT_RELAY_URL,required"`
	TunnelPath      string        `env:"AGENT_TUNNEL_PATH" envDefault:"/tunnel"`
	SharedSecret    string        `env:"AGENT_SHARED_SECRET,required"`
	SecretHeader    string        `env:"AGENT_SECRET_HEADER" envDefault:"x-api-key"`
	SubdomainHeader string        `env:"AGENT_SUBDOMAIN_HEADER" envDefault:"x-subdomain"`
	PreferredLabel  string        `env:"AGENT_PREFERRED_SUBDOMAIN"`
	LocalHost       string        `env:"AGENT_LOCAL_HOST" envDefault:"localhost"`
	LocalPort       int           `env:"AGENT_LOCAL_PORT,required"`
	RequestTimeout  time.Duration `env:"AGENT_REQUEST_TIMEOUT" envDefault:"30s"`

	ProxyURL           string        `env:"AGENT_PROXY_URL"`
	ProxyHealthTimeout time.Duration `env:"AGENT_PROXY_HEALTH_TIMEOUT" envDefault:"10s"`
	ProxyRecheckEvery  time.Duration `env:"AGENT_PROXY_RECHECK_INTERVAL" envDefault:"5m"`
	VerifyLocalOnStart bool          `env:"AGENT_VERIFY_LOCAL_ON_START" envDefault:"true"`
}

// LoadConfig decodes a Config from the process environment and
// validates it.
func LoadConfig() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing agent environment config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.RelayURL == "" {
		return fmt.Errorf("AGENT_RELAY_URL is required")
	}
	if c.SharedSecret == "" {
		return fmt.Errorf("AGENT_SHARED_SECRET is required")
	}
	if c.LocalPort <= 0 || c.LocalPort > 65535 {
		return fmt.Errorf("AGENT_LOCAL_PORT must be a valid port, got %d", c.LocalPort)
	}
	return nil
}

// localAddr is the host:port of the local backend this agent forwards
// tunnelled requests to.
func (c *Config) localAddr() string {
	return fmt.Sprintf("%s:%d", c.LocalHost, c.LocalPort)
}
