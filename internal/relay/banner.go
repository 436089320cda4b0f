package relay

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// bannerInfo describes the relay for the plain-text welcome banner
// served on the base domain. It is round-tripped through yaml purely
// to give the self-description a structured, reviewable form before
// being flattened to the text actually written to the client.
type bannerInfo struct {
	Service    string `yaml:"service"`
	BaseDomain string `yaml:"base_domain"`
	TunnelPath string `yaml:"tunnel_path"`
	HealthPath string `yaml:"health_path"`
}

// Banner renders the plain-text welcome banner for requests to the
// bare base domain, per spec §4.3/§6.
func Banner(cfg *Config) string {
	info := bannerInfo{
		Service:    "tunnel relay",
		BaseDomain: cfg.BaseDomain,
		TunnelPath: cfg.TunnelPath,
		HealthPath: "/health",
	}
	data, err := yaml.Marshal(info)
	if err != nil {
		// fall back to a minimal banner; this should never happen for
		// a fixed, all-string struct.
		return fmt.Sprintf("tunnel relay running at %s\n", cfg.BaseDomain)
	}

	var b strings.Builder
	b.WriteString("tunnel relay\n")
	b.WriteString("------------\n")
	b.Write(data)
	b.WriteString(fmt.Sprintf("\nattach a subdomain with a request to <id>.%s\n", cfg.BaseDomain))
	return b.String()
}
