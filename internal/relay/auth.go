package relay

import (
	"crypto/subtle"
	"fmt"
	"strings"
)

// secretSet is a parsed, deduplicated set of accepted shared secrets.
type secretSet map[string]struct{}

// parseSecretSet splits a comma-separated secret list into a set. An
// empty result is a fatal misconfiguration at the caller's discretion.
func parseSecretSet(raw string) secretSet {
	set := make(secretSet)
	for _, s := range strings.Split(raw, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			set[s] = struct{}{}
		}
	}
	return set
}

// authenticate checks a shared secret against the accepted set using a
// constant-time comparison per candidate, so the check's timing does
// not leak which configured secret (if any) a near-miss was compared
// against.
func authenticate(accepted secretSet, secret string) error {
	if secret == "" {
		return fmt.Errorf("missing shared secret")
	}
	for candidate := range accepted {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(secret)) == 1 {
			return nil
		}
	}
	return fmt.Errorf("shared secret not recognised")
}
