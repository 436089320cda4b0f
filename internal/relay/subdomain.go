package relay

import (
	"crypto/rand"
	"fmt"
)

const (
	minSubdomainLen = 3
	maxSubdomainLen = 63
	mintedLabelLen  = 8
	mintAttemptCap  = 100
)

const alnumAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// isAlnum reports whether b is a lowercase ASCII letter or digit.
func isAlnum(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= '0' && b <= '9')
}

// ValidSubdomain reports whether label satisfies the TunnelId syntax
// from spec §3: length 3..63, characters in [a-z0-9-], and the label
// must start and end with a letter or digit.
func ValidSubdomain(label string) bool {
	if len(label) < minSubdomainLen || len(label) > maxSubdomainLen {
		return false
	}
	if !isAlnum(label[0]) || !isAlnum(label[len(label)-1]) {
		return false
	}
	for i := 0; i < len(label); i++ {
		c := label[i]
		if !isAlnum(c) && c != '-' {
			return false
		}
	}
	return true
}

// mintLabel generates an 8-character random lowercase-alphanumeric
// label, always satisfying ValidSubdomain.
func mintLabel() (string, error) {
	buf := make([]byte, mintedLabelLen)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}
	out := make([]byte, mintedLabelLen)
	for i, b := range buf {
		out[i] = alnumAlphabet[int(b)%len(alnumAlphabet)]
	}
	return string(out), nil
}

// resolveTunnelID decides the TunnelId for a new attachment: the
// agent's preferred label if supplied, syntactically valid, and not
// already in use; otherwise a freshly minted 8-character label that
// does not collide with an existing entry. taken reports whether a
// candidate label is currently held by the registry.
func resolveTunnelID(preferred string, taken func(label string) bool) (string, error) {
	if preferred != "" && ValidSubdomain(preferred) && !taken(preferred) {
		return preferred, nil
	}

	for attempt := 0; attempt < mintAttemptCap; attempt++ {
		candidate, err := mintLabel()
		if err != nil {
			return "", err
		}
		if !taken(candidate) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("exhausted %d attempts minting a unique tunnel id", mintAttemptCap)
}
