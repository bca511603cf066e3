// Package matcher decides whether a queried name is covered by the
// blocklist. Matching is case-insensitive and suffix-based on label
// boundaries: "facebook.com" covers "www.facebook.com" but not
// "notfacebook.com". No wildcards, no regex.
package matcher

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidDomain is returned by ValidateDomain for names that are not
// plain ASCII LDH hostnames.
var ErrInvalidDomain = errors.New("invalid domain")

// Normalize canonicalizes a domain: lowercase, surrounding whitespace
// trimmed, one trailing dot stripped. It is idempotent.
func Normalize(d string) string {
	d = strings.TrimSpace(d)
	d = strings.TrimSuffix(d, ".")
	return strings.ToLower(d)
}

// ValidateDomain rejects names that cannot appear on the blocklist:
// empty names, names over 253 characters, labels over 63 characters,
// empty labels, and anything outside ASCII letters, digits, and hyphens.
// The input is validated in normalized form.
func ValidateDomain(d string) error {
	d = Normalize(d)
	if d == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidDomain)
	}
	if len(d) > 253 {
		return fmt.Errorf("%w: name exceeds 253 characters", ErrInvalidDomain)
	}
	for _, label := range strings.Split(d, ".") {
		if label == "" {
			return fmt.Errorf("%w: empty label in %q", ErrInvalidDomain, d)
		}
		if len(label) > 63 {
			return fmt.Errorf("%w: label exceeds 63 characters in %q", ErrInvalidDomain, d)
		}
		for i := 0; i < len(label); i++ {
			c := label[i]
			switch {
			case c >= 'a' && c <= 'z':
			case c >= '0' && c <= '9':
			case c == '-':
			default:
				return fmt.Errorf("%w: character %q in %q", ErrInvalidDomain, c, d)
			}
		}
		if label[0] == '-' || label[len(label)-1] == '-' {
			return fmt.Errorf("%w: label starts or ends with hyphen in %q", ErrInvalidDomain, d)
		}
	}
	return nil
}

// Matcher holds a pre-normalized view of the blocklist. It is immutable
// after construction; callers swap in a fresh Matcher whenever the
// policy changes.
type Matcher struct {
	domains map[string]struct{}
}

// New builds a Matcher from the given blocklist. Entries are normalized;
// duplicates collapse.
func New(blocklist []string) *Matcher {
	m := &Matcher{domains: make(map[string]struct{}, len(blocklist))}
	for _, d := range blocklist {
		if n := Normalize(d); n != "" {
			m.domains[n] = struct{}{}
		}
	}
	return m
}

// Len reports the number of distinct blocked domains.
func (m *Matcher) Len() int { return len(m.domains) }

// Match reports whether name equals a blocked domain or is a subdomain
// of one. Walking the name one label at a time keeps the check on label
// boundaries: each step strips the leftmost label, so every candidate is
// a proper DNS suffix of the query.
func (m *Matcher) Match(name string) bool {
	n := Normalize(name)
	for n != "" {
		if _, ok := m.domains[n]; ok {
			return true
		}
		i := strings.IndexByte(n, '.')
		if i < 0 {
			return false
		}
		n = n[i+1:]
	}
	return false
}
