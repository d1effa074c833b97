// Package proxy implements the credential-injection proxy: the sole
// egress path for sandbox containers, one Unix-socket listener per
// container, with a host whitelist, CONNECT tunneling, request signing,
// and audit records on rejection.
package proxy

import (
	"net"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Entry is one whitelist line: an exact host or a leading-dot
// suffix pattern, the methods it permits, and the signing profile to use.
type Entry struct {
	HostPattern    string   `yaml:"host_pattern"`
	AllowedMethods []string `yaml:"allowed_methods"`
	SigningProfile string   `yaml:"signing_profile"`
}

// Whitelist is the immutable-after-load host allow-list with associated
// signing profiles. It is read once at startup and never mutated.
type Whitelist struct {
	entries []Entry
}

// LoadWhitelist reads a YAML whitelist file.
func LoadWhitelist(path string) (*Whitelist, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc struct {
		Entries []Entry `yaml:"whitelist"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return &Whitelist{entries: doc.Entries}, nil
}

// Entries returns a copy of the loaded entries for operator display.
func (wl *Whitelist) Entries() []Entry {
	return append([]Entry(nil), wl.entries...)
}

// NewWhitelist builds a Whitelist directly from entries, used by tests and
// by callers that assemble the list programmatically instead of from disk.
func NewWhitelist(entries []Entry) *Whitelist {
	return &Whitelist{entries: append([]Entry(nil), entries...)}
}

// linkLocalDenied reports whether host is the metadata-service address or
// otherwise link-local, both permanently denied regardless of whitelist
// content.
func linkLocalDenied(host string) bool {
	if host == "169.254.169.254" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLinkLocalUnicast()
}

// Match returns the whitelist entry allowing (host, method), or false if
// none does. Matching is exact host or suffix-after-leading-dot.
func (wl *Whitelist) Match(host, method string) (Entry, bool) {
	if linkLocalDenied(host) {
		return Entry{}, false
	}
	for _, e := range wl.entries {
		if !hostMatches(e.HostPattern, host) {
			continue
		}
		if !methodAllowed(e.AllowedMethods, method) {
			continue
		}
		return e, true
	}
	return Entry{}, false
}

func hostMatches(pattern, host string) bool {
	host = strings.ToLower(host)
	pattern = strings.ToLower(pattern)
	if strings.HasPrefix(pattern, ".") {
		return strings.HasSuffix(host, pattern) || host == strings.TrimPrefix(pattern, ".")
	}
	return host == pattern
}

func methodAllowed(allowed []string, method string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, m := range allowed {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}
