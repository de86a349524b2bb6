package stats

import (
	"net/netip"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// ApexDomain extracts the registrable domain used to group statistics, e.g.
// "https://m.shop.example.co.uk/x" -> "example.co.uk". IP literals, single-label
// hosts and names publicsuffix cannot split come back as the lower-cased host.
// Returns "" when rawURL has no host, including opaque URIs such as mailto: or javascript:.
func ApexDomain(rawURL string) string {
	raw := strings.TrimSpace(rawURL)
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") {
		if hasOpaqueScheme(raw) {
			return ""
		}
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if host == "" {
		return ""
	}
	if _, err := netip.ParseAddr(host); err == nil {
		return host
	}
	if !strings.Contains(host, ".") {
		return host
	}
	apex, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return apex
}

// hasOpaqueScheme reports whether raw starts with "scheme:" that is not a bare host:port.
func hasOpaqueScheme(raw string) bool {
	head := raw
	if i := strings.IndexAny(head, "/?#"); i >= 0 {
		head = head[:i]
	}
	scheme, rest, ok := strings.Cut(head, ":")
	if !ok || scheme == "" || strings.Contains(scheme, ".") {
		return false
	}
	for i, r := range scheme {
		letter := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
		if !letter && (i == 0 || !strings.ContainsRune("0123456789+-.", r)) {
			return false
		}
	}
	if rest == "" {
		return true
	}
	for _, r := range rest {
		if r < '0' || r > '9' {
			return true
		}
	}
	return false
}
