package security

import (
	"fmt"
	"net/netip"
	"net/url"
	"strconv"
	"strings"

	"github.com/Sriram-PR/redirect-finder/pkg/utils"
)

// DefaultBlockedPorts are internal-service ports no redirect target should ever point at.
// 80 and 443 are deliberately absent.
var DefaultBlockedPorts = []int{
	21, 22, 23, 25, 53, 110, 135, 139, 143, 445, 993, 995,
	1433, 1521, 2375, 2379, 3306, 5060, 5061, 5432, 6379, 9200, 11211, 27017,
}

// blockedHostnames are refused regardless of what they resolve to.
var blockedHostnames = []string{
	"localhost",
	"localhost.localdomain",
	"ip6-localhost",
	"ip6-loopback",
	"metadata",
	"metadata.google.internal",
	"metadata.goog",
	"instance-data",
	"instance-data.ec2.internal",
}

// metadataAddrs are cloud instance-metadata endpoints not covered by the range checks.
var metadataAddrs = []netip.Addr{
	netip.MustParseAddr("169.254.169.254"), // AWS, GCP, Azure, OpenStack
	netip.MustParseAddr("169.254.170.2"),   // AWS ECS task metadata
	netip.MustParseAddr("100.100.100.200"), // Alibaba Cloud
	netip.MustParseAddr("192.0.0.192"),     // Oracle Cloud
	netip.MustParseAddr("fd00:ec2::254"),   // AWS IMDS over IPv6
}

// privateV4 lists the RFC 1918 ranges plus the "this network" block.
var privateV4 = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
}

// Validator is the pre-flight SSRF check every strategy runs before opening a socket.
// It holds only immutable configuration, so one instance is safe for concurrent use.
type Validator struct {
	blockedPorts map[int]struct{}
	blockedHosts map[string]struct{}
	allowedHosts map[string]struct{}
}

// Option customizes a Validator
type Option func(*Validator)

// WithBlockedPorts replaces the default port denylist
func WithBlockedPorts(ports []int) Option {
	return func(v *Validator) {
		if len(ports) == 0 {
			return
		}
		v.blockedPorts = make(map[int]struct{}, len(ports))
		for _, p := range ports {
			v.blockedPorts[p] = struct{}{}
		}
	}
}

// WithBlockedHosts adds host literals to refuse
func WithBlockedHosts(hosts []string) Option {
	return func(v *Validator) {
		for _, h := range hosts {
			if h = normalizeHost(h); h != "" {
				v.blockedHosts[h] = struct{}{}
			}
		}
	}
}

// WithAllowedHosts exempts trusted internal hosts (names or IP literals) from address checks.
// Scheme and port rules still apply to them.
func WithAllowedHosts(hosts []string) Option {
	return func(v *Validator) {
		for _, h := range hosts {
			if h = normalizeHost(h); h != "" {
				v.allowedHosts[h] = struct{}{}
			}
		}
	}
}

// NewValidator builds a Validator with the default policy plus any options
func NewValidator(opts ...Option) *Validator {
	v := &Validator{
		blockedPorts: make(map[int]struct{}, len(DefaultBlockedPorts)),
		blockedHosts: make(map[string]struct{}, len(blockedHostnames)),
		allowedHosts: make(map[string]struct{}),
	}
	for _, p := range DefaultBlockedPorts {
		v.blockedPorts[p] = struct{}{}
	}
	for _, h := range blockedHostnames {
		v.blockedHosts[h] = struct{}{}
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate returns nil if rawURL may be fetched, otherwise an error wrapping
// utils.ErrSecurityRejection that describes the reason.
func (v *Validator) Validate(rawURL string) error {
	_, err := v.Parse(rawURL)
	return err
}

// Parse validates rawURL and returns the parsed form on success
func (v *Validator) Parse(rawURL string) (*url.URL, error) {
	trimmed := strings.TrimSpace(rawURL)
	if trimmed == "" {
		return nil, reject("empty URL")
	}

	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, reject("unparseable URL: %v", err)
	}
	if u.Scheme == "" {
		return nil, reject("missing scheme")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, reject("scheme %q not allowed", u.Scheme)
	}
	if u.Opaque != "" {
		return nil, reject("opaque URL not allowed")
	}

	host := normalizeHost(u.Hostname())
	if host == "" {
		return nil, reject("missing host")
	}

	if err := v.checkPort(u.Port()); err != nil {
		return nil, err
	}

	if v.isAllowed(host) {
		return u, nil
	}

	if _, blocked := v.blockedHosts[host]; blocked {
		return nil, reject("host %q is not allowed", host)
	}
	if strings.HasSuffix(host, ".localhost") {
		return nil, reject("host %q is not allowed", host)
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		if err := v.CheckAddr(addr); err != nil {
			return nil, err
		}
		return u, nil
	}

	// Shorthand numeric forms ("2130706433", "0x7f.1", "127.1") are interpreted as
	// IPv4 by curl and browsers even though netip refuses them.
	if looksNumericHost(host) {
		return nil, reject("ambiguous numeric host %q", host)
	}

	return u, nil
}

// CheckAddr rejects an IP that points into loopback, private, link-local,
// unique-local, unspecified or metadata space. Used both pre-flight for IP
// literals and at dial time for resolved names.
func (v *Validator) CheckAddr(addr netip.Addr) error {
	addr = addr.Unmap()
	if v.isAllowed(addr.String()) {
		return nil
	}

	for _, m := range metadataAddrs {
		if addr == m {
			return reject("cloud metadata address %s", addr)
		}
	}

	switch {
	case addr.IsLoopback():
		return reject("loopback address %s", addr)
	case addr.IsUnspecified():
		return reject("unspecified address %s", addr)
	case addr.IsLinkLocalUnicast(), addr.IsLinkLocalMulticast():
		return reject("link-local address %s", addr)
	case addr.IsMulticast(), addr.IsInterfaceLocalMulticast():
		return reject("multicast address %s", addr)
	}

	if addr.Is4() {
		for _, p := range privateV4 {
			if p.Contains(addr) {
				return reject("private address %s", addr)
			}
		}
		if addr == netip.AddrFrom4([4]byte{255, 255, 255, 255}) {
			return reject("broadcast address %s", addr)
		}
		return nil
	}

	// fc00::/7 unique-local; netip reports these through IsPrivate
	if addr.IsPrivate() {
		return reject("unique-local address %s", addr)
	}
	return nil
}

// CheckPort rejects ports on the denylist or outside 1-65535
func (v *Validator) CheckPort(port int) error {
	if port < 1 || port > 65535 {
		return reject("port %d out of range", port)
	}
	if _, blocked := v.blockedPorts[port]; blocked {
		return reject("port %d is denied", port)
	}
	return nil
}

// checkPort validates an explicit port; an absent port means the scheme default
func (v *Validator) checkPort(rawPort string) error {
	if rawPort == "" {
		return nil
	}
	port, err := strconv.Atoi(rawPort)
	if err != nil {
		return reject("invalid port %q", rawPort)
	}
	return v.CheckPort(port)
}

// Allowed reports whether host is on the explicit allowlist
func (v *Validator) Allowed(host string) bool {
	return v.isAllowed(normalizeHost(host))
}

func (v *Validator) isAllowed(host string) bool {
	_, ok := v.allowedHosts[host]
	return ok
}

// normalizeHost lower-cases a host and strips brackets and a trailing root dot
func normalizeHost(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	h = strings.TrimPrefix(h, "[")
	h = strings.TrimSuffix(h, "]")
	h = strings.TrimSuffix(h, ".")
	if i := strings.IndexByte(h, '%'); i >= 0 { // Drop IPv6 zone
		h = h[:i]
	}
	return h
}

// looksNumericHost reports whether every label is a decimal, octal or hex number
func looksNumericHost(host string) bool {
	labels := strings.Split(host, ".")
	for _, l := range labels {
		if l == "" {
			return false
		}
		s := l
		if strings.HasPrefix(s, "0x") {
			s = s[2:]
			if s == "" {
				return true
			}
			for _, r := range s {
				if !strings.ContainsRune("0123456789abcdef", r) {
					return false
				}
			}
			continue
		}
		for _, r := range s {
			if r < '0' || r > '9' {
				return false
			}
		}
	}
	return true
}

func reject(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", utils.ErrSecurityRejection, fmt.Sprintf(format, args...))
}
