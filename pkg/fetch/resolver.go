package fetch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/redirect-finder/pkg/utils"
)

// HostResolver turns a hostname into the addresses a connection would be made to
type HostResolver interface {
	LookupHost(ctx context.Context, host string) ([]netip.Addr, error)
}

// Resolver queries A and AAAA records directly so the caller sees every address
// before a connection is made. Falls back to the system resolver when no
// nameserver is configured.
type Resolver struct {
	client  *dns.Client
	servers []string // host:port
	log     *logrus.Entry
}

// NewResolver uses server (host or host:port) when set, otherwise /etc/resolv.conf.
func NewResolver(server string, queryTimeout time.Duration, log *logrus.Entry) *Resolver {
	if queryTimeout <= 0 {
		queryTimeout = 5 * time.Second
	}
	r := &Resolver{
		client: &dns.Client{Net: "udp", Timeout: queryTimeout},
		log:    log.WithField("component", "resolver"),
	}

	if server = strings.TrimSpace(server); server != "" {
		if _, _, err := net.SplitHostPort(server); err != nil {
			server = net.JoinHostPort(server, "53")
		}
		r.servers = []string{server}
		return r
	}

	sysConfig, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		r.log.WithError(err).Warn("Could not read /etc/resolv.conf, using system resolver")
		return r
	}
	for _, s := range sysConfig.Servers {
		r.servers = append(r.servers, net.JoinHostPort(s, sysConfig.Port))
	}
	return r
}

// LookupHost returns the A and AAAA addresses for host. IP literals are returned as-is.
func (r *Resolver) LookupHost(ctx context.Context, host string) ([]netip.Addr, error) {
	host = strings.TrimSuffix(strings.Trim(host, "[]"), ".")
	if addr, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{addr.Unmap()}, nil
	}

	if len(r.servers) == 0 {
		return r.lookupSystem(ctx, host)
	}

	var (
		addrs    []netip.Addr
		lastErr  error
		answered bool
		nxdomain bool
	)
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		found, nx, err := r.query(ctx, host, qtype)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}
		answered = true
		nxdomain = nxdomain || nx
		addrs = append(addrs, found...)
	}

	if len(addrs) > 0 {
		return addrs, nil
	}
	if ctx.Err() != nil {
		return nil, fmt.Errorf("%w: resolving %s: %v", utils.ErrTimeout, host, ctx.Err())
	}
	if !answered {
		r.log.WithError(lastErr).WithField("host", host).Debug("Nameservers unreachable, falling back to system resolver")
		return r.lookupSystem(ctx, host)
	}
	dnsErr := &net.DNSError{Err: "no such host", Name: host, IsNotFound: nxdomain}
	return nil, fmt.Errorf("%w: %w", utils.ErrTransport, dnsErr)
}

// query asks each configured server in turn until one answers
func (r *Resolver) query(ctx context.Context, host string, qtype uint16) (addrs []netip.Addr, nxdomain bool, err error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), qtype)
	msg.RecursionDesired = true

	for _, server := range r.servers {
		resp, _, exErr := r.client.ExchangeContext(ctx, msg, server)
		if exErr != nil {
			err = exErr
			if ctx.Err() != nil {
				return nil, false, ctx.Err()
			}
			continue
		}
		if resp.Rcode == dns.RcodeNameError {
			return nil, true, nil
		}
		if resp.Rcode != dns.RcodeSuccess {
			err = fmt.Errorf("server %s answered %s", server, dns.RcodeToString[resp.Rcode])
			continue
		}
		for _, rr := range resp.Answer {
			switch rec := rr.(type) {
			case *dns.A:
				if a, ok := netip.AddrFromSlice(rec.A.To4()); ok {
					addrs = append(addrs, a)
				}
			case *dns.AAAA:
				if a, ok := netip.AddrFromSlice(rec.AAAA.To16()); ok {
					addrs = append(addrs, a.Unmap())
				}
			}
		}
		return addrs, false, nil
	}
	if err == nil {
		err = errors.New("no nameservers configured")
	}
	return nil, false, err
}

func (r *Resolver) lookupSystem(ctx context.Context, host string) ([]netip.Addr, error) {
	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: resolving %s: %v", utils.ErrTimeout, host, ctx.Err())
		}
		return nil, fmt.Errorf("%w: %w", utils.ErrTransport, err)
	}
	out := make([]netip.Addr, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.Unmap())
	}
	return out, nil
}

// StaticResolver answers from a fixed table. Unknown hosts fail with a DNS not-found error.
type StaticResolver map[string][]netip.Addr

// LookupHost implements HostResolver
func (s StaticResolver) LookupHost(_ context.Context, host string) ([]netip.Addr, error) {
	host = strings.TrimSuffix(strings.Trim(host, "[]"), ".")
	if addr, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{addr.Unmap()}, nil
	}
	if addrs, ok := s[strings.ToLower(host)]; ok && len(addrs) > 0 {
		return addrs, nil
	}
	return nil, fmt.Errorf("%w: %w", utils.ErrTransport, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true})
}
