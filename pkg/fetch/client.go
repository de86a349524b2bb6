package fetch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/redirect-finder/pkg/config"
	"github.com/Sriram-PR/redirect-finder/pkg/security"
	"github.com/Sriram-PR/redirect-finder/pkg/utils"
)

// defaultMaxRedirects applies when a request carries no RedirectTrace
const defaultMaxRedirects = 10

// RedirectTrace records the redirects an http.Client followed for one request.
// It is only touched from the goroutine running client.Do.
type RedirectTrace struct {
	max       int
	Hops      []string // URLs requested after the original, in order
	FirstCode int      // Status code of the first redirect response; 0 if none
}

type redirectTraceKey struct{}

// WithRedirectTrace attaches a hop budget to ctx and returns the trace the client fills in
func WithRedirectTrace(ctx context.Context, maxRedirects int) (context.Context, *RedirectTrace) {
	t := &RedirectTrace{max: maxRedirects}
	return context.WithValue(ctx, redirectTraceKey{}, t), t
}

func redirectTraceFrom(ctx context.Context) *RedirectTrace {
	t, _ := ctx.Value(redirectTraceKey{}).(*RedirectTrace)
	return t
}

// NewClient creates the managed HTTP client. Every connection goes through a dialer that
// resolves the host itself and refuses addresses the validator rejects, and every redirect
// hop is re-validated before it is followed.
func NewClient(cfg config.HTTPClientConfig, guard *security.Validator, resolver HostResolver, proxies *ProxyPool, log *logrus.Entry) *http.Client {
	log.Info("Initializing HTTP client...")

	dialer := &net.Dialer{
		Timeout:   cfg.DialerTimeout,
		KeepAlive: cfg.DialerKeepAlive,
	}

	transport := &http.Transport{
		DialContext:            guardedDialContext(dialer, guard, resolver, proxies, log),
		ForceAttemptHTTP2:      true,
		MaxIdleConns:           cfg.MaxIdleConns,
		MaxIdleConnsPerHost:    cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:        cfg.IdleConnTimeout,
		TLSHandshakeTimeout:    cfg.TLSHandshakeTimeout,
		ExpectContinueTimeout:  cfg.ExpectContinueTimeout,
		MaxResponseHeaderBytes: 1 << 20,
		WriteBufferSize:        4096,
		ReadBufferSize:         4096,
		DisableKeepAlives:      false,
	}
	// Environment proxies are ignored: the dial guard must see target addresses
	if proxies.Len() > 0 {
		transport.Proxy = func(*http.Request) (*url.URL, error) {
			p, _ := proxies.Next()
			return p.URL(), nil
		}
	}
	if cfg.ForceAttemptHTTP2 != nil {
		transport.ForceAttemptHTTP2 = *cfg.ForceAttemptHTTP2
	}

	client := &http.Client{
		Timeout:   cfg.Timeout, // Upper bound; strategies pass a tighter context deadline
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			trace := redirectTraceFrom(req.Context())
			limit := defaultMaxRedirects
			if trace != nil {
				limit = trace.max
			}
			if len(via) > limit {
				return fmt.Errorf("%w: stopped after %d redirects", utils.ErrTooManyRedirects, limit)
			}

			next := req.URL.String()
			for _, prev := range via {
				if prev.URL.String() == next {
					return fmt.Errorf("%w: %s", utils.ErrRedirectLoop, next)
				}
			}
			if err := guard.Validate(next); err != nil {
				return fmt.Errorf("redirect to %s: %w", next, err)
			}

			if trace != nil {
				if len(trace.Hops) == 0 && req.Response != nil {
					trace.FirstCode = req.Response.StatusCode
				}
				trace.Hops = append(trace.Hops, next)
			}
			log.Debugf("Redirecting: %s -> %s (hop %d)", via[len(via)-1].URL, req.URL, len(via))
			return nil
		},
	}
	log.Info("HTTP client initialized.")
	return client
}

// guardedDialContext resolves addr's host, rejects any disallowed address and dials the vetted IPs.
// Pinning the dial to the checked addresses closes the window for DNS rebinding.
func guardedDialContext(dialer *net.Dialer, guard *security.Validator, resolver HostResolver, proxies *ProxyPool, log *logrus.Entry) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		// Proxies are operator-configured and may legitimately live on private networks
		if proxies.Contains(addr) {
			return dialer.DialContext(ctx, network, addr)
		}

		host, portStr, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("%w: dial %s: %v", utils.ErrTransport, addr, err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("%w: dial %s: invalid port", utils.ErrTransport, addr)
		}
		if err := guard.CheckPort(port); err != nil {
			return nil, err
		}

		addrs, err := resolver.LookupHost(ctx, host)
		if err != nil {
			return nil, err
		}
		if !guard.Allowed(host) {
			for _, a := range addrs {
				if err := guard.CheckAddr(a); err != nil {
					log.WithFields(logrus.Fields{"host": host, "addr": a.String()}).Warn("Refusing to dial disallowed address")
					return nil, fmt.Errorf("%s resolves to a disallowed address: %w", host, err)
				}
			}
		}

		var lastErr error
		for _, a := range addrs {
			conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(a.String(), portStr))
			if err == nil {
				return conn, nil
			}
			lastErr = err
			if ctx.Err() != nil {
				break
			}
		}
		if lastErr == nil {
			lastErr = errors.New("no addresses")
		}
		return nil, fmt.Errorf("%w: dial %s: %w", utils.ErrTransport, addr, lastErr)
	}
}
