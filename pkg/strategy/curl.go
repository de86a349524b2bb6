package strategy

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"net/textproto"
	"net/url"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/redirect-finder/pkg/detect"
	"github.com/Sriram-PR/redirect-finder/pkg/fetch"
	"github.com/Sriram-PR/redirect-finder/pkg/models"
	"github.com/Sriram-PR/redirect-finder/pkg/security"
	"github.com/Sriram-PR/redirect-finder/pkg/utils"
)

// curl exit codes that need special handling
const (
	curlExitCouldNotResolve = 6
	curlExitTimeout         = 28
)

// headerSlack is extra stdout allowance for status lines and headers on top of the body cap
const headerSlack = 64 << 10

// CurlOptions configures the process-based strategy
type CurlOptions struct {
	Binary         string
	ConnectTimeout time.Duration
	MaxBodyBytes   int64
	PinDNS         bool // Resolve and vet each hop's host, then pin it with --resolve
	UserAgent      string
}

// CurlStrategy spawns one curl process per hop with redirect-following disabled
// and walks Location headers itself, so every hop passes the validator first.
type CurlStrategy struct {
	opts       CurlOptions
	guard      *security.Validator
	resolver   fetch.HostResolver
	proxies    *fetch.ProxyPool
	classifier detect.Classifier
	runner     CommandRunner
	log        *logrus.Entry
}

// NewCurlStrategy creates the priority-1 strategy. proxies may be nil.
func NewCurlStrategy(opts CurlOptions, guard *security.Validator, resolver fetch.HostResolver, proxies *fetch.ProxyPool, classifier detect.Classifier, log *logrus.Entry) *CurlStrategy {
	if opts.Binary == "" {
		opts.Binary = "curl"
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = detect.MaxBodyBytes
	}
	return &CurlStrategy{
		opts:       opts,
		guard:      guard,
		resolver:   resolver,
		proxies:    proxies,
		classifier: classifier,
		runner:     ExecRunner{},
		log:        log.WithField("strategy", NameCurl),
	}
}

// WithRunner swaps the process runner
func (s *CurlStrategy) WithRunner(r CommandRunner) *CurlStrategy {
	s.runner = r
	return s
}

func (s *CurlStrategy) Name() string  { return NameCurl }
func (s *CurlStrategy) Priority() int { return PriorityCurl }

// CanHandle is always true: curl is the cheap first attempt and a valid retry after any failure
func (s *CurlStrategy) CanHandle(string, models.PageStatus) bool { return true }

// Resolve follows the redirect chain hop by hop
func (s *CurlStrategy) Resolve(ctx context.Context, rawURL string, maxRedirects int, timeout time.Duration) models.Result {
	start := time.Now()
	current, err := s.guard.Parse(rawURL)
	if err != nil {
		return rejectedResult(NameCurl, rawURL, start, err, s.log)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var o outcome
	seen := map[string]struct{}{current.String(): {}}
	for {
		resp, err := s.fetchOnce(ctx, current, timeout)
		if err != nil {
			o.status, o.err, o.finalURL = models.PageStatusError, err, current.String()
			return buildResult(NameCurl, rawURL, start, o, s.log)
		}
		o.lastCode = resp.StatusCode

		location := strings.TrimSpace(resp.Header.Get("Location"))
		if resp.StatusCode >= 300 && resp.StatusCode < 400 && location != "" {
			next, err := current.Parse(location)
			if err != nil {
				o.status, o.finalURL = models.PageStatusError, current.String()
				o.err = fmt.Errorf("%w: malformed Location header %q", utils.ErrProtocolAnomaly, location)
				return buildResult(NameCurl, rawURL, start, o, s.log)
			}
			nextURL := next.String()

			if len(o.chain) >= maxRedirects {
				o.status, o.finalURL = models.PageStatusError, current.String()
				o.err = fmt.Errorf("%w: exceeded %d", utils.ErrTooManyRedirects, maxRedirects)
				return buildResult(NameCurl, rawURL, start, o, s.log)
			}
			if _, loop := seen[nextURL]; loop {
				o.status, o.finalURL = models.PageStatusError, current.String()
				o.err = fmt.Errorf("%w: %s", utils.ErrRedirectLoop, nextURL)
				return buildResult(NameCurl, rawURL, start, o, s.log)
			}
			if err := s.guard.Validate(nextURL); err != nil {
				o.status, o.finalURL = models.PageStatusError, current.String()
				o.err = fmt.Errorf("redirect to %s: %w", nextURL, err)
				return buildResult(NameCurl, rawURL, start, o, s.log)
			}

			if o.firstCode == 0 {
				o.firstCode = resp.StatusCode
			}
			o.chain = append(o.chain, nextURL)
			seen[nextURL] = struct{}{}
			s.log.Debugf("Redirect %d: %s -> %s (HTTP %d)", len(o.chain), current, nextURL, resp.StatusCode)
			current = next
			continue
		}

		verdict := s.classifier.Classify(detect.Response{
			StatusCode: resp.StatusCode,
			Header:     resp.Header,
			Body:       resp.Body,
			URL:        current.String(),
		})
		o.status, o.err = classify(resp.StatusCode, len(o.chain), verdict)
		o.finalURL = current.String()
		return buildResult(NameCurl, rawURL, start, o, s.log)
	}
}

// fetchOnce runs curl for a single hop within what is left of the attempt's budget
func (s *CurlStrategy) fetchOnce(ctx context.Context, u *url.URL, timeout time.Duration) (*curlResponse, error) {
	deadline, _ := ctx.Deadline()
	remaining := time.Until(deadline)
	if remaining <= 0 || ctx.Err() != nil {
		return nil, contextError(ctx, timeout)
	}
	connect := s.opts.ConnectTimeout
	if connect > remaining {
		connect = remaining
	}

	args := []string{
		"-sS", "-i", "--compressed",
		"--proto", "=http,https",
		"--max-time", formatSeconds(remaining),
		"--connect-timeout", formatSeconds(connect),
		"-H", "Accept: text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
		"-H", "Accept-Language: en-US,en;q=0.9",
	}
	if s.opts.UserAgent != "" {
		args = append(args, "-A", s.opts.UserAgent)
	}

	if proxy, ok := s.proxies.Next(); ok {
		args = append(args, "-x", "http://"+proxy.Address())
		if proxy.Username != "" {
			args = append(args, "-U", proxy.Username+":"+proxy.Password)
		}
	} else if s.opts.PinDNS {
		pin, err := s.pinHost(ctx, u)
		if err != nil {
			return nil, err
		}
		if pin != "" {
			args = append(args, "--resolve", pin)
		}
	}
	args = append(args, u.String())

	out, err := s.runner.Run(ctx, s.opts.Binary, args, s.opts.MaxBodyBytes+headerSlack)
	if err != nil {
		return nil, s.runError(ctx, timeout, err)
	}
	return parseCurlOutput(out)
}

// pinHost resolves u's host, vets every address, and returns a --resolve entry for the first one.
// Returns "" for IP literals, which were already vetted by the validator.
func (s *CurlStrategy) pinHost(ctx context.Context, u *url.URL) (string, error) {
	host := u.Hostname()
	if _, err := netip.ParseAddr(host); err == nil {
		return "", nil
	}
	addrs, err := s.resolver.LookupHost(ctx, host)
	if err != nil {
		return "", err
	}
	if len(addrs) == 0 {
		return "", fmt.Errorf("%w: %s has no addresses", utils.ErrTransport, host)
	}
	if !s.guard.Allowed(host) {
		for _, a := range addrs {
			if err := s.guard.CheckAddr(a); err != nil {
				return "", fmt.Errorf("%s resolves to a disallowed address: %w", host, err)
			}
		}
	}

	port := u.Port()
	if port == "" {
		port = "80"
		if u.Scheme == "https" {
			port = "443"
		}
	}
	ip := addrs[0].String()
	if addrs[0].Is6() {
		ip = "[" + ip + "]"
	}
	return host + ":" + port + ":" + ip, nil
}

// runError maps a failed curl run onto the error taxonomy
func (s *CurlStrategy) runError(ctx context.Context, timeout time.Duration, err error) error {
	if ctx.Err() != nil {
		return contextError(ctx, timeout)
	}
	if errors.Is(err, exec.ErrNotFound) {
		return fmt.Errorf("%w: curl binary %q unavailable: %v", utils.ErrResourceExhaustion, s.opts.Binary, err)
	}
	var runErr *RunError
	if errors.As(err, &runErr) {
		switch runErr.ExitCode {
		case curlExitTimeout:
			return fmt.Errorf("%w: curl: %s", utils.ErrTimeout, runErr.Stderr)
		case curlExitCouldNotResolve:
			return fmt.Errorf("%w: could not resolve host: %s", utils.ErrTransport, runErr.Stderr)
		}
		return fmt.Errorf("%w: curl %v", utils.ErrTransport, runErr)
	}
	return fmt.Errorf("%w: curl: %v", utils.ErrResourceExhaustion, err)
}

// curlResponse is the final response block of a curl -i run
type curlResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// parseCurlOutput splits curl -i output into status, headers and body.
// Interim 1xx blocks and a proxy's CONNECT reply are skipped.
func parseCurlOutput(out []byte) (*curlResponse, error) {
	br := bufio.NewReader(bytes.NewReader(out))
	for {
		tp := textproto.NewReader(br)
		line, err := tp.ReadLine()
		if err != nil {
			return nil, fmt.Errorf("%w: no HTTP status line in curl output", utils.ErrProtocolAnomaly)
		}
		code, reason, err := parseStatusLine(line)
		if err != nil {
			return nil, err
		}
		hdr, err := tp.ReadMIMEHeader()
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: malformed headers: %v", utils.ErrProtocolAnomaly, err)
		}

		interim := code >= 100 && code < 200
		tunnel := code == http.StatusOK && strings.Contains(strings.ToLower(reason), "connection established")
		if (interim || tunnel) && nextIsStatusLine(br) {
			continue
		}

		body, _ := io.ReadAll(br)
		return &curlResponse{StatusCode: code, Header: http.Header(hdr), Body: body}, nil
	}
}

// parseStatusLine accepts "HTTP/1.1 301 Moved Permanently" and "HTTP/2 301"
func parseStatusLine(line string) (code int, reason string, err error) {
	fields := strings.Fields(line)
	if len(fields) < 2 || !strings.HasPrefix(fields[0], "HTTP/") {
		return 0, "", fmt.Errorf("%w: bad status line %q", utils.ErrProtocolAnomaly, line)
	}
	code, err = strconv.Atoi(fields[1])
	if err != nil || code < 100 || code > 599 {
		return 0, "", fmt.Errorf("%w: bad status code in %q", utils.ErrProtocolAnomaly, line)
	}
	return code, strings.Join(fields[2:], " "), nil
}

func nextIsStatusLine(br *bufio.Reader) bool {
	peek, _ := br.Peek(5)
	return string(peek) == "HTTP/"
}

// formatSeconds renders d as curl's fractional-seconds argument
func formatSeconds(d time.Duration) string {
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
}
