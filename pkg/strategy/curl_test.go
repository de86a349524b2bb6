package strategy

import (
	"context"
	"net/netip"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sriram-PR/redirect-finder/pkg/detect"
	"github.com/Sriram-PR/redirect-finder/pkg/fetch"
	"github.com/Sriram-PR/redirect-finder/pkg/models"
	"github.com/Sriram-PR/redirect-finder/pkg/security"
	"github.com/Sriram-PR/redirect-finder/pkg/utils"
)

type fakeReply struct {
	out string
	err error
}

// fakeRunner answers curl invocations from a table keyed by the target URL (the last argument)
type fakeRunner struct {
	mu      sync.Mutex
	replies map[string]fakeReply
	calls   [][]string
}

func (f *fakeRunner) Run(_ context.Context, _ string, args []string, _ int64) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, args)
	r, ok := f.replies[args[len(args)-1]]
	if !ok {
		return nil, &RunError{ExitCode: 7, Stderr: "curl: (7) Failed to connect"}
	}
	return []byte(r.out), r.err
}

func (f *fakeRunner) lastArgs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func redirectReply(code int, reason, location string) fakeReply {
	return fakeReply{out: "HTTP/1.1 " + strconv.Itoa(code) + " " + reason + "\r\nLocation: " + location + "\r\nContent-Length: 0\r\n\r\n"}
}

func pageReply(code int, body string) fakeReply {
	return fakeReply{out: "HTTP/2 " + strconv.Itoa(code) + "\r\ncontent-type: text/html\r\n\r\n" + body}
}

func newTestCurl(runner *fakeRunner, opts CurlOptions, resolver fetch.HostResolver, proxies *fetch.ProxyPool) *CurlStrategy {
	log := testLogger()
	return NewCurlStrategy(opts, security.NewValidator(), resolver, proxies,
		detect.NewDefaultClassifier(detect.Options{}, log), log).WithRunner(runner)
}

func TestCurl_FollowsChain(t *testing.T) {
	runner := &fakeRunner{replies: map[string]fakeReply{
		"http://shop.example/old":        redirectReply(301, "Moved Permanently", "https://shop.example/new"),
		"https://shop.example/new":       redirectReply(302, "Found", "/final?x=1"),
		"https://shop.example/final?x=1": pageReply(200, "<html><title>Shop</title><body>hello</body></html>"),
	}}
	s := newTestCurl(runner, CurlOptions{}, nil, nil)

	res := s.Resolve(context.Background(), "http://shop.example/old", 5, 5*time.Second)

	assert.Equal(t, models.PageStatusRedirect, res.Status, res.ErrorMessage)
	assert.Equal(t, "https://shop.example/final?x=1", res.FinalURL)
	assert.Equal(t, 2, res.RedirectCount)
	assert.Equal(t, 301, res.HTTPCode)
	assert.Equal(t, []string{"https://shop.example/new", "https://shop.example/final?x=1"}, res.Chain)
	assert.Equal(t, NameCurl, res.StrategyName)
}

func TestCurl_DirectOK(t *testing.T) {
	runner := &fakeRunner{replies: map[string]fakeReply{
		"https://shop.example/": pageReply(200, "<html><body>ok</body></html>"),
	}}
	res := newTestCurl(runner, CurlOptions{}, nil, nil).Resolve(context.Background(), "https://shop.example/", 5, 5*time.Second)

	assert.Equal(t, models.PageStatusOK, res.Status)
	assert.Equal(t, 200, res.HTTPCode)
	assert.Zero(t, res.RedirectCount)
}

func TestCurl_NotFoundAfterRedirect(t *testing.T) {
	runner := &fakeRunner{replies: map[string]fakeReply{
		"https://shop.example/a":    redirectReply(301, "Moved", "https://shop.example/gone"),
		"https://shop.example/gone": pageReply(404, "nope"),
	}}
	res := newTestCurl(runner, CurlOptions{}, nil, nil).Resolve(context.Background(), "https://shop.example/a", 5, 5*time.Second)

	assert.Equal(t, models.PageStatusNotFound, res.Status)
	assert.Equal(t, 1, res.RedirectCount)
	assert.Equal(t, 301, res.HTTPCode)
	assert.Equal(t, "https://shop.example/gone", res.FinalURL)
}

func TestCurl_TooManyRedirects(t *testing.T) {
	runner := &fakeRunner{replies: map[string]fakeReply{
		"https://shop.example/1": redirectReply(302, "Found", "/2"),
		"https://shop.example/2": redirectReply(302, "Found", "/3"),
		"https://shop.example/3": redirectReply(302, "Found", "/4"),
	}}
	res := newTestCurl(runner, CurlOptions{}, nil, nil).Resolve(context.Background(), "https://shop.example/1", 2, 5*time.Second)

	assert.Equal(t, models.PageStatusError, res.Status)
	assert.Equal(t, 2, res.RedirectCount)
	assert.Equal(t, "https://shop.example/3", res.FinalURL)
	assert.Contains(t, res.ErrorMessage, "too many redirects")
}

func TestCurl_RedirectLoop(t *testing.T) {
	runner := &fakeRunner{replies: map[string]fakeReply{
		"https://shop.example/a": redirectReply(302, "Found", "/b"),
		"https://shop.example/b": redirectReply(302, "Found", "/a"),
	}}
	res := newTestCurl(runner, CurlOptions{}, nil, nil).Resolve(context.Background(), "https://shop.example/a", 10, 5*time.Second)

	assert.Equal(t, models.PageStatusError, res.Status)
	assert.Contains(t, res.ErrorMessage, "redirect loop")
	assert.Equal(t, 1, res.RedirectCount)
}

func TestCurl_RejectsRedirectToMetadata(t *testing.T) {
	runner := &fakeRunner{replies: map[string]fakeReply{
		"https://shop.example/a": redirectReply(302, "Found", "http://169.254.169.254/latest/meta-data/"),
	}}
	res := newTestCurl(runner, CurlOptions{}, nil, nil).Resolve(context.Background(), "https://shop.example/a", 5, 5*time.Second)

	assert.Equal(t, models.PageStatusError, res.Status)
	assert.Contains(t, res.ErrorMessage, "blocked")
	assert.Zero(t, res.RedirectCount)
	assert.Equal(t, "https://shop.example/a", res.FinalURL)
	assert.Len(t, runner.calls, 1, "the metadata address must never be fetched")
}

func TestCurl_RejectsBeforeSpawning(t *testing.T) {
	runner := &fakeRunner{}
	res := newTestCurl(runner, CurlOptions{}, nil, nil).Resolve(context.Background(), "http://localhost:8080/", 5, 5*time.Second)

	assert.Equal(t, models.PageStatusError, res.Status)
	assert.Equal(t, "http://localhost:8080/", res.FinalURL)
	assert.Contains(t, res.ErrorMessage, "blocked")
	assert.Empty(t, runner.calls)
}

func TestCurl_BlockedPage(t *testing.T) {
	runner := &fakeRunner{replies: map[string]fakeReply{
		"https://shop.example/": pageReply(403, `<html><head><title>Just a moment...</title></head><body><div id="challenge-form"></div></body></html>`),
	}}
	res := newTestCurl(runner, CurlOptions{}, nil, nil).Resolve(context.Background(), "https://shop.example/", 5, 5*time.Second)

	assert.Equal(t, models.PageStatusBlocked, res.Status)
	assert.Equal(t, 403, res.HTTPCode)
}

func TestCurl_MissingLocation(t *testing.T) {
	runner := &fakeRunner{replies: map[string]fakeReply{
		"https://shop.example/": {out: "HTTP/1.1 302 Found\r\nContent-Length: 0\r\n\r\n"},
	}}
	res := newTestCurl(runner, CurlOptions{}, nil, nil).Resolve(context.Background(), "https://shop.example/", 5, 5*time.Second)

	assert.Equal(t, models.PageStatusError, res.Status)
	assert.Contains(t, res.ErrorMessage, "Location")
	assert.Equal(t, 302, res.HTTPCode)
}

func TestCurl_ExitCodes(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantCat string
	}{
		{name: "timeout", err: &RunError{ExitCode: 28, Stderr: "Operation timed out"}, wantCat: "Network_Timeout"},
		{name: "resolve", err: &RunError{ExitCode: 6, Stderr: "Could not resolve host"}, wantCat: "Network_DNSLookup"},
		{name: "missing binary", err: exec.ErrNotFound, wantCat: "Resource_Exhausted"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestCurl(&fakeRunner{}, CurlOptions{}, nil, nil)
			err := s.runError(context.Background(), time.Second, tt.err)
			assert.Equal(t, tt.wantCat, utils.CategorizeError(err))
		})
	}
}

func TestCurl_PinsResolvedAddress(t *testing.T) {
	runner := &fakeRunner{replies: map[string]fakeReply{
		"https://shop.example:8443/": pageReply(200, "ok"),
	}}
	resolver := fetch.StaticResolver{"shop.example": {netip.MustParseAddr("2606:2800:220:1::1")}}
	res := newTestCurl(runner, CurlOptions{PinDNS: true}, resolver, nil).Resolve(context.Background(), "https://shop.example:8443/", 5, 5*time.Second)

	require.Equal(t, models.PageStatusOK, res.Status, res.ErrorMessage)
	args := runner.lastArgs()
	assert.Contains(t, args, "--resolve")
	assert.Contains(t, args, "shop.example:8443:[2606:2800:220:1::1]")
}

func TestCurl_PinRejectsPrivateResolution(t *testing.T) {
	runner := &fakeRunner{}
	resolver := fetch.StaticResolver{"rebind.example": {netip.MustParseAddr("10.1.2.3")}}
	res := newTestCurl(runner, CurlOptions{PinDNS: true}, resolver, nil).Resolve(context.Background(), "http://rebind.example/", 5, 5*time.Second)

	assert.Equal(t, models.PageStatusError, res.Status)
	assert.Contains(t, res.ErrorMessage, "private address")
	assert.Empty(t, runner.calls)
}

func TestCurl_ProxyArgs(t *testing.T) {
	runner := &fakeRunner{replies: map[string]fakeReply{
		"https://shop.example/": {out: "HTTP/1.1 200 Connection established\r\n\r\nHTTP/1.1 200 OK\r\nContent-Type: text/html\r\n\r\nhi"},
	}}
	proxies := fetch.NewProxyPool([]fetch.Proxy{{Host: "proxy.example", Port: 3128, Username: "u", Password: "p"}})
	res := newTestCurl(runner, CurlOptions{PinDNS: true}, fetch.StaticResolver{}, proxies).Resolve(context.Background(), "https://shop.example/", 5, 5*time.Second)

	require.Equal(t, models.PageStatusOK, res.Status, res.ErrorMessage)
	args := strings.Join(runner.lastArgs(), " ")
	assert.Contains(t, args, "-x http://proxy.example:3128")
	assert.Contains(t, args, "-U u:p")
	assert.NotContains(t, args, "--resolve")
}

func TestCurl_Timeout(t *testing.T) {
	s := newTestCurl(&fakeRunner{}, CurlOptions{}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := s.Resolve(ctx, "https://shop.example/", 5, time.Second)
	assert.Equal(t, models.PageStatusError, res.Status)
	assert.Contains(t, res.ErrorMessage, "canceled")
}

func TestParseCurlOutput(t *testing.T) {
	out := "HTTP/1.1 100 Continue\r\n\r\nHTTP/1.1 301 Moved Permanently\r\nLocation: https://x.example/\r\nSet-Cookie: a=1\r\n\r\n<html>moved</html>"
	resp, err := parseCurlOutput([]byte(out))
	require.NoError(t, err)
	assert.Equal(t, 301, resp.StatusCode)
	assert.Equal(t, "https://x.example/", resp.Header.Get("Location"))
	assert.Equal(t, "<html>moved</html>", string(resp.Body))
}

func TestParseCurlOutput_Invalid(t *testing.T) {
	for _, out := range []string{"", "garbage\r\n\r\n", "HTTP/1.1 abc\r\n\r\n", "HTTP/1.1 999 Weird\r\n\r\n"} {
		_, err := parseCurlOutput([]byte(out))
		assert.ErrorIs(t, err, utils.ErrProtocolAnomaly, "output %q", out)
	}
}

func TestFormatSeconds(t *testing.T) {
	assert.Equal(t, "1.500", formatSeconds(1500*time.Millisecond))
	assert.Equal(t, "0.001", formatSeconds(0))
}
