package strategy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	cdpfetch "github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/Sriram-PR/redirect-finder/pkg/config"
	"github.com/Sriram-PR/redirect-finder/pkg/detect"
	"github.com/Sriram-PR/redirect-finder/pkg/fetch"
	rlog "github.com/Sriram-PR/redirect-finder/pkg/log"
	"github.com/Sriram-PR/redirect-finder/pkg/models"
	"github.com/Sriram-PR/redirect-finder/pkg/security"
	"github.com/Sriram-PR/redirect-finder/pkg/utils"
)

// Browser defaults applied when the config leaves a field at zero
const (
	defaultBrowserSessions = 2
	defaultSettleInterval  = 500 * time.Millisecond
	defaultStablePolls     = 2
	defaultViewportWidth   = 1366
	defaultViewportHeight  = 768
	defaultAcquireTimeout  = 30 * time.Second
)

// BrowserStrategy drives a real headless Chrome over the DevTools protocol.
// It only runs after another strategy reported BLOCKED.
// Every request the page makes is paused and checked against the validator, and its host's
// resolved addresses, before it leaves the browser.
type BrowserStrategy struct {
	guard      *security.Validator
	resolver   fetch.HostResolver
	classifier detect.Classifier
	cfg        config.BrowserConfig
	headless   bool
	userAgent  string
	sessions   *semaphore.Weighted
	log        *logrus.Entry
}

// NewBrowserStrategy creates the priority-2 strategy
func NewBrowserStrategy(cfg config.BrowserConfig, headless bool, userAgent string, guard *security.Validator, resolver fetch.HostResolver, classifier detect.Classifier, log *logrus.Entry) *BrowserStrategy {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = defaultBrowserSessions
	}
	if cfg.SettleInterval <= 0 {
		cfg.SettleInterval = defaultSettleInterval
	}
	if cfg.StablePolls <= 0 {
		cfg.StablePolls = defaultStablePolls
	}
	if cfg.ViewportWidth <= 0 || cfg.ViewportHeight <= 0 {
		cfg.ViewportWidth, cfg.ViewportHeight = defaultViewportWidth, defaultViewportHeight
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = defaultAcquireTimeout
	}
	return &BrowserStrategy{
		guard:      guard,
		resolver:   resolver,
		classifier: classifier,
		cfg:        cfg,
		headless:   headless,
		userAgent:  userAgent,
		sessions:   semaphore.NewWeighted(int64(cfg.MaxSessions)),
		log:        log.WithField("strategy", NameBrowser),
	}
}

func (s *BrowserStrategy) Name() string  { return NameBrowser }
func (s *BrowserStrategy) Priority() int { return PriorityBrowser }

// CanHandle is true only after an anti-bot block; a browser does not help with plain failures
func (s *BrowserStrategy) CanHandle(_ string, prev models.PageStatus) bool {
	return prev == models.PageStatusBlocked
}

// Resolve navigates to rawURL and waits until the top-level URL stops changing
func (s *BrowserStrategy) Resolve(ctx context.Context, rawURL string, maxRedirects int, timeout time.Duration) models.Result {
	start := time.Now()
	target, err := s.guard.Parse(rawURL)
	if err != nil {
		return rejectedResult(NameBrowser, rawURL, start, err, s.log)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	o := outcome{status: models.PageStatusError, finalURL: target.String()}
	if err := s.acquire(ctx, timeout); err != nil {
		o.err = err
		return buildResult(NameBrowser, rawURL, start, o, s.log)
	}
	defer s.sessions.Release(1)

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, s.allocatorOptions()...)
	defer cancelAlloc()
	tabCtx, cancelTab := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(rlog.DevToolsLogf(s.log, logrus.DebugLevel)),
		chromedp.WithErrorf(rlog.DevToolsLogf(s.log, logrus.DebugLevel)),
	)
	defer cancelTab()

	// An empty Run starts the browser and attaches to its first tab
	if err := chromedp.Run(tabCtx); err != nil {
		if ctx.Err() != nil {
			o.err = contextError(ctx, timeout)
		} else {
			o.err = fmt.Errorf("%w: browser launch: %v", utils.ErrResourceExhaustion, err)
		}
		return buildResult(NameBrowser, rawURL, start, o, s.log)
	}

	rec := newNavRecorder(target.String())
	chromedp.ListenTarget(tabCtx, func(ev interface{}) {
		switch e := ev.(type) {
		case *network.EventRequestWillBeSent:
			if e.Type != network.ResourceTypeDocument || e.Request == nil {
				return
			}
			code := 0
			if e.RedirectResponse != nil {
				code = int(e.RedirectResponse.Status)
			}
			rec.documentRequest(e.FrameID, e.Request.URL, code)
		case *network.EventResponseReceived:
			if e.Type != network.ResourceTypeDocument || e.Response == nil {
				return
			}
			rec.documentResponse(e.FrameID, int(e.Response.Status), headerFromCDP(e.Response.Headers))
		case *page.EventFrameNavigated:
			if e.Frame != nil {
				rec.frameNavigated(e.Frame.ID, e.Frame.ParentID, e.Frame.URL)
			}
		case *cdpfetch.EventRequestPaused:
			// Handlers must not block the event loop; answer the pause from a goroutine
			go s.answerPaused(tabCtx, rec, e)
		}
	})

	err = chromedp.Run(tabCtx,
		network.Enable(),
		cdpfetch.Enable().WithPatterns([]*cdpfetch.RequestPattern{{URLPattern: "*"}}),
		chromedp.Navigate(target.String()),
	)
	if err != nil {
		snap := rec.snapshot()
		o.chain, o.firstCode = snap.chain, snap.firstCode
		o.finalURL = snap.current
		switch {
		case snap.rejected != nil:
			o.err = snap.rejected
		case ctx.Err() != nil:
			o.err = contextError(ctx, timeout)
		case snap.loop:
			o.err = fmt.Errorf("%w: %s", utils.ErrRedirectLoop, snap.current)
		default:
			o.err = fmt.Errorf("%w: navigation failed: %v", utils.ErrTransport, err)
		}
		return buildResult(NameBrowser, rawURL, start, o, s.log)
	}

	location, err := s.settle(ctx, tabCtx, rec, maxRedirects)
	snap := rec.snapshot()
	o.chain, o.firstCode, o.lastCode = snap.chain, snap.firstCode, snap.status
	o.finalURL = snap.current
	if location != "" && !strings.HasPrefix(location, "chrome-error:") {
		o.finalURL = location
	}
	switch {
	case snap.rejected != nil:
		o.err = snap.rejected
		return buildResult(NameBrowser, rawURL, start, o, s.log)
	case snap.loop:
		o.err = fmt.Errorf("%w: %s", utils.ErrRedirectLoop, snap.current)
		return buildResult(NameBrowser, rawURL, start, o, s.log)
	case len(snap.chain) > maxRedirects:
		o.err = fmt.Errorf("%w: exceeded %d", utils.ErrTooManyRedirects, maxRedirects)
		return buildResult(NameBrowser, rawURL, start, o, s.log)
	case err != nil && ctx.Err() != nil:
		o.err = contextError(ctx, timeout)
		return buildResult(NameBrowser, rawURL, start, o, s.log)
	case err != nil:
		o.err = fmt.Errorf("%w: browser session: %v", utils.ErrResourceExhaustion, err)
		return buildResult(NameBrowser, rawURL, start, o, s.log)
	case snap.status == 0:
		o.err = fmt.Errorf("%w: no document response observed", utils.ErrProtocolAnomaly)
		return buildResult(NameBrowser, rawURL, start, o, s.log)
	}

	var html string
	if err := chromedp.Run(tabCtx, chromedp.Evaluate(`document.documentElement ? document.documentElement.outerHTML : ""`, &html)); err != nil {
		s.log.WithError(err).Debug("Could not read rendered document; classifying without body")
	}
	body := []byte(html)
	if len(body) > detect.MaxBodyBytes {
		body = body[:detect.MaxBodyBytes]
	}

	verdict := s.classifier.Classify(detect.Response{
		StatusCode: snap.status,
		Header:     snap.header,
		Body:       body,
		URL:        o.finalURL,
	})
	o.status, o.err = classify(snap.status, len(o.chain), verdict)
	return buildResult(NameBrowser, rawURL, start, o, s.log)
}

// acquire waits for a free browser session slot
func (s *BrowserStrategy) acquire(ctx context.Context, timeout time.Duration) error {
	acquireCtx, cancel := context.WithTimeout(ctx, s.cfg.AcquireTimeout)
	defer cancel()
	if err := s.sessions.Acquire(acquireCtx, 1); err != nil {
		if ctx.Err() != nil {
			return contextError(ctx, timeout)
		}
		return fmt.Errorf("%w: no browser session free within %v", utils.ErrResourceExhaustion, s.cfg.AcquireTimeout)
	}
	return nil
}

// settle polls the top-level URL until it is unchanged for StablePolls intervals.
// Client-side redirects (meta refresh, script) land in the recorder while this runs.
func (s *BrowserStrategy) settle(ctx, tabCtx context.Context, rec *navRecorder, maxRedirects int) (string, error) {
	ticker := time.NewTicker(s.cfg.SettleInterval)
	defer ticker.Stop()

	var last string
	stable := 0
	for stable < s.cfg.StablePolls {
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-ticker.C:
		}
		var loc string
		if err := chromedp.Run(tabCtx, chromedp.Location(&loc)); err != nil {
			return last, err
		}
		if loc == last {
			stable++
		} else {
			last, stable = loc, 0
		}
		if snap := rec.snapshot(); snap.rejected != nil || snap.loop || len(snap.chain) > maxRedirects {
			break
		}
	}
	return last, nil
}

// answerPaused lets a paused request continue only if its URL and the addresses its host resolves to pass the validator
func (s *BrowserStrategy) answerPaused(tabCtx context.Context, rec *navRecorder, e *cdpfetch.EventRequestPaused) {
	c := chromedp.FromContext(tabCtx)
	if c == nil || c.Target == nil {
		return
	}
	execCtx := cdp.WithExecutor(tabCtx, c.Target)

	if e.Request != nil && isHTTPURL(e.Request.URL) {
		err := s.guard.Validate(e.Request.URL)
		if err == nil {
			err = s.vetHost(tabCtx, e.Request.URL)
		}
		if err != nil {
			rec.reject(e.FrameID, e.ResourceType, fmt.Errorf("request to %s: %w", e.Request.URL, err))
			if ferr := cdpfetch.FailRequest(e.RequestID, network.ErrorReasonBlockedByClient).Do(execCtx); ferr != nil {
				s.log.WithError(ferr).Debug("Failed to abort paused request")
			}
			return
		}
	}
	if err := cdpfetch.ContinueRequest(e.RequestID).Do(execCtx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.WithError(err).Debug("Failed to continue paused request")
	}
}

// vetHost resolves the request's host and checks every address. IP literals were already vetted by Validate.
// Chrome does its own lookup afterwards, so a rebinding answer between the two is not covered here.
func (s *BrowserStrategy) vetHost(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %v", utils.ErrParsing, err)
	}
	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if _, err := netip.ParseAddr(host); err == nil || s.guard.Allowed(host) {
		return nil
	}
	addrs, err := s.resolver.LookupHost(ctx, host)
	if err != nil {
		return err
	}
	if len(addrs) == 0 {
		return fmt.Errorf("%w: %s has no addresses", utils.ErrTransport, host)
	}
	for _, a := range addrs {
		if err := s.guard.CheckAddr(a); err != nil {
			return fmt.Errorf("%s resolves to a disallowed address: %w", host, err)
		}
	}
	return nil
}

func (s *BrowserStrategy) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("headless", s.headless),
		chromedp.DisableGPU,
		chromedp.WindowSize(s.cfg.ViewportWidth, s.cfg.ViewportHeight),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("blink-settings", "imagesEnabled=false"),
	)
	if s.userAgent != "" {
		opts = append(opts, chromedp.UserAgent(s.userAgent))
	}
	if s.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(s.cfg.ExecPath))
	}
	return opts
}

// headerFromCDP converts DevTools headers; multiple values arrive newline-joined
func headerFromCDP(h network.Headers) http.Header {
	out := make(http.Header, len(h))
	for k, v := range h {
		for _, part := range strings.Split(fmt.Sprint(v), "\n") {
			out.Add(k, part)
		}
	}
	return out
}

func isHTTPURL(raw string) bool {
	lower := strings.ToLower(raw)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// navRecorder accumulates what the browser reports about top-level navigation.
// DevTools events arrive on chromedp's goroutines, so every access is locked.
type navRecorder struct {
	mu        sync.Mutex
	mainFrame cdp.FrameID
	current   string
	chain     []string
	seen      map[string]struct{}
	firstCode int
	status    int
	header    http.Header
	loop      bool
	rejected  error
}

// navSnapshot is a consistent copy of the recorder's state
type navSnapshot struct {
	current   string
	chain     []string
	firstCode int
	status    int
	header    http.Header
	loop      bool
	rejected  error
}

func newNavRecorder(start string) *navRecorder {
	return &navRecorder{
		current: start,
		seen:    map[string]struct{}{start: {}},
	}
}

// documentRequest records a document request. A non-zero redirectCode marks an HTTP redirect hop.
// The first document request belongs to the top-level frame.
func (r *navRecorder) documentRequest(frame cdp.FrameID, url string, redirectCode int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mainFrame == "" {
		r.mainFrame = frame
	}
	if frame != r.mainFrame || redirectCode == 0 {
		return
	}
	r.hop(url, redirectCode)
}

func (r *navRecorder) documentResponse(frame cdp.FrameID, status int, header http.Header) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mainFrame != "" && frame != r.mainFrame {
		return
	}
	r.status, r.header = status, header
}

// frameNavigated records a committed top-level navigation, which catches client-side redirects
func (r *navRecorder) frameNavigated(frame, parent cdp.FrameID, url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if parent != "" {
		return
	}
	if r.mainFrame == "" {
		r.mainFrame = frame
	}
	if url == "" || url == "about:blank" || strings.HasPrefix(url, "chrome-error:") {
		return
	}
	r.hop(url, 0)
}

// reject notes a validator refusal; only top-level document requests decide the result
func (r *navRecorder) reject(frame cdp.FrameID, resourceType network.ResourceType, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if resourceType != network.ResourceTypeDocument {
		return
	}
	if r.mainFrame != "" && frame != r.mainFrame {
		return
	}
	if r.rejected == nil {
		r.rejected = err
	}
}

// hop must be called with mu held
func (r *navRecorder) hop(url string, code int) {
	if url == r.current {
		return
	}
	if _, seen := r.seen[url]; seen {
		r.loop = true
	}
	if len(r.chain) == 0 && code != 0 {
		r.firstCode = code
	}
	r.chain = append(r.chain, url)
	r.seen[url] = struct{}{}
	r.current = url
}

func (r *navRecorder) snapshot() navSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return navSnapshot{
		current:   r.current,
		chain:     append([]string(nil), r.chain...),
		firstCode: r.firstCode,
		status:    r.status,
		header:    r.header.Clone(),
		loop:      r.loop,
		rejected:  r.rejected,
	}
}
