package strategy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/redirect-finder/pkg/detect"
	"github.com/Sriram-PR/redirect-finder/pkg/fetch"
	"github.com/Sriram-PR/redirect-finder/pkg/models"
	"github.com/Sriram-PR/redirect-finder/pkg/security"
	"github.com/Sriram-PR/redirect-finder/pkg/utils"
)

// HTTPClientStrategy is the last-resort strategy built on the managed net/http client.
// Redirects are followed by the client; the RedirectTrace records each hop.
type HTTPClientStrategy struct {
	client       *http.Client
	guard        *security.Validator
	classifier   detect.Classifier
	userAgent    string
	maxBodyBytes int64
	log          *logrus.Entry
}

// NewHTTPClientStrategy wraps a client created by fetch.NewClient
func NewHTTPClientStrategy(client *http.Client, guard *security.Validator, classifier detect.Classifier, userAgent string, maxBodyBytes int64, log *logrus.Entry) *HTTPClientStrategy {
	if maxBodyBytes <= 0 {
		maxBodyBytes = detect.MaxBodyBytes
	}
	return &HTTPClientStrategy{
		client:       client,
		guard:        guard,
		classifier:   classifier,
		userAgent:    userAgent,
		maxBodyBytes: maxBodyBytes,
		log:          log.WithField("strategy", NameHTTPClient),
	}
}

func (s *HTTPClientStrategy) Name() string  { return NameHTTPClient }
func (s *HTTPClientStrategy) Priority() int { return PriorityHTTPClient }

// CanHandle is always true
func (s *HTTPClientStrategy) CanHandle(string, models.PageStatus) bool { return true }

// Resolve issues one GET and lets the client walk the chain
func (s *HTTPClientStrategy) Resolve(ctx context.Context, rawURL string, maxRedirects int, timeout time.Duration) models.Result {
	start := time.Now()
	target, err := s.guard.Parse(rawURL)
	if err != nil {
		return rejectedResult(NameHTTPClient, rawURL, start, err, s.log)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ctx, trace := fetch.WithRedirectTrace(ctx, maxRedirects)

	var o outcome
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		o.status, o.err = models.PageStatusError, fmt.Errorf("%w: build request: %v", utils.ErrParsing, err)
		return buildResult(NameHTTPClient, rawURL, start, o, s.log)
	}
	if s.userAgent != "" {
		req.Header.Set("User-Agent", s.userAgent)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := s.client.Do(req)
	o.chain, o.firstCode = trace.Hops, trace.FirstCode
	if err != nil {
		o.status, o.err = models.PageStatusError, s.requestError(ctx, timeout, err)
		o.finalURL = target.String()
		if n := len(o.chain); n > 0 {
			o.finalURL = o.chain[n-1]
		}
		return buildResult(NameHTTPClient, rawURL, start, o, s.log)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, s.maxBodyBytes))
	if err != nil && ctx.Err() != nil {
		o.status, o.err, o.finalURL = models.PageStatusError, contextError(ctx, timeout), resp.Request.URL.String()
		return buildResult(NameHTTPClient, rawURL, start, o, s.log)
	}
	if err != nil {
		s.log.WithError(err).Debug("Body read cut short; classifying what arrived")
	}

	o.lastCode = resp.StatusCode
	o.finalURL = resp.Request.URL.String()
	verdict := s.classifier.Classify(detect.Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
		URL:        o.finalURL,
	})
	o.status, o.err = classify(resp.StatusCode, len(o.chain), verdict)
	return buildResult(NameHTTPClient, rawURL, start, o, s.log)
}

// requestError maps a client.Do failure onto the error taxonomy.
// Redirect-policy errors already carry their sentinel through *url.Error.
func (s *HTTPClientStrategy) requestError(ctx context.Context, timeout time.Duration, err error) error {
	switch {
	case errors.Is(err, utils.ErrTooManyRedirects),
		errors.Is(err, utils.ErrRedirectLoop),
		errors.Is(err, utils.ErrSecurityRejection):
		return err
	case ctx.Err() != nil:
		return contextError(ctx, timeout)
	case errors.Is(err, utils.ErrTransport), errors.Is(err, utils.ErrTimeout):
		return err
	}
	return fmt.Errorf("%w: %v", utils.ErrTransport, err)
}
