package strategy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/redirect-finder/pkg/detect"
	"github.com/Sriram-PR/redirect-finder/pkg/models"
	"github.com/Sriram-PR/redirect-finder/pkg/utils"
)

// Strategy names as they appear in results and statistics
const (
	NameCurl       = "curl"
	NameBrowser    = "browser"
	NameHTTPClient = "httpclient"
)

// Fixed priorities; lower runs first
const (
	PriorityCurl       = 1
	PriorityBrowser    = 2
	PriorityHTTPClient = 3
)

// Strategy resolves one URL to its final destination.
// Resolve never returns an error: every failure is folded into the Result,
// and every implementation validates the URL before any network I/O.
type Strategy interface {
	Name() string
	Priority() int
	// CanHandle reports whether this strategy may run after an attempt that ended in prev.
	// prev is PageStatusUnset for the first attempt.
	CanHandle(rawURL string, prev models.PageStatus) bool
	Resolve(ctx context.Context, rawURL string, maxRedirects int, timeout time.Duration) models.Result
}

// Registry is the priority-ordered strategy list assembled once at startup
type Registry struct {
	strategies []Strategy
}

// NewRegistry orders strategies by ascending priority. Ties keep argument order.
func NewRegistry(strategies ...Strategy) *Registry {
	ordered := make([]Strategy, 0, len(strategies))
	for _, s := range strategies {
		if s != nil {
			ordered = append(ordered, s)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority() < ordered[j].Priority()
	})
	return &Registry{strategies: ordered}
}

// All returns the strategies in priority order
func (r *Registry) All() []Strategy {
	return append([]Strategy(nil), r.strategies...)
}

// Names returns strategy names in priority order
func (r *Registry) Names() []string {
	names := make([]string, len(r.strategies))
	for i, s := range r.strategies {
		names[i] = s.Name()
	}
	return names
}

// Get looks a strategy up by name
func (r *Registry) Get(name string) (Strategy, bool) {
	for _, s := range r.strategies {
		if s.Name() == name {
			return s, true
		}
	}
	return nil, false
}

// Len returns the number of registered strategies
func (r *Registry) Len() int { return len(r.strategies) }

// --- shared result plumbing ---

// outcome is what a strategy learned before it is turned into a Result
type outcome struct {
	status    models.PageStatus
	finalURL  string
	chain     []string
	firstCode int // First redirect status; 0 if none
	lastCode  int // Status of the final response; 0 if none
	err       error
}

// httpCode reports the first redirect code when any hop happened, else the final code
func (o outcome) httpCode() int {
	if len(o.chain) > 0 && o.firstCode != 0 {
		return o.firstCode
	}
	return o.lastCode
}

// buildResult freezes an outcome into a Result and logs it
func buildResult(name, originalURL string, start time.Time, o outcome, log *logrus.Entry) models.Result {
	final := o.finalURL
	if final == "" {
		final = originalURL
	}
	res := models.Result{
		OriginalURL:   originalURL,
		FinalURL:      final,
		RedirectCount: len(o.chain),
		Status:        o.status,
		StartTime:     start,
		EndTime:       time.Now(),
		StrategyName:  name,
		HTTPCode:      o.httpCode(),
		Chain:         append([]string(nil), o.chain...),
	}
	if o.err != nil {
		res.ErrorMessage = o.err.Error()
	}

	fields := logrus.Fields{
		"url":       originalURL,
		"final_url": res.FinalURL,
		"status":    res.Status,
		"hops":      res.RedirectCount,
		"http_code": res.HTTPCode,
		"elapsed":   res.EndTime.Sub(start),
	}
	switch {
	case o.err != nil && o.status == models.PageStatusError:
		log.WithFields(fields).WithError(o.err).WithField("error_type", utils.CategorizeError(o.err)).Warn("Resolution failed")
	case o.status == models.PageStatusBlocked:
		log.WithFields(fields).WithError(o.err).Info("Resolution blocked")
	default:
		log.WithFields(fields).Info("Resolved")
	}
	return res
}

// rejectedResult is the uniform answer to a URL the validator refused:
// ERROR, no hops, final URL equal to the original.
func rejectedResult(name, originalURL string, start time.Time, err error, log *logrus.Entry) models.Result {
	log.WithFields(logrus.Fields{
		"url":        originalURL,
		"error_type": utils.CategorizeError(err),
	}).Warnf("URL rejected by security policy: %v", err)
	return models.Result{
		OriginalURL:   originalURL,
		FinalURL:      originalURL,
		RedirectCount: 0,
		Status:        models.PageStatusError,
		ErrorMessage:  err.Error(),
		StartTime:     start,
		EndTime:       time.Now(),
		StrategyName:  name,
	}
}

// classify maps a final response to a status. hops is the number of redirects followed.
func classify(code, hops int, verdict detect.Verdict) (models.PageStatus, error) {
	switch {
	case verdict.Blocked:
		return models.PageStatusBlocked, fmt.Errorf("%w (%s)", utils.ErrAntiBotBlock, verdict.Signature)
	case code >= 200 && code < 300:
		if hops > 0 {
			return models.PageStatusRedirect, nil
		}
		return models.PageStatusOK, nil
	case code == 404 || code == 410:
		return models.PageStatusNotFound, nil
	case code >= 300 && code < 400:
		return models.PageStatusError, fmt.Errorf("%w: status %d without usable Location header", utils.ErrProtocolAnomaly, code)
	default:
		return models.PageStatusError, fmt.Errorf("%w: unexpected status %d", utils.ErrProtocolAnomaly, code)
	}
}

// contextError explains why an attempt's context ended: its own deadline or a caller cancel
func contextError(ctx context.Context, timeout time.Duration) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return fmt.Errorf("resolution canceled: %w", ctx.Err())
	}
	return fmt.Errorf("%w: no result within %v", utils.ErrTimeout, timeout)
}
