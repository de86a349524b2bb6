package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/redirect-finder/pkg/models"
	"github.com/Sriram-PR/redirect-finder/pkg/stats"
)

const (
	defaultDays        = 7
	defaultLimit       = 10
	maxLimit           = 500
	defaultMinAttempts = 5
	maxBodyBytes       = 64 << 10
)

// StatsReader is the read side of the statistics store. *stats.Store satisfies it.
type StatsReader interface {
	Ping(ctx context.Context) error
	Overall(ctx context.Context, from, to time.Time) (stats.Overall, error)
	SuccessRateByStrategy(ctx context.Context, from, to time.Time) ([]stats.StrategyRate, error)
	TopBlockedDomains(ctx context.Context, since time.Time, minAttempts, limit int) ([]stats.DomainBlockRate, error)
	StatusDistribution(ctx context.Context, from, to time.Time) ([]stats.StatusShare, error)
	HourlySuccessTrend(ctx context.Context, from, to time.Time) ([]stats.HourlyRate, error)
	ProcessingTimeByStrategy(ctx context.Context, from, to time.Time) ([]stats.ProcessingTime, error)
	RecentFailures(ctx context.Context, since time.Time, limit int) ([]stats.Row, error)
	FindByDomain(ctx context.Context, query string, limit int) ([]stats.Row, error)
	StrategiesForDomain(ctx context.Context, domain string, since time.Time) ([]stats.DomainStrategy, error)
	BestStrategyForDomain(ctx context.Context, domain string, since time.Time) (stats.DomainStrategy, bool, error)
}

// Resolver resolves one URL. *orchestrate.Orchestrator satisfies it.
type Resolver interface {
	Resolve(ctx context.Context, rawURL string, opts models.ResolveOptions) models.Result
}

// Handler serves the HTTP endpoints
type Handler struct {
	stats    StatsReader
	resolver Resolver
	defaults models.ResolveOptions
	now      func() time.Time
	log      *logrus.Entry
}

// NewHandler builds a Handler. defaults fill fields a resolve request leaves out.
func NewHandler(statsReader StatsReader, resolver Resolver, defaults models.ResolveOptions, log *logrus.Entry) *Handler {
	return &Handler{
		stats:    statsReader,
		resolver: resolver,
		defaults: defaults,
		now:      time.Now,
		log:      log.WithField("component", "api"),
	}
}

// resolveRequest is the body of POST /api/v1/resolve
type resolveRequest struct {
	URL                string `json:"url"`
	MaxRedirects       *int   `json:"max_redirects,omitempty"`
	TimeoutMs          *int64 `json:"timeout_ms,omitempty"`
	UseBrowserFallback *bool  `json:"use_browser_fallback,omitempty"`
}

type bestStrategyResponse struct {
	Domain     string                 `json:"domain"`
	Found      bool                   `json:"found"`
	Best       *stats.DomainStrategy  `json:"best,omitempty"`
	Strategies []stats.DomainStrategy `json:"strategies"`
}

// HealthHandler reports whether the statistics store answers
func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.stats.Ping(r.Context()); err != nil {
		h.log.WithError(err).Warn("Health check failed")
		respondWithJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ResolveHandler resolves a single URL. Resolution failures are part of the
// result payload; only a malformed request gets a 4xx.
func (h *Handler) ResolveHandler(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		respondWithError(w, http.StatusBadRequest, "url is required")
		return
	}

	opts := h.defaults
	if req.MaxRedirects != nil {
		opts.MaxRedirects = *req.MaxRedirects
	}
	if req.TimeoutMs != nil {
		opts.Timeout = time.Duration(*req.TimeoutMs) * time.Millisecond
	}
	if req.UseBrowserFallback != nil {
		opts.UseBrowserFallback = *req.UseBrowserFallback
	}

	result := h.resolver.Resolve(r.Context(), req.URL, opts.Normalize())
	respondWithJSON(w, http.StatusOK, result)
}

// OverallHandler returns the aggregate numbers for the window
func (h *Handler) OverallHandler(w http.ResponseWriter, r *http.Request) {
	from, to, ok := h.window(w, r)
	if !ok {
		return
	}
	out, err := h.stats.Overall(r.Context(), from, to)
	h.respond(w, "overall", out, err)
}

// SuccessRateHandler returns per-strategy success rates
func (h *Handler) SuccessRateHandler(w http.ResponseWriter, r *http.Request) {
	from, to, ok := h.window(w, r)
	if !ok {
		return
	}
	out, err := h.stats.SuccessRateByStrategy(r.Context(), from, to)
	h.respond(w, "success rate", nonNil(out), err)
}

// TopBlockedHandler returns the domains that block most often
func (h *Handler) TopBlockedHandler(w http.ResponseWriter, r *http.Request) {
	from, _, ok := h.window(w, r)
	if !ok {
		return
	}
	minAttempts, ok := intParam(w, r, "min_attempts", defaultMinAttempts, 1, 1_000_000)
	if !ok {
		return
	}
	limit, ok := intParam(w, r, "limit", defaultLimit, 1, maxLimit)
	if !ok {
		return
	}
	out, err := h.stats.TopBlockedDomains(r.Context(), from, minAttempts, limit)
	h.respond(w, "top blocked", nonNil(out), err)
}

// StatusDistributionHandler returns the share of each page status
func (h *Handler) StatusDistributionHandler(w http.ResponseWriter, r *http.Request) {
	from, to, ok := h.window(w, r)
	if !ok {
		return
	}
	out, err := h.stats.StatusDistribution(r.Context(), from, to)
	h.respond(w, "status distribution", nonNil(out), err)
}

// HourlyTrendHandler returns success rate bucketed by hour
func (h *Handler) HourlyTrendHandler(w http.ResponseWriter, r *http.Request) {
	from, to, ok := h.window(w, r)
	if !ok {
		return
	}
	out, err := h.stats.HourlySuccessTrend(r.Context(), from, to)
	h.respond(w, "hourly trend", nonNil(out), err)
}

// ProcessingTimeHandler returns timing figures per strategy
func (h *Handler) ProcessingTimeHandler(w http.ResponseWriter, r *http.Request) {
	from, to, ok := h.window(w, r)
	if !ok {
		return
	}
	out, err := h.stats.ProcessingTimeByStrategy(r.Context(), from, to)
	h.respond(w, "processing time", nonNil(out), err)
}

// RecentFailuresHandler returns the latest unsuccessful attempts
func (h *Handler) RecentFailuresHandler(w http.ResponseWriter, r *http.Request) {
	from, _, ok := h.window(w, r)
	if !ok {
		return
	}
	limit, ok := intParam(w, r, "limit", defaultLimit, 1, maxLimit)
	if !ok {
		return
	}
	out, err := h.stats.RecentFailures(r.Context(), from, limit)
	h.respond(w, "recent failures", nonNil(out), err)
}

// SearchHandler finds attempts whose domain contains ?q=
func (h *Handler) SearchHandler(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		respondWithError(w, http.StatusBadRequest, "query parameter q is required")
		return
	}
	limit, ok := intParam(w, r, "limit", defaultLimit, 1, maxLimit)
	if !ok {
		return
	}
	out, err := h.stats.FindByDomain(r.Context(), q, limit)
	h.respond(w, "search", nonNil(out), err)
}

// BestStrategyHandler returns per-strategy figures for one domain and the winner, if any
func (h *Handler) BestStrategyHandler(w http.ResponseWriter, r *http.Request) {
	domain := stats.ApexDomain(mux.Vars(r)["domain"])
	if domain == "" {
		respondWithError(w, http.StatusBadRequest, "domain is required")
		return
	}
	from, _, ok := h.window(w, r)
	if !ok {
		return
	}
	all, err := h.stats.StrategiesForDomain(r.Context(), domain, from)
	if err != nil {
		h.respond(w, "domain strategies", nil, err)
		return
	}
	best, found, err := h.stats.BestStrategyForDomain(r.Context(), domain, from)
	if err != nil {
		h.respond(w, "best strategy", nil, err)
		return
	}
	resp := bestStrategyResponse{Domain: domain, Found: found, Strategies: nonNil(all)}
	if found {
		resp.Best = &best
	}
	respondWithJSON(w, http.StatusOK, resp)
}

func (h *Handler) respond(w http.ResponseWriter, what string, payload interface{}, err error) {
	if err != nil {
		h.log.WithError(err).Errorf("Statistics query failed: %s", what)
		respondWithError(w, http.StatusInternalServerError, "statistics query failed")
		return
	}
	respondWithJSON(w, http.StatusOK, payload)
}

// window reads from/to/days. An explicit from wins over days; to defaults to now.
func (h *Handler) window(w http.ResponseWriter, r *http.Request) (from, to time.Time, ok bool) {
	q := r.URL.Query()
	now := h.now()
	to = now

	if v := q.Get("to"); v != "" {
		t, dateOnly, err := parseTime(v)
		if err != nil {
			respondWithError(w, http.StatusBadRequest, "invalid to: "+err.Error())
			return time.Time{}, time.Time{}, false
		}
		if dateOnly {
			t = t.Add(24*time.Hour - time.Nanosecond)
		}
		to = t
	}

	if v := q.Get("from"); v != "" {
		t, _, err := parseTime(v)
		if err != nil {
			respondWithError(w, http.StatusBadRequest, "invalid from: "+err.Error())
			return time.Time{}, time.Time{}, false
		}
		from = t
	} else {
		days, ok := intParam(w, r, "days", defaultDays, 1, 3650)
		if !ok {
			return time.Time{}, time.Time{}, false
		}
		from = to.AddDate(0, 0, -days)
	}

	if from.After(to) {
		respondWithError(w, http.StatusBadRequest, "from must not be after to")
		return time.Time{}, time.Time{}, false
	}
	return from, to, true
}

func parseTime(v string) (t time.Time, dateOnly bool, err error) {
	if t, err = time.Parse(time.RFC3339, v); err == nil {
		return t, false, nil
	}
	if t, err = time.Parse(time.DateOnly, v); err == nil {
		return t, true, nil
	}
	return time.Time{}, false, errors.New("want RFC3339 or YYYY-MM-DD")
}

func intParam(w http.ResponseWriter, r *http.Request, name string, def, lo, hi int) (int, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < lo || n > hi {
		respondWithError(w, http.StatusBadRequest, fmt.Sprintf("invalid %s: want an integer in [%d, %d]", name, lo, hi))
		return 0, false
	}
	return n, true
}

// nonNil keeps empty result sets encoding as [] rather than null
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
