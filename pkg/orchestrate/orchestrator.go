package orchestrate

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/redirect-finder/pkg/models"
	"github.com/Sriram-PR/redirect-finder/pkg/security"
	"github.com/Sriram-PR/redirect-finder/pkg/stats"
	"github.com/Sriram-PR/redirect-finder/pkg/strategy"
	"github.com/Sriram-PR/redirect-finder/pkg/utils"
)

// recordTimeout bounds a single statistics write
const recordTimeout = 5 * time.Second

// Recorder persists resolution outcomes. *stats.Store satisfies it.
type Recorder interface {
	RecordAttempt(ctx context.Context, result models.Result, blocked bool, attemptIndex int) error
}

// HintSource suggests which strategy to lead with for a domain. *storage.HintStore satisfies it.
type HintSource interface {
	PreferredStrategy(ctx context.Context, domain string) (string, bool)
}

// Orchestrator validates a URL once and walks the strategy chain,
// escalating after every non-terminal attempt
type Orchestrator struct {
	registry           *strategy.Registry
	guard              *security.Validator
	recorder           Recorder
	hints              HintSource
	recordIntermediate bool
	log                *logrus.Entry
}

// NewOrchestrator wires the chain. recorder and hints may be nil.
func NewOrchestrator(registry *strategy.Registry, guard *security.Validator, recorder Recorder, hints HintSource, recordIntermediate bool, log *logrus.Entry) *Orchestrator {
	return &Orchestrator{
		registry:           registry,
		guard:              guard,
		recorder:           recorder,
		hints:              hints,
		recordIntermediate: recordIntermediate,
		log:                log.WithField("component", "orchestrator"),
	}
}

// Resolve returns the terminal result for rawURL. It never returns an error:
// rejections, transport failures and blocks all come back as a Result.
func (o *Orchestrator) Resolve(ctx context.Context, rawURL string, opts models.ResolveOptions) models.Result {
	opts = opts.Normalize()
	start := time.Now()
	urlLog := o.log.WithField("url", rawURL)

	if err := o.guard.Validate(rawURL); err != nil {
		urlLog.WithField("error_type", utils.CategorizeError(err)).Warnf("URL rejected: %v", err)
		res := models.Result{
			OriginalURL:  rawURL,
			FinalURL:     rawURL,
			Status:       models.PageStatusError,
			ErrorMessage: err.Error(),
			StartTime:    start,
			EndTime:      time.Now(),
			StrategyName: stats.StrategyValidator,
		}
		res = res.WithAttempts([]models.Attempt{res.Summary()})
		o.record(ctx, res, false, 0)
		return res
	}

	plan := o.plan(ctx, rawURL, opts)
	var (
		results []models.Result
		prev    = models.PageStatusUnset
	)
	for _, s := range plan {
		if ctx.Err() != nil {
			urlLog.Debug("Context canceled; not starting further strategies")
			break
		}
		if !s.CanHandle(rawURL, prev) {
			continue
		}
		urlLog.WithFields(logrus.Fields{"strategy": s.Name(), "previous": prev}).Debug("Attempting strategy")
		res := s.Resolve(ctx, rawURL, opts.MaxRedirects, opts.Timeout)
		results = append(results, res)
		prev = res.Status
		if res.Status.IsTerminal() {
			break
		}
		if res.Status == models.PageStatusBlocked {
			urlLog.WithField("strategy", s.Name()).Info("Blocked; escalating")
		}
	}

	if len(results) == 0 {
		msg := "no strategy available"
		if ctx.Err() != nil {
			msg = fmt.Sprintf("resolution canceled: %v", ctx.Err())
		}
		res := models.Result{
			OriginalURL:  rawURL,
			FinalURL:     rawURL,
			Status:       models.PageStatusError,
			ErrorMessage: msg,
			StartTime:    start,
			EndTime:      time.Now(),
		}
		urlLog.Warn(msg)
		return res
	}

	attempts := make([]models.Attempt, len(results))
	blocked := false
	for i, r := range results {
		attempts[i] = r.Summary()
		if r.Status == models.PageStatusBlocked {
			blocked = true
		}
	}
	final := results[len(results)-1].WithAttempts(attempts)

	if o.recordIntermediate {
		for i, r := range results[:len(results)-1] {
			o.record(ctx, r, r.Status == models.PageStatusBlocked, i)
		}
	}
	o.record(ctx, final, blocked, len(results)-1)

	urlLog.WithFields(logrus.Fields{
		"status":    final.Status,
		"strategy":  final.StrategyName,
		"attempts":  len(attempts),
		"hops":      final.RedirectCount,
		"final_url": final.FinalURL,
		"elapsed":   time.Since(start),
	}).Info("Resolution finished")
	return final
}

// plan orders the strategies for one call: the lead opener (hinted, else highest
// priority), then strategies that only run after a prior attempt, then the
// remaining openers. An opener is a strategy that accepts a first attempt.
func (o *Orchestrator) plan(ctx context.Context, rawURL string, opts models.ResolveOptions) []strategy.Strategy {
	var openers, followers []strategy.Strategy
	for _, s := range o.registry.All() {
		if s.Name() == strategy.NameBrowser && !opts.UseBrowserFallback {
			continue
		}
		if s.CanHandle(rawURL, models.PageStatusUnset) {
			openers = append(openers, s)
		} else {
			followers = append(followers, s)
		}
	}
	if len(openers) == 0 {
		return followers
	}

	lead := 0
	if hinted, ok := o.hint(ctx, rawURL); ok {
		for i, s := range openers {
			if s.Name() == hinted {
				lead = i
				break
			}
		}
	}

	plan := make([]strategy.Strategy, 0, len(openers)+len(followers))
	plan = append(plan, openers[lead])
	plan = append(plan, followers...)
	for i, s := range openers {
		if i != lead {
			plan = append(plan, s)
		}
	}
	return plan
}

func (o *Orchestrator) hint(ctx context.Context, rawURL string) (string, bool) {
	if o.hints == nil {
		return "", false
	}
	domain := stats.ApexDomain(rawURL)
	if domain == "" {
		return "", false
	}
	name, ok := o.hints.PreferredStrategy(ctx, domain)
	if ok {
		o.log.WithFields(logrus.Fields{"domain": domain, "strategy": name}).Debug("Using domain strategy hint")
	}
	return name, ok
}

// record writes one row on a context that survives caller cancellation
func (o *Orchestrator) record(ctx context.Context, res models.Result, blocked bool, attemptIndex int) {
	if o.recorder == nil {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if err := o.recorder.RecordAttempt(rctx, res, blocked, attemptIndex); err != nil {
		o.log.WithError(err).WithFields(logrus.Fields{
			"url":        res.OriginalURL,
			"error_type": utils.CategorizeError(err),
		}).Error("Failed to record resolution outcome")
	}
}
