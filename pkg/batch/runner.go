package batch

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/Sriram-PR/redirect-finder/pkg/config"
	"github.com/Sriram-PR/redirect-finder/pkg/fetch"
	"github.com/Sriram-PR/redirect-finder/pkg/models"
	"github.com/Sriram-PR/redirect-finder/pkg/stats"
)

const (
	defaultWorkers   = 4
	evictionInterval = time.Minute
)

// Resolver resolves one URL. *orchestrate.Orchestrator satisfies it.
type Resolver interface {
	Resolve(ctx context.Context, rawURL string, opts models.ResolveOptions) models.Result
}

// ProgressFunc is called after every finished row with the running count
type ProgressFunc func(done, total int, item models.BatchItem)

// Report is the outcome of one batch run
type Report struct {
	BatchID  string                    `json:"batch_id"`
	Items    []models.BatchItem        `json:"items"`
	Counts   map[models.PageStatus]int `json:"counts"`
	Skipped  int                       `json:"skipped"` // Rows never started because the batch was canceled
	Started  time.Time                 `json:"started"`
	Duration time.Duration             `json:"duration"`
}

// Runner fans a batch of rows across a bounded worker pool. Each worker makes
// ordinary synchronous Resolve calls; the throttle and domain gate shape how
// fast and how many of them hit one site.
type Runner struct {
	resolver Resolver
	workers  int
	throttle *fetch.Throttle
	gate     *fetch.DomainGate
	log      *logrus.Entry
}

// NewRunner builds a Runner from the batch config section
func NewRunner(resolver Resolver, cfg config.BatchConfig, log *logrus.Entry) *Runner {
	log = log.WithField("component", "batch")
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	return &Runner{
		resolver: resolver,
		workers:  workers,
		throttle: fetch.NewThrottle(cfg.RequestsPerSecond, cfg.DelayPerDomain, log),
		gate:     fetch.NewDomainGate(cfg.MaxPerDomain, log),
		log:      log,
	}
}

// Run resolves every row and returns results in input order. One row's failure
// never stops the others. When ctx ends, rows not yet started are reported as
// ERROR and counted as skipped, and Run returns ctx.Err() alongside the report.
func (r *Runner) Run(ctx context.Context, rows []models.InputRow, opts models.ResolveOptions, progress ProgressFunc) (*Report, error) {
	report := &Report{
		BatchID: uuid.New().String(),
		Items:   make([]models.BatchItem, len(rows)),
		Counts:  make(map[models.PageStatus]int),
		Started: time.Now(),
	}
	batchLog := r.log.WithField("batch_id", report.BatchID)
	batchLog.Infof("Starting batch of %d URLs with %d workers", len(rows), r.workers)

	evictCtx, stopEviction := context.WithCancel(ctx)
	defer stopEviction()
	go r.gate.RunEviction(evictCtx, evictionInterval)

	var (
		mu      sync.Mutex
		done    int
		skipped int
	)
	g := errgroup.Group{}
	g.SetLimit(r.workers)

	for i, row := range rows {
		g.Go(func() error {
			item, started := r.resolveRow(ctx, row, opts, batchLog)
			mu.Lock()
			report.Items[i] = item
			report.Counts[item.Result.Status]++
			if !started {
				skipped++
			}
			done++
			n := done
			mu.Unlock()
			if progress != nil {
				progress(n, len(rows), item)
			}
			return nil
		})
	}
	_ = g.Wait()

	report.Skipped = skipped
	report.Duration = time.Since(report.Started)
	r.logSummary(batchLog, report)

	if err := ctx.Err(); err != nil {
		return report, fmt.Errorf("batch %s canceled after %d of %d URLs: %w", report.BatchID, len(rows)-skipped, len(rows), err)
	}
	return report, nil
}

// resolveRow waits for its throttle slot and domain permit, then resolves.
// started is false when the batch was canceled before Resolve ran.
func (r *Runner) resolveRow(ctx context.Context, row models.InputRow, opts models.ResolveOptions, log *logrus.Entry) (item models.BatchItem, started bool) {
	item.Row = row
	domain := stats.ApexDomain(row.URL)

	if err := r.throttle.Wait(ctx, domain); err != nil {
		item.Result = notStarted(row, err)
		return item, false
	}
	if err := r.gate.Acquire(ctx, domain); err != nil {
		item.Result = notStarted(row, err)
		return item, false
	}
	defer r.gate.Release(domain)

	if ctx.Err() != nil {
		item.Result = notStarted(row, ctx.Err())
		return item, false
	}

	item.Result = r.resolver.Resolve(ctx, row.URL, opts)
	log.WithFields(logrus.Fields{
		"line":   row.Line,
		"url":    row.URL,
		"status": item.Result.Status,
	}).Debug("Row resolved")
	return item, true
}

func notStarted(row models.InputRow, cause error) models.Result {
	now := time.Now()
	return models.Result{
		OriginalURL:  row.URL,
		FinalURL:     row.URL,
		Status:       models.PageStatusError,
		ErrorMessage: fmt.Sprintf("not processed: batch canceled (%v)", cause),
		StartTime:    now,
		EndTime:      now,
	}
}

// logSummary logs a banner with per-status counts
func (r *Runner) logSummary(log *logrus.Entry, report *Report) {
	log.Info("============================================")
	log.Infof("Batch completed in %v", report.Duration.Round(time.Millisecond))

	statuses := make([]models.PageStatus, 0, len(report.Counts))
	for s := range report.Counts {
		statuses = append(statuses, s)
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i] < statuses[j] })
	for _, s := range statuses {
		log.Infof("  %-10s %d", s, report.Counts[s])
	}

	log.Info("--------------------------------------------")
	log.Infof("Total: %d URLs (%d skipped)", len(report.Items), report.Skipped)
	log.Info("============================================")
}
