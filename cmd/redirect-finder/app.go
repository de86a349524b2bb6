package main

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/redirect-finder/pkg/config"
	"github.com/Sriram-PR/redirect-finder/pkg/detect"
	"github.com/Sriram-PR/redirect-finder/pkg/fetch"
	"github.com/Sriram-PR/redirect-finder/pkg/maintenance"
	"github.com/Sriram-PR/redirect-finder/pkg/orchestrate"
	"github.com/Sriram-PR/redirect-finder/pkg/security"
	"github.com/Sriram-PR/redirect-finder/pkg/stats"
	"github.com/Sriram-PR/redirect-finder/pkg/storage"
	"github.com/Sriram-PR/redirect-finder/pkg/strategy"
	"github.com/Sriram-PR/redirect-finder/pkg/utils"
)

// app holds the long-lived components shared by the subcommands
type app struct {
	cfg          *config.AppConfig
	log          *logrus.Logger
	stats        *stats.Store
	hints        *storage.HintStore // nil when hints are disabled
	registry     *strategy.Registry
	orchestrator *orchestrate.Orchestrator
}

// openStats opens only the statistics store, for subcommands that never resolve
func openStats(ctx context.Context, cfg *config.AppConfig, log *logrus.Logger) (*stats.Store, error) {
	return stats.Open(ctx, cfg.Statistics.DSN, cfg.Statistics.AuthToken, logrus.NewEntry(log))
}

// buildApp wires the validator, strategies, statistics store, hint cache and orchestrator
func buildApp(ctx context.Context, cfg *config.AppConfig, log *logrus.Logger) (*app, error) {
	entry := logrus.NewEntry(log)

	store, err := openStats(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: log, stats: store}

	if cfg.HintsEnabled() {
		hints, err := storage.NewHintStore(cfg.StateDir, store, cfg.Statistics.HintTTL, cfg.HintWindowPeriod(), entry)
		if err != nil {
			a.close()
			return nil, err
		}
		a.hints = hints
	}

	guard := security.NewValidator(
		security.WithBlockedPorts(cfg.Security.BlockedPorts),
		security.WithBlockedHosts(cfg.Security.ExtraBlockedHosts),
		security.WithAllowedHosts(cfg.Security.AllowedHosts),
	)

	titlePatterns, err := utils.CompileRegexPatterns(cfg.Classifier.TitlePatterns)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("classifier.title_patterns: %w", err)
	}
	classifier := detect.NewDefaultClassifier(detect.Options{
		ExtraKeywords:      cfg.Classifier.ExtraKeywords,
		ExtraSelectors:     cfg.Classifier.ExtraSelectors,
		TitlePatterns:      titlePatterns,
		BlockedStatusCodes: cfg.Classifier.BlockedStatusCodes,
	}, entry)

	var proxies *fetch.ProxyPool
	if cfg.Proxy.File != "" {
		if proxies, err = fetch.LoadProxyPool(cfg.Proxy.File, entry.WithField("component", "proxy")); err != nil {
			a.close()
			return nil, err
		}
	}

	resolver := fetch.NewResolver(cfg.Curl.DNSServer, 0, entry)
	strategyLog := entry.WithField("component", "strategy")

	var chain []strategy.Strategy
	if cfg.CurlEnabled() {
		chain = append(chain, strategy.NewCurlStrategy(strategy.CurlOptions{
			Binary:         cfg.Curl.BinaryPath,
			ConnectTimeout: cfg.Curl.ConnectTimeout,
			MaxBodyBytes:   cfg.Curl.MaxBodyBytes,
			PinDNS:         cfg.PinDNS(),
			UserAgent:      cfg.UserAgent,
		}, guard, resolver, proxies, classifier, strategyLog))
	}
	chain = append(chain,
		strategy.NewBrowserStrategy(cfg.Browser, cfg.BrowserHeadless(), cfg.UserAgent, guard, resolver, classifier, strategyLog),
		strategy.NewHTTPClientStrategy(
			fetch.NewClient(cfg.HTTPClientSettings, guard, resolver, proxies, entry),
			guard, classifier, cfg.UserAgent, cfg.HTTPClientSettings.MaxBodyBytes, strategyLog),
	)
	a.registry = strategy.NewRegistry(chain...)

	var hintSource orchestrate.HintSource
	if a.hints != nil {
		hintSource = a.hints
	}
	a.orchestrator = orchestrate.NewOrchestrator(a.registry, guard, store, hintSource, cfg.Statistics.RecordIntermediateAttempts, entry)

	log.Infof("Strategy chain: %v", a.registry.Names())
	return a, nil
}

// maintenanceTasks returns the retention sweep plus hint GC when the cache is open
func (a *app) maintenanceTasks() []maintenance.Task {
	tasks := []maintenance.Task{
		maintenance.RetentionTask(a.stats, a.cfg.RetentionPeriod(), a.cfg.Maintenance.SweepInterval, timeNow),
	}
	if a.hints != nil {
		tasks = append(tasks, maintenance.HintGCTask(a.hints, a.cfg.Maintenance.GCInterval))
	}
	return tasks
}

func (a *app) close() {
	if a.hints != nil {
		if err := a.hints.Close(); err != nil {
			a.log.Errorf("Error closing hint cache: %v", err)
		}
	}
	if a.stats != nil {
		if err := a.stats.Close(); err != nil {
			a.log.Errorf("Error closing statistics store: %v", err)
		}
	}
}
