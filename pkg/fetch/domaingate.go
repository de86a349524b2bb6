package fetch

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// gateEntry tracks one domain's semaphore and its usage state.
type gateEntry struct {
	sem         *semaphore.Weighted
	activeCount int64     // held + waiting permits
	lastRelease time.Time // zero if never released
}

// DomainGate caps concurrent resolve() calls per apex domain so a batch full of links
// to one shop does not hammer it from every worker at once.
type DomainGate struct {
	entries map[string]*gateEntry
	mu      sync.Mutex
	limit   int64
	log     *logrus.Entry
}

// NewDomainGate creates a gate with the given per-domain concurrency limit.
func NewDomainGate(maxPerDomain int, log *logrus.Entry) *DomainGate {
	limit := int64(maxPerDomain)
	if limit <= 0 {
		limit = 2
		log.Warnf("max_per_domain invalid or zero, defaulting to %d", limit)
	}
	return &DomainGate{
		entries: make(map[string]*gateEntry),
		limit:   limit,
		log:     log,
	}
}

// Acquire takes one permit for domain, blocking until one is free or ctx ends.
func (g *DomainGate) Acquire(ctx context.Context, domain string) error {
	g.mu.Lock()
	entry, exists := g.entries[domain]
	if !exists {
		entry = &gateEntry{sem: semaphore.NewWeighted(g.limit)}
		g.entries[domain] = entry
		g.log.WithFields(logrus.Fields{"domain": domain, "limit": g.limit}).Debug("Created domain gate")
	}
	entry.activeCount++
	g.mu.Unlock()

	if err := entry.sem.Acquire(ctx, 1); err != nil {
		g.mu.Lock()
		entry.activeCount--
		g.mu.Unlock()
		return err
	}
	return nil
}

// Release returns one permit for domain.
func (g *DomainGate) Release(domain string) {
	g.mu.Lock()
	entry, exists := g.entries[domain]
	if !exists {
		g.mu.Unlock()
		g.log.Errorf("domaingate: Release called for unknown domain: %s", domain)
		return
	}
	entry.activeCount--
	entry.lastRelease = time.Now()
	g.mu.Unlock()

	entry.sem.Release(1)
}

// RunEviction periodically drops idle domain entries. Run it in a goroutine.
func (g *DomainGate) RunEviction(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.evictIdle(interval)
		case <-ctx.Done():
			g.log.Debugf("Stopping domain gate eviction: %v", ctx.Err())
			return
		}
	}
}

// evictIdle removes entries idle for at least maxIdle.
func (g *DomainGate) evictIdle(maxIdle time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	evicted := 0
	for domain, entry := range g.entries {
		if entry.activeCount == 0 && !entry.lastRelease.IsZero() && now.Sub(entry.lastRelease) >= maxIdle {
			delete(g.entries, domain)
			evicted++
		}
	}
	if evicted > 0 {
		g.log.Debugf("Evicted %d idle domain gates, %d remain", evicted, len(g.entries))
	}
}

// Len returns the number of tracked domains.
func (g *DomainGate) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.entries)
}
