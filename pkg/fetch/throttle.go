package fetch

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Throttle spaces out resolve() calls: a global start rate plus a minimum delay per domain
type Throttle struct {
	limiter     *rate.Limiter        // nil = no global limit
	minDelay    time.Duration        // Per-domain spacing; 0 = none
	lastStart   map[string]time.Time // domain -> last call start
	lastStartMu sync.Mutex
	log         *logrus.Entry
}

// NewThrottle creates a Throttle. rps <= 0 disables the global limit.
func NewThrottle(rps float64, perDomainDelay time.Duration, log *logrus.Entry) *Throttle {
	t := &Throttle{
		minDelay:  perDomainDelay,
		lastStart: make(map[string]time.Time),
		log:       log,
	}
	if rps > 0 {
		burst := int(math.Max(1, math.Floor(rps)))
		t.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return t
}

// Wait blocks until a call to domain may start, then records the start.
// Returns ctx.Err() if the context ends first.
func (t *Throttle) Wait(ctx context.Context, domain string) error {
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	if t.minDelay > 0 {
		if err := t.applyDelay(ctx, domain); err != nil {
			return err
		}
	}

	t.lastStartMu.Lock()
	t.lastStart[domain] = time.Now()
	t.lastStartMu.Unlock()
	return nil
}

// applyDelay sleeps if the previous call to domain started less than minDelay ago.
// Includes jitter (+/- 10%) to desynchronize workers.
func (t *Throttle) applyDelay(ctx context.Context, domain string) error {
	t.lastStartMu.Lock()
	last, exists := t.lastStart[domain]
	t.lastStartMu.Unlock()
	if !exists {
		return nil
	}

	elapsed := time.Since(last)
	if elapsed >= t.minDelay {
		return nil
	}
	sleepDuration := t.minDelay - elapsed

	var jitter time.Duration
	if jitterRange := int64(sleepDuration) / 5; jitterRange > 0 { // 20% width for +/-10%
		jitter = time.Duration(rand.Int63n(jitterRange)) - (sleepDuration / 10)
	}
	finalSleep := sleepDuration + jitter
	if finalSleep <= 0 {
		return nil
	}

	t.log.WithFields(logrus.Fields{
		"domain": domain, "sleep": finalSleep, "required_delay": t.minDelay, "elapsed": elapsed,
	}).Debug("Throttle applying per-domain delay")

	timer := time.NewTimer(finalSleep)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
