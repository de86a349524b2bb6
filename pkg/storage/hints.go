package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/redirect-finder/pkg/log"
	"github.com/Sriram-PR/redirect-finder/pkg/stats"
	"github.com/Sriram-PR/redirect-finder/pkg/utils"
)

const (
	hintKeyPrefix = "hint:"    // Prefix for per-domain hint keys in DB
	hintsDBDir    = "hints_db" // Subdirectory name within stateDir for Badger DB files

	DefaultHintTTL    = 6 * time.Hour
	DefaultHintWindow = 30 * 24 * time.Hour
)

// Hint is the cached verdict for one apex domain. An empty Strategy records
// that the domain had too little history, so the statistics query is not repeated.
type Hint struct {
	Domain      string    `json:"domain"`
	Strategy    string    `json:"strategy,omitempty"`
	SuccessRate float64   `json:"success_rate"`
	Attempts    int64     `json:"attempts"`
	CachedAt    time.Time `json:"cached_at"`
}

// HintSource answers the best-strategy query on a cache miss. *stats.Store satisfies it.
type HintSource interface {
	BestStrategyForDomain(ctx context.Context, domain string, since time.Time) (stats.DomainStrategy, bool, error)
}

// HintStore caches per-domain strategy hints in Badger with a TTL
type HintStore struct {
	db     *badger.DB
	source HintSource
	ttl    time.Duration
	window time.Duration
	now    func() time.Time
	log    *logrus.Entry
}

// NewHintStore opens the hint cache under stateDir. An empty stateDir keeps the cache in memory.
// source may be nil, in which case only explicitly stored hints are served.
func NewHintStore(stateDir string, source HintSource, ttl, window time.Duration, logger *logrus.Entry) (*HintStore, error) {
	logger = logger.WithField("component", "hints")
	if ttl <= 0 {
		ttl = DefaultHintTTL
	}
	if window <= 0 {
		window = DefaultHintWindow
	}

	var opts badger.Options
	if stateDir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
		logger.Info("Initializing in-memory strategy hint cache")
	} else {
		dbPath := filepath.Join(stateDir, hintsDBDir)
		if err := os.MkdirAll(dbPath, 0755); err != nil {
			return nil, fmt.Errorf("%w: cannot create hint directory %s: %w", utils.ErrFilesystem, dbPath, err)
		}
		opts = badger.DefaultOptions(dbPath)
		logger.Infof("Initializing strategy hint cache at: %s", dbPath)
	}
	opts = opts.
		WithLogger(log.NewBadgerLogger(logger)).
		WithNumVersionsToKeep(1)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open hint database: %w", utils.ErrDatabase, err)
	}

	return &HintStore{
		db:     db,
		source: source,
		ttl:    ttl,
		window: window,
		now:    time.Now,
		log:    logger,
	}, nil
}

const maxConflictRetries = 10

// dbUpdate wraps db.Update with a retry loop for BadgerDB transaction conflicts
func (s *HintStore) dbUpdate(fn func(txn *badger.Txn) error) error {
	for i := range maxConflictRetries {
		err := s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		s.log.Debugf("BadgerDB transaction conflict (attempt %d/%d), retrying", i+1, maxConflictRetries)
	}
	return fmt.Errorf("%w: transaction conflict not resolved after %d retries", utils.ErrDatabase, maxConflictRetries)
}

func hintKey(domain string) []byte {
	return []byte(hintKeyPrefix + strings.ToLower(domain))
}

// Get returns the cached hint for domain. found is false on a miss or an expired entry.
func (s *HintStore) Get(domain string) (hint Hint, found bool, err error) {
	key := hintKey(domain)
	err = s.db.View(func(txn *badger.Txn) error {
		item, errGet := txn.Get(key)
		if errors.Is(errGet, badger.ErrKeyNotFound) {
			return nil
		}
		if errGet != nil {
			return errGet
		}
		return item.Value(func(val []byte) error {
			if errJSON := json.Unmarshal(val, &hint); errJSON != nil {
				s.log.Warnf("Failed to unmarshal hint for key '%s': %v. Treating as a miss.", string(key), errJSON)
				return nil
			}
			found = true
			return nil
		})
	})
	if err != nil {
		return Hint{}, false, fmt.Errorf("%w: reading hint key '%s': %w", utils.ErrDatabase, string(key), err)
	}
	return hint, found, nil
}

// Put stores hint with the configured TTL
func (s *HintStore) Put(hint Hint) error {
	if hint.Domain == "" {
		return fmt.Errorf("%w: hint without domain", utils.ErrDatabase)
	}
	if hint.CachedAt.IsZero() {
		hint.CachedAt = s.now()
	}
	val, err := json.Marshal(hint)
	if err != nil {
		return fmt.Errorf("%w: marshal hint: %w", utils.ErrDatabase, err)
	}
	key := hintKey(hint.Domain)
	err = s.dbUpdate(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry(key, val).WithTTL(s.ttl))
	})
	if err != nil {
		return fmt.Errorf("%w: writing hint key '%s': %w", utils.ErrDatabase, string(key), err)
	}
	return nil
}

// Invalidate drops the cached hint for domain
func (s *HintStore) Invalidate(domain string) error {
	key := hintKey(domain)
	err := s.dbUpdate(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
	if err != nil {
		return fmt.Errorf("%w: deleting hint key '%s': %w", utils.ErrDatabase, string(key), err)
	}
	return nil
}

// Lookup returns the hint for domain, filling a miss from the statistics source
func (s *HintStore) Lookup(ctx context.Context, domain string) (Hint, error) {
	domain = strings.ToLower(domain)
	hint, found, err := s.Get(domain)
	if err != nil {
		return Hint{}, err
	}
	if found || s.source == nil {
		return hint, nil
	}

	best, ok, err := s.source.BestStrategyForDomain(ctx, domain, s.now().Add(-s.window))
	if err != nil {
		return Hint{}, err
	}
	hint = Hint{Domain: domain}
	if ok {
		hint.Strategy = best.Strategy
		hint.SuccessRate = best.SuccessRate
		hint.Attempts = best.Total
	}
	if err := s.Put(hint); err != nil {
		s.log.WithError(err).WithField("domain", domain).Warn("Failed to cache strategy hint")
	}
	s.log.WithFields(logrus.Fields{"domain": domain, "strategy": hint.Strategy}).Debug("Strategy hint refreshed")
	return hint, nil
}

// PreferredStrategy implements the orchestrator's hint lookup. Errors are logged
// and reported as "no hint" so resolution never depends on the cache.
func (s *HintStore) PreferredStrategy(ctx context.Context, domain string) (string, bool) {
	hint, err := s.Lookup(ctx, domain)
	if err != nil {
		s.log.WithError(err).WithField("domain", domain).Warn("Strategy hint lookup failed")
		return "", false
	}
	return hint.Strategy, hint.Strategy != ""
}

// Len counts live hints. Used by status reporting and tests.
func (s *HintStore) Len() (int, error) {
	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(hintKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: counting hints: %w", utils.ErrDatabase, err)
	}
	return count, nil
}

// GC runs one value-log garbage collection cycle, repeating while Badger
// reports it rewrote a file
func (s *HintStore) GC() error {
	if s.db == nil || s.db.IsClosed() {
		return nil
	}
	var err error
	for {
		// Rewrite when at least half of a log file is reclaimable
		if err = s.db.RunValueLogGC(0.5); err != nil {
			break
		}
	}
	if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrGCInMemoryMode) {
		s.log.Debug("Hint cache GC finished (no rewrite needed)")
		return nil
	}
	return fmt.Errorf("%w: value log GC: %w", utils.ErrDatabase, err)
}

// Close cleanly closes the database
func (s *HintStore) Close() error {
	if s.db != nil && !s.db.IsClosed() {
		s.log.Info("Closing hint cache...")
		if err := s.db.Close(); err != nil {
			s.log.Errorf("Error closing hint cache: %v", err)
			return err
		}
		return nil
	}
	return nil
}
