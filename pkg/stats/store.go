package stats

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	_ "github.com/tursodatabase/libsql-client-go/libsql" // Remote libsql/Turso driver
	_ "modernc.org/sqlite"                               // Embedded SQLite driver

	"github.com/Sriram-PR/redirect-finder/pkg/models"
	"github.com/Sriram-PR/redirect-finder/pkg/utils"
)

// StrategyValidator is the pseudo-strategy name under which pre-flight rejections are recorded
const StrategyValidator = "validator"

// MinDomainAttempts is the floor below which a domain's strategy history is not trusted
const MinDomainAttempts = 3

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS resolution_stats (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		strategy       TEXT    NOT NULL,
		domain         TEXT    NOT NULL DEFAULT '',
		status         TEXT    NOT NULL,
		success        INTEGER NOT NULL,
		blocked        INTEGER NOT NULL,
		processing_ms  INTEGER NOT NULL,
		http_code      INTEGER,
		redirect_count INTEGER NOT NULL DEFAULT 0,
		original_url   TEXT    NOT NULL,
		final_url      TEXT,
		error_message  TEXT,
		attempt_index  INTEGER NOT NULL DEFAULT 0,
		created_at     INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_resolution_stats_created ON resolution_stats(created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_resolution_stats_domain ON resolution_stats(domain, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_resolution_stats_strategy ON resolution_stats(strategy, created_at)`,
}

// Store persists one row per recorded resolution and answers the aggregate queries.
// Rows are append-only; only Sweep deletes.
type Store struct {
	db     *sql.DB
	driver string
	now    func() time.Time
	log    *logrus.Entry
}

// Open connects to dsn and runs the idempotent migration.
// libsql://, wss:// and https:// DSNs use the libsql driver; anything else is a local SQLite
// file path, a file: URI, or ":memory:".
func Open(ctx context.Context, dsn, authToken string, log *logrus.Entry) (*Store, error) {
	log = log.WithField("component", "stats")
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("%w: statistics DSN is empty", utils.ErrConfigValidation)
	}

	driver, source, err := driverFor(dsn, authToken)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, source)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", utils.ErrDatabase, driver, err)
	}
	if driver == "sqlite" {
		// One writer connection avoids SQLITE_BUSY and keeps ":memory:" a single database
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: ping %s: %v", utils.ErrDatabase, driver, err)
	}

	s := &Store{db: db, driver: driver, now: time.Now, log: log}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	log.WithField("driver", driver).Info("Statistics store ready")
	return s, nil
}

func driverFor(dsn, authToken string) (driver, source string, err error) {
	lower := strings.ToLower(dsn)
	if strings.HasPrefix(lower, "libsql://") || strings.HasPrefix(lower, "wss://") || strings.HasPrefix(lower, "https://") {
		if authToken == "" {
			return "libsql", dsn, nil
		}
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("%w: statistics DSN: %v", utils.ErrConfigValidation, err)
		}
		q := u.Query()
		if q.Get("authToken") == "" {
			q.Set("authToken", authToken)
			u.RawQuery = q.Encode()
		}
		return "libsql", u.String(), nil
	}

	if dsn == ":memory:" || strings.HasPrefix(lower, "file:") {
		return "sqlite", dsn, nil
	}
	if dir := filepath.Dir(dsn); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", "", fmt.Errorf("%w: create statistics dir %s: %w", utils.ErrFilesystem, dir, err)
		}
	}
	return "sqlite", "file:" + dsn + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", nil
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range migrations {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%w: migrate: %v", utils.ErrDatabase, err)
		}
	}
	return nil
}

// Close closes the underlying database
func (s *Store) Close() error {
	s.log.Info("Closing statistics store...")
	return s.db.Close()
}

// Ping reports whether the store is reachable
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", utils.ErrDatabase, err)
	}
	return nil
}

// Record appends the terminal outcome of one resolution
func (s *Store) Record(ctx context.Context, result models.Result, blocked bool) error {
	return s.RecordAttempt(ctx, result, blocked, 0)
}

// RecordAttempt appends one row. attemptIndex is the 0-based position in the escalation chain.
func (s *Store) RecordAttempt(ctx context.Context, result models.Result, blocked bool, attemptIndex int) error {
	createdAt := result.EndTime
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	var httpCode sql.NullInt64
	if result.HasHTTPCode() {
		httpCode = sql.NullInt64{Int64: int64(result.HTTPCode), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO resolution_stats
		(strategy, domain, status, success, blocked, processing_ms, http_code, redirect_count,
		 original_url, final_url, error_message, attempt_index, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		result.StrategyName,
		ApexDomain(result.OriginalURL),
		string(result.Status),
		boolInt(result.Status.IsSuccess()),
		boolInt(blocked || result.Status == models.PageStatusBlocked),
		result.ElapsedMillis(),
		httpCode,
		result.RedirectCount,
		result.OriginalURL,
		result.FinalURL,
		result.ErrorMessage,
		attemptIndex,
		createdAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("%w: record %s: %v", utils.ErrDatabase, result.OriginalURL, err)
	}
	s.log.WithFields(logrus.Fields{
		"strategy": result.StrategyName,
		"status":   result.Status,
		"attempt":  attemptIndex,
	}).Debug("Recorded resolution outcome")
	return nil
}

// --- aggregate queries ---

// StrategyRate is one strategy's success rate over a period
type StrategyRate struct {
	Strategy        string  `json:"strategy"`
	Total           int64   `json:"total"`
	Successful      int64   `json:"successful"`
	SuccessRate     float64 `json:"success_rate"`
	AvgProcessingMs float64 `json:"avg_processing_ms"`
	UniqueDomains   int64   `json:"unique_domains"`
}

// SuccessRateByStrategy returns per-strategy success rates for rows created in [from, to]
func (s *Store) SuccessRateByStrategy(ctx context.Context, from, to time.Time) ([]StrategyRate, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT strategy, COUNT(*), SUM(success), AVG(processing_ms), COUNT(DISTINCT domain)
		FROM resolution_stats
		WHERE created_at >= ? AND created_at <= ? AND strategy <> ?
		GROUP BY strategy
		ORDER BY 1.0 * SUM(success) / COUNT(*) DESC, strategy`, from.UnixMilli(), to.UnixMilli(), StrategyValidator)
	if err != nil {
		return nil, fmt.Errorf("%w: success rate query: %v", utils.ErrDatabase, err)
	}
	defer rows.Close()

	var out []StrategyRate
	for rows.Next() {
		var r StrategyRate
		if err := rows.Scan(&r.Strategy, &r.Total, &r.Successful, &r.AvgProcessingMs, &r.UniqueDomains); err != nil {
			return nil, fmt.Errorf("%w: scan success rate: %v", utils.ErrDatabase, err)
		}
		r.SuccessRate = Percent(r.Successful, r.Total)
		out = append(out, r)
	}
	return out, rowsErr(rows)
}

// DomainBlockRate is one domain's block statistics
type DomainBlockRate struct {
	Domain     string  `json:"domain"`
	Total      int64   `json:"total"`
	Successful int64   `json:"successful"`
	Blocked    int64   `json:"blocked"`
	BlockRate  float64 `json:"block_rate"`
}

// TopBlockedDomains ranks domains by block rate. Domains with fewer than minAttempts rows are skipped.
func (s *Store) TopBlockedDomains(ctx context.Context, since time.Time, minAttempts, limit int) ([]DomainBlockRate, error) {
	if minAttempts < 1 {
		minAttempts = 1
	}
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `SELECT domain, COUNT(*), SUM(success), SUM(blocked)
		FROM resolution_stats
		WHERE created_at >= ? AND created_at <= ? AND domain <> ''
		GROUP BY domain
		HAVING COUNT(*) >= ?
		ORDER BY 1.0 * SUM(blocked) / COUNT(*) DESC, COUNT(*) DESC, domain
		LIMIT ?`, since.UnixMilli(), s.now().UnixMilli(), minAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: top blocked query: %v", utils.ErrDatabase, err)
	}
	defer rows.Close()

	var out []DomainBlockRate
	for rows.Next() {
		var r DomainBlockRate
		if err := rows.Scan(&r.Domain, &r.Total, &r.Successful, &r.Blocked); err != nil {
			return nil, fmt.Errorf("%w: scan top blocked: %v", utils.ErrDatabase, err)
		}
		r.BlockRate = Percent(r.Blocked, r.Total)
		out = append(out, r)
	}
	return out, rowsErr(rows)
}

// StatusShare is one status's share of all rows in a period
type StatusShare struct {
	Status     models.PageStatus `json:"status"`
	Count      int64             `json:"count"`
	Percentage float64           `json:"percentage"`
}

// StatusDistribution returns the count and percentage of each status in [from, to]
func (s *Store) StatusDistribution(ctx context.Context, from, to time.Time) ([]StatusShare, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*)
		FROM resolution_stats
		WHERE created_at >= ? AND created_at <= ?
		GROUP BY status
		ORDER BY COUNT(*) DESC, status`, from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("%w: status distribution query: %v", utils.ErrDatabase, err)
	}
	defer rows.Close()

	var (
		out   []StatusShare
		total int64
	)
	for rows.Next() {
		var (
			r      StatusShare
			status string
		)
		if err := rows.Scan(&status, &r.Count); err != nil {
			return nil, fmt.Errorf("%w: scan status distribution: %v", utils.ErrDatabase, err)
		}
		r.Status = models.PageStatus(status)
		total += r.Count
		out = append(out, r)
	}
	if err := rowsErr(rows); err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Percentage = Percent(out[i].Count, total)
	}
	return out, nil
}

// HourlyRate is the success rate within one UTC hour
type HourlyRate struct {
	Hour        time.Time `json:"hour"`
	Total       int64     `json:"total"`
	Successful  int64     `json:"successful"`
	SuccessRate float64   `json:"success_rate"`
}

// HourlySuccessTrend buckets rows in [from, to] by hour, oldest first
func (s *Store) HourlySuccessTrend(ctx context.Context, from, to time.Time) ([]HourlyRate, error) {
	const hourMs = int64(time.Hour / time.Millisecond)
	rows, err := s.db.QueryContext(ctx, `SELECT created_at / ? AS bucket, COUNT(*), SUM(success)
		FROM resolution_stats
		WHERE created_at >= ? AND created_at <= ?
		GROUP BY bucket
		ORDER BY bucket`, hourMs, from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("%w: hourly trend query: %v", utils.ErrDatabase, err)
	}
	defer rows.Close()

	var out []HourlyRate
	for rows.Next() {
		var (
			r      HourlyRate
			bucket int64
		)
		if err := rows.Scan(&bucket, &r.Total, &r.Successful); err != nil {
			return nil, fmt.Errorf("%w: scan hourly trend: %v", utils.ErrDatabase, err)
		}
		r.Hour = time.UnixMilli(bucket * hourMs).UTC()
		r.SuccessRate = Percent(r.Successful, r.Total)
		out = append(out, r)
	}
	return out, rowsErr(rows)
}

// ProcessingTime summarizes successful resolution times for one strategy
type ProcessingTime struct {
	Strategy string  `json:"strategy"`
	AvgMs    float64 `json:"avg_ms"`
	MinMs    int64   `json:"min_ms"`
	MaxMs    int64   `json:"max_ms"`
	Count    int64   `json:"count"`
}

// ProcessingTimeByStrategy returns avg/min/max processing time of successful rows in [from, to], fastest first
func (s *Store) ProcessingTimeByStrategy(ctx context.Context, from, to time.Time) ([]ProcessingTime, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT strategy, AVG(processing_ms), MIN(processing_ms), MAX(processing_ms), COUNT(*)
		FROM resolution_stats
		WHERE created_at >= ? AND created_at <= ? AND success = 1
		GROUP BY strategy
		ORDER BY AVG(processing_ms), strategy`, from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("%w: processing time query: %v", utils.ErrDatabase, err)
	}
	defer rows.Close()

	var out []ProcessingTime
	for rows.Next() {
		var r ProcessingTime
		if err := rows.Scan(&r.Strategy, &r.AvgMs, &r.MinMs, &r.MaxMs, &r.Count); err != nil {
			return nil, fmt.Errorf("%w: scan processing time: %v", utils.ErrDatabase, err)
		}
		out = append(out, r)
	}
	return out, rowsErr(rows)
}

// DomainStrategy is one strategy's track record on a domain
type DomainStrategy struct {
	Strategy    string  `json:"strategy"`
	Total       int64   `json:"total"`
	Successful  int64   `json:"successful"`
	SuccessRate float64 `json:"success_rate"`
}

// StrategiesForDomain ranks strategies on domain since the given time, best first.
// Strategies with fewer than MinDomainAttempts rows, and validator rejections, are left out.
func (s *Store) StrategiesForDomain(ctx context.Context, domain string, since time.Time) ([]DomainStrategy, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT strategy, COUNT(*), SUM(success)
		FROM resolution_stats
		WHERE domain = ? AND created_at >= ? AND strategy <> ?
		GROUP BY strategy
		HAVING COUNT(*) >= ?
		ORDER BY 1.0 * SUM(success) / COUNT(*) DESC, SUM(success) DESC, strategy`,
		strings.ToLower(domain), since.UnixMilli(), StrategyValidator, MinDomainAttempts)
	if err != nil {
		return nil, fmt.Errorf("%w: domain strategy query: %v", utils.ErrDatabase, err)
	}
	defer rows.Close()

	var out []DomainStrategy
	for rows.Next() {
		var r DomainStrategy
		if err := rows.Scan(&r.Strategy, &r.Total, &r.Successful); err != nil {
			return nil, fmt.Errorf("%w: scan domain strategy: %v", utils.ErrDatabase, err)
		}
		r.SuccessRate = Percent(r.Successful, r.Total)
		out = append(out, r)
	}
	return out, rowsErr(rows)
}

// BestStrategyForDomain returns the top entry of StrategiesForDomain. ok is false without enough history.
func (s *Store) BestStrategyForDomain(ctx context.Context, domain string, since time.Time) (best DomainStrategy, ok bool, err error) {
	ranked, err := s.StrategiesForDomain(ctx, domain, since)
	if err != nil || len(ranked) == 0 {
		return DomainStrategy{}, false, err
	}
	return ranked[0], true, nil
}

// Overall is the headline summary for a period
type Overall struct {
	Total           int64   `json:"total"`
	UniqueDomains   int64   `json:"unique_domains"`
	Successful      int64   `json:"successful"`
	Blocked         int64   `json:"blocked"`
	SuccessRate     float64 `json:"success_rate"`
	BlockRate       float64 `json:"block_rate"`
	AvgProcessingMs float64 `json:"avg_processing_ms"`
	AvgRedirects    float64 `json:"avg_redirects"`
}

// Overall summarizes every row in [from, to]
func (s *Store) Overall(ctx context.Context, from, to time.Time) (Overall, error) {
	var o Overall
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*), COUNT(DISTINCT domain),
			COALESCE(SUM(success), 0), COALESCE(SUM(blocked), 0),
			COALESCE(AVG(processing_ms), 0), COALESCE(AVG(redirect_count), 0)
		FROM resolution_stats
		WHERE created_at >= ? AND created_at <= ?`, from.UnixMilli(), to.UnixMilli()).
		Scan(&o.Total, &o.UniqueDomains, &o.Successful, &o.Blocked, &o.AvgProcessingMs, &o.AvgRedirects)
	if err != nil {
		return Overall{}, fmt.Errorf("%w: overall query: %v", utils.ErrDatabase, err)
	}
	o.SuccessRate = Percent(o.Successful, o.Total)
	o.BlockRate = Percent(o.Blocked, o.Total)
	return o, nil
}

// Row is one stored outcome
type Row struct {
	ID            int64             `json:"id"`
	Strategy      string            `json:"strategy"`
	Domain        string            `json:"domain"`
	Status        models.PageStatus `json:"status"`
	Success       bool              `json:"success"`
	Blocked       bool              `json:"blocked"`
	ProcessingMs  int64             `json:"processing_ms"`
	HTTPCode      int               `json:"http_code,omitempty"`
	RedirectCount int               `json:"redirect_count"`
	OriginalURL   string            `json:"original_url"`
	FinalURL      string            `json:"final_url,omitempty"`
	ErrorMessage  string            `json:"error_message,omitempty"`
	AttemptIndex  int               `json:"attempt_index"`
	CreatedAt     time.Time         `json:"created_at"`
}

const rowColumns = `id, strategy, domain, status, success, blocked, processing_ms, http_code, redirect_count,
	original_url, COALESCE(final_url, ''), COALESCE(error_message, ''), attempt_index, created_at`

// RecentFailures returns the newest unsuccessful rows
func (s *Store) RecentFailures(ctx context.Context, since time.Time, limit int) ([]Row, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.queryRows(ctx, `SELECT `+rowColumns+` FROM resolution_stats
		WHERE success = 0 AND created_at >= ?
		ORDER BY created_at DESC, id DESC LIMIT ?`, since.UnixMilli(), limit)
}

// FindByDomain returns the newest rows whose domain equals query or whose original URL contains it
func (s *Store) FindByDomain(ctx context.Context, query string, limit int) ([]Row, error) {
	if limit <= 0 {
		limit = 50
	}
	query = strings.TrimSpace(query)
	return s.queryRows(ctx, `SELECT `+rowColumns+` FROM resolution_stats
		WHERE domain = ? OR instr(original_url, ?) > 0
		ORDER BY created_at DESC, id DESC LIMIT ?`, strings.ToLower(query), query, limit)
}

// CountSuccessesSince returns successful rows per strategy created at or after since
func (s *Store) CountSuccessesSince(ctx context.Context, since time.Time) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT strategy, SUM(success)
		FROM resolution_stats WHERE created_at >= ?
		GROUP BY strategy`, since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("%w: success count query: %v", utils.ErrDatabase, err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var (
			strategy string
			n        int64
		)
		if err := rows.Scan(&strategy, &n); err != nil {
			return nil, fmt.Errorf("%w: scan success count: %v", utils.ErrDatabase, err)
		}
		out[strategy] = n
	}
	return out, rowsErr(rows)
}

// Sweep deletes rows created before olderThan and returns how many went
func (s *Store) Sweep(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM resolution_stats WHERE created_at < ?`, olderThan.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("%w: sweep: %v", utils.ErrDatabase, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: sweep rows affected: %v", utils.ErrDatabase, err)
	}
	s.log.WithField("cutoff", olderThan.Format(time.RFC3339)).Infof("Retention sweep removed %d rows", n)
	return n, nil
}

func (s *Store) queryRows(ctx context.Context, query string, args ...interface{}) ([]Row, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: row query: %v", utils.ErrDatabase, err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var (
			r         Row
			status    string
			httpCode  sql.NullInt64
			createdAt int64
		)
		if err := rows.Scan(&r.ID, &r.Strategy, &r.Domain, &status, &r.Success, &r.Blocked, &r.ProcessingMs,
			&httpCode, &r.RedirectCount, &r.OriginalURL, &r.FinalURL, &r.ErrorMessage, &r.AttemptIndex, &createdAt); err != nil {
			return nil, fmt.Errorf("%w: scan row: %v", utils.ErrDatabase, err)
		}
		r.Status = models.PageStatus(status)
		r.HTTPCode = int(httpCode.Int64)
		r.CreatedAt = time.UnixMilli(createdAt)
		out = append(out, r)
	}
	return out, rowsErr(rows)
}

func rowsErr(rows *sql.Rows) error {
	if err := rows.Err(); err != nil {
		return fmt.Errorf("%w: iterate rows: %v", utils.ErrDatabase, err)
	}
	return nil
}

// Percent returns round(100*k/n, 2); 0 when n is 0
func Percent(k, n int64) float64 {
	if n <= 0 {
		return 0
	}
	return math.Round(float64(k)*10000/float64(n)) / 100
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
