package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/Sriram-PR/redirect-finder/pkg/models"
	"github.com/Sriram-PR/redirect-finder/pkg/utils"
)

// DefaultUserAgent mimics a desktop Chrome so lightweight strategies are not trivially fingerprinted
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// Validate checks AppConfig fields and applies sensible defaults.
// Returns collected warnings and any fatal error.
// Modifies receiver in place to apply defaults.
func (c *AppConfig) Validate() (warnings []string, err error) {
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}

	// StateDir
	if c.StateDir == "" {
		warnings = append(warnings, "state_dir is empty, defaulting to './redirect_state'")
		c.StateDir = "./redirect_state"
	}

	resolveWarnings, err := c.validateResolve()
	warnings = append(warnings, resolveWarnings...)
	if err != nil {
		return warnings, err
	}

	// Security port overrides must be real ports
	for _, p := range c.Security.BlockedPorts {
		if p < 1 || p > 65535 {
			return warnings, fmt.Errorf("%w: security.blocked_ports contains invalid port %d", utils.ErrConfigValidation, p)
		}
	}

	c.validateCurl()
	warnings = append(warnings, c.validateBrowser()...)
	c.validateHTTPClientSettings()

	if err := c.validateClassifier(); err != nil {
		return warnings, err
	}

	statsWarnings, err := c.validateStatistics()
	warnings = append(warnings, statsWarnings...)
	if err != nil {
		return warnings, err
	}

	warnings = append(warnings, c.validateBatch()...)

	// Maintenance
	if c.Maintenance.SweepInterval <= 0 {
		c.Maintenance.SweepInterval = 24 * time.Hour
	}
	if c.Maintenance.GCInterval <= 0 {
		c.Maintenance.GCInterval = 10 * time.Minute
	}

	// API
	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8080"
	}

	return warnings, nil
}

// validateResolve clamps the default resolution options to their documented ranges.
func (c *AppConfig) validateResolve() (warnings []string, err error) {
	r := &c.Resolve

	switch {
	case r.MaxRedirects == 0:
		warnings = append(warnings, fmt.Sprintf("resolve.max_redirects not specified, defaulting to %d", models.DefaultRedirects))
		r.MaxRedirects = models.DefaultRedirects
	case r.MaxRedirects < models.MinRedirects:
		warnings = append(warnings, fmt.Sprintf("resolve.max_redirects %d below minimum, clamping to %d", r.MaxRedirects, models.MinRedirects))
		r.MaxRedirects = models.MinRedirects
	case r.MaxRedirects > models.MaxRedirects:
		warnings = append(warnings, fmt.Sprintf("resolve.max_redirects %d above maximum, clamping to %d", r.MaxRedirects, models.MaxRedirects))
		r.MaxRedirects = models.MaxRedirects
	}

	minMs := int(models.MinTimeout.Milliseconds())
	maxMs := int(models.MaxTimeout.Milliseconds())
	switch {
	case r.TimeoutMs == 0:
		warnings = append(warnings, fmt.Sprintf("resolve.timeout_ms not specified, defaulting to %d", models.DefaultTimeout.Milliseconds()))
		r.TimeoutMs = int(models.DefaultTimeout.Milliseconds())
	case r.TimeoutMs < minMs:
		warnings = append(warnings, fmt.Sprintf("resolve.timeout_ms %d below minimum, clamping to %d", r.TimeoutMs, minMs))
		r.TimeoutMs = minMs
	case r.TimeoutMs > maxMs:
		warnings = append(warnings, fmt.Sprintf("resolve.timeout_ms %d above maximum, clamping to %d", r.TimeoutMs, maxMs))
		r.TimeoutMs = maxMs
	}

	if r.UseBrowserFallback == nil {
		enabled := true
		r.UseBrowserFallback = &enabled
	}

	r.OutputFormat = strings.ToLower(strings.TrimSpace(r.OutputFormat))
	switch r.OutputFormat {
	case "":
		r.OutputFormat = models.OutputFormatCSV
	case models.OutputFormatCSV, models.OutputFormatXLSX:
	default:
		return warnings, fmt.Errorf("%w: resolve.output_format must be 'csv' or 'xlsx', got '%s'",
			utils.ErrConfigValidation, r.OutputFormat)
	}
	return warnings, nil
}

// validateCurl applies defaults to the process-based strategy settings.
func (c *AppConfig) validateCurl() {
	cu := &c.Curl
	if cu.BinaryPath == "" {
		cu.BinaryPath = "curl"
	}
	if cu.ConnectTimeout <= 0 {
		cu.ConnectTimeout = 5 * time.Second
	}
	if cu.MaxBodyBytes <= 0 {
		cu.MaxBodyBytes = 256 << 10
	}
}

// validateBrowser applies defaults to the headless-browser settings.
func (c *AppConfig) validateBrowser() (warnings []string) {
	b := &c.Browser
	if b.MaxSessions <= 0 {
		b.MaxSessions = 2
	}
	if b.SettleInterval <= 0 {
		b.SettleInterval = 500 * time.Millisecond
	}
	if b.StablePolls <= 0 {
		b.StablePolls = 4
	}
	if b.ViewportWidth <= 0 || b.ViewportHeight <= 0 {
		b.ViewportWidth, b.ViewportHeight = 1920, 1080
	}
	if b.AcquireTimeout <= 0 {
		b.AcquireTimeout = 30 * time.Second
	}
	settle := b.SettleInterval * time.Duration(b.StablePolls)
	if timeout := time.Duration(c.Resolve.TimeoutMs) * time.Millisecond; settle >= timeout {
		warnings = append(warnings, fmt.Sprintf(
			"browser settle window (%v) >= resolve timeout (%v), browser attempts will always time out",
			settle, timeout))
	}
	return warnings
}

// validateHTTPClientSettings applies defaults to HTTP client settings.
func (c *AppConfig) validateHTTPClientSettings() {
	h := &c.HTTPClientSettings
	if h.Timeout <= 0 {
		h.Timeout = 45 * time.Second
	}
	if h.MaxIdleConns <= 0 {
		h.MaxIdleConns = 100
	}
	if h.MaxIdleConnsPerHost <= 0 {
		h.MaxIdleConnsPerHost = 2
	}
	if h.IdleConnTimeout <= 0 {
		h.IdleConnTimeout = 90 * time.Second
	}
	if h.TLSHandshakeTimeout <= 0 {
		h.TLSHandshakeTimeout = 10 * time.Second
	}
	if h.ExpectContinueTimeout <= 0 {
		h.ExpectContinueTimeout = 1 * time.Second
	}
	if h.DialerTimeout <= 0 {
		h.DialerTimeout = 15 * time.Second
	}
	if h.DialerKeepAlive <= 0 {
		h.DialerKeepAlive = 30 * time.Second
	}
	if h.MaxBodyBytes <= 0 {
		h.MaxBodyBytes = 256 << 10
	}
}

// validateClassifier rejects signature overrides that could never match.
func (c *AppConfig) validateClassifier() error {
	if _, err := utils.CompileRegexPatterns(c.Classifier.TitlePatterns); err != nil {
		return fmt.Errorf("classifier.title_patterns: %w", err)
	}
	for _, code := range c.Classifier.BlockedStatusCodes {
		if code < 100 || code > 599 {
			return fmt.Errorf("%w: classifier.blocked_status_codes contains invalid status %d", utils.ErrConfigValidation, code)
		}
	}
	return nil
}

// validateStatistics fills storage defaults and checks interval strings.
func (c *AppConfig) validateStatistics() (warnings []string, err error) {
	s := &c.Statistics
	if s.DSN == "" {
		s.DSN = filepath.Join(c.StateDir, "statistics.db")
		warnings = append(warnings, fmt.Sprintf("statistics.dsn is empty, defaulting to '%s'", s.DSN))
	}
	if s.Retention == "" {
		s.Retention = "90d"
	}
	if _, err := utils.ParseInterval(s.Retention); err != nil {
		return warnings, fmt.Errorf("%w: statistics.retention: %v", utils.ErrConfigValidation, err)
	}
	if s.HintWindow == "" {
		s.HintWindow = "30d"
	}
	if _, err := utils.ParseInterval(s.HintWindow); err != nil {
		return warnings, fmt.Errorf("%w: statistics.hint_window: %v", utils.ErrConfigValidation, err)
	}
	if s.HintTTL <= 0 {
		s.HintTTL = 6 * time.Hour
	}
	return warnings, nil
}

// validateBatch applies defaults to caller-side batch concurrency.
func (c *AppConfig) validateBatch() (warnings []string) {
	b := &c.Batch
	if b.Workers <= 0 {
		warnings = append(warnings, "batch.workers should be > 0, defaulting to 4")
		b.Workers = 4
	}
	if b.MaxPerDomain <= 0 {
		b.MaxPerDomain = 2
	}
	if b.DelayPerDomain < 0 {
		warnings = append(warnings, "batch.delay_per_domain cannot be negative, disabling delay")
		b.DelayPerDomain = 0
	}
	if b.RequestsPerSecond < 0 {
		warnings = append(warnings, "batch.requests_per_second cannot be negative, disabling global rate limit")
		b.RequestsPerSecond = 0
	}
	return warnings
}

// RetentionPeriod returns the parsed statistics retention window
func (c *AppConfig) RetentionPeriod() time.Duration {
	d, err := utils.ParseInterval(c.Statistics.Retention)
	if err != nil || d <= 0 {
		return 90 * 24 * time.Hour
	}
	return d
}

// HintWindowPeriod returns the parsed lookback for best-strategy queries
func (c *AppConfig) HintWindowPeriod() time.Duration {
	d, err := utils.ParseInterval(c.Statistics.HintWindow)
	if err != nil || d <= 0 {
		return 30 * 24 * time.Hour
	}
	return d
}
