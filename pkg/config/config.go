package config

import (
	"time"

	"github.com/Sriram-PR/redirect-finder/pkg/models"
)

// AppConfig holds the global application configuration
type AppConfig struct {
	UserAgent          string            `yaml:"user_agent"`
	StateDir           string            `yaml:"state_dir"`
	LogLevel           string            `yaml:"log_level,omitempty"`
	Resolve            ResolveConfig     `yaml:"resolve"`
	Security           SecurityConfig    `yaml:"security,omitempty"`
	Curl               CurlConfig        `yaml:"curl,omitempty"`
	Browser            BrowserConfig     `yaml:"browser,omitempty"`
	HTTPClientSettings HTTPClientConfig  `yaml:"http_client_settings,omitempty"`
	Classifier         ClassifierConfig  `yaml:"classifier,omitempty"`
	Statistics         StatisticsConfig  `yaml:"statistics"`
	Batch              BatchConfig       `yaml:"batch,omitempty"`
	Proxy              ProxyConfig       `yaml:"proxy,omitempty"`
	Maintenance        MaintenanceConfig `yaml:"maintenance,omitempty"`
	API                APIConfig         `yaml:"api,omitempty"`
}

// ResolveConfig holds the default per-URL resolution options
type ResolveConfig struct {
	MaxRedirects       int    `yaml:"max_redirects"`                  // [1,20]
	TimeoutMs          int    `yaml:"timeout_ms"`                     // [1000,60000], per strategy attempt
	UseBrowserFallback *bool  `yaml:"use_browser_fallback,omitempty"` // nil = default (true)
	OutputFormat       string `yaml:"output_format"`                  // "csv" or "xlsx"
}

// SecurityConfig tunes the SSRF validator. The defaults are safe; these only widen or narrow them.
type SecurityConfig struct {
	BlockedPorts      []int    `yaml:"blocked_ports,omitempty"`       // Replaces the default denylist when non-empty
	ExtraBlockedHosts []string `yaml:"extra_blocked_hosts,omitempty"` // Additional host literals to refuse
	AllowedHosts      []string `yaml:"allowed_hosts,omitempty"`       // Trusted internal targets exempt from IP checks
}

// CurlConfig configures the process-based strategy
type CurlConfig struct {
	Enabled        *bool         `yaml:"enabled,omitempty"`         // nil = enabled
	BinaryPath     string        `yaml:"binary_path,omitempty"`     // Defaults to "curl" on PATH
	ConnectTimeout time.Duration `yaml:"connect_timeout,omitempty"` // Per-hop connect timeout
	MaxBodyBytes   int64         `yaml:"max_body_bytes,omitempty"`  // Body bytes captured for the classifier
	PinDNS         *bool         `yaml:"pin_dns,omitempty"`         // Resolve + validate + pin via --resolve (default true)
	DNSServer      string        `yaml:"dns_server,omitempty"`      // host[:port]; empty = /etc/resolv.conf
}

// BrowserConfig configures the headless-browser strategy
type BrowserConfig struct {
	ExecPath       string        `yaml:"exec_path,omitempty"`       // Chrome/Chromium binary; empty = auto-detect
	Headless       *bool         `yaml:"headless,omitempty"`        // nil = headless
	MaxSessions    int           `yaml:"max_sessions,omitempty"`    // Concurrent browser processes
	SettleInterval time.Duration `yaml:"settle_interval,omitempty"` // Poll interval while waiting for navigation to settle
	StablePolls    int           `yaml:"stable_polls,omitempty"`    // Unchanged polls that count as settled
	ViewportWidth  int           `yaml:"viewport_width,omitempty"`
	ViewportHeight int           `yaml:"viewport_height,omitempty"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout,omitempty"` // Max wait for a free session slot
}

// HTTPClientConfig holds settings for the managed HTTP client strategy
type HTTPClientConfig struct {
	Timeout               time.Duration `yaml:"timeout,omitempty"`                 // Upper bound; per-call timeout is usually lower
	MaxIdleConns          int           `yaml:"max_idle_conns,omitempty"`          // Max total idle connections
	MaxIdleConnsPerHost   int           `yaml:"max_idle_conns_per_host,omitempty"` // Max idle connections per host
	IdleConnTimeout       time.Duration `yaml:"idle_conn_timeout,omitempty"`       // Timeout for idle connections
	TLSHandshakeTimeout   time.Duration `yaml:"tls_handshake_timeout,omitempty"`   // Timeout for TLS handshake
	ExpectContinueTimeout time.Duration `yaml:"expect_continue_timeout,omitempty"` // Timeout for 100-continue
	ForceAttemptHTTP2     *bool         `yaml:"force_attempt_http2,omitempty"`     // nil=default, true=force, false=disable
	DialerTimeout         time.Duration `yaml:"dialer_timeout,omitempty"`          // Connection dial timeout
	DialerKeepAlive       time.Duration `yaml:"dialer_keep_alive,omitempty"`       // TCP keep-alive interval
	MaxBodyBytes          int64         `yaml:"max_body_bytes,omitempty"`          // Body bytes captured for the classifier
}

// ClassifierConfig extends the default anti-bot signature set
type ClassifierConfig struct {
	ExtraKeywords      []string `yaml:"extra_keywords,omitempty"`       // Body keywords on error-class responses
	ExtraSelectors     []string `yaml:"extra_selectors,omitempty"`      // CSS selectors that mark a challenge page
	TitlePatterns      []string `yaml:"title_patterns,omitempty"`       // Case-insensitive regexes matched against <title>
	BlockedStatusCodes []int    `yaml:"blocked_status_codes,omitempty"` // Status codes treated as blocked on their own
}

// StatisticsConfig configures outcome persistence and strategy hints
type StatisticsConfig struct {
	DSN                        string        `yaml:"dsn"`                                    // file path, file: URI, or libsql:// URL
	AuthToken                  string        `yaml:"auth_token,omitempty"`                   // libsql auth token
	RecordIntermediateAttempts bool          `yaml:"record_intermediate_attempts,omitempty"` // Also record non-terminal attempts
	Retention                  string        `yaml:"retention,omitempty"`                    // e.g. "90d"; parsed by maintenance
	HintTTL                    time.Duration `yaml:"hint_ttl,omitempty"`                     // Badger TTL for per-domain strategy hints
	HintWindow                 string        `yaml:"hint_window,omitempty"`                  // Lookback for best-strategy queries, e.g. "30d"
	UseHints                   *bool         `yaml:"use_hints,omitempty"`                    // nil = enabled
}

// BatchConfig shapes caller-side concurrency for batch runs
type BatchConfig struct {
	Workers           int           `yaml:"workers,omitempty"`             // Concurrent resolve() calls
	MaxPerDomain      int           `yaml:"max_per_domain,omitempty"`      // Concurrent resolve() calls per apex domain
	DelayPerDomain    time.Duration `yaml:"delay_per_domain,omitempty"`    // Minimum spacing between calls to one domain
	RequestsPerSecond float64       `yaml:"requests_per_second,omitempty"` // Global start rate; 0 = unlimited
}

// ProxyConfig enables round-robin outbound proxies
type ProxyConfig struct {
	File string `yaml:"file,omitempty"` // One proxy per line: host:port[:user:pass]
}

// MaintenanceConfig schedules background housekeeping
type MaintenanceConfig struct {
	SweepInterval time.Duration `yaml:"sweep_interval,omitempty"`
	GCInterval    time.Duration `yaml:"gc_interval,omitempty"`
}

// APIConfig configures the HTTP statistics API
type APIConfig struct {
	ListenAddr string `yaml:"listen_addr,omitempty"`
}

// ResolveOptions derives the per-call options bundle from the resolve section
func (c *AppConfig) ResolveOptions() models.ResolveOptions {
	return models.ResolveOptions{
		MaxRedirects:       c.Resolve.MaxRedirects,
		Timeout:            time.Duration(c.Resolve.TimeoutMs) * time.Millisecond,
		UseBrowserFallback: boolOr(c.Resolve.UseBrowserFallback, true),
		OutputFormat:       c.Resolve.OutputFormat,
	}.Normalize()
}

// CurlEnabled reports whether the process-based strategy is registered
func (c *AppConfig) CurlEnabled() bool { return boolOr(c.Curl.Enabled, true) }

// PinDNS reports whether curl hops are resolved and pinned before spawning
func (c *AppConfig) PinDNS() bool { return boolOr(c.Curl.PinDNS, true) }

// BrowserHeadless reports whether Chrome runs without a window
func (c *AppConfig) BrowserHeadless() bool { return boolOr(c.Browser.Headless, true) }

// HintsEnabled reports whether per-domain strategy hints reorder the chain
func (c *AppConfig) HintsEnabled() bool { return boolOr(c.Statistics.UseHints, true) }

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
