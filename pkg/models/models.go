package models

import "time"

// Result describes one resolution attempt. It is built once and never mutated.
type Result struct {
	OriginalURL   string     `json:"original_url"`
	FinalURL      string     `json:"final_url"`
	RedirectCount int        `json:"redirect_count"`
	Status        PageStatus `json:"status"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	StartTime     time.Time  `json:"start_time"`
	EndTime       time.Time  `json:"end_time"`
	StrategyName  string     `json:"strategy"`
	HTTPCode      int        `json:"http_code,omitempty"` // 0 = absent
	Chain         []string   `json:"chain,omitempty"`     // URLs visited after the original, in hop order
	Attempts      []Attempt  `json:"attempts,omitempty"`  // Filled by the orchestrator on the terminal result
}

// Attempt summarizes one strategy run inside an escalation chain
type Attempt struct {
	Strategy  string        `json:"strategy"`
	Status    PageStatus    `json:"status"`
	HTTPCode  int           `json:"http_code,omitempty"`
	Elapsed   time.Duration `json:"elapsed"`
	ErrorText string        `json:"error,omitempty"`
}

// ProcessingTime returns EndTime - StartTime. ok is false when either timestamp is missing.
func (r Result) ProcessingTime() (d time.Duration, ok bool) {
	if r.StartTime.IsZero() || r.EndTime.IsZero() {
		return 0, false
	}
	return r.EndTime.Sub(r.StartTime), true
}

// ElapsedMillis returns the processing time in milliseconds, or 0 when undefined.
func (r Result) ElapsedMillis() int64 {
	d, ok := r.ProcessingTime()
	if !ok {
		return 0
	}
	return d.Milliseconds()
}

// HasHTTPCode reports whether HTTPCode holds a valid 1xx-5xx value
func (r Result) HasHTTPCode() bool {
	return r.HTTPCode >= 100 && r.HTTPCode <= 599
}

// WasBlocked reports whether any attempt in the chain, or the result itself, was BLOCKED.
func (r Result) WasBlocked() bool {
	if r.Status == PageStatusBlocked {
		return true
	}
	for _, a := range r.Attempts {
		if a.Status == PageStatusBlocked {
			return true
		}
	}
	return false
}

// Summary converts a result into its Attempt entry
func (r Result) Summary() Attempt {
	d, _ := r.ProcessingTime()
	return Attempt{
		Strategy:  r.StrategyName,
		Status:    r.Status,
		HTTPCode:  r.HTTPCode,
		Elapsed:   d,
		ErrorText: r.ErrorMessage,
	}
}

// WithAttempts returns a copy of r carrying the given attempt chain
func (r Result) WithAttempts(attempts []Attempt) Result {
	cp := r
	cp.Attempts = append([]Attempt(nil), attempts...)
	return cp
}

// InputRow is one row consumed from the import pipeline
type InputRow struct {
	ID    string `json:"id,omitempty"`
	URL   string `json:"url"`
	Model string `json:"model,omitempty"`
	Line  int    `json:"-"` // Source line/row number, 1-based; 0 if unknown
}

// BatchItem pairs a resolved Result with the passthrough fields of its input row
type BatchItem struct {
	Row    InputRow `json:"row"`
	Result Result   `json:"result"`
}

// Output formats understood by the export layer
const (
	OutputFormatCSV  = "csv"
	OutputFormatXLSX = "xlsx"
)

// Bounds for per-call resolution options
const (
	MinRedirects     = 1
	MaxRedirects     = 20
	DefaultRedirects = 5
	MinTimeout       = 1000 * time.Millisecond
	MaxTimeout       = 60000 * time.Millisecond
	DefaultTimeout   = 10000 * time.Millisecond
)

// ResolveOptions is the per-call configuration bundle
type ResolveOptions struct {
	MaxRedirects       int           `json:"max_redirects"`
	Timeout            time.Duration `json:"timeout"`
	UseBrowserFallback bool          `json:"use_browser_fallback"`
	OutputFormat       string        `json:"output_format,omitempty"`
}

// Normalize clamps options into their accepted ranges. Zero values take defaults.
func (o ResolveOptions) Normalize() ResolveOptions {
	switch {
	case o.MaxRedirects == 0:
		o.MaxRedirects = DefaultRedirects
	case o.MaxRedirects < MinRedirects:
		o.MaxRedirects = MinRedirects
	case o.MaxRedirects > MaxRedirects:
		o.MaxRedirects = MaxRedirects
	}
	switch {
	case o.Timeout == 0:
		o.Timeout = DefaultTimeout
	case o.Timeout < MinTimeout:
		o.Timeout = MinTimeout
	case o.Timeout > MaxTimeout:
		o.Timeout = MaxTimeout
	}
	if o.OutputFormat != OutputFormatXLSX {
		o.OutputFormat = OutputFormatCSV
	}
	return o
}
