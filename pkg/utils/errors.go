package utils

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
)

// --- Sentinel Errors for Categorization ---
var (
	// Resolution taxonomy. Strategies convert these into ERROR/BLOCKED results.
	ErrSecurityRejection  = errors.New("URL blocked by security policy") // Pre-flight rejection, no socket opened
	ErrTransport          = errors.New("transport failure")              // DNS/connect/read failures
	ErrTimeout            = errors.New("timeout")                        // Attempt exceeded its time budget
	ErrProtocolAnomaly    = errors.New("protocol anomaly")               // Unexpected status class, malformed Location
	ErrTooManyRedirects   = errors.New("too many redirects")
	ErrRedirectLoop       = errors.New("redirect loop detected")
	ErrAntiBotBlock       = errors.New("blocked by anti-bot protection") // Recognized challenge signature
	ErrResourceExhaustion = errors.New("resource exhausted")             // Browser/process could not start or crashed

	ErrParsing           = errors.New("parsing error")    // Wraps specific parsing error (URL, CSV, XLSX, JSON)
	ErrFilesystem        = errors.New("filesystem error") // Wraps os errors
	ErrDatabase          = errors.New("database error")   // Wraps badger/sql errors
	ErrUnsupportedFormat = errors.New("unsupported file format")
	ErrConfigValidation  = errors.New("configuration validation error")
)

// WrapErrorf wraps err with a formatted context message. Returns nil if err is nil.
func WrapErrorf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// CategorizeError maps an error to a predefined category string for logging/metrics.
func CategorizeError(err error) string {
	if err == nil {
		return "None"
	}

	// Check against sentinel errors first
	switch {
	case errors.Is(err, ErrSecurityRejection):
		errMsg := strings.ToLower(err.Error())
		if strings.Contains(errMsg, "scheme") {
			return "Security_Scheme"
		}
		if strings.Contains(errMsg, "port") {
			return "Security_Port"
		}
		if strings.Contains(errMsg, "empty url") {
			return "Security_EmptyURL"
		}
		return "Security_Rejected"
	case errors.Is(err, ErrAntiBotBlock):
		return "AntiBot_Blocked"
	case errors.Is(err, ErrTooManyRedirects):
		return "Protocol_TooManyRedirects"
	case errors.Is(err, ErrRedirectLoop):
		return "Protocol_RedirectLoop"
	case errors.Is(err, ErrProtocolAnomaly):
		errMsg := err.Error()
		if strings.Contains(errMsg, "Location") {
			return "Protocol_BadLocation"
		}
		return "Protocol_UnexpectedStatus"
	case errors.Is(err, ErrResourceExhaustion):
		return "Resource_Exhausted"
	case errors.Is(err, ErrTimeout):
		return "Network_Timeout"
	case errors.Is(err, ErrTransport):
		// Prefer the more specific network cause if it is still visible in the chain
		if cat := categorizeNetwork(err); cat != "" {
			return cat
		}
		return "Network_Other"
	case errors.Is(err, ErrParsing):
		errMsg := err.Error()
		if strings.Contains(errMsg, "URL") {
			return "Content_ParsingURL"
		}
		if strings.Contains(errMsg, "CSV") {
			return "Content_ParsingCSV"
		}
		if strings.Contains(errMsg, "XLSX") {
			return "Content_ParsingXLSX"
		}
		if strings.Contains(errMsg, "JSON") {
			return "Content_ParsingJSON"
		}
		return "Content_ParsingOther"
	case errors.Is(err, ErrUnsupportedFormat):
		return "Content_UnsupportedFormat"
	case errors.Is(err, ErrFilesystem):
		if errors.Is(err, os.ErrPermission) {
			return "Filesystem_Permission"
		}
		if errors.Is(err, os.ErrNotExist) {
			return "Filesystem_NotExist"
		}
		if errors.Is(err, os.ErrExist) {
			return "Filesystem_Exist"
		}
		return "Filesystem_Other"
	case errors.Is(err, ErrDatabase):
		return "Database_Other"
	case errors.Is(err, ErrConfigValidation):
		return "Config_Validation"
	}

	// --- Fallback checks for common underlying error types/strings ---

	if errors.Is(err, context.Canceled) {
		return "System_ContextCanceled"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		if strings.Contains(err.Error(), "semaphore") {
			return "Resource_SemaphoreTimeout"
		}
		return "System_ContextDeadlineExceeded"
	}

	if cat := categorizeNetwork(err); cat != "" {
		return cat
	}

	return "Unknown"
}

// categorizeNetwork inspects net errors and common message fragments.
// Returns "" when nothing network-shaped is recognized.
func categorizeNetwork(err error) string {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "Network_Timeout"
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "Network_DNSLookup"
	}

	// Use lowercase for reliable substring checks
	lowerErrMsg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lowerErrMsg, "timeout"), strings.Contains(lowerErrMsg, "deadline exceeded"):
		return "Network_TimeoutGeneric"
	case strings.Contains(lowerErrMsg, "connection refused"):
		return "Network_ConnectionRefused"
	case strings.Contains(lowerErrMsg, "no such host"), strings.Contains(lowerErrMsg, "could not resolve"):
		return "Network_DNSLookup"
	case strings.Contains(lowerErrMsg, "tls"), strings.Contains(lowerErrMsg, "certificate"):
		return "Network_TLS"
	case strings.Contains(lowerErrMsg, "reset by peer"):
		return "Network_ConnectionReset"
	case strings.Contains(lowerErrMsg, "broken pipe"):
		return "Network_BrokenPipe"
	}
	return ""
}
