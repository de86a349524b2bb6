package utils

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"unicode/utf8"
)

// --- CategorizeError Tests ---

func TestCategorizeError_NilError(t *testing.T) {
	result := CategorizeError(nil)
	if result != "None" {
		t.Errorf("CategorizeError(nil) = %q, want %q", result, "None")
	}
}

func TestCategorizeError_SentinelErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{"SecurityRejection", ErrSecurityRejection, "Security_Rejected"},
		{"AntiBot", ErrAntiBotBlock, "AntiBot_Blocked"},
		{"TooManyRedirects", ErrTooManyRedirects, "Protocol_TooManyRedirects"},
		{"RedirectLoop", ErrRedirectLoop, "Protocol_RedirectLoop"},
		{"ProtocolAnomaly", ErrProtocolAnomaly, "Protocol_UnexpectedStatus"},
		{"ResourceExhaustion", ErrResourceExhaustion, "Resource_Exhausted"},
		{"Timeout", ErrTimeout, "Network_Timeout"},
		{"Transport", ErrTransport, "Network_Other"},
		{"UnsupportedFormat", ErrUnsupportedFormat, "Content_UnsupportedFormat"},
		{"ConfigValidation", ErrConfigValidation, "Config_Validation"},
		{"Database", ErrDatabase, "Database_Other"},
		{"Filesystem", ErrFilesystem, "Filesystem_Other"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := CategorizeError(tt.err)
			if result != tt.expected {
				t.Errorf("CategorizeError(%v) = %q, want %q", tt.err, result, tt.expected)
			}
		})
	}
}

func TestCategorizeError_SecurityReasons(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{"Empty", fmt.Errorf("%w: empty URL", ErrSecurityRejection), "Security_EmptyURL"},
		{"Scheme", fmt.Errorf("%w: scheme \"file\" not allowed", ErrSecurityRejection), "Security_Scheme"},
		{"Port", fmt.Errorf("%w: port 22 is denied", ErrSecurityRejection), "Security_Port"},
		{"Host", fmt.Errorf("%w: loopback address 127.0.0.1", ErrSecurityRejection), "Security_Rejected"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := CategorizeError(tt.err)
			if result != tt.expected {
				t.Errorf("CategorizeError(%v) = %q, want %q", tt.err, result, tt.expected)
			}
		})
	}
}

func TestCategorizeError_WrappedErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{"WrappedLocation", fmt.Errorf("%w: malformed Location header", ErrProtocolAnomaly), "Protocol_BadLocation"},
		{"WrappedStatus", fmt.Errorf("%w: unexpected status 500", ErrProtocolAnomaly), "Protocol_UnexpectedStatus"},
		{"TransportRefused", fmt.Errorf("%w: dial tcp: connection refused", ErrTransport), "Network_ConnectionRefused"},
		{"TransportDNS", fmt.Errorf("%w: lookup nowhere.invalid: no such host", ErrTransport), "Network_DNSLookup"},
		{"DoubleWrapped", fmt.Errorf("outer: %w", fmt.Errorf("%w: challenge", ErrAntiBotBlock)), "AntiBot_Blocked"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := CategorizeError(tt.err)
			if result != tt.expected {
				t.Errorf("CategorizeError(%v) = %q, want %q", tt.err, result, tt.expected)
			}
		})
	}
}

func TestCategorizeError_ParsingErrors(t *testing.T) {
	tests := []struct {
		msg      string
		expected string
	}{
		{"bad URL", "Content_ParsingURL"},
		{"bad CSV row", "Content_ParsingCSV"},
		{"bad XLSX sheet", "Content_ParsingXLSX"},
		{"bad JSON", "Content_ParsingJSON"},
		{"something else", "Content_ParsingOther"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			err := fmt.Errorf("%w: %s", ErrParsing, tt.msg)
			if got := CategorizeError(err); got != tt.expected {
				t.Errorf("CategorizeError(%v) = %q, want %q", err, got, tt.expected)
			}
		})
	}
}

func TestCategorizeError_FilesystemErrors(t *testing.T) {
	err := fmt.Errorf("%w: %w", ErrFilesystem, os.ErrNotExist)
	if got := CategorizeError(err); got != "Filesystem_NotExist" {
		t.Errorf("CategorizeError(%v) = %q, want %q", err, got, "Filesystem_NotExist")
	}
	err = fmt.Errorf("%w: %w", ErrFilesystem, os.ErrPermission)
	if got := CategorizeError(err); got != "Filesystem_Permission" {
		t.Errorf("CategorizeError(%v) = %q, want %q", err, got, "Filesystem_Permission")
	}
}

func TestCategorizeError_ContextErrors(t *testing.T) {
	if got := CategorizeError(context.Canceled); got != "System_ContextCanceled" {
		t.Errorf("CategorizeError(Canceled) = %q", got)
	}
	if got := CategorizeError(context.DeadlineExceeded); got != "System_ContextDeadlineExceeded" {
		t.Errorf("CategorizeError(DeadlineExceeded) = %q", got)
	}
	semErr := fmt.Errorf("acquire browser semaphore: %w", context.DeadlineExceeded)
	if got := CategorizeError(semErr); got != "Resource_SemaphoreTimeout" {
		t.Errorf("CategorizeError(semaphore) = %q", got)
	}
}

func TestCategorizeError_NetworkStrings(t *testing.T) {
	tests := []struct {
		msg      string
		expected string
	}{
		{"i/o timeout", "Network_TimeoutGeneric"},
		{"connection refused", "Network_ConnectionRefused"},
		{"no such host", "Network_DNSLookup"},
		{"tls: handshake failure", "Network_TLS"},
		{"connection reset by peer", "Network_ConnectionReset"},
		{"write: broken pipe", "Network_BrokenPipe"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := CategorizeError(errors.New(tt.msg)); got != tt.expected {
				t.Errorf("CategorizeError(%q) = %q, want %q", tt.msg, got, tt.expected)
			}
		})
	}
}

func TestCategorizeError_Unknown(t *testing.T) {
	if got := CategorizeError(errors.New("mystery")); got != "Unknown" {
		t.Errorf("CategorizeError(mystery) = %q, want Unknown", got)
	}
}

// --- SanitizeFilename Tests ---

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"Simple", "results", "results"},
		{"WithSlash", "batch/2026", "batch_2026"},
		{"WithColon", "run:1", "run_1"},
		{"ConsecutiveUnderscores", "a___b", "a_b"},
		{"LeadingTrailingSpaces", "  out  ", "out"},
		{"Empty", "", "untitled"},
		{"OnlyInvalidChars", "<>:", "untitled"},
		{"ControlChars", "file\x01\x02name", "file_name"},
		{"Cyrillic", "отчёт", "отчёт"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := SanitizeFilename(tt.input)
			if result != tt.expected {
				t.Errorf("SanitizeFilename(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestSanitizeFilename_LongMultibyteNames(t *testing.T) {
	longName := strings.Repeat("ж", 120) // 240 bytes

	result := SanitizeFilename(longName)
	if len(result) > 100 {
		t.Errorf("SanitizeFilename(long) length = %d, want <= 100", len(result))
	}
	if !utf8.ValidString(result) {
		t.Errorf("SanitizeFilename(long) produced invalid UTF-8: %q", result)
	}
}

// --- CompileRegexPatterns Tests ---

func TestCompileRegexPatterns_ValidPatterns(t *testing.T) {
	compiled, err := CompileRegexPatterns([]string{`just a moment`, `^access denied$`, `captcha`})
	if err != nil {
		t.Fatalf("CompileRegexPatterns() unexpected error: %v", err)
	}
	if len(compiled) != 3 {
		t.Errorf("CompileRegexPatterns() returned %d patterns, want 3", len(compiled))
	}
	if !compiled[0].MatchString("Just A Moment...") {
		t.Error("CompileRegexPatterns() patterns should be case-insensitive")
	}
}

func TestCompileRegexPatterns_EmptyStringsSkipped(t *testing.T) {
	compiled, err := CompileRegexPatterns([]string{"valid", "", "  ", "also_valid"})
	if err != nil {
		t.Fatalf("CompileRegexPatterns() unexpected error: %v", err)
	}
	if len(compiled) != 2 {
		t.Errorf("CompileRegexPatterns() returned %d patterns, want 2", len(compiled))
	}
}

func TestCompileRegexPatterns_InvalidPattern(t *testing.T) {
	_, err := CompileRegexPatterns([]string{`valid`, `[invalid`})
	if err == nil {
		t.Fatal("CompileRegexPatterns() expected error for invalid pattern, got nil")
	}
	if !errors.Is(err, ErrConfigValidation) {
		t.Errorf("CompileRegexPatterns() error = %v, want wrapped ErrConfigValidation", err)
	}
}

// --- WrapErrorf Tests ---

func TestWrapErrorf_NilError(t *testing.T) {
	if result := WrapErrorf(nil, "some context"); result != nil {
		t.Errorf("WrapErrorf(nil, ...) = %v, want nil", result)
	}
}

func TestWrapErrorf_WrapsError(t *testing.T) {
	original := errors.New("original error")
	wrapped := WrapErrorf(original, "context %s", "value")

	if !errors.Is(wrapped, original) {
		t.Error("WrapErrorf() result should wrap original error")
	}
	if wrapped.Error() != "context value: original error" {
		t.Errorf("WrapErrorf() message = %q", wrapped.Error())
	}
}
