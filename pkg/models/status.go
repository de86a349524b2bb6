package models

import "strings"

// PageStatus is the terminal classification of a single resolution attempt
type PageStatus string

const (
	PageStatusUnset    PageStatus = ""          // Zero value = no attempt made yet
	PageStatusOK       PageStatus = "OK"        // Reached a 2xx without any hop
	PageStatusRedirect PageStatus = "REDIRECT"  // Reached a final page after one or more hops
	PageStatusBlocked  PageStatus = "BLOCKED"   // Anti-bot or challenge page recognized
	PageStatusNotFound PageStatus = "NOT_FOUND" // Final page answered 404/410
	PageStatusError    PageStatus = "ERROR"     // Validation, transport, timeout or protocol failure
)

// AllStatuses lists the operational statuses in reporting order
var AllStatuses = []PageStatus{
	PageStatusOK,
	PageStatusRedirect,
	PageStatusBlocked,
	PageStatusNotFound,
	PageStatusError,
}

// String implements fmt.Stringer for logging
func (s PageStatus) String() string {
	if s == "" {
		return "unset"
	}
	return string(s)
}

// IsValid returns true if the status is a known operational value
func (s PageStatus) IsValid() bool {
	switch s {
	case PageStatusOK, PageStatusRedirect, PageStatusBlocked, PageStatusNotFound, PageStatusError:
		return true
	}
	return false
}

// IsTerminal reports whether the orchestrator should stop escalating on this status.
func (s PageStatus) IsTerminal() bool {
	switch s {
	case PageStatusOK, PageStatusRedirect, PageStatusNotFound:
		return true
	}
	return false
}

// IsSuccess reports whether the status counts as a success in statistics.
func (s PageStatus) IsSuccess() bool {
	return s == PageStatusOK || s == PageStatusRedirect
}

// Description returns a short human-readable explanation used in reports
func (s PageStatus) Description() string {
	switch s {
	case PageStatusOK:
		return "Final page reached directly"
	case PageStatusRedirect:
		return "Redirect chain followed to final page"
	case PageStatusBlocked:
		return "Blocked by anti-bot protection"
	case PageStatusNotFound:
		return "Page not found"
	case PageStatusError:
		return "Resolution failed"
	}
	return "Unknown"
}

// ParsePageStatus converts a stored or user-supplied string into a PageStatus.
// Matching is case-insensitive; unknown values return PageStatusUnset and false.
func ParsePageStatus(v string) (PageStatus, bool) {
	s := PageStatus(strings.ToUpper(strings.TrimSpace(v)))
	if !s.IsValid() {
		return PageStatusUnset, false
	}
	return s, true
}
