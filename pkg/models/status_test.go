package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPageStatus_String(t *testing.T) {
	tests := []struct {
		status PageStatus
		want   string
	}{
		{PageStatusUnset, "unset"},
		{PageStatusOK, "OK"},
		{PageStatusRedirect, "REDIRECT"},
		{PageStatusBlocked, "BLOCKED"},
		{PageStatusNotFound, "NOT_FOUND"},
		{PageStatusError, "ERROR"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.status.String())
	}
}

func TestPageStatus_IsValid(t *testing.T) {
	tests := []struct {
		status PageStatus
		want   bool
	}{
		{PageStatusOK, true},
		{PageStatusRedirect, true},
		{PageStatusBlocked, true},
		{PageStatusNotFound, true},
		{PageStatusError, true},
		{PageStatusUnset, false},
		{PageStatus("ok"), false},
		{PageStatus("arbitrary"), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.status.IsValid(), "PageStatus(%q).IsValid()", string(tt.status))
	}
}

func TestPageStatus_Classification(t *testing.T) {
	tests := []struct {
		status   PageStatus
		terminal bool
		success  bool
	}{
		{PageStatusOK, true, true},
		{PageStatusRedirect, true, true},
		{PageStatusNotFound, true, false},
		{PageStatusBlocked, false, false},
		{PageStatusError, false, false},
		{PageStatusUnset, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			assert.Equal(t, tt.terminal, tt.status.IsTerminal())
			assert.Equal(t, tt.success, tt.status.IsSuccess())
		})
	}
}

func TestParsePageStatus(t *testing.T) {
	tests := []struct {
		in     string
		want   PageStatus
		wantOK bool
	}{
		{"OK", PageStatusOK, true},
		{"redirect", PageStatusRedirect, true},
		{" not_found ", PageStatusNotFound, true},
		{"Blocked", PageStatusBlocked, true},
		{"", PageStatusUnset, false},
		{"pending", PageStatusUnset, false},
	}
	for _, tt := range tests {
		got, ok := ParsePageStatus(tt.in)
		assert.Equal(t, tt.wantOK, ok, "ParsePageStatus(%q)", tt.in)
		assert.Equal(t, tt.want, got, "ParsePageStatus(%q)", tt.in)
	}
}

func TestPageStatus_DescriptionCoversAll(t *testing.T) {
	for _, s := range AllStatuses {
		assert.NotEqual(t, "Unknown", s.Description(), "status %s has no description", s)
	}
	assert.Equal(t, "Unknown", PageStatus("bogus").Description())
}
