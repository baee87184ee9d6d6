// Package models contains domain models for runsift.
package models

import (
	"fmt"
	"strings"
)

// Severity is the classification of a recorded event.
type Severity string

const (
	SeverityDebug    Severity = "DEBUG"
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityError    Severity = "ERROR"
	SeverityCritical Severity = "CRITICAL"
)

// DeduplicatedSeverities lists the severities that go through the embedding queue.
var DeduplicatedSeverities = []Severity{SeverityError, SeverityCritical}

// Deduplicated reports whether events of this severity are embedded and deduplicated.
func (s Severity) Deduplicated() bool {
	return s == SeverityError || s == SeverityCritical
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityDebug, SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return true
	}
	return false
}

func (s Severity) String() string { return string(s) }

// ParseSeverity parses a severity name case-insensitively.
func ParseSeverity(v string) (Severity, error) {
	s := Severity(strings.ToUpper(strings.TrimSpace(v)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown severity %q", v)
	}
	return s, nil
}
