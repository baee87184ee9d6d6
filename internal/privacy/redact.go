// Package privacy redacts credentials and personal data from event messages before
// they leave the process for the embedding server or the embedding cache.
package privacy

import (
	"regexp"
	"strings"

	"github.com/thebtf/runsift/internal/sanitize"
)

var (
	// privateTagRegex matches <private>...</private> blocks emitted by test harnesses.
	privateTagRegex = regexp.MustCompile(`(?s)<private>.*?</private>`)

	// assignmentRegex matches key=value and key: value pairs whose key names a secret.
	assignmentRegex = regexp.MustCompile(`(?i)\b(password|passwd|pwd|secret|token|api[_-]?key|access[_-]?key|client[_-]?secret)\s*[=:]\s*[^\s,;&"']+`)

	bearerRegex = regexp.MustCompile(`(?i)\b(bearer|basic)\s+[A-Za-z0-9\-._~+/]{8,}=*`)

	emailRegex = regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`)
)

// Rules returns the redaction rules. They must run before the generic sanitizer
// rules, which would otherwise split secrets into <num> and <hex> fragments.
func Rules() []sanitize.Rule {
	return []sanitize.Rule{
		{Name: "private", Pattern: privateTagRegex, Replacement: ""},
		{Name: "secret-assignment", Pattern: assignmentRegex, Replacement: "${1}=<secret>"},
		{Name: "auth-header", Pattern: bearerRegex, Replacement: "${1} <secret>"},
		{Name: "email", Pattern: emailRegex, Replacement: "<email>"},
	}
}

// Option returns a sanitizer option that prepends the redaction rules.
func Option() sanitize.Option {
	return sanitize.WithRules(Rules()...)
}

// Redact applies the redaction rules on their own.
func Redact(text string) string {
	for _, r := range Rules() {
		text = r.Apply(text)
	}
	return strings.TrimSpace(text)
}

// IsEntirelyPrivate reports whether nothing is left once private blocks are removed.
func IsEntirelyPrivate(text string) bool {
	return strings.TrimSpace(privateTagRegex.ReplaceAllString(text, "")) == ""
}
