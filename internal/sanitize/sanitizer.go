// Package sanitize normalizes volatile substrings of event messages before embedding.
package sanitize

import (
	"errors"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ErrEmptyMessage is returned when nothing meaningful remains after sanitizing.
var ErrEmptyMessage = errors.New("sanitized message is empty")

// maxPasses bounds the fixed-point iteration of the rule pipeline.
const maxPasses = 4

var whitespaceRegex = regexp.MustCompile(`\s+`)

// Sanitizer turns raw event text into a stable vocabulary.
type Sanitizer interface {
	Sanitize(runID uuid.UUID, text string) (string, error)
}

// Func adapts a plain function to the Sanitizer interface.
type Func func(runID uuid.UUID, text string) (string, error)

// Sanitize calls f.
func (f Func) Sanitize(runID uuid.UUID, text string) (string, error) {
	return f(runID, text)
}

// Auditor receives every sanitized message. Failures are logged and ignored.
type Auditor func(runID uuid.UUID, sanitized string) error

// Pipeline is the default regex-based Sanitizer.
type Pipeline struct {
	auditor Auditor
	rules   []Rule
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithRules prepends custom rules to the pipeline.
func WithRules(rules ...Rule) Option {
	return func(p *Pipeline) {
		p.rules = append(append([]Rule{}, rules...), p.rules...)
	}
}

// WithRuleSet applies a loaded rules file.
func WithRuleSet(set *RuleSet) Option {
	return func(p *Pipeline) {
		if set == nil {
			return
		}
		if set.ReplaceDefaults {
			p.rules = append([]Rule{}, set.Rules...)
			return
		}
		WithRules(set.Rules...)(p)
	}
}

// WithAuditor registers an audit hook.
func WithAuditor(a Auditor) Option {
	return func(p *Pipeline) {
		p.auditor = a
	}
}

// New creates a Pipeline with the default rules.
func New(opts ...Option) *Pipeline {
	p := &Pipeline{rules: DefaultRules()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Rules returns the rule names in application order.
func (p *Pipeline) Rules() []string {
	names := make([]string, len(p.rules))
	for i, r := range p.rules {
		names[i] = r.Name
	}
	return names
}

// Sanitize normalizes text. The run's own ID is replaced before the generic rules
// so references to the current run collapse to a single token.
func (p *Pipeline) Sanitize(runID uuid.UUID, text string) (string, error) {
	out, converged := p.fixedPoint(runID, text)
	if !converged {
		log.Warn().
			Str("run_id", runID.String()).
			Int("passes", maxPasses).
			Int("length", len(out)).
			Msg("Sanitizer rules did not converge; using last pass")
	}

	if out == "" {
		return "", ErrEmptyMessage
	}

	if p.auditor != nil {
		if err := p.auditor(runID, out); err != nil {
			log.Warn().Err(err).Str("run_id", runID.String()).Msg("Sanitizer audit failed")
		}
	}
	return out, nil
}

// fixedPoint applies the rules until the text stops changing or maxPasses is reached.
// It reports whether the returned text is stable under another pass.
func (p *Pipeline) fixedPoint(runID uuid.UUID, text string) (string, bool) {
	out := text
	for pass := 0; pass < maxPasses; pass++ {
		next := p.apply(runID, out)
		if next == out {
			return out, true
		}
		out = next
	}
	return out, p.apply(runID, out) == out
}

func (p *Pipeline) apply(runID uuid.UUID, text string) string {
	if runID != uuid.Nil {
		text = replaceFold(text, runID.String(), "<run>")
	}
	for _, r := range p.rules {
		text = r.Apply(text)
	}
	return strings.TrimSpace(whitespaceRegex.ReplaceAllString(text, " "))
}

// replaceFold replaces case-insensitive occurrences of old with repl.
func replaceFold(s, old, repl string) string {
	if old == "" || !strings.Contains(strings.ToLower(s), strings.ToLower(old)) {
		return s
	}
	re := regexp.MustCompile("(?i)" + regexp.QuoteMeta(old))
	return re.ReplaceAllLiteralString(s, repl)
}
