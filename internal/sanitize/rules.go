package sanitize

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Rule replaces every match of Pattern with Replacement.
type Rule struct {
	Pattern     *regexp.Regexp
	Name        string
	Replacement string
}

// Apply runs the rule on text.
func (r Rule) Apply(text string) string {
	return r.Pattern.ReplaceAllString(text, r.Replacement)
}

// MustRule compiles a rule and panics on an invalid pattern.
func MustRule(name, pattern, replacement string) Rule {
	return Rule{Name: name, Pattern: regexp.MustCompile(pattern), Replacement: replacement}
}

// Placeholders never contain digits, slashes, colons or long hex runs, so no default
// rule matches its own output.
var defaultRules = []Rule{
	MustRule("url", `(?i)\b[a-z][a-z0-9+.\-]*://[^\s"'<>]+`, "<url>"),
	MustRule("uuid", `(?i)\b[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\b`, "<uuid>"),
	MustRule("timestamp", `\b\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(?:[.,]\d+)?(?:Z|[+-]\d{2}:?\d{2})?`, "<ts>"),
	MustRule("date", `\b\d{4}-\d{2}-\d{2}\b`, "<date>"),
	MustRule("time", `\b\d{1,2}:\d{2}:\d{2}(?:[.,]\d+)?\b`, "<time>"),
	MustRule("ipv4", `\b(?:\d{1,3}\.){3}\d{1,3}(?::\d{1,5})?\b`, "<ip>"),
	MustRule("ipv6", `(?i)\b(?:[0-9a-f]{1,4}:){7}[0-9a-f]{1,4}\b|(?i)\b(?:[0-9a-f]{1,4}:)+:[0-9a-f]{1,4}(?::[0-9a-f]{1,4})*\b`, "<ip>"),
	MustRule("address", `(?i)\b0x[0-9a-f]+\b`, "<addr>"),
	MustRule("hex", `(?i)\b[0-9a-f]{12,}\b`, "<hex>"),
	MustRule("path", `(?:\b[A-Za-z]:)?(?:[\\/][\w.\-]+){2,}[\\/]?`, "<path>"),
	MustRule("number", `\b\d+(?:\.\d+)?\b`, "<num>"),
}

// DefaultRules returns a copy of the built-in rule pipeline, in application order.
func DefaultRules() []Rule {
	rules := make([]Rule, len(defaultRules))
	copy(rules, defaultRules)
	return rules
}

// ruleFile is the on-disk layout of a custom rules file.
type ruleFile struct {
	Rules []struct {
		Name        string `yaml:"name"`
		Pattern     string `yaml:"pattern"`
		Replacement string `yaml:"replacement"`
	} `yaml:"rules"`
	ReplaceDefaults bool `yaml:"replace_defaults"`
}

// RuleSet is the parsed content of a rules file.
type RuleSet struct {
	Rules           []Rule
	ReplaceDefaults bool
}

// ParseRules parses a YAML rules document.
func ParseRules(data []byte) (*RuleSet, error) {
	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}

	set := &RuleSet{ReplaceDefaults: f.ReplaceDefaults}
	for i, r := range f.Rules {
		if r.Pattern == "" {
			return nil, fmt.Errorf("rule %d (%s): empty pattern", i, r.Name)
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, r.Name, err)
		}
		name := r.Name
		if name == "" {
			name = fmt.Sprintf("custom-%d", i)
		}
		set.Rules = append(set.Rules, Rule{Name: name, Pattern: re, Replacement: r.Replacement})
	}
	return set, nil
}

// LoadRules reads and parses a YAML rules file.
func LoadRules(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules: %w", err)
	}
	return ParseRules(data)
}
