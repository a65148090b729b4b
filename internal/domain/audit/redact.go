package audit

import (
	"log/slog"
	"regexp"
)

// RedactRule is one configured pattern/replacement pair applied to every
// rendered entry before it reaches a sink.
type RedactRule struct {
	Pattern     string
	Replacement string
}

// Redactor applies compiled redaction rules to audit lines.
type Redactor struct {
	rules []compiledRedactRule
}

type compiledRedactRule struct {
	re          *regexp.Regexp
	replacement []byte
}

// NewRedactor compiles the configured rules. A rule whose pattern does not
// compile is skipped with a warning; redaction must never break the trail.
func NewRedactor(rules []RedactRule, logger *slog.Logger) *Redactor {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Redactor{}
	for _, rule := range rules {
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			logger.Warn("skipping invalid redaction rule",
				"pattern", rule.Pattern,
				"error", err)
			continue
		}
		r.rules = append(r.rules, compiledRedactRule{
			re:          re,
			replacement: []byte(rule.Replacement),
		})
	}
	return r
}

// Apply runs every rule over the line and returns the redacted copy. With
// no rules the input is returned unchanged.
func (r *Redactor) Apply(line []byte) []byte {
	for _, rule := range r.rules {
		line = rule.re.ReplaceAll(line, rule.replacement)
	}
	return line
}

// Len returns the number of active rules.
func (r *Redactor) Len() int {
	return len(r.rules)
}
