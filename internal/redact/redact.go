package redact

import (
	"fmt"
	"regexp"
	"strings"
)

// Marker replaces every matched secret. Fixed width so redacted output leaks
// nothing about the length of the original value.
const Marker = "[REDACTED]"

// Rule pairs a compiled pattern with its replacement template.
type Rule struct {
	Name    string
	Pattern *regexp.Regexp
	Replace string
}

// Redactor applies an ordered rule set to every output chunk before any
// other component can observe it. It is immutable after construction and
// safe for concurrent use.
type Redactor struct {
	rules []Rule
}

// Default rules, ordered: structural multi-line secrets first, then header
// and prompt shapes, then generic key/value assignments. Matching is
// conservative; over-redaction is acceptable, leaking is not.
func defaultRules() []Rule {
	return []Rule{
		{
			Name:    "private_key_block",
			Pattern: regexp.MustCompile(`(?s)(-----BEGIN[^-]*PRIVATE KEY-----\n).*?(-----END[^-]*PRIVATE KEY-----)`),
			Replace: "${1}" + Marker + "\n${2}",
		},
		{
			Name:    "authorization_header",
			Pattern: regexp.MustCompile(`(?i)(authorization:\s*)(?:bearer\s+|token\s+)?[a-zA-Z0-9._\-]+`),
			Replace: "${1}" + Marker,
		},
		{
			Name:    "bearer_token",
			Pattern: regexp.MustCompile(`(?i)(bearer\s+)[a-zA-Z0-9._\-]+`),
			Replace: "${1}" + Marker,
		},
		{
			Name:    "password_prompt_echo",
			Pattern: regexp.MustCompile(`(?i)(\S+'s password:\s*)\S+`),
			Replace: "${1}" + Marker,
		},
		{
			Name:    "password_for_prompt",
			Pattern: regexp.MustCompile(`(?i)(password for \S+:\s*)\S+`),
			Replace: "${1}" + Marker,
		},
		{
			Name:    "password_assignment",
			Pattern: regexp.MustCompile(`(?i)(password\s*[=:]\s*)\S+`),
			Replace: "${1}" + Marker,
		},
		{
			Name:    "pass_assignment",
			Pattern: regexp.MustCompile(`(?i)(pass\s*[=:]\s*)\S+`),
			Replace: "${1}" + Marker,
		},
		{
			Name:    "api_key_assignment",
			Pattern: regexp.MustCompile(`(?i)(api[_\-]?key\s*[=:]\s*)\S+`),
			Replace: "${1}" + Marker,
		},
		{
			Name:    "token_assignment",
			Pattern: regexp.MustCompile(`(?i)(token\s*[=:]\s*)\S+`),
			Replace: "${1}" + Marker,
		},
		{
			Name:    "secret_assignment",
			Pattern: regexp.MustCompile(`(?i)(secret\s*[=:]\s*)\S+`),
			Replace: "${1}" + Marker,
		},
		{
			Name:    "model_api_token",
			Pattern: regexp.MustCompile(`\bsk-[A-Za-z0-9]{10,}\b`),
			Replace: Marker,
		},
	}
}

// New builds a redactor from the built-in rules plus operator-supplied
// patterns. Extra patterns redact their whole match; an invalid pattern is
// a configuration error, not something to skip silently.
func New(extraPatterns ...string) (*Redactor, error) {
	rules := defaultRules()
	for i, raw := range extraPatterns {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		compiled, err := regexp.Compile(raw)
		if err != nil {
			return nil, fmt.Errorf("compile redact pattern %d (%q): %w", i, raw, err)
		}
		rules = append(rules, Rule{
			Name:    fmt.Sprintf("extra_%d", i),
			Pattern: compiled,
			Replace: Marker,
		})
	}
	return &Redactor{rules: rules}, nil
}

// Redact scrubs sensitive substrings from a raw output chunk.
func (r *Redactor) Redact(chunk []byte) []byte {
	if r == nil || len(chunk) == 0 {
		return chunk
	}
	out := chunk
	for _, rule := range r.rules {
		out = rule.Pattern.ReplaceAll(out, []byte(rule.Replace))
	}
	return out
}

// RedactString is Redact for strings.
func (r *Redactor) RedactString(text string) string {
	if r == nil || text == "" {
		return text
	}
	for _, rule := range r.rules {
		text = rule.Pattern.ReplaceAllString(text, rule.Replace)
	}
	return text
}

// Rules returns the rule names in application order, for status display.
func (r *Redactor) Rules() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.rules))
	for _, rule := range r.rules {
		names = append(names, rule.Name)
	}
	return names
}
