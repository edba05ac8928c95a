// Package security screens incoming license requests before they reach the
// service layer. Checks are deliberately cheap: header presence, a
// user-agent blocklist, and pattern scans over untrusted string fields.
package security

import (
	"net/http"
	"regexp"
	"strings"
)

// ViolationKind classifies why a request was rejected.
type ViolationKind string

const (
	ViolationBlockedAgent   ViolationKind = "blocked_user_agent"
	ViolationMissingHeader  ViolationKind = "missing_header"
	ViolationSQLInjection   ViolationKind = "sql_injection"
	ViolationXSS            ViolationKind = "xss"
	ViolationPathTraversal  ViolationKind = "path_traversal"
	ViolationOversizedField ViolationKind = "oversized_field"
)

// Violation reports a failed check. Field carries the offending input name
// for pattern violations; it is empty for header and agent checks.
type Violation struct {
	Kind  ViolationKind
	Field string
}

func (v Violation) String() string {
	if v.Field == "" {
		return string(v.Kind)
	}
	return string(v.Kind) + ":" + v.Field
}

// blockedAgents are matched as case-insensitive substrings of the
// User-Agent header. Empty user agents are rejected separately.
var blockedAgents = []string{
	"bot",
	"crawler",
	"spider",
	"scraper",
	"curl",
	"wget",
	"python-requests",
}

const maxFieldLength = 512

// Checker validates requests against the screening rules. The zero value is
// not usable; construct with New.
type Checker struct {
	requiredHeaders []string
	sqlPatterns     []*regexp.Regexp
	xssPatterns     []*regexp.Regexp
	pathPatterns    []*regexp.Regexp
}

// New builds a checker requiring the given headers on every request.
func New(requiredHeaders []string) *Checker {
	return &Checker{
		requiredHeaders: requiredHeaders,
		sqlPatterns: compileAll(
			`(?i)(\bunion\b.{1,100}\bselect\b)`,
			`(?i)(\bselect\b.{1,100}\bfrom\b)`,
			`(?i)(\binsert\b\s+\binto\b)`,
			`(?i)(\bdelete\b\s+\bfrom\b)`,
			`(?i)(\bdrop\b\s+\btable\b)`,
			`(?i)(\bupdate\b.{1,100}\bset\b)`,
			`(?i)('\s*(or|and)\s*'?\d)`,
			`(?i)(--|;--|/\*|\*/)`,
			`(?i)(\bexec\b\s*\()`,
		),
		xssPatterns: compileAll(
			`(?i)<\s*script`,
			`(?i)javascript\s*:`,
			`(?i)on(load|error|click|mouseover|focus)\s*=`,
			`(?i)<\s*iframe`,
			`(?i)<\s*img[^>]+src\s*=`,
		),
		pathPatterns: compileAll(
			`\.\./`,
			`\.\.\\`,
			`(?i)%2e%2e`,
			`(?i)%252e`,
			`\x00`,
		),
	}
}

func compileAll(exprs ...string) []*regexp.Regexp {
	patterns := make([]*regexp.Regexp, 0, len(exprs))
	for _, e := range exprs {
		patterns = append(patterns, regexp.MustCompile(e))
	}
	return patterns
}

// CheckRequest screens the transport-level properties of a request: the
// user agent and the required headers. It does not read the body.
func (c *Checker) CheckRequest(r *http.Request) *Violation {
	ua := strings.ToLower(strings.TrimSpace(r.UserAgent()))
	if ua == "" {
		return &Violation{Kind: ViolationBlockedAgent}
	}
	for _, blocked := range blockedAgents {
		if strings.Contains(ua, blocked) {
			return &Violation{Kind: ViolationBlockedAgent}
		}
	}
	for _, h := range c.requiredHeaders {
		if r.Header.Get(h) == "" {
			return &Violation{Kind: ViolationMissingHeader, Field: h}
		}
	}
	return nil
}

// CheckFields scans untrusted string inputs for injection patterns. The map
// key is the field name reported in the violation.
func (c *Checker) CheckFields(fields map[string]string) *Violation {
	for name, value := range fields {
		if value == "" {
			continue
		}
		if len(value) > maxFieldLength {
			return &Violation{Kind: ViolationOversizedField, Field: name}
		}
		if matchAny(c.sqlPatterns, value) {
			return &Violation{Kind: ViolationSQLInjection, Field: name}
		}
		if matchAny(c.xssPatterns, value) {
			return &Violation{Kind: ViolationXSS, Field: name}
		}
		if matchAny(c.pathPatterns, value) {
			return &Violation{Kind: ViolationPathTraversal, Field: name}
		}
	}
	return nil
}

func matchAny(patterns []*regexp.Regexp, value string) bool {
	for _, p := range patterns {
		if p.MatchString(value) {
			return true
		}
	}
	return false
}
