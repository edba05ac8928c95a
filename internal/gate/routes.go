// Package gate implements the client-side route protection pipeline: route
// rules, the shared navigation-state cache, and the access state machine
// ordered auth, email verification, license, role.
package gate

import (
	"regexp"
	"strings"
)

// Rule configures access for one route pattern. Patterns support `:param`
// segments and a trailing `*` wildcard.
type Rule struct {
	Pattern string
	// Public routes skip every check.
	Public bool
	// Roles, when non-empty, restricts the route to these roles.
	Roles []string
	// SkipLicense exempts an authenticated route from the license check.
	SkipLicense bool
}

type compiledRule struct {
	Rule
	re *regexp.Regexp
}

// RouteSet matches request paths against configured rules. Paths with no
// matching rule are treated as fully protected; the default is closed.
type RouteSet struct {
	rules []compiledRule
}

// NewRouteSet compiles the rules in order; the first match wins.
func NewRouteSet(rules []Rule) (*RouteSet, error) {
	rs := &RouteSet{}
	for _, r := range rules {
		re, err := compilePattern(r.Pattern)
		if err != nil {
			return nil, err
		}
		rs.rules = append(rs.rules, compiledRule{Rule: r, re: re})
	}
	return rs, nil
}

// Match returns the first rule matching path. ok is false when no rule
// matches; callers must then apply the fail-closed default.
func (rs *RouteSet) Match(path string) (Rule, bool) {
	for _, r := range rs.rules {
		if r.re.MatchString(path) {
			return r.Rule, true
		}
	}
	return Rule{}, false
}

// compilePattern converts a route pattern to an anchored regexp:
// `:param` matches one path segment, a trailing `*` matches any suffix.
func compilePattern(pattern string) (*regexp.Regexp, error) {
	segments := strings.Split(strings.TrimSuffix(pattern, "/"), "/")
	var b strings.Builder
	b.WriteString("^")
	for i, seg := range segments {
		switch {
		case seg == "*":
			b.WriteString("(/.*)?")
			continue
		case strings.HasPrefix(seg, ":"):
			b.WriteString("/[^/]+")
		case seg == "" && i == 0:
			continue
		default:
			b.WriteString("/" + regexp.QuoteMeta(seg))
		}
	}
	if b.Len() == 1 {
		b.WriteString("/")
	}
	b.WriteString("/?$")
	return regexp.Compile(b.String())
}
