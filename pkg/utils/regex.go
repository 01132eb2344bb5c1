package utils

import (
	"time"

	"github.com/dlclark/regexp2"
)

// DefaultMatchTimeout bounds a single pattern evaluation so a pathological
// backtracking pattern cannot stall a worker on a large page.
const DefaultMatchTimeout = 2 * time.Second

// CompilePattern compiles a user-declared pattern. Patterns use the
// backtracking dialect (lookarounds, lazy quantifiers) that chain configs are
// usually authored in. An invalid pattern is a configuration error.
func CompilePattern(field, expr string, opts regexp2.RegexOptions) (*regexp2.Regexp, error) {
	re, err := regexp2.Compile(expr, opts)
	if err != nil {
		return nil, WrapErrorf(ErrConfigValidation, "invalid %s pattern '%s': %v", field, expr, err)
	}
	re.MatchTimeout = DefaultMatchTimeout
	return re, nil
}

// CompileAnchored compiles expr so it only matches at the start of the input.
func CompileAnchored(field, expr string, opts regexp2.RegexOptions) (*regexp2.Regexp, error) {
	if _, err := CompilePattern(field, expr, opts); err != nil {
		return nil, err // report the pattern as the user wrote it
	}
	return CompilePattern(field, `\A(?:`+expr+`)`, opts)
}

// CompilePatterns compiles a list of patterns, skipping empty entries.
func CompilePatterns(field string, patterns []string, opts regexp2.RegexOptions) ([]*regexp2.Regexp, error) {
	compiled := make([]*regexp2.Regexp, 0, len(patterns))
	for i, pattern := range patterns {
		if pattern == "" {
			continue
		}
		re, err := CompilePattern(field, pattern, opts)
		if err != nil {
			return nil, WrapErrorf(ErrConfigValidation, "%s #%d: %v", field, i+1, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

// FirstGroup returns capture group 1 of the first match of re in s, or the
// whole match when the pattern has no groups.
func FirstGroup(re *regexp2.Regexp, s string) (string, bool, error) {
	m, err := re.FindStringMatch(s)
	if err != nil || m == nil {
		return "", false, err
	}
	return matchText(m), true, nil
}

// matchText picks group 1 when present, mirroring findall semantics.
func matchText(m *regexp2.Match) string {
	groups := m.Groups()
	if len(groups) > 1 {
		return groups[1].String()
	}
	return m.String()
}

// AllMatches returns every non-overlapping match of re in s in order of
// appearance (group 1 when the pattern has groups). On a match timeout the
// matches found so far are returned together with the error.
func AllMatches(re *regexp2.Regexp, s string) ([]string, error) {
	var out []string
	m, err := re.FindStringMatch(s)
	for m != nil && err == nil {
		out = append(out, matchText(m))
		m, err = re.FindNextMatch(m)
	}
	return out, err
}
