package rules

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dlclark/regexp2"

	"github.com/Sriram-PR/chain-scraper/pkg/config"
	"github.com/Sriram-PR/chain-scraper/pkg/models"
	"github.com/Sriram-PR/chain-scraper/pkg/parse"
	"github.com/Sriram-PR/chain-scraper/pkg/utils"
)

// Verdict is the result of filtering one extracted candidate
type Verdict int

const (
	Accepted Verdict = iota
	Rejected         // Filter pattern matched neither form of the candidate
	Invalid          // Candidate could not be resolved to an absolute URL
)

func (v Verdict) String() string {
	switch v {
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	case Invalid:
		return "invalid"
	}
	return fmt.Sprintf("verdict(%d)", int(v))
}

// Rule is a compiled LevelSpec. Patterns are compiled once at load and the
// rule is read-only afterwards, so it is safe to share across goroutines.
type Rule struct {
	Level       int
	Name        string
	Description string

	ExtractExpr string
	FilterExpr  string
	URLExpr     string

	baseURL    string
	extract    *regexp2.Regexp
	filter     *regexp2.Regexp // nil when the level declares no filter
	urlPattern *regexp2.Regexp // nil when the level declares no url_pattern
	actions    *models.PageActions
}

// Compile builds a Rule from a level declaration. baseURL is used to resolve
// root-relative candidates.
func Compile(lvl config.LevelSpec, baseURL string) (*Rule, error) {
	if strings.TrimSpace(lvl.ExtractPattern) == "" {
		return nil, fmt.Errorf("%w: level %d has no extract_pattern", utils.ErrConfigValidation, lvl.Level)
	}

	r := &Rule{
		Level:       lvl.Level,
		Name:        lvl.Name,
		Description: lvl.Description,
		ExtractExpr: lvl.ExtractPattern,
		FilterExpr:  lvl.FilterPattern,
		URLExpr:     lvl.URLPattern,
		baseURL:     baseURL,
		actions: &models.PageActions{
			DismissCookies: config.GetEffectiveDismissCookies(lvl),
			ClickSelector:  lvl.ClickSelector,
			MaxClicks:      lvl.MaxClicks,
			ClickDelay:     lvl.ClickDelay,
		},
	}

	var err error
	if r.extract, err = utils.CompilePattern("extract_pattern", lvl.ExtractPattern, regexp2.IgnoreCase); err != nil {
		return nil, fmt.Errorf("level %d: %w", lvl.Level, err)
	}
	if lvl.FilterPattern != "" {
		if r.filter, err = utils.CompileAnchored("filter_pattern", lvl.FilterPattern, regexp2.None); err != nil {
			return nil, fmt.Errorf("level %d: %w", lvl.Level, err)
		}
	}
	if lvl.URLPattern != "" {
		if r.urlPattern, err = utils.CompileAnchored("url_pattern", lvl.URLPattern, regexp2.None); err != nil {
			return nil, fmt.Errorf("level %d: %w", lvl.Level, err)
		}
	}
	return r, nil
}

// Label returns "level N (name)" for logs.
func (r *Rule) Label() string {
	if r.Name == "" {
		return fmt.Sprintf("level %d", r.Level)
	}
	return fmt.Sprintf("level %d (%s)", r.Level, r.Name)
}

// Matches reports whether rawURL has the shape the level expects as input.
// Levels without a url_pattern match everything.
func (r *Rule) Matches(rawURL string) bool {
	if r.urlPattern == nil {
		return true
	}
	ok, err := r.urlPattern.MatchString(rawURL)
	return err == nil && ok
}

// Extract returns every candidate the extract pattern finds in content, in
// order of appearance and with duplicates. Empty or whitespace-only matches
// are dropped and counted in skipped, as is a match timeout. A timeout ends
// the scan: the candidates found so far are returned with an error wrapping
// utils.ErrExtraction.
func (r *Rule) Extract(content string) (candidates []string, skipped int, err error) {
	matches, merr := utils.AllMatches(r.extract, content)
	for _, m := range matches {
		if strings.TrimSpace(m) == "" {
			skipped++
			continue
		}
		candidates = append(candidates, m)
	}
	if merr != nil {
		skipped++
		err = fmt.Errorf("%w: %s: extract_pattern stopped after %d matches: %v",
			utils.ErrExtraction, r.Label(), len(matches), merr)
	}
	return candidates, skipped, err
}

// Actions returns the in-page work to do before extraction, or nil.
func (r *Rule) Actions() *models.PageActions {
	if r.actions.Empty() {
		return nil
	}
	return r.actions
}

// Filter resolves raw, found on sourceURL, and applies the level's filter
// pattern. The pattern must match at the start of either the absolute URL or
// the raw candidate. The absolute URL is returned for Accepted candidates.
func (r *Rule) Filter(raw, sourceURL string) (string, Verdict) {
	abs, err := parse.Resolve(raw, r.baseURL, sourceURL)
	if err != nil {
		return "", Invalid
	}
	if r.filter == nil {
		return abs, Accepted
	}
	if ok, err := r.filter.MatchString(abs); err == nil && ok {
		return abs, Accepted
	}
	if ok, err := r.filter.MatchString(raw); err == nil && ok {
		return abs, Accepted
	}
	return abs, Rejected
}

// Chain is the ordered list of compiled rules for one task
type Chain struct {
	BaseURL string
	Seeds   []string
	rules   []*Rule // ascending by Level, truncated to max_levels
}

// CompileChain compiles every level of task. Levels are ordered by ordinal
// regardless of their order in the file; max_levels keeps only the first N.
func CompileChain(task config.TaskConfig) (*Chain, error) {
	if len(task.Levels) == 0 {
		return nil, fmt.Errorf("%w: task '%s' declares no levels", utils.ErrConfigValidation, task.Name)
	}

	levels := make([]config.LevelSpec, len(task.Levels))
	copy(levels, task.Levels)
	sort.SliceStable(levels, func(i, j int) bool { return levels[i].Level < levels[j].Level })

	chain := &Chain{
		BaseURL: task.BaseURL,
		Seeds:   config.GetEffectiveSeeds(task),
	}
	for i, lvl := range levels {
		if lvl.Level < 1 {
			return nil, fmt.Errorf("%w: level ordinal %d must be >= 1", utils.ErrConfigValidation, lvl.Level)
		}
		if i > 0 && levels[i-1].Level == lvl.Level {
			return nil, fmt.Errorf("%w: level %d declared twice", utils.ErrConfigValidation, lvl.Level)
		}
		rule, err := Compile(lvl, task.BaseURL)
		if err != nil {
			return nil, err
		}
		chain.rules = append(chain.rules, rule)
	}

	if task.MaxLevels > 0 && task.MaxLevels < len(chain.rules) {
		chain.rules = chain.rules[:task.MaxLevels]
	}
	return chain, nil
}

// Rules returns the active rules in execution order.
func (c *Chain) Rules() []*Rule {
	return c.rules
}

// Rule returns the rule for a level ordinal.
func (c *Chain) Rule(level int) (*Rule, bool) {
	for _, r := range c.rules {
		if r.Level == level {
			return r, true
		}
	}
	return nil, false
}

// Last returns the final active rule.
func (c *Chain) Last() *Rule {
	return c.rules[len(c.rules)-1]
}

// Truncate limits the chain to levels with ordinal <= maxLevel. A maxLevel
// below the first ordinal keeps the first level.
func (c *Chain) Truncate(maxLevel int) {
	if maxLevel <= 0 {
		return
	}
	keep := 1
	for keep < len(c.rules) && c.rules[keep].Level <= maxLevel {
		keep++
	}
	c.rules = c.rules[:keep]
}
