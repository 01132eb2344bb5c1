package download

import (
	"strconv"

	"github.com/dlclark/regexp2"

	"github.com/Sriram-PR/chain-scraper/pkg/utils"
)

const (
	minYear = 1990
	maxYear = 2030
)

// YearExtractor buckets documents by a year found in their URL
type YearExtractor struct {
	patterns []*regexp2.Regexp
	fallback string
}

// NewYearExtractor compiles patterns; each should capture the year in group 1.
func NewYearExtractor(patterns []string, fallback string) (*YearExtractor, error) {
	compiled, err := utils.CompilePatterns("download.year_patterns", patterns, regexp2.None)
	if err != nil {
		return nil, err
	}
	return &YearExtractor{patterns: compiled, fallback: fallback}, nil
}

// Extract returns the first plausible year matched in any of urls, trying
// patterns in order for each URL, or the fallback.
func (y *YearExtractor) Extract(urls ...string) string {
	for _, u := range urls {
		if u == "" {
			continue
		}
		for _, re := range y.patterns {
			m, ok, err := utils.FirstGroup(re, u)
			if err != nil || !ok {
				continue
			}
			if year, err := strconv.Atoi(m); err == nil && year >= minYear && year <= maxYear {
				return m
			}
		}
	}
	return y.fallback
}

var doiPattern = regexp2.MustCompile(`10\.\d+/(\d+\.\d+)`, regexp2.None)

// Filename picks the local name for a document URL: the DOI suffix when the
// URL carries one (10.1145/3580305.3599316 -> 3580305.3599316.pdf), else the
// sanitized last path segment.
func Filename(docURL string) string {
	if m, ok, err := utils.FirstGroup(doiPattern, docURL); err == nil && ok {
		return utils.SanitizeDocumentName(m + ".pdf")
	}
	return utils.DocumentNameFromURL(docURL)
}

// rewriter applies configured regex replacements to document URLs
type rewriter struct {
	re          *regexp2.Regexp
	replacement string
}

func (r rewriter) apply(u string) string {
	out, err := r.re.Replace(u, r.replacement, -1, 1)
	if err != nil {
		return u
	}
	return out
}
