package storage

import (
	"context"
	"sort"

	"github.com/Sriram-PR/chain-scraper/pkg/models"
)

// FailureReport summarizes the ledger entries of fetches that did not succeed.
// Those URLs stay pending and are fetched again on the next resume.
type FailureReport struct {
	Total   int
	ByType  map[string]int // Error category -> count
	ByLevel map[int]int    // Level whose input the URL was -> count
	Sample  []string       // Up to the requested number of URLs, sorted
}

// ReportFailures scans the ledger for entries whose status is not ok.
func ReportFailures(ctx context.Context, ledger FetchLedger, sampleSize int) (*FailureReport, error) {
	report := &FailureReport{ByType: make(map[string]int), ByLevel: make(map[int]int)}
	var urls []string

	err := ledger.ForEach(ctx, func(url string, entry *models.FetchEntry) error {
		if entry.Status == models.FetchOK {
			return nil
		}
		report.Total++
		errType := entry.ErrorType
		if errType == "" {
			errType = entry.Status.String()
		}
		report.ByType[errType]++
		report.ByLevel[entry.Level]++
		urls = append(urls, url)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(urls)
	if len(urls) > sampleSize {
		urls = urls[:sampleSize]
	}
	report.Sample = urls
	return report, nil
}
