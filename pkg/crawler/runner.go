package crawler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/chain-scraper/pkg/models"
	"github.com/Sriram-PR/chain-scraper/pkg/parse"
	"github.com/Sriram-PR/chain-scraper/pkg/rules"
	"github.com/Sriram-PR/chain-scraper/pkg/storage"
	"github.com/Sriram-PR/chain-scraper/pkg/utils"
)

// BatchFetcher fetches one level's input, handing each outcome to fn as soon
// as it is ready. fn may be called concurrently. *fetch.Scheduler implements it.
type BatchFetcher interface {
	Stream(ctx context.Context, pending []string, actions *models.PageActions, fn func(*models.FetchOutcome))
}

// Stop reasons reported in RunSummary
const (
	StopNoSurvivors = "no_survivors" // A level produced no records
	StopLastLevel   = "last_level"   // The final active level completed
	StopCancelled   = "cancelled"
)

// LevelStats summarizes one level pass
type LevelStats struct {
	Level      int
	Name       string
	Inputs     int
	FetchedOK  int
	Failed     int
	FailedBy   map[models.FetchStatus]int
	NotStarted int // Inputs left unfetched because the run was cancelled
	Extracted  int // Raw candidates returned by the extract pattern
	Skipped    int // Empty matches and match timeouts
	Invalid    int // Candidates that could not be resolved
	Rejected   int // Candidates the filter pattern refused
	Duplicates int // Accepted URLs already seen in this batch or the log
	Appended   int // New records written
	Duration   time.Duration
}

// RunSummary is the result of one chain run
type RunSummary struct {
	RunID      string
	Levels     []LevelStats
	StopReason string
	StopLevel  int
}

// Appended returns the number of records written across all levels
func (s *RunSummary) Appended() int {
	total := 0
	for _, l := range s.Levels {
		total += l.Appended
	}
	return total
}

// Failed returns the number of failed fetches across all levels
func (s *RunSummary) Failed() int {
	total := 0
	for _, l := range s.Levels {
		total += l.Failed
	}
	return total
}

// Runner drives a level chain from its seeds to completion, one level at a
// time. Level k+1 never starts before every fetch of level k has finished.
type Runner struct {
	chain   *rules.Chain
	fetcher BatchFetcher
	store   storage.Frontier
	runID   string
	log     *logrus.Entry
}

// NewRunner creates a Runner with a fresh run ID
func NewRunner(chain *rules.Chain, fetcher BatchFetcher, store storage.Frontier, log *logrus.Entry) *Runner {
	runID := uuid.NewString()
	return &Runner{
		chain:   chain,
		fetcher: fetcher,
		store:   store,
		runID:   runID,
		log:     log.WithFields(logrus.Fields{"component": "runner", "run_id": runID[:8]}),
	}
}

// RunID returns the identifier stamped on every record of this run
func (r *Runner) RunID() string {
	return r.runID
}

// Run executes the chain. Per-URL failures are counted and logged; the returned
// error is non-nil only for storage failures or cancellation.
func (r *Runner) Run(ctx context.Context) (*RunSummary, error) {
	summary := &RunSummary{RunID: r.runID}
	levels := r.chain.Rules()

	r.log.Infof("Starting chain of %d levels from %d seeds", len(levels), len(r.chain.Seeds))

	for i, rule := range levels {
		var input []string
		var err error
		if i == 0 {
			input, err = r.pendingSeeds()
		} else {
			input, err = r.store.PendingForLevel(levels[i-1].Level)
		}
		if err != nil {
			return summary, err
		}

		stats, err := r.runLevel(ctx, rule, input)
		summary.Levels = append(summary.Levels, stats)
		summary.StopLevel = rule.Level
		r.logLevel(stats)
		if err != nil {
			return summary, err
		}
		if ctx.Err() != nil {
			summary.StopReason = StopCancelled
			return summary, ctx.Err()
		}

		if i == len(levels)-1 {
			summary.StopReason = StopLastLevel
			break
		}
		// Survivors from this run and from earlier runs both feed the next level
		if len(r.store.Records(rule.Level)) == 0 {
			r.log.Infof("%s produced no records; stopping before level %d", rule.Label(), levels[i+1].Level)
			summary.StopReason = StopNoSurvivors
			break
		}
	}

	r.log.Infof("Chain finished at level %d (%s): %d records appended, %d fetches failed",
		summary.StopLevel, summary.StopReason, summary.Appended(), summary.Failed())
	return summary, nil
}

func (r *Runner) pendingSeeds() ([]string, error) {
	var pending []string
	for _, seed := range r.chain.Seeds {
		consumed, err := r.store.IsConsumed(seed)
		if err != nil {
			return nil, err
		}
		if consumed {
			r.log.Debugf("Seed already consumed: %s", seed)
			continue
		}
		pending = append(pending, seed)
	}
	return pending, nil
}

// runLevel fetches input and turns every successful page into records as
// soon as its fetch finishes, so a crash mid-level loses at most the records
// not yet flushed.
func (r *Runner) runLevel(ctx context.Context, rule *rules.Rule, input []string) (LevelStats, error) {
	start := time.Now()
	stats := LevelStats{
		Level:    rule.Level,
		Name:     rule.Name,
		Inputs:   len(input),
		FailedBy: make(map[models.FetchStatus]int),
	}
	levelLog := r.log.WithField("level", rule.Level)

	if len(input) == 0 {
		levelLog.Infof("%s: nothing pending", rule.Label())
		stats.Duration = time.Since(start)
		return stats, nil
	}

	distinct := make(map[string]bool, len(input))
	for _, u := range input {
		distinct[u] = true
		if !rule.Matches(u) {
			levelLog.Debugf("Input does not match url_pattern %q: %s", rule.URLExpr, u)
		}
	}

	// A storage failure stops the pass; fetches already running still finish.
	passCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var mu sync.Mutex // guards stats, delivered and storeErr
	delivered := 0
	var storeErr error

	levelLog.Infof("%s: fetching %d URLs", rule.Label(), len(input))
	r.fetcher.Stream(passCtx, input, rule.Actions(), func(outcome *models.FetchOutcome) {
		var found discovery
		if outcome.OK() {
			found = r.discover(rule, outcome.URL, outcome.Page)
		}

		mu.Lock()
		defer mu.Unlock()
		delivered++
		if storeErr != nil {
			return
		}
		if err := r.handle(rule, outcome, found, &stats, levelLog); err != nil {
			storeErr = err
			cancel()
		}
	})

	stats.NotStarted = len(distinct) - delivered
	if storeErr != nil {
		stats.Duration = time.Since(start)
		return stats, storeErr
	}
	if err := r.store.Flush(); err != nil {
		return stats, err
	}
	stats.Duration = time.Since(start)
	return stats, nil
}

// handle writes one fetch outcome to the store. Callers serialize it.
func (r *Runner) handle(rule *rules.Rule, outcome *models.FetchOutcome, found discovery, stats *LevelStats, levelLog *logrus.Entry) error {
	u := outcome.URL
	if !outcome.OK() {
		stats.Failed++
		stats.FailedBy[outcome.Status]++
		levelLog.WithField("category", utils.CategorizeError(outcome.Err)).
			Warnf("Fetch failed (%s, %d attempts): %s: %v", outcome.Status, outcome.AttemptCount, u, outcome.Err)
		return r.store.MarkFailed(u, &models.FetchEntry{
			Status:     outcome.Status,
			Level:      rule.Level,
			Attempts:   outcome.AttemptCount,
			StatusCode: outcome.StatusCode,
			ErrorType:  utils.CategorizeError(outcome.Err),
		})
	}
	stats.FetchedOK++
	stats.Extracted += found.extracted
	stats.Skipped += found.skipped
	stats.Invalid += found.invalid
	stats.Rejected += found.rejected
	stats.Duplicates += found.duplicates
	if found.err != nil {
		levelLog.WithField("category", utils.CategorizeError(found.err)).Debugf("Extraction incomplete on %s: %v", u, found.err)
	}

	// Another page of this level may have appended the same URL since
	// discover ran, so the log's seen-set is checked again here.
	fresh := found.records[:0]
	for _, rec := range found.records {
		if r.store.AlreadySeen(rec.URL) {
			stats.Duplicates++
			continue
		}
		fresh = append(fresh, rec)
	}
	n, err := r.store.Append(fresh)
	if err != nil {
		return err
	}
	stats.Appended += n

	if err := r.store.MarkConsumed(u, &models.FetchEntry{
		Level:      rule.Level,
		Attempts:   outcome.AttemptCount,
		StatusCode: outcome.StatusCode,
		Survivors:  n,
	}); err != nil {
		return err
	}
	levelLog.Debugf("%s: %d new records", u, n)
	return nil
}

// discovery is what one fetched page yields before it is written
type discovery struct {
	records    []models.FrontierRecord
	extracted  int
	skipped    int
	invalid    int
	rejected   int
	duplicates int   // Repeats of an accepted URL on the same page
	err        error // Extraction stopped early
}

// discover extracts, filters and deduplicates the candidates on one page. It
// only reads the store, so pages of a level are processed in parallel.
func (r *Runner) discover(rule *rules.Rule, source string, page *models.Page) discovery {
	base := page.FinalURL
	if base == "" {
		base = source
	}

	var found discovery
	candidates, skipped, err := rule.Extract(page.HTML)
	found.extracted = len(candidates)
	found.skipped = skipped
	found.err = err

	rawSeen := make(map[string]bool, len(candidates))
	keySeen := make(map[string]bool, len(candidates))
	now := time.Now().UTC()

	for _, raw := range candidates {
		raw = strings.TrimSpace(raw)
		if rawSeen[raw] {
			continue
		}
		rawSeen[raw] = true

		abs, verdict := rule.Filter(raw, base)
		switch verdict {
		case rules.Invalid:
			found.invalid++
			r.log.Debugf("Dropping unresolvable candidate %q on %s", raw, source)
			continue
		case rules.Rejected:
			found.rejected++
			continue
		}

		key := parse.Canonicalize(abs)
		if keySeen[key] {
			found.duplicates++
			continue
		}
		keySeen[key] = true

		found.records = append(found.records, models.FrontierRecord{
			Level:          rule.Level,
			LevelName:      rule.Name,
			URL:            key,
			SourceURL:      source,
			MatchedText:    raw,
			ExtractPattern: rule.ExtractExpr,
			FilterPattern:  rule.FilterExpr,
			RunID:          r.runID,
			DiscoveredAt:   now,
		})
	}
	return found
}

func (r *Runner) logLevel(s LevelStats) {
	failed := ""
	if len(s.FailedBy) > 0 {
		keys := make([]string, 0, len(s.FailedBy))
		for st, n := range s.FailedBy {
			keys = append(keys, fmt.Sprintf("%s=%d", st, n))
		}
		sort.Strings(keys)
		failed = " (" + strings.Join(keys, ", ") + ")"
	}
	r.log.WithField("level", s.Level).Infof(
		"Level %d done in %v: inputs=%d ok=%d failed=%d%s not_started=%d extracted=%d skipped=%d invalid=%d rejected=%d duplicates=%d appended=%d",
		s.Level, s.Duration.Round(time.Millisecond), s.Inputs, s.FetchedOK, s.Failed, failed, s.NotStarted,
		s.Extracted, s.Skipped, s.Invalid, s.Rejected, s.Duplicates, s.Appended)
}
