package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/chain-scraper/pkg/challenge"
	"github.com/Sriram-PR/chain-scraper/pkg/config"
	"github.com/Sriram-PR/chain-scraper/pkg/fetch"
	"github.com/Sriram-PR/chain-scraper/pkg/models"
	"github.com/Sriram-PR/chain-scraper/pkg/storage"
	"github.com/Sriram-PR/chain-scraper/pkg/utils"
)

// Item is one page to capture
type Item struct {
	URL       string
	SourceURL string
	Title     string // Title carried by the input, if any
}

// Summary counts the results of one capture run
type Summary struct {
	Total    int
	Captured int
	Failed   int
	Duration time.Duration
}

// artifacts is what the page hook saved for one URL
type artifacts struct {
	title    string
	htmlPath string
	htmlSum  string
	shotPath string
	err      error
}

// Capturer saves the rendered HTML and a screenshot of each page, one page
// at a time, through the same scheduler the crawl uses.
type Capturer struct {
	cfg   config.TaskCapture
	dir   string
	sched *fetch.Scheduler
	log   *logrus.Entry

	mu         sync.Mutex
	saved      map[string]*artifacts
	warnedShot bool
}

// New creates a Capturer writing under dir. cfg must already be validated.
// Pacing between pages follows cfg.RequestDelay plus fetchCfg's jitter;
// retries follow fetchCfg's backoff with cfg.MaxRetries.
func New(cfg config.TaskCapture, fetchCfg config.FetchConfig, dir string, pool *fetch.SessionPool, gate *challenge.Gate, log *logrus.Entry) *Capturer {
	c := &Capturer{
		cfg:   cfg,
		dir:   dir,
		log:   log.WithField("component", "capture"),
		saved: make(map[string]*artifacts),
	}
	policy := fetch.NewRetryPolicy(fetchCfg)
	policy.MaxRetries = cfg.MaxRetries
	limiter := fetch.NewRateLimiter(cfg.RequestDelay, fetchCfg.Jitter, log)
	c.sched = fetch.NewScheduler(fetch.SchedulerConfig{
		Concurrency:     1,
		PerFetchTimeout: fetchCfg.PerFetchTimeout,
		Policy:          policy,
	}, pool, gate, limiter, log).WithPageHook(c.save)
	return c
}

// Run captures items and writes one result line per page to resultsPath.
// Per-page failures are recorded, not returned; the error is non-nil only
// when the results file cannot be written or ctx is cancelled.
func (c *Capturer) Run(ctx context.Context, items []Item, resultsPath string) (*Summary, error) {
	start := time.Now()
	items = dedupItems(items)
	summary := &Summary{Total: len(items)}

	results, err := storage.OpenResultLog[models.CaptureResult](resultsPath, 1)
	if err != nil {
		return summary, err
	}

	if err := os.MkdirAll(c.dir, 0755); err != nil {
		results.Close()
		return summary, fmt.Errorf("%w: creating capture directory %s: %w", utils.ErrFilesystem, c.dir, err)
	}

	byURL := make(map[string]Item, len(items))
	urls := make([]string, 0, len(items))
	for _, it := range items {
		byURL[it.URL] = it
		urls = append(urls, it.URL)
	}

	c.log.Infof("Capturing %d pages into %s", len(items), c.dir)

	var (
		mu       sync.Mutex
		writeErr error
		done     int
	)
	c.sched.Stream(ctx, urls, nil, func(outcome *models.FetchOutcome) {
		res := c.result(byURL[outcome.URL], outcome)
		mu.Lock()
		defer mu.Unlock()
		done++
		if res.Status == models.CaptureSuccess {
			summary.Captured++
		} else {
			summary.Failed++
		}
		if ctx.Err() != nil && res.Status == models.CaptureFailed {
			return // Cancelled mid-capture; not a result worth recording
		}
		c.log.WithFields(logrus.Fields{
			"url": res.URL, "status": res.Status, "attempts": res.Attempts,
		}).Infof("[%d/%d] %s", done, len(items), describe(res))
		if err := results.Write(res); err != nil && writeErr == nil {
			writeErr = err
		}
	})

	closeErr := results.Close()
	summary.Duration = time.Since(start)
	c.log.Infof("Capture finished in %v: %d captured, %d failed, %d not started",
		summary.Duration.Round(time.Millisecond), summary.Captured, summary.Failed, summary.Total-done)

	switch {
	case writeErr != nil:
		return summary, writeErr
	case closeErr != nil:
		return summary, closeErr
	}
	return summary, ctx.Err()
}

// result turns a fetch outcome and the artifacts saved for it into a result line.
func (c *Capturer) result(item Item, outcome *models.FetchOutcome) models.CaptureResult {
	res := models.CaptureResult{
		URL:         outcome.URL,
		SourceURL:   item.SourceURL,
		SourceTitle: item.Title,
		Status:      models.CaptureFailed,
		Attempts:    outcome.AttemptCount,
		Timestamp:   time.Now(),
	}

	c.mu.Lock()
	art := c.saved[outcome.URL]
	delete(c.saved, outcome.URL)
	c.mu.Unlock()

	switch {
	case !outcome.OK():
		err := outcome.Err
		if err == nil {
			err = fmt.Errorf("fetch ended with status %s", outcome.Status)
		}
		res.Error = err.Error()
	case art == nil:
		res.Error = "page fetched but nothing was saved"
	default:
		res.PageTitle = art.title
		res.HTMLPath = art.htmlPath
		res.HTMLSHA256 = art.htmlSum
		res.ScreenshotPath = art.shotPath
		if art.err != nil {
			res.Error = art.err.Error()
		} else {
			res.Status = models.CaptureSuccess
		}
	}
	return res
}

// save is the scheduler's page hook: it writes the screenshot and HTML of a
// fetched page while the session still shows it.
func (c *Capturer) save(ctx context.Context, target string, sess fetch.Session, page *models.Page) {
	art := &artifacts{title: strings.TrimSpace(page.Title)}
	defer func() {
		c.mu.Lock()
		c.saved[target] = art
		c.mu.Unlock()
	}()

	if c.cfg.WaitAfterLoad > 0 {
		select {
		case <-time.After(c.cfg.WaitAfterLoad):
		case <-ctx.Done():
			art.err = ctx.Err()
			return
		}
	}

	title := art.title
	if !c.cfg.UsesTitle() {
		title = ""
	}
	base := BaseName(title, target, c.cfg.MaxNameLength)

	if c.cfg.SavesScreenshot() {
		if shooter, ok := sess.(fetch.Screenshotter); ok {
			img, err := shooter.Screenshot(ctx, c.cfg.IsFullPage(), c.cfg.Format, c.cfg.Quality)
			if err != nil {
				art.err = fmt.Errorf("screenshot: %w", err)
				return
			}
			path := filepath.Join(c.dir, base+"."+screenshotExt(c.cfg.Format))
			if err := writeFileAtomic(path, img); err != nil {
				art.err = err
				return
			}
			art.shotPath = path
		} else {
			c.warnNoScreenshots()
		}
	}

	if c.cfg.SavesHTML() {
		html := page.HTML
		if c.cfg.CleanHTML {
			cleaned, err := CleanHTML(html)
			if err != nil {
				c.log.WithField("url", target).Warnf("Cleaning HTML failed, saving it as fetched: %v", err)
			} else {
				html = cleaned
			}
		}
		path := filepath.Join(c.dir, base+".html")
		if err := writeFileAtomic(path, []byte(html)); err != nil {
			art.err = err
			return
		}
		art.htmlPath = path
		art.htmlSum = utils.CalculateBytesSHA256([]byte(html))
	}

	if art.htmlPath == "" && art.shotPath == "" {
		art.err = errors.New("nothing was saved for this page")
	}
}

func (c *Capturer) warnNoScreenshots() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.warnedShot {
		c.warnedShot = true
		c.log.Warn("Sessions cannot take screenshots (browser.enabled is false); saving HTML only")
	}
}

func screenshotExt(format string) string {
	if format == "jpeg" {
		return "jpg"
	}
	return "png"
}

func describe(res models.CaptureResult) string {
	if res.Status != models.CaptureSuccess {
		return "failed: " + res.Error
	}
	var saved []string
	if res.ScreenshotPath != "" {
		saved = append(saved, filepath.Base(res.ScreenshotPath))
	}
	if res.HTMLPath != "" {
		saved = append(saved, filepath.Base(res.HTMLPath))
	}
	return "saved " + strings.Join(saved, ", ")
}

// writeFileAtomic writes data next to path and renames it into place, so an
// interrupted run never leaves a truncated capture behind.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.part")
	if err != nil {
		return fmt.Errorf("%w: creating temp file: %w", utils.ErrFilesystem, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // No-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: writing %s: %w", utils.ErrFilesystem, tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: closing %s: %w", utils.ErrFilesystem, tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("%w: moving %s into place: %w", utils.ErrFilesystem, path, err)
	}
	return nil
}

func dedupItems(items []Item) []Item {
	seen := make(map[string]bool, len(items))
	out := make([]Item, 0, len(items))
	for _, it := range items {
		if it.URL == "" || seen[it.URL] {
			continue
		}
		seen[it.URL] = true
		out = append(out, it)
	}
	return out
}
