package orchestrate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/chain-scraper/pkg/capture"
	"github.com/Sriram-PR/chain-scraper/pkg/challenge"
	"github.com/Sriram-PR/chain-scraper/pkg/config"
	"github.com/Sriram-PR/chain-scraper/pkg/crawler"
	"github.com/Sriram-PR/chain-scraper/pkg/download"
	"github.com/Sriram-PR/chain-scraper/pkg/fetch"
	applog "github.com/Sriram-PR/chain-scraper/pkg/log"
	"github.com/Sriram-PR/chain-scraper/pkg/models"
	"github.com/Sriram-PR/chain-scraper/pkg/rules"
	"github.com/Sriram-PR/chain-scraper/pkg/storage"
	"github.com/Sriram-PR/chain-scraper/pkg/utils"
)

const (
	gcInterval        = 10 * time.Minute
	failureSampleSize = 10 // Failed URLs listed in the end-of-crawl report
)

// Options selects what the orchestrator does with each task
type Options struct {
	Resume       bool
	CrawlOnly    bool
	DownloadOnly bool
	CaptureOnly  bool
	MaxLevel     int                // Truncate chains to this ordinal (0 = no limit)
	Operator     challenge.Operator // Manual challenge fallback; nil blocks immediately

	// SessionFactory overrides the factory chosen from browser.enabled
	SessionFactory fetch.SessionFactory
}

// SelectedTask is a task together with its 1-based position in the config
type SelectedTask struct {
	Index int
	Task  config.TaskConfig
}

// TaskResult contains the result of running a single task
type TaskResult struct {
	Name     string
	Index    int
	Success  bool
	Error    error
	Crawl    *crawler.RunSummary
	Failures *storage.FailureReport // Fetches still pending after the crawl
	Download *download.Summary
	Capture  *capture.Summary
	Exported []string
	Duration time.Duration
}

// Orchestrator runs the selected tasks one after another
type Orchestrator struct {
	appCfg *config.AppConfig
	opts   Options
	log    *logrus.Entry
	client *http.Client

	browser *fetch.BrowserFactory // Launched on first use
	results []TaskResult
}

// NewOrchestrator creates an orchestrator sharing one HTTP client across tasks
func NewOrchestrator(appCfg *config.AppConfig, opts Options, log *logrus.Entry) *Orchestrator {
	return &Orchestrator{
		appCfg: appCfg,
		opts:   opts,
		log:    log,
		client: fetch.NewClient(appCfg.HTTPClientSettings, log),
	}
}

// Run executes tasks in order, waiting task_interval between them. It stops
// early when ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context, tasks []SelectedTask) []TaskResult {
	startTime := time.Now()
	o.log.Infof("Running %d tasks", len(tasks))

	for i, st := range tasks {
		if ctx.Err() != nil {
			break
		}
		if i > 0 && o.appCfg.TaskInterval > 0 {
			o.log.Infof("Waiting %v before next task...", o.appCfg.TaskInterval)
			select {
			case <-time.After(o.appCfg.TaskInterval):
			case <-ctx.Done():
			}
			if ctx.Err() != nil {
				break
			}
		}
		o.results = append(o.results, o.runTask(ctx, st))
	}

	o.logSummary(time.Since(startTime))
	return o.results
}

// Close releases the shared browser, if one was launched
func (o *Orchestrator) Close() error {
	if o.browser != nil {
		return o.browser.Close()
	}
	return nil
}

func (o *Orchestrator) runTask(ctx context.Context, st SelectedTask) TaskResult {
	startTime := time.Now()
	task := st.Task
	result := TaskResult{Name: task.Name, Index: st.Index}
	taskLog := applog.ForTask(o.log, task.Name, "task")

	o.log.Info("============================================")
	taskLog.Infof("Task %d: %s (%s)", st.Index, task.Name, task.BaseURL)

	fail := func(err error) TaskResult {
		result.Error = err
		result.Duration = time.Since(startTime)
		taskLog.Errorf("Task failed: %v", err)
		return result
	}

	chain, err := rules.CompileChain(task)
	if err != nil {
		return fail(err)
	}
	if o.opts.MaxLevel > 0 {
		chain.Truncate(o.opts.MaxLevel)
	}

	outputPath := filepath.Join(o.appCfg.OutputDir, config.GetEffectiveOutputFile(task))
	wantCrawl := !o.opts.DownloadOnly && !o.opts.CaptureOnly
	wantDownload := task.Download.Enabled && !o.opts.CrawlOnly && !o.opts.CaptureOnly
	wantCapture := task.Capture.Enabled && !o.opts.CrawlOnly && !o.opts.DownloadOnly

	records := make(map[int][]models.FrontierRecord)
	if wantCrawl {
		out, err := o.crawl(ctx, task, chain, outputPath, taskLog)
		result.Crawl = out.summary
		result.Exported = out.exported
		result.Failures = out.failures
		records = out.records
		if err != nil {
			return fail(err)
		}
	}
	// recordsAt returns the records of level, reading an earlier crawl's
	// frontier when this run did not crawl.
	recordsAt := func(level int) ([]models.FrontierRecord, error) {
		if recs, ok := records[level]; ok {
			return recs, nil
		}
		recs, err := o.loadRecords(task, outputPath, level, taskLog)
		if err != nil {
			return nil, err
		}
		records[level] = recs
		return recs, nil
	}

	if wantDownload {
		var recs []models.FrontierRecord
		if task.Download.Input == "" {
			if recs, err = recordsAt(config.GetEffectiveDownloadLevel(task)); err != nil {
				return fail(err)
			}
		}
		summary, err := o.download(ctx, task, recs, taskLog)
		result.Download = summary
		if err != nil {
			return fail(err)
		}
	} else if o.opts.DownloadOnly {
		taskLog.Info("Download phase not enabled for this task; nothing to do")
	}

	if wantCapture {
		var recs []models.FrontierRecord
		if task.Capture.Input == "" {
			if recs, err = recordsAt(config.GetEffectiveCaptureLevel(task)); err != nil {
				return fail(err)
			}
		}
		summary, err := o.capture(ctx, task, recs, taskLog)
		result.Capture = summary
		if err != nil {
			return fail(err)
		}
	} else if o.opts.CaptureOnly {
		taskLog.Info("Capture phase not enabled for this task; nothing to do")
	}

	result.Success = true
	result.Duration = time.Since(startTime)
	return result
}

func (o *Orchestrator) openFrontier(task config.TaskConfig, outputPath string, resume bool, log *logrus.Entry) (*storage.FrontierStore, error) {
	return storage.OpenFrontier(storage.FrontierOptions{
		LogPath:    outputPath,
		StateDir:   o.appCfg.StateDir,
		TaskName:   task.Name,
		Resume:     resume,
		FlushEvery: o.appCfg.Fetch.FlushEvery,
	}, log.WithField("component", "storage"))
}

// crawlOutput is everything the crawl phase hands back to runTask
type crawlOutput struct {
	summary  *crawler.RunSummary
	records  map[int][]models.FrontierRecord // Input of the later phases, by level
	exported []string
	failures *storage.FailureReport
}

// crawl runs the level chain and returns the records the later phases need.
func (o *Orchestrator) crawl(ctx context.Context, task config.TaskConfig, chain *rules.Chain, outputPath string, log *logrus.Entry) (crawlOutput, error) {
	var out crawlOutput
	store, err := o.openFrontier(task, outputPath, o.opts.Resume, log)
	if err != nil {
		return out, err
	}
	defer store.Close()

	gcCtx, stopGC := context.WithCancel(ctx)
	defer stopGC()
	go store.Ledger().RunGC(gcCtx, gcInterval)

	factory, err := o.sessionFactory(log)
	if err != nil {
		return out, err
	}
	concurrency := config.GetEffectiveConcurrency(task, *o.appCfg)
	pool := fetch.NewSessionPool(concurrency, factory, log)
	defer pool.Close()

	gate := challenge.NewGate(o.appCfg.Challenge, o.opts.Operator, log)
	limiter := fetch.NewRateLimiter(config.GetEffectiveRequestDelay(task, *o.appCfg), o.appCfg.Fetch.Jitter, log)
	sched := fetch.NewScheduler(fetch.SchedulerConfig{
		Concurrency:     concurrency,
		PerFetchTimeout: o.appCfg.Fetch.PerFetchTimeout,
		Policy:          fetch.NewRetryPolicy(o.appCfg.Fetch),
	}, pool, gate, limiter, log)

	summary, runErr := crawler.NewRunner(chain, sched, store, log).Run(ctx)
	out.summary = summary

	if task.ExportLevelFiles && !errors.Is(runErr, utils.ErrStorage) {
		if err := store.Flush(); err == nil {
			out.exported, err = crawler.ExportLevelFiles(store, chain, outputPath, log)
			if err != nil {
				log.Errorf("Level export failed: %v", err)
			}
		}
	}

	if !errors.Is(runErr, utils.ErrStorage) {
		out.failures = o.reportFailures(ctx, store, log)
	}

	out.records = make(map[int][]models.FrontierRecord)
	for _, level := range []int{config.GetEffectiveDownloadLevel(task), config.GetEffectiveCaptureLevel(task)} {
		out.records[level] = store.Records(level)
	}
	return out, runErr
}

// reportFailures logs the fetches a resume would retry. The report is
// advisory, so a failed scan is logged and yields nil.
func (o *Orchestrator) reportFailures(ctx context.Context, store *storage.FrontierStore, log *logrus.Entry) *storage.FailureReport {
	if err := store.Flush(); err != nil {
		log.Warnf("Flushing before failure report: %v", err)
		return nil
	}
	// The crawl may have been cancelled; the scan is short and runs regardless.
	report, err := storage.ReportFailures(context.WithoutCancel(ctx), store.Ledger(), failureSampleSize)
	if err != nil {
		log.Warnf("Failure report unavailable: %v", err)
		return nil
	}
	if report.Total == 0 {
		return report
	}

	types := make([]string, 0, len(report.ByType))
	for t, n := range report.ByType {
		types = append(types, fmt.Sprintf("%s=%d", t, n))
	}
	sort.Strings(types)
	log.Warnf("%d URLs failed and stay pending for resume (%s)", report.Total, strings.Join(types, ", "))
	for _, u := range report.Sample {
		log.Warnf("  pending: %s", u)
	}
	if report.Total > len(report.Sample) {
		log.Warnf("  ... and %d more", report.Total-len(report.Sample))
	}
	return report
}

func (o *Orchestrator) loadRecords(task config.TaskConfig, outputPath string, level int, log *logrus.Entry) ([]models.FrontierRecord, error) {
	store, err := o.openFrontier(task, outputPath, true, log)
	if err != nil {
		return nil, err
	}
	defer store.Close()
	return store.Records(level), nil
}

func (o *Orchestrator) download(ctx context.Context, task config.TaskConfig, records []models.FrontierRecord, log *logrus.Entry) (*download.Summary, error) {
	dlCfg := o.appCfg.Download

	var items []download.Item
	if task.Download.Input != "" {
		loaded, skipped, err := download.LoadItems(task.Download.Input, config.GetEffectiveURLField(task))
		if err != nil {
			return nil, err
		}
		if skipped > 0 {
			log.Warnf("Skipped %d input lines without a '%s' field", skipped, config.GetEffectiveURLField(task))
		}
		items = loaded
	} else {
		items = download.ItemsFromRecords(records)
	}
	if len(items) == 0 {
		log.Info("No documents to download")
		return &download.Summary{}, nil
	}

	policy := fetch.RetryPolicy{MaxRetries: dlCfg.MaxRetries, BaseDelay: dlCfg.RetryDelay, Backoff: fetch.BackoffFixed}
	fetcher := fetch.NewFetcher(o.client, policy, log)
	d, err := download.New(dlCfg, config.GetEffectiveDownloadDir(task, *o.appCfg), o.appCfg.HTTPClientSettings.UserAgent, fetcher,
		challenge.NewDetector(o.appCfg.Challenge.ExtraMarkers), log)
	if err != nil {
		return nil, err
	}
	resultsPath := filepath.Join(o.appCfg.OutputDir, utils.SanitizeFilename(task.Name)+"_"+dlCfg.OutputFile)
	return d.Run(ctx, items, resultsPath)
}

// capture saves the pages of the capture level (or capture.input) on one
// session of the configured kind.
func (o *Orchestrator) capture(ctx context.Context, task config.TaskConfig, records []models.FrontierRecord, log *logrus.Entry) (*capture.Summary, error) {
	capCfg := task.Capture

	var items []capture.Item
	if capCfg.Input != "" {
		loaded, skipped, err := capture.LoadItems(capCfg.Input, capCfg.URLField)
		if err != nil {
			return nil, err
		}
		if skipped > 0 {
			log.Warnf("Skipped %d capture input lines without a '%s' field", skipped, capCfg.URLField)
		}
		items = loaded
	} else {
		items = capture.ItemsFromRecords(records)
	}
	if len(items) == 0 {
		log.Info("No pages to capture")
		return &capture.Summary{}, nil
	}

	factory, err := o.sessionFactory(log)
	if err != nil {
		return nil, err
	}
	pool := fetch.NewSessionPool(1, factory, log)
	defer pool.Close()

	gate := challenge.NewGate(o.appCfg.Challenge, o.opts.Operator, log)
	c := capture.New(capCfg, o.appCfg.Fetch, config.GetEffectiveCaptureDir(task, *o.appCfg), pool, gate, log)
	resultsPath := filepath.Join(o.appCfg.OutputDir, utils.SanitizeFilename(task.Name)+"_"+capCfg.OutputFile)
	return c.Run(ctx, items, resultsPath)
}

func (o *Orchestrator) sessionFactory(log *logrus.Entry) (fetch.SessionFactory, error) {
	if o.opts.SessionFactory != nil {
		return o.opts.SessionFactory, nil
	}
	if !o.appCfg.Browser.Enabled {
		return fetch.NewHTTPSessionFactory(o.client, o.appCfg.HTTPClientSettings, log), nil
	}
	if o.browser == nil {
		b, err := fetch.NewBrowserFactory(o.appCfg.Browser, log)
		if err != nil {
			return nil, err
		}
		o.browser = b
	}
	return o.browser, nil
}

// logSummary logs a summary of all task results
func (o *Orchestrator) logSummary(totalDuration time.Duration) {
	o.log.Info("============================================")
	o.log.Infof("Run completed in %v", totalDuration.Round(time.Millisecond))
	o.log.Info("Task Results:")

	successCount, failCount := 0, 0
	for _, r := range o.results {
		status := "SUCCESS"
		if !r.Success {
			status = "FAILED"
			failCount++
		} else {
			successCount++
		}

		line := fmt.Sprintf("  [%d] %s: %s in %v", r.Index, r.Name, status, r.Duration.Round(time.Millisecond))
		if r.Crawl != nil {
			line += fmt.Sprintf(" - %d records, %d failed fetches, stopped at level %d (%s)",
				r.Crawl.Appended(), r.Crawl.Failed(), r.Crawl.StopLevel, r.Crawl.StopReason)
		}
		if r.Download != nil {
			line += fmt.Sprintf(" - %d downloaded, %d present, %d failed",
				r.Download.Downloaded, r.Download.Exists, r.Download.Failed)
		}
		if r.Capture != nil {
			line += fmt.Sprintf(" - %d pages captured, %d failed", r.Capture.Captured, r.Capture.Failed)
		}
		o.log.Info(line)
		if r.Error != nil {
			o.log.Infof("    Error: %v", r.Error)
		}
	}

	o.log.Info("--------------------------------------------")
	o.log.Infof("Total: %d tasks (%d success, %d failed)", len(o.results), successCount, failCount)
	o.log.Info("============================================")
}

// ParseTaskIndices parses a comma-separated list of 1-based task indices ("1,3").
func ParseTaskIndices(s string) ([]int, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var out []int
	seen := make(map[int]bool)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("%w: invalid task index '%s'", utils.ErrConfigValidation, part)
		}
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	return out, nil
}

// SelectTasks returns the tasks to run. Without indices every enabled task
// is selected; explicitly selected tasks run even when disabled.
func SelectTasks(appCfg *config.AppConfig, indices []int) ([]SelectedTask, error) {
	if len(indices) == 0 {
		var out []SelectedTask
		for i, t := range appCfg.Tasks {
			if t.IsEnabled() {
				out = append(out, SelectedTask{Index: i + 1, Task: t})
			}
		}
		return out, nil
	}

	out := make([]SelectedTask, 0, len(indices))
	for _, idx := range indices {
		if idx < 1 || idx > len(appCfg.Tasks) {
			return nil, fmt.Errorf("%w: task index %d out of range (1-%d)", utils.ErrConfigValidation, idx, len(appCfg.Tasks))
		}
		out = append(out, SelectedTask{Index: idx, Task: appCfg.Tasks[idx-1]})
	}
	return out, nil
}

// IsFatal reports whether a task error must abort with a non-zero exit status
func IsFatal(err error) bool {
	return errors.Is(err, utils.ErrConfigValidation) ||
		errors.Is(err, utils.ErrStorage) ||
		errors.Is(err, utils.ErrDatabase) ||
		errors.Is(err, utils.ErrFilesystem)
}
