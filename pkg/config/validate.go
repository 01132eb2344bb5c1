package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/dlclark/regexp2"

	"github.com/Sriram-PR/chain-scraper/pkg/utils"
)

// Validate checks AppConfig fields and applies sensible defaults.
// Returns collected warnings and any fatal error.
// Modifies receiver in place to apply defaults.
func (c *AppConfig) Validate() (warnings []string, err error) {
	// StateDir
	if c.StateDir == "" {
		warnings = append(warnings, "state_dir is empty, defaulting to './state'")
		c.StateDir = "./state"
	}

	// OutputDir
	if c.OutputDir == "" {
		warnings = append(warnings, "output_dir is empty, defaulting to './output'")
		c.OutputDir = "./output"
	}

	// TaskInterval
	if c.TaskInterval < 0 {
		warnings = append(warnings, "task_interval cannot be negative, setting to 0")
		c.TaskInterval = 0
	}

	c.validateHTTPClientSettings()
	c.validateBrowser()
	warnings = append(warnings, c.validateFetch()...)
	warnings = append(warnings, c.validateChallenge()...)

	dlWarnings, err := c.validateDownload()
	warnings = append(warnings, dlWarnings...)
	if err != nil {
		return warnings, err
	}

	// Tasks
	if len(c.Tasks) == 0 {
		return warnings, fmt.Errorf("%w: no tasks configured", utils.ErrConfigValidation)
	}
	names := make(map[string]int, len(c.Tasks))
	for i := range c.Tasks {
		task := &c.Tasks[i]
		taskWarnings, taskErr := task.Validate()
		for _, w := range taskWarnings {
			warnings = append(warnings, fmt.Sprintf("task '%s': %s", task.Name, w))
		}
		if taskErr != nil {
			return warnings, fmt.Errorf("task #%d (%s): %w", i+1, task.Name, taskErr)
		}
		if prev, dup := names[task.Name]; dup {
			warnings = append(warnings, fmt.Sprintf(
				"tasks #%d and #%d share the name '%s'; their state directories collide", prev, i+1, task.Name))
		} else {
			names[task.Name] = i + 1
		}
	}

	return warnings, nil
}

// validateHTTPClientSettings applies defaults to HTTP client settings.
func (c *AppConfig) validateHTTPClientSettings() {
	h := &c.HTTPClientSettings
	if h.Timeout <= 0 {
		h.Timeout = 45 * time.Second
	}
	if h.MaxIdleConns <= 0 {
		h.MaxIdleConns = 100
	}
	if h.MaxIdleConnsPerHost <= 0 {
		h.MaxIdleConnsPerHost = 2
	}
	if h.IdleConnTimeout <= 0 {
		h.IdleConnTimeout = 90 * time.Second
	}
	if h.TLSHandshakeTimeout <= 0 {
		h.TLSHandshakeTimeout = 10 * time.Second
	}
	if h.ExpectContinueTimeout <= 0 {
		h.ExpectContinueTimeout = 1 * time.Second
	}
	if h.DialerTimeout <= 0 {
		h.DialerTimeout = 15 * time.Second
	}
	if h.DialerKeepAlive <= 0 {
		h.DialerKeepAlive = 30 * time.Second
	}
}

func (c *AppConfig) validateBrowser() {
	if c.Browser.DOMStableWait <= 0 {
		c.Browser.DOMStableWait = 300 * time.Millisecond
	}
}

func (c *AppConfig) validateFetch() (warnings []string) {
	f := &c.Fetch
	if f.Concurrency <= 0 {
		f.Concurrency = 1
	}
	if f.PerFetchTimeout <= 0 {
		f.PerFetchTimeout = 60 * time.Second
	}
	if f.MaxRetries < 0 {
		warnings = append(warnings, "fetch.max_retries cannot be negative, setting to 0")
		f.MaxRetries = 0
	}
	if f.MaxRetries == 0 && f.RetryDelay == 0 {
		f.MaxRetries = 3
	}
	if f.MaxRetries > 0 {
		if f.RetryDelay <= 0 {
			f.RetryDelay = 2 * time.Second
		}
		if f.MaxRetryDelay <= 0 {
			f.MaxRetryDelay = 30 * time.Second
		}
	}
	if f.RetryDelay > f.MaxRetryDelay && f.MaxRetryDelay > 0 {
		warnings = append(warnings, fmt.Sprintf(
			"fetch.retry_delay (%v) > fetch.max_retry_delay (%v), using max_retry_delay for both",
			f.RetryDelay, f.MaxRetryDelay))
		f.RetryDelay = f.MaxRetryDelay
	}
	switch strings.ToLower(f.Backoff) {
	case "":
		f.Backoff = "fixed"
	case "fixed", "exponential":
		f.Backoff = strings.ToLower(f.Backoff)
	default:
		warnings = append(warnings, fmt.Sprintf("fetch.backoff '%s' unknown, using 'fixed'", f.Backoff))
		f.Backoff = "fixed"
	}
	if f.RequestDelay < 0 {
		warnings = append(warnings, "fetch.request_delay cannot be negative, setting to 0")
		f.RequestDelay = 0
	}
	if f.Jitter < 0 {
		f.Jitter = 0
	}
	if f.FlushEvery <= 0 {
		f.FlushEvery = 20
	}
	return warnings
}

func (c *AppConfig) validateChallenge() (warnings []string) {
	ch := &c.Challenge
	if ch.MaxAttempts <= 0 {
		ch.MaxAttempts = 3
	}
	if ch.AttemptWait <= 0 {
		ch.AttemptWait = 5 * time.Second
	}
	if ch.SettleWait <= 0 {
		ch.SettleWait = 2 * time.Second
	}
	if ch.ManualTimeout < 0 {
		warnings = append(warnings, "challenge.manual_timeout cannot be negative, waiting indefinitely")
		ch.ManualTimeout = 0
	}
	markers := ch.ExtraMarkers[:0]
	for _, m := range ch.ExtraMarkers {
		if strings.TrimSpace(m) == "" {
			warnings = append(warnings, "challenge.extra_markers contains an empty marker, ignoring it")
			continue
		}
		markers = append(markers, m)
	}
	ch.ExtraMarkers = markers
	return warnings
}

func (c *AppConfig) validateDownload() (warnings []string, err error) {
	d := &c.Download
	if d.DownloadDir == "" {
		d.DownloadDir = "./downloads"
	}
	if d.MaxConcurrent <= 0 {
		d.MaxConcurrent = 2
	}
	if d.RequestDelay <= 0 {
		d.RequestDelay = 3 * time.Second
	}
	if d.Timeout <= 0 {
		d.Timeout = 120 * time.Second
	}
	if d.MaxRetries < 0 {
		d.MaxRetries = 0
	}
	if d.MaxRetries == 0 && d.RetryDelay == 0 {
		d.MaxRetries = 3
	}
	if d.RetryDelay <= 0 {
		d.RetryDelay = 10 * time.Second
	}
	if len(d.YearPatterns) == 0 {
		d.YearPatterns = []string{`/paper/(\d{4})/`, `/(\d{4})/`}
	}
	if _, err := utils.CompilePatterns("download.year_patterns", d.YearPatterns, regexp2.None); err != nil {
		return warnings, err
	}
	for i, rw := range d.URLRewrites {
		if _, err := utils.CompilePattern(fmt.Sprintf("download.url_rewrites #%d", i+1), rw.Pattern, regexp2.None); err != nil {
			return warnings, err
		}
	}
	if d.DefaultYear == "" {
		d.DefaultYear = "Unknown"
	}
	if d.SaveEvery <= 0 {
		d.SaveEvery = 50
	}
	if d.OutputFile == "" {
		d.OutputFile = "download_results.jsonl"
	}
	return warnings, nil
}

// Validate checks TaskConfig fields and applies defaults.
// Returns collected warnings and any fatal error.
// Every level pattern is compiled here so a bad chain fails before any fetch.
func (t *TaskConfig) Validate() (warnings []string, err error) {
	// Required: BaseURL
	if t.BaseURL == "" {
		return nil, fmt.Errorf("%w: task has no base_url", utils.ErrConfigValidation)
	}
	base, perr := url.Parse(t.BaseURL)
	if perr != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("%w: base_url '%s' is not an absolute URL", utils.ErrConfigValidation, t.BaseURL)
	}

	if t.Name == "" {
		t.Name = base.Host
		warnings = append(warnings, fmt.Sprintf("name is empty, using host '%s'", t.Name))
	}

	// Required: Levels
	if len(t.Levels) == 0 {
		return warnings, fmt.Errorf("%w: task declares no levels", utils.ErrConfigValidation)
	}

	seen := make(map[int]bool, len(t.Levels))
	for i, lvl := range t.Levels {
		if lvl.Level < 1 {
			return warnings, fmt.Errorf("%w: levels[%d] has ordinal %d, must be >= 1",
				utils.ErrConfigValidation, i, lvl.Level)
		}
		if seen[lvl.Level] {
			return warnings, fmt.Errorf("%w: level %d declared twice", utils.ErrConfigValidation, lvl.Level)
		}
		seen[lvl.Level] = true

		if strings.TrimSpace(lvl.ExtractPattern) == "" {
			return warnings, fmt.Errorf("%w: level %d has no extract_pattern", utils.ErrConfigValidation, lvl.Level)
		}
		if _, err := utils.CompilePattern("extract_pattern", lvl.ExtractPattern, regexp2.IgnoreCase); err != nil {
			return warnings, fmt.Errorf("level %d: %w", lvl.Level, err)
		}
		if lvl.FilterPattern != "" {
			if _, err := utils.CompilePattern("filter_pattern", lvl.FilterPattern, regexp2.None); err != nil {
				return warnings, fmt.Errorf("level %d: %w", lvl.Level, err)
			}
		}
		if lvl.URLPattern != "" {
			if _, err := utils.CompilePattern("url_pattern", lvl.URLPattern, regexp2.None); err != nil {
				return warnings, fmt.Errorf("level %d: %w", lvl.Level, err)
			}
		}
		warnings = append(warnings, t.Levels[i].applyClickDefaults()...)
	}

	for i, seed := range t.SeedURLs {
		u, perr := url.Parse(seed)
		if perr != nil || u.Scheme == "" || u.Host == "" {
			return warnings, fmt.Errorf("%w: seed_urls[%d] '%s' is not an absolute URL",
				utils.ErrConfigValidation, i, seed)
		}
	}

	// MaxLevels
	if t.MaxLevels < 0 {
		warnings = append(warnings, "max_levels cannot be negative, setting to 0 (all levels)")
		t.MaxLevels = 0
	}

	if t.Concurrency != nil && *t.Concurrency <= 0 {
		warnings = append(warnings, "concurrency override must be > 0, ignoring it")
		t.Concurrency = nil
	}
	if t.RequestDelay != nil && *t.RequestDelay < 0 {
		warnings = append(warnings, "request_delay override cannot be negative, ignoring it")
		t.RequestDelay = nil
	}

	if t.Download.Level > 0 && !seen[t.Download.Level] {
		return warnings, fmt.Errorf("%w: download.level %d is not a declared level",
			utils.ErrConfigValidation, t.Download.Level)
	}

	capWarnings, err := t.Capture.validate(seen)
	warnings = append(warnings, capWarnings...)
	return warnings, err
}

// applyClickDefaults fills in the page expansion settings of one level.
func (l *LevelSpec) applyClickDefaults() (warnings []string) {
	l.ClickSelector = strings.TrimSpace(l.ClickSelector)
	if l.MaxClicks < 0 {
		warnings = append(warnings, fmt.Sprintf("level %d: max_clicks cannot be negative, using default", l.Level))
		l.MaxClicks = 0
	}
	if l.ClickDelay < 0 {
		warnings = append(warnings, fmt.Sprintf("level %d: click_delay cannot be negative, using default", l.Level))
		l.ClickDelay = 0
	}
	if l.ClickSelector == "" {
		if l.MaxClicks > 0 {
			warnings = append(warnings, fmt.Sprintf("level %d: max_clicks has no effect without click_selector", l.Level))
		}
		return warnings
	}
	if l.MaxClicks == 0 {
		l.MaxClicks = 50
	}
	if l.ClickDelay == 0 {
		l.ClickDelay = time.Second
	}
	return warnings
}

func (c *TaskCapture) validate(levels map[int]bool) (warnings []string, err error) {
	if c.Level > 0 && !levels[c.Level] {
		return warnings, fmt.Errorf("%w: capture.level %d is not a declared level",
			utils.ErrConfigValidation, c.Level)
	}
	switch strings.ToLower(c.Format) {
	case "", "png":
		c.Format = "png"
	case "jpeg", "jpg":
		c.Format = "jpeg"
	default:
		warnings = append(warnings, fmt.Sprintf("capture.format '%s' unknown, using 'png'", c.Format))
		c.Format = "png"
	}
	if c.Quality <= 0 || c.Quality > 100 {
		c.Quality = 80
	}
	if c.MaxNameLength <= 0 {
		c.MaxNameLength = 100
	}
	if c.MaxNameLength < 20 {
		warnings = append(warnings, "capture.max_filename_length below 20, raising it to 20")
		c.MaxNameLength = 20
	}
	if c.OutputFile == "" {
		c.OutputFile = "capture_results.jsonl"
	}
	if c.URLField == "" {
		c.URLField = "url"
	}
	if c.RequestDelay <= 0 {
		c.RequestDelay = 2 * time.Second
	}
	if c.WaitAfterLoad < 0 {
		c.WaitAfterLoad = 0
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 2
	}
	if c.Enabled && !c.SavesHTML() && !c.SavesScreenshot() {
		warnings = append(warnings, "capture enabled with both save_html and save_screenshot off; nothing will be written")
	}
	return warnings, nil
}
