package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Sriram-PR/chain-scraper/pkg/utils"
)

// AppConfig holds the global application configuration
type AppConfig struct {
	StateDir           string           `yaml:"state_dir"`
	OutputDir          string           `yaml:"output_dir"`
	TaskInterval       time.Duration    `yaml:"task_interval,omitempty"` // Pause between consecutive tasks
	HTTPClientSettings HTTPClientConfig `yaml:"http_client_settings,omitempty"`
	Browser            BrowserConfig    `yaml:"browser,omitempty"`
	Fetch              FetchConfig      `yaml:"fetch,omitempty"`
	Challenge          ChallengeConfig  `yaml:"challenge,omitempty"`
	Download           DownloadConfig   `yaml:"download,omitempty"`
	Tasks              []TaskConfig     `yaml:"tasks"`
}

// HTTPClientConfig holds settings for the shared HTTP client
type HTTPClientConfig struct {
	Timeout               time.Duration     `yaml:"timeout,omitempty"`                 // Overall request timeout
	MaxIdleConns          int               `yaml:"max_idle_conns,omitempty"`          // Max total idle connections
	MaxIdleConnsPerHost   int               `yaml:"max_idle_conns_per_host,omitempty"` // Max idle connections per host
	IdleConnTimeout       time.Duration     `yaml:"idle_conn_timeout,omitempty"`       // Timeout for idle connections
	TLSHandshakeTimeout   time.Duration     `yaml:"tls_handshake_timeout,omitempty"`   // Timeout for TLS handshake
	ExpectContinueTimeout time.Duration     `yaml:"expect_continue_timeout,omitempty"` // Timeout for 100-continue
	ForceAttemptHTTP2     *bool             `yaml:"force_attempt_http2,omitempty"`     // nil=default, true=force, false=disable
	DialerTimeout         time.Duration     `yaml:"dialer_timeout,omitempty"`          // Connection dial timeout
	DialerKeepAlive       time.Duration     `yaml:"dialer_keep_alive,omitempty"`       // TCP keep-alive interval
	UserAgent             string            `yaml:"user_agent,omitempty"`
	Headers               map[string]string `yaml:"headers,omitempty"` // Sent with every plain HTTP request
}

// BrowserConfig controls the headless browser sessions
type BrowserConfig struct {
	Enabled       bool              `yaml:"enabled"`
	Headless      *bool             `yaml:"headless,omitempty"` // nil = true
	NoSandbox     bool              `yaml:"no_sandbox,omitempty"`
	Bin           string            `yaml:"bin,omitempty"`         // Browser binary; empty = auto-download/lookup
	ControlURL    string            `yaml:"control_url,omitempty"` // Connect to a running browser instead of launching
	Stealth       *bool             `yaml:"stealth,omitempty"`     // nil = true
	UserAgent     string            `yaml:"user_agent,omitempty"`
	DOMStableWait time.Duration     `yaml:"dom_stable_wait,omitempty"`
	Headers       map[string]string `yaml:"headers,omitempty"`
}

// FetchConfig tunes the per-level fetch scheduler
type FetchConfig struct {
	Concurrency     int           `yaml:"concurrency,omitempty"`
	PerFetchTimeout time.Duration `yaml:"per_fetch_timeout,omitempty"`
	MaxRetries      int           `yaml:"max_retries,omitempty"`
	RetryDelay      time.Duration `yaml:"retry_delay,omitempty"`
	MaxRetryDelay   time.Duration `yaml:"max_retry_delay,omitempty"`
	Backoff         string        `yaml:"backoff,omitempty"` // "fixed" or "exponential"
	RequestDelay    time.Duration `yaml:"request_delay,omitempty"`
	Jitter          time.Duration `yaml:"jitter,omitempty"`      // Upper bound of random extra delay
	FlushEvery      int           `yaml:"flush_every,omitempty"` // Record log flush interval, in records
}

// ChallengeConfig tunes challenge-page detection and clearance
type ChallengeConfig struct {
	MaxAttempts   int           `yaml:"max_attempts,omitempty"`
	AttemptWait   time.Duration `yaml:"attempt_wait,omitempty"`
	SettleWait    time.Duration `yaml:"settle_wait,omitempty"`
	ManualTimeout time.Duration `yaml:"manual_timeout,omitempty"` // 0 = wait for the operator indefinitely
	ExtraMarkers  []string      `yaml:"extra_markers,omitempty"`
}

// DownloadConfig holds global settings for the document download phase
type DownloadConfig struct {
	DownloadDir   string            `yaml:"download_dir,omitempty"`
	MaxConcurrent int               `yaml:"max_concurrent,omitempty"`
	RequestDelay  time.Duration     `yaml:"request_delay,omitempty"`
	Timeout       time.Duration     `yaml:"timeout,omitempty"`
	MaxRetries    int               `yaml:"max_retries,omitempty"`
	RetryDelay    time.Duration     `yaml:"retry_delay,omitempty"`
	YearPatterns  []string          `yaml:"year_patterns,omitempty"`
	DefaultYear   string            `yaml:"default_year,omitempty"`
	SaveEvery     int               `yaml:"save_every,omitempty"`
	OutputFile    string            `yaml:"output_file,omitempty"`
	URLRewrites   []URLRewrite      `yaml:"url_rewrites,omitempty"`
	Headers       map[string]string `yaml:"headers,omitempty"`
}

// URLRewrite replaces Pattern matches in a document URL before download
type URLRewrite struct {
	Pattern     string `yaml:"pattern"`
	Replacement string `yaml:"replacement"`
}

// TaskConfig is one configured crawl: a base URL and its declared level chain
type TaskConfig struct {
	Name             string         `yaml:"name"`
	Enabled          *bool          `yaml:"enabled,omitempty"` // nil = true
	BaseURL          string         `yaml:"base_url"`
	SeedURLs         []string       `yaml:"seed_urls,omitempty"` // Defaults to [base_url]
	OutputFile       string         `yaml:"output_file,omitempty"`
	MaxLevels        int            `yaml:"max_levels,omitempty"` // 0 = all declared levels
	ExportLevelFiles bool           `yaml:"export_level_files,omitempty"`
	Concurrency      *int           `yaml:"concurrency,omitempty"`
	RequestDelay     *time.Duration `yaml:"request_delay,omitempty"`
	Levels           []LevelSpec    `yaml:"levels"`
	Download         TaskDownload   `yaml:"download,omitempty"`
	Capture          TaskCapture    `yaml:"capture,omitempty"`
}

// LevelSpec declares how links are discovered at one hop of the chain
type LevelSpec struct {
	Level          int    `yaml:"level"`
	Name           string `yaml:"name,omitempty"`
	URLPattern     string `yaml:"url_pattern,omitempty"` // Expected shape of input URLs; informational
	ExtractPattern string `yaml:"extract_pattern"`
	FilterPattern  string `yaml:"filter_pattern,omitempty"`
	Description    string `yaml:"description,omitempty"`

	// Page expansion before extraction (browser sessions only)
	ClickSelector  string        `yaml:"click_selector,omitempty"`  // "Load more" style buttons to click
	MaxClicks      int           `yaml:"max_clicks,omitempty"`      // Defaults to 50 when click_selector is set
	ClickDelay     time.Duration `yaml:"click_delay,omitempty"`     // Defaults to 1s
	DismissCookies *bool         `yaml:"dismiss_cookies,omitempty"` // nil = true
}

// TaskDownload selects the records a task hands to the download phase
type TaskDownload struct {
	Enabled     bool   `yaml:"enabled"`
	Level       int    `yaml:"level,omitempty"`     // 0 = last declared level
	Input       string `yaml:"input,omitempty"`     // External JSONL instead of frontier records
	URLField    string `yaml:"url_field,omitempty"` // Field holding the document URL in Input
	DownloadDir string `yaml:"download_dir,omitempty"`
}

// TaskCapture configures saving the HTML and a screenshot of each record URL
type TaskCapture struct {
	Enabled        bool          `yaml:"enabled"`
	Level          int           `yaml:"level,omitempty"`     // 0 = last declared level
	Input          string        `yaml:"input,omitempty"`     // External JSONL instead of frontier records
	URLField       string        `yaml:"url_field,omitempty"` // Field holding the page URL in Input
	OutputDir      string        `yaml:"output_dir,omitempty"`
	OutputFile     string        `yaml:"output_file,omitempty"`
	SaveHTML       *bool         `yaml:"save_html,omitempty"`       // nil = true
	CleanHTML      bool          `yaml:"clean_html,omitempty"`      // Strip scripts, styles and comments
	SaveScreenshot *bool         `yaml:"save_screenshot,omitempty"` // nil = true
	FullPage       *bool         `yaml:"full_page,omitempty"`       // nil = true
	Format         string        `yaml:"format,omitempty"`          // "png" or "jpeg"
	Quality        int           `yaml:"quality,omitempty"`         // JPEG quality
	UseTitle       *bool         `yaml:"use_title,omitempty"`       // nil = true
	MaxNameLength  int           `yaml:"max_filename_length,omitempty"`
	RequestDelay   time.Duration `yaml:"request_delay,omitempty"`
	WaitAfterLoad  time.Duration `yaml:"wait_after_load,omitempty"`
	MaxRetries     int           `yaml:"max_retries,omitempty"`
}

// Load reads and parses a YAML config file. Defaults are applied by Validate.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading config '%s': %w", utils.ErrFilesystem, path, err)
	}
	var cfg AppConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: parsing config '%s': %w", utils.ErrConfigValidation, path, err)
	}
	return &cfg, nil
}

// IsEnabled reports whether the task runs when no explicit selection is made
func (t TaskConfig) IsEnabled() bool {
	return t.Enabled == nil || *t.Enabled
}

// LastLevel returns the highest declared level ordinal, or 0 with no levels
func (t TaskConfig) LastLevel() int {
	last := 0
	for _, l := range t.Levels {
		if l.Level > last {
			last = l.Level
		}
	}
	return last
}

// GetEffectiveSeeds returns the task's seed URLs, defaulting to the base URL
func GetEffectiveSeeds(task TaskConfig) []string {
	if len(task.SeedURLs) > 0 {
		return task.SeedURLs
	}
	return []string{task.BaseURL}
}

// GetEffectiveConcurrency determines the fetch concurrency for a task
func GetEffectiveConcurrency(task TaskConfig, appCfg AppConfig) int {
	if task.Concurrency != nil && *task.Concurrency > 0 {
		return *task.Concurrency
	}
	if appCfg.Fetch.Concurrency > 0 {
		return appCfg.Fetch.Concurrency
	}
	return 1
}

// GetEffectiveRequestDelay determines the per-session request delay for a task
func GetEffectiveRequestDelay(task TaskConfig, appCfg AppConfig) time.Duration {
	if task.RequestDelay != nil && *task.RequestDelay >= 0 {
		return *task.RequestDelay
	}
	return appCfg.Fetch.RequestDelay
}

// GetEffectiveOutputFile determines the record log filename for a task.
// Task name is sanitized for the fallback.
func GetEffectiveOutputFile(task TaskConfig) string {
	if task.OutputFile != "" {
		return task.OutputFile
	}
	return utils.SanitizeFilename(task.Name) + ".jsonl"
}

// GetEffectiveDownloadDir determines where a task's documents are written
func GetEffectiveDownloadDir(task TaskConfig, appCfg AppConfig) string {
	if task.Download.DownloadDir != "" {
		return task.Download.DownloadDir
	}
	return appCfg.Download.DownloadDir
}

// GetEffectiveDownloadLevel determines which level's records feed the download phase
func GetEffectiveDownloadLevel(task TaskConfig) int {
	if task.Download.Level > 0 {
		return task.Download.Level
	}
	return task.LastLevel()
}

// GetEffectiveURLField determines the document URL field of an external input file
func GetEffectiveURLField(task TaskConfig) string {
	if task.Download.URLField != "" {
		return task.Download.URLField
	}
	return "url"
}

// GetEffectiveHeadless determines whether the browser runs headless
func GetEffectiveHeadless(b BrowserConfig) bool {
	return b.Headless == nil || *b.Headless
}

// GetEffectiveStealth determines whether browser pages get the stealth setup
func GetEffectiveStealth(b BrowserConfig) bool {
	return b.Stealth == nil || *b.Stealth
}

// GetEffectiveDismissCookies determines whether a level clicks cookie banners away
func GetEffectiveDismissCookies(lvl LevelSpec) bool {
	return lvl.DismissCookies == nil || *lvl.DismissCookies
}

// GetEffectiveCaptureLevel determines which level's records feed the capture phase
func GetEffectiveCaptureLevel(task TaskConfig) int {
	if task.Capture.Level > 0 {
		return task.Capture.Level
	}
	return task.LastLevel()
}

// GetEffectiveCaptureDir determines where a task's captures are written
func GetEffectiveCaptureDir(task TaskConfig, appCfg AppConfig) string {
	if task.Capture.OutputDir != "" {
		return task.Capture.OutputDir
	}
	return filepath.Join(appCfg.OutputDir, "captures", utils.SanitizeFilename(task.Name))
}

// boolOr returns *b, or def when b is nil
func boolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}

// SavesHTML reports whether capture writes the page HTML
func (c TaskCapture) SavesHTML() bool { return boolOr(c.SaveHTML, true) }

// SavesScreenshot reports whether capture writes a screenshot
func (c TaskCapture) SavesScreenshot() bool { return boolOr(c.SaveScreenshot, true) }

// IsFullPage reports whether screenshots cover the whole document
func (c TaskCapture) IsFullPage() bool { return boolOr(c.FullPage, true) }

// UsesTitle reports whether capture files are named from the page title
func (c TaskCapture) UsesTitle() bool { return boolOr(c.UseTitle, true) }
