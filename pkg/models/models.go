package models

import (
	"net/http"
	"time"
)

// FrontierRecord is one surviving link discovered at a chain level.
// Records are appended once to the record log and never mutated.
type FrontierRecord struct {
	Level          int       `json:"level"`
	LevelName      string    `json:"level_name,omitempty"`
	URL            string    `json:"url"`                       // Resolved absolute URL, the global dedup key
	SourceURL      string    `json:"source_url"`                // Page the candidate was extracted from
	MatchedText    string    `json:"matched_text"`              // Raw candidate before resolution
	ExtractPattern string    `json:"extract_pattern,omitempty"` // Pattern that produced the candidate
	FilterPattern  string    `json:"filter_pattern,omitempty"`
	RunID          string    `json:"run_id,omitempty"` // Run that discovered the record
	DiscoveredAt   time.Time `json:"timestamp"`
}

// Page is what a fetch session returns for one URL.
type Page struct {
	URL        string      // Requested URL
	FinalURL   string      // URL after redirects
	StatusCode int         // 0 when the session cannot observe it
	HTML       string      // Final (rendered) HTML
	Title      string      // Document title, best-effort
	Headers    http.Header // Response headers, best-effort
}

// FetchOutcome is the result of fetching one URL, after all retries.
// It lives only for one scheduler pass.
type FetchOutcome struct {
	URL          string
	Status       FetchStatus
	StatusCode   int
	Page         *Page // Set when Status is FetchOK
	AttemptCount int
	Err          error // Last error for non-ok outcomes
	Duration     time.Duration
}

// OK reports whether the outcome carries usable content.
func (o *FetchOutcome) OK() bool {
	return o != nil && o.Status == FetchOK && o.Page != nil
}

// FetchEntry records in the ledger that a frontier URL was fetched as input
// to the next level.
type FetchEntry struct {
	Status     FetchStatus `json:"status"`
	Level      int         `json:"level"` // Level whose input this URL was
	Attempts   int         `json:"attempts"`
	StatusCode int         `json:"status_code,omitempty"`
	Survivors  int         `json:"survivors"`            // Records appended from this page
	ErrorType  string      `json:"error_type,omitempty"` // Error category (on failure)
	FetchedAt  time.Time   `json:"fetched_at"`
}

// DownloadResult is one line of the download phase's result file.
type DownloadResult struct {
	Title     string         `json:"title"`
	Year      string         `json:"year"`
	PDFURL    string         `json:"pdf_url"`
	SourceURL string         `json:"source_url,omitempty"`
	LocalPath string         `json:"local_path"`
	Status    DownloadStatus `json:"status"`
	Bytes     int64          `json:"bytes,omitempty"`
	SHA256    string         `json:"sha256,omitempty"`
	Error     string         `json:"error,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// PageActions describes in-page work done after a page is fetched and its
// challenge cleared, but before its content is captured for extraction.
type PageActions struct {
	DismissCookies bool          // Click a visible cookie-consent button first
	ClickSelector  string        // CSS selector of "load more" style buttons
	MaxClicks      int           // Upper bound on click rounds
	ClickDelay     time.Duration // Pause after each click round
}

// Empty reports whether there is nothing to do.
func (a *PageActions) Empty() bool {
	return a == nil || (!a.DismissCookies && a.ClickSelector == "")
}

// CaptureResult is one line of the capture phase's result file.
type CaptureResult struct {
	URL            string        `json:"url"`
	SourceURL      string        `json:"source_url,omitempty"`
	SourceTitle    string        `json:"source_title,omitempty"` // Title carried by the input record
	PageTitle      string        `json:"page_title"`
	Status         CaptureStatus `json:"status"`
	HTMLPath       string        `json:"html_path,omitempty"`
	HTMLSHA256     string        `json:"html_sha256,omitempty"`
	ScreenshotPath string        `json:"screenshot_path,omitempty"`
	Attempts       int           `json:"attempts"`
	Error          string        `json:"error,omitempty"`
	Timestamp      time.Time     `json:"timestamp"`
}
