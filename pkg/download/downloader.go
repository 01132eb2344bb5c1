package download

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dlclark/regexp2"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/Sriram-PR/chain-scraper/pkg/challenge"
	"github.com/Sriram-PR/chain-scraper/pkg/config"
	"github.com/Sriram-PR/chain-scraper/pkg/fetch"
	"github.com/Sriram-PR/chain-scraper/pkg/models"
	"github.com/Sriram-PR/chain-scraper/pkg/storage"
	"github.com/Sriram-PR/chain-scraper/pkg/utils"
)

// sniffBytes is how much of a body is inspected before writing it; PDF
// readers accept the header anywhere in the first 1024 bytes.
const sniffBytes = 1024

// Item is one document to download
type Item struct {
	URL       string
	SourceURL string
	Title     string
}

// Summary counts the results of one download run
type Summary struct {
	Total      int
	Downloaded int
	Exists     int
	Failed     int
	Bytes      int64
	Duration   time.Duration
}

// Downloader fetches documents into <dir>/<year>/<filename> with bounded
// concurrency and a global request pace.
type Downloader struct {
	cfg      config.DownloadConfig
	dir      string
	fetcher  *fetch.Fetcher
	detector *challenge.Detector
	years    *YearExtractor
	rewrites []rewriter
	limiter  *rate.Limiter
	headers  map[string]string
	ua       string
	log      *logrus.Entry
}

// New creates a Downloader writing under dir. cfg must already be validated.
func New(cfg config.DownloadConfig, dir, userAgent string, fetcher *fetch.Fetcher, detector *challenge.Detector, log *logrus.Entry) (*Downloader, error) {
	years, err := NewYearExtractor(cfg.YearPatterns, cfg.DefaultYear)
	if err != nil {
		return nil, err
	}

	d := &Downloader{
		cfg:      cfg,
		dir:      dir,
		fetcher:  fetcher,
		detector: detector,
		years:    years,
		headers:  cfg.Headers,
		ua:       userAgent,
		log:      log.WithField("component", "downloader"),
	}
	for i, rw := range cfg.URLRewrites {
		re, err := utils.CompilePattern(fmt.Sprintf("download.url_rewrites #%d", i+1), rw.Pattern, regexp2.None)
		if err != nil {
			return nil, err
		}
		d.rewrites = append(d.rewrites, rewriter{re: re, replacement: rw.Replacement})
	}

	if cfg.RequestDelay > 0 {
		d.limiter = rate.NewLimiter(rate.Every(cfg.RequestDelay), 1)
	} else {
		d.limiter = rate.NewLimiter(rate.Inf, 1)
	}
	return d, nil
}

// Run downloads items and writes one result line per item to resultsPath.
// Per-item failures are recorded, not returned; the error is non-nil only
// when the results file cannot be written or ctx is cancelled.
func (d *Downloader) Run(ctx context.Context, items []Item, resultsPath string) (*Summary, error) {
	start := time.Now()
	items = dedupItems(items)
	summary := &Summary{Total: len(items)}

	results, err := storage.OpenResultLog[models.DownloadResult](resultsPath, d.cfg.SaveEvery)
	if err != nil {
		return summary, err
	}

	d.log.Infof("Downloading %d documents into %s (max %d concurrent)", len(items), d.dir, d.cfg.MaxConcurrent)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	limit := d.cfg.MaxConcurrent
	if limit < 1 {
		limit = 1
	}
	g.SetLimit(limit)

	for i, item := range items {
		if gctx.Err() != nil {
			break
		}
		i, item := i, item
		g.Go(func() error {
			res := d.downloadOne(gctx, item)
			mu.Lock()
			switch res.Status {
			case models.DownloadDownloaded:
				summary.Downloaded++
				summary.Bytes += res.Bytes
			case models.DownloadExists:
				summary.Exists++
			default:
				summary.Failed++
			}
			mu.Unlock()

			if gctx.Err() != nil && res.Status == models.DownloadFailed {
				return nil // Cancelled mid-download; not a result worth recording
			}
			if err := results.Write(res); err != nil {
				return err
			}
			d.log.Debugf("[%d/%d] %s %s", i+1, len(items), res.Status, res.PDFURL)
			return nil
		})
	}

	runErr := g.Wait()
	if err := results.Close(); err != nil && runErr == nil {
		runErr = err
	}
	if runErr == nil {
		runErr = ctx.Err()
	}
	summary.Duration = time.Since(start)

	d.log.Infof("Downloads finished in %v: %d downloaded, %d already present, %d failed (%d bytes)",
		summary.Duration.Round(time.Millisecond), summary.Downloaded, summary.Exists, summary.Failed, summary.Bytes)
	return summary, runErr
}

func (d *Downloader) downloadOne(ctx context.Context, item Item) models.DownloadResult {
	docURL := item.URL
	for _, rw := range d.rewrites {
		docURL = rw.apply(docURL)
	}

	year := d.years.Extract(docURL, item.SourceURL)
	filename := Filename(docURL)
	path := filepath.Join(d.dir, utils.SanitizeFilename(year), filename)

	res := models.DownloadResult{
		Title:     item.Title,
		Year:      year,
		PDFURL:    docURL,
		SourceURL: item.SourceURL,
		LocalPath: path,
		Timestamp: time.Now().UTC(),
	}
	itemLog := d.log.WithFields(logrus.Fields{"year": year, "file": filename})

	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		itemLog.Debug("Already present, skipping")
		res.Status = models.DownloadExists
		res.Bytes = info.Size()
		if sum, err := utils.CalculateFileSHA256(path); err != nil {
			itemLog.Warnf("Hashing existing file failed: %v", err)
		} else {
			res.SHA256 = sum
		}
		return res
	}

	n, sum, err := d.fetchTo(ctx, docURL, path)
	if err != nil {
		itemLog.WithField("category", utils.CategorizeError(err)).Warnf("Download failed: %s: %v", docURL, err)
		res.Status = models.DownloadFailed
		res.Error = err.Error()
		return res
	}

	res.Status = models.DownloadDownloaded
	res.Bytes = n
	res.SHA256 = sum
	itemLog.Infof("Downloaded %s (%d bytes)", docURL, n)
	return res
}

// fetchTo downloads docURL into path via a temporary file in the same
// directory and returns the size and SHA-256 of what was written.
func (d *Downloader) fetchTo(ctx context.Context, docURL, path string) (int64, string, error) {
	if err := d.limiter.Wait(ctx); err != nil {
		return 0, "", err
	}

	if d.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, docURL, nil)
	if err != nil {
		return 0, "", fmt.Errorf("%w: %s: %w", utils.ErrRequestCreation, docURL, err)
	}
	ua := d.ua
	if ua == "" {
		ua = fetch.DefaultUserAgent
	}
	req.Header.Set("User-Agent", ua)
	req.Header.Set("Accept", "application/pdf,*/*;q=0.8")
	for k, v := range d.headers {
		req.Header.Set(k, v)
	}

	resp, err := d.fetcher.FetchWithRetry(ctx, req)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		return 0, "", err
	}

	body := bufio.NewReaderSize(resp.Body, 64<<10)
	head, err := body.Peek(sniffBytes)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return 0, "", fmt.Errorf("%w: %s: %w", utils.ErrResponseBodyRead, docURL, err)
	}
	if !isPDF(head, resp.Header.Get("Content-Type")) {
		sample, _ := body.Peek(body.Buffered())
		if d.detector != nil && d.detector.DetectText("", string(sample)) {
			return 0, "", fmt.Errorf("%w: %s served a challenge page", utils.ErrChallengeBlocked, docURL)
		}
		return 0, "", fmt.Errorf("%w: %s (content-type %q)", utils.ErrNotPDF, docURL, resp.Header.Get("Content-Type"))
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return 0, "", fmt.Errorf("%w: creating %s: %w", utils.ErrFilesystem, filepath.Dir(path), err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.part")
	if err != nil {
		return 0, "", fmt.Errorf("%w: creating temp file: %w", utils.ErrFilesystem, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // No-op after a successful rename

	n, sum, err := utils.CopyWithSHA256(tmp, body)
	if err != nil {
		tmp.Close()
		return 0, "", fmt.Errorf("%w: %s: %w", utils.ErrResponseBodyRead, docURL, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return 0, "", fmt.Errorf("%w: syncing %s: %w", utils.ErrFilesystem, tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		return 0, "", fmt.Errorf("%w: closing %s: %w", utils.ErrFilesystem, tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return 0, "", fmt.Errorf("%w: moving %s into place: %w", utils.ErrFilesystem, path, err)
	}
	return n, sum, nil
}

// isPDF accepts a %PDF header near the start of the body, or a pdf content type.
func isPDF(head []byte, contentType string) bool {
	if strings.Contains(string(head), "%PDF") {
		return true
	}
	return strings.Contains(strings.ToLower(contentType), "pdf")
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
