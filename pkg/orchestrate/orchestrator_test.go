package orchestrate

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sriram-PR/chain-scraper/pkg/capture"
	"github.com/Sriram-PR/chain-scraper/pkg/config"
	"github.com/Sriram-PR/chain-scraper/pkg/crawler"
	"github.com/Sriram-PR/chain-scraper/pkg/utils"
)

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

func boolPtr(b bool) *bool { return &b }

func namedTasks(names ...string) *config.AppConfig {
	cfg := &config.AppConfig{}
	for _, n := range names {
		cfg.Tasks = append(cfg.Tasks, config.TaskConfig{Name: n, BaseURL: "https://" + n + ".example.com"})
	}
	return cfg
}

func TestParseTaskIndices(t *testing.T) {
	got, err := ParseTaskIndices("1, 3,3,2")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3, 2}, got)

	got, err = ParseTaskIndices("  ")
	require.NoError(t, err)
	assert.Nil(t, got)

	for _, bad := range []string{"0", "a", "1,-2"} {
		_, err := ParseTaskIndices(bad)
		assert.ErrorIs(t, err, utils.ErrConfigValidation, bad)
	}
}

func TestSelectTasks(t *testing.T) {
	cfg := namedTasks("a", "b", "c")
	cfg.Tasks[1].Enabled = boolPtr(false)

	t.Run("enabled by default", func(t *testing.T) {
		sel, err := SelectTasks(cfg, nil)
		require.NoError(t, err)
		require.Len(t, sel, 2)
		assert.Equal(t, 1, sel[0].Index)
		assert.Equal(t, "a", sel[0].Task.Name)
		assert.Equal(t, 3, sel[1].Index)
	})

	t.Run("explicit selection includes disabled", func(t *testing.T) {
		sel, err := SelectTasks(cfg, []int{2})
		require.NoError(t, err)
		require.Len(t, sel, 1)
		assert.Equal(t, "b", sel[0].Task.Name)
	})

	t.Run("out of range", func(t *testing.T) {
		_, err := SelectTasks(cfg, []int{4})
		assert.ErrorIs(t, err, utils.ErrConfigValidation)
	})
}

func TestIsFatal(t *testing.T) {
	assert.True(t, IsFatal(fmt.Errorf("open: %w", utils.ErrStorage)))
	assert.True(t, IsFatal(utils.ErrConfigValidation))
	assert.False(t, IsFatal(context.Canceled))
	assert.False(t, IsFatal(nil))
}

var pdfBody = []byte("%PDF-1.4\n1 0 obj\n<<>>\nendobj\n%%EOF\n")

func paperSite(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `<html><title>Proceedings</title><a href="/paper_files/paper/2023">2023</a><a href="/about">about</a></html>`)
	})
	mux.HandleFunc("/paper_files/paper/2023", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<a href="/paper_files/paper/2023/file/a-Paper.pdf">a</a>`+
			`<a href="/paper_files/paper/2023/file/b-Paper.pdf">b</a>`+
			`<a href="/paper_files/paper/2023/hash/a-Abstract.html">abs</a>`)
	})
	mux.HandleFunc("/paper_files/paper/2023/file/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write(pdfBody)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func siteConfig(t *testing.T, baseURL string) *config.AppConfig {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.AppConfig{
		StateDir:  filepath.Join(dir, "state"),
		OutputDir: filepath.Join(dir, "output"),
		Download:  config.DownloadConfig{DownloadDir: filepath.Join(dir, "pdfs")},
		Tasks: []config.TaskConfig{{
			Name:             "proceedings",
			BaseURL:          baseURL,
			ExportLevelFiles: true,
			Levels: []config.LevelSpec{
				{Level: 1, Name: "years", ExtractPattern: `href="([^"]*)"`, FilterPattern: `/paper_files/paper/\d{4}$`},
				{Level: 2, Name: "pdfs", ExtractPattern: `href="([^"]*)"`, FilterPattern: `.*\.pdf$`},
			},
			Download: config.TaskDownload{Enabled: true},
		}},
	}
	_, err := cfg.Validate()
	require.NoError(t, err)
	cfg.Download.RequestDelay = time.Millisecond
	cfg.Download.RetryDelay = time.Millisecond
	cfg.Fetch.RetryDelay = time.Millisecond
	return cfg
}

func TestOrchestrator_CrawlAndDownload(t *testing.T) {
	server := paperSite(t)
	cfg := siteConfig(t, server.URL)

	sel, err := SelectTasks(cfg, nil)
	require.NoError(t, err)

	o := NewOrchestrator(cfg, Options{}, testLogger())
	defer o.Close()
	results := o.Run(context.Background(), sel)

	require.Len(t, results, 1)
	r := results[0]
	require.NoError(t, r.Error)
	assert.True(t, r.Success)

	require.NotNil(t, r.Crawl)
	assert.Equal(t, crawler.StopLastLevel, r.Crawl.StopReason)
	assert.Equal(t, 3, r.Crawl.Appended())
	assert.Len(t, r.Exported, 2)

	require.NotNil(t, r.Download)
	assert.Equal(t, 2, r.Download.Downloaded)
	assert.Equal(t, 0, r.Download.Failed)

	for _, name := range []string{"a-Paper.pdf", "b-Paper.pdf"} {
		data, err := os.ReadFile(filepath.Join(cfg.Download.DownloadDir, "2023", name))
		require.NoError(t, err)
		assert.Equal(t, pdfBody, data)
	}
	_, err = os.Stat(filepath.Join(cfg.OutputDir, "proceedings_download_results.jsonl"))
	assert.NoError(t, err)
}

func TestOrchestrator_CrawlOnlyThenDownloadOnly(t *testing.T) {
	server := paperSite(t)
	cfg := siteConfig(t, server.URL)
	sel, err := SelectTasks(cfg, nil)
	require.NoError(t, err)

	o := NewOrchestrator(cfg, Options{CrawlOnly: true}, testLogger())
	results := o.Run(context.Background(), sel)
	require.True(t, results[0].Success)
	assert.Nil(t, results[0].Download)
	_, err = os.Stat(filepath.Join(cfg.Download.DownloadDir, "2023"))
	assert.True(t, os.IsNotExist(err))

	o = NewOrchestrator(cfg, Options{DownloadOnly: true}, testLogger())
	results = o.Run(context.Background(), sel)
	require.True(t, results[0].Success)
	assert.Nil(t, results[0].Crawl)
	require.NotNil(t, results[0].Download)
	assert.Equal(t, 2, results[0].Download.Downloaded)
}

func TestOrchestrator_MaxLevelTruncatesChain(t *testing.T) {
	server := paperSite(t)
	cfg := siteConfig(t, server.URL)
	cfg.Tasks[0].Download.Enabled = false
	sel, err := SelectTasks(cfg, nil)
	require.NoError(t, err)

	results := NewOrchestrator(cfg, Options{MaxLevel: 1}, testLogger()).Run(context.Background(), sel)
	require.True(t, results[0].Success)
	assert.Len(t, results[0].Crawl.Levels, 1)
	assert.Equal(t, 1, results[0].Crawl.Appended())
}

func TestOrchestrator_CancelledBeforeSecondTask(t *testing.T) {
	server := paperSite(t)
	cfg := siteConfig(t, server.URL)
	cfg.Tasks[0].Download.Enabled = false
	second := cfg.Tasks[0]
	second.Name = "again"
	cfg.Tasks = append(cfg.Tasks, second)
	cfg.TaskInterval = time.Hour

	sel, err := SelectTasks(cfg, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	start := time.Now()
	results := NewOrchestrator(cfg, Options{}, testLogger()).Run(ctx, sel)

	assert.Len(t, results, 1)
	assert.Less(t, time.Since(start), time.Minute)
}

func TestOrchestrator_BadOutputDirFails(t *testing.T) {
	server := paperSite(t)
	cfg := siteConfig(t, server.URL)
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))
	cfg.OutputDir = blocker

	sel, err := SelectTasks(cfg, nil)
	require.NoError(t, err)
	results := NewOrchestrator(cfg, Options{}, testLogger()).Run(context.Background(), sel)

	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.True(t, IsFatal(results[0].Error), "got %v", results[0].Error)
}

// captureConfig returns a validated-looking capture section with fast pacing.
func captureConfig(level int) config.TaskCapture {
	return config.TaskCapture{
		Enabled:       true,
		Level:         level,
		URLField:      "url",
		OutputFile:    "capture_results.jsonl",
		Format:        "png",
		Quality:       80,
		MaxNameLength: 100,
		RequestDelay:  time.Millisecond,
		MaxRetries:    1,
	}
}

func TestOrchestrator_CapturesLevelPages(t *testing.T) {
	server := paperSite(t)
	cfg := siteConfig(t, server.URL)
	cfg.Tasks[0].Download.Enabled = false
	cfg.Tasks[0].Capture = captureConfig(1)
	sel, err := SelectTasks(cfg, nil)
	require.NoError(t, err)

	results := NewOrchestrator(cfg, Options{}, testLogger()).Run(context.Background(), sel)
	require.Len(t, results, 1)
	r := results[0]
	require.NoError(t, r.Error)
	require.NotNil(t, r.Capture)
	assert.Equal(t, 1, r.Capture.Captured)
	assert.Nil(t, r.Download)

	yearURL := server.URL + "/paper_files/paper/2023"
	htmlPath := filepath.Join(config.GetEffectiveCaptureDir(cfg.Tasks[0], *cfg), capture.BaseName("", yearURL, 100)+".html")
	data, err := os.ReadFile(htmlPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "a-Paper.pdf")
	_, err = os.Stat(filepath.Join(cfg.OutputDir, "proceedings_capture_results.jsonl"))
	assert.NoError(t, err)

	// A capture-only run reads the records the crawl left behind.
	require.NoError(t, os.Remove(htmlPath))
	results = NewOrchestrator(cfg, Options{CaptureOnly: true}, testLogger()).Run(context.Background(), sel)
	require.True(t, results[0].Success)
	assert.Nil(t, results[0].Crawl)
	require.NotNil(t, results[0].Capture)
	assert.Equal(t, 1, results[0].Capture.Captured)
	_, err = os.Stat(htmlPath)
	assert.NoError(t, err)
}

func TestOrchestrator_CrawlOnlySkipsCapture(t *testing.T) {
	server := paperSite(t)
	cfg := siteConfig(t, server.URL)
	cfg.Tasks[0].Capture = captureConfig(1)
	sel, err := SelectTasks(cfg, nil)
	require.NoError(t, err)

	results := NewOrchestrator(cfg, Options{CrawlOnly: true}, testLogger()).Run(context.Background(), sel)
	require.True(t, results[0].Success)
	assert.Nil(t, results[0].Capture)
	assert.Nil(t, results[0].Download)
}

func TestOrchestrator_ReportsFailedFetches(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `<a href="/paper_files/paper/2023">2023</a><a href="/paper_files/paper/2024">2024</a>`)
	})
	mux.HandleFunc("/paper_files/paper/2023", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<a href="/paper_files/paper/2023/file/a-Paper.pdf">a</a>`)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	cfg := siteConfig(t, server.URL)
	cfg.Tasks[0].Download.Enabled = false
	sel, err := SelectTasks(cfg, nil)
	require.NoError(t, err)

	results := NewOrchestrator(cfg, Options{}, testLogger()).Run(context.Background(), sel)
	require.Len(t, results, 1)
	r := results[0]
	require.True(t, r.Success, "a failed page does not fail the task")
	assert.Equal(t, 1, r.Crawl.Failed())

	require.NotNil(t, r.Failures)
	assert.Equal(t, 1, r.Failures.Total)
	assert.Equal(t, []string{server.URL + "/paper_files/paper/2024"}, r.Failures.Sample)
}
