package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sriram-PR/chain-scraper/pkg/utils"
)

func boolPtr(b bool) *bool {
	return &b
}

func intPtr(i int) *int {
	return &i
}

func durationPtr(d time.Duration) *time.Duration {
	return &d
}

const sampleYAML = `
state_dir: /tmp/state
task_interval: 5s
fetch:
  concurrency: 3
  request_delay: 750ms
  backoff: exponential
challenge:
  manual_timeout: 2m
  extra_markers: ["access denied"]
tasks:
  - name: neurips
    base_url: https://papers.nips.cc/
    export_level_files: true
    request_delay: 1s
    levels:
      - level: 1
        name: years
        extract_pattern: 'href="(/paper_files/paper/\d{4})"'
      - level: 2
        name: pdfs
        extract_pattern: 'href="([^"]+\.pdf)"'
        filter_pattern: '^/paper_files/paper/\d{4}/.*\.pdf$'
    download:
      enabled: true
  - name: disabled-one
    enabled: false
    base_url: https://example.org/
    levels:
      - {level: 1, extract_pattern: 'href="([^"]+)"'}
`

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/state", cfg.StateDir)
	assert.Equal(t, 5*time.Second, cfg.TaskInterval)
	assert.Equal(t, 3, cfg.Fetch.Concurrency)
	assert.Equal(t, 750*time.Millisecond, cfg.Fetch.RequestDelay)
	assert.Equal(t, 2*time.Minute, cfg.Challenge.ManualTimeout)
	require.Len(t, cfg.Tasks, 2)

	neurips := cfg.Tasks[0]
	assert.True(t, neurips.IsEnabled())
	assert.True(t, neurips.ExportLevelFiles)
	require.NotNil(t, neurips.RequestDelay)
	assert.Equal(t, time.Second, *neurips.RequestDelay)
	require.Len(t, neurips.Levels, 2)
	assert.Equal(t, `^/paper_files/paper/\d{4}/.*\.pdf$`, neurips.Levels[1].FilterPattern)
	assert.True(t, neurips.Download.Enabled)

	assert.False(t, cfg.Tasks[1].IsEnabled())

	_, err = cfg.Validate()
	require.NoError(t, err)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, utils.ErrFilesystem)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tasks: [unclosed"), 0644))
	_, err = Load(path)
	assert.ErrorIs(t, err, utils.ErrConfigValidation)
}

func TestGetEffectiveConcurrency(t *testing.T) {
	tests := []struct {
		name     string
		task     TaskConfig
		appCfg   AppConfig
		expected int
	}{
		{"task override wins", TaskConfig{Concurrency: intPtr(4)}, AppConfig{Fetch: FetchConfig{Concurrency: 2}}, 4},
		{"task nil uses global", TaskConfig{}, AppConfig{Fetch: FetchConfig{Concurrency: 2}}, 2},
		{"both unset", TaskConfig{}, AppConfig{}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, GetEffectiveConcurrency(tt.task, tt.appCfg))
		})
	}
}

func TestGetEffectiveRequestDelay(t *testing.T) {
	app := AppConfig{Fetch: FetchConfig{RequestDelay: 500 * time.Millisecond}}
	assert.Equal(t, 500*time.Millisecond, GetEffectiveRequestDelay(TaskConfig{}, app))
	assert.Equal(t, 2*time.Second, GetEffectiveRequestDelay(TaskConfig{RequestDelay: durationPtr(2 * time.Second)}, app))
	assert.Equal(t, time.Duration(0), GetEffectiveRequestDelay(TaskConfig{RequestDelay: durationPtr(0)}, app))
}

func TestGetEffectiveSeeds(t *testing.T) {
	task := TaskConfig{BaseURL: "https://ex.com/"}
	assert.Equal(t, []string{"https://ex.com/"}, GetEffectiveSeeds(task))

	task.SeedURLs = []string{"https://ex.com/2020", "https://ex.com/2021"}
	assert.Equal(t, task.SeedURLs, GetEffectiveSeeds(task))
}

func TestGetEffectiveOutputFile(t *testing.T) {
	assert.Equal(t, "custom.jsonl", GetEffectiveOutputFile(TaskConfig{Name: "x", OutputFile: "custom.jsonl"}))
	assert.Equal(t, "ICML_2024.jsonl", GetEffectiveOutputFile(TaskConfig{Name: "ICML/2024"}))
}

func TestGetEffectiveDownloadSettings(t *testing.T) {
	task := TaskConfig{Levels: []LevelSpec{{Level: 1}, {Level: 3}, {Level: 2}}}
	app := AppConfig{Download: DownloadConfig{DownloadDir: "/global"}}

	assert.Equal(t, 3, task.LastLevel())
	assert.Equal(t, 3, GetEffectiveDownloadLevel(task))
	assert.Equal(t, "/global", GetEffectiveDownloadDir(task, app))
	assert.Equal(t, "url", GetEffectiveURLField(task))

	task.Download = TaskDownload{Level: 2, DownloadDir: "/task", URLField: "pdf_url"}
	assert.Equal(t, 2, GetEffectiveDownloadLevel(task))
	assert.Equal(t, "/task", GetEffectiveDownloadDir(task, app))
	assert.Equal(t, "pdf_url", GetEffectiveURLField(task))
}

func TestBrowserToggles(t *testing.T) {
	assert.True(t, GetEffectiveHeadless(BrowserConfig{}))
	assert.False(t, GetEffectiveHeadless(BrowserConfig{Headless: boolPtr(false)}))
	assert.True(t, GetEffectiveStealth(BrowserConfig{}))
	assert.False(t, GetEffectiveStealth(BrowserConfig{Stealth: boolPtr(false)}))
}
