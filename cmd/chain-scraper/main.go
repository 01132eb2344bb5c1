package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/chain-scraper/pkg/challenge"
	"github.com/Sriram-PR/chain-scraper/pkg/config"
	applog "github.com/Sriram-PR/chain-scraper/pkg/log"
	"github.com/Sriram-PR/chain-scraper/pkg/orchestrate"
)

const version = "0.4.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "crawl":
		runTasks("crawl", os.Args[2:], orchestrate.Options{})
	case "resume":
		runTasks("resume", os.Args[2:], orchestrate.Options{Resume: true})
	case "download":
		runTasks("download", os.Args[2:], orchestrate.Options{DownloadOnly: true})
	case "capture":
		runTasks("capture", os.Args[2:], orchestrate.Options{CaptureOnly: true})
	case "validate":
		runValidate(os.Args[2:])
	case "list-tasks":
		runListTasks(os.Args[2:])
	case "version":
		fmt.Printf("chain-scraper %s\n", version)
	case "-h", "--help", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	printUsageTo(os.Stdout)
}

// printUsageTo writes usage information to the provided writer.
func printUsageTo(w io.Writer) {
	fmt.Fprintln(w, `chain-scraper - Layered link-discovery crawler, PDF downloader and page capturer

Usage:
  chain-scraper <command> [options]

Commands:
  crawl       Run the level chain of each task from scratch
  resume      Continue interrupted tasks from their record logs
  download    Run only the download phase of each task
  capture     Run only the page capture phase of each task
  validate    Validate configuration file
  list-tasks  List configured tasks with their indices
  version     Show version info

Run 'chain-scraper <command> -h' for command-specific help.`)
}

// runTasks handles the crawl, resume, download and capture subcommands
func runTasks(cmdName string, args []string, opts orchestrate.Options) {
	fs := flag.NewFlagSet(cmdName, flag.ExitOnError)
	configFile := fs.String("config", "config.yaml", "Path to config file")
	taskList := fs.String("task", "", "Comma-separated 1-based task indices (default: all enabled tasks)")
	crawlOnly := fs.Bool("crawl-only", false, "Skip the download and capture phases")
	downloadOnly := fs.Bool("download-only", false, "Skip the crawl and download from existing records")
	captureOnly := fs.Bool("capture-only", false, "Skip the crawl and capture pages from existing records")
	maxLevel := fs.Int("max-level", 0, "Stop after this level ordinal (0 = all levels)")
	logLevel := fs.String("loglevel", "info", "Log level (debug, info, warn, error, fatal)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: chain-scraper %s [options]\n\nOptions:\n", cmdName)
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  chain-scraper %s -config tasks.yaml\n", cmdName)
		fmt.Fprintf(os.Stderr, "  chain-scraper %s -task 1,3 -max-level 2\n", cmdName)
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	log := applog.NewLogger(*logLevel, os.Stderr)

	opts.CrawlOnly = opts.CrawlOnly || *crawlOnly
	opts.DownloadOnly = opts.DownloadOnly || *downloadOnly
	opts.CaptureOnly = opts.CaptureOnly || *captureOnly
	opts.MaxLevel = *maxLevel
	if err := checkPhaseFlags(opts); err != nil {
		log.Error(err)
		os.Exit(1)
	}

	appCfg, err := loadAndValidateConfig(*configFile, log)
	if err != nil {
		log.Errorf("Configuration error: %v", err)
		os.Exit(1)
	}

	indices, err := orchestrate.ParseTaskIndices(*taskList)
	if err != nil {
		log.Error(err)
		os.Exit(1)
	}
	tasks, err := orchestrate.SelectTasks(appCfg, indices)
	if err != nil {
		log.Error(err)
		os.Exit(1)
	}
	if len(tasks) == 0 {
		log.Warn("No enabled tasks to run")
		return
	}

	ctx, cancel := setupSignalHandler(log)
	defer cancel()

	opts.Operator = challenge.NewPromptOperator(os.Stdin, os.Stderr)
	orch := orchestrate.NewOrchestrator(appCfg, opts, log.WithField("component", "orchestrator"))
	results := orch.Run(ctx, tasks)
	if err := orch.Close(); err != nil {
		log.Warnf("Closing browser: %v", err)
	}

	code := exitCode(results)
	cancel()
	os.Exit(code)
}

// checkPhaseFlags rejects combinations of the -*-only flags.
func checkPhaseFlags(opts orchestrate.Options) error {
	var set []string
	if opts.CrawlOnly {
		set = append(set, "-crawl-only")
	}
	if opts.DownloadOnly {
		set = append(set, "-download-only")
	}
	if opts.CaptureOnly {
		set = append(set, "-capture-only")
	}
	if len(set) > 1 {
		return fmt.Errorf("%s cannot be combined", strings.Join(set, " and "))
	}
	return nil
}

// exitCode returns 1 when a task hit a configuration or storage error.
// Interrupted runs and per-URL failures still exit 0.
func exitCode(results []orchestrate.TaskResult) int {
	for _, r := range results {
		if orchestrate.IsFatal(r.Error) {
			return 1
		}
	}
	return 0
}

// setupSignalHandler returns a context cancelled on SIGINT/SIGTERM.
// A second signal forces exit.
func setupSignalHandler(log *logrus.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Errorf("PANIC in signal handler: %v", r)
			}
		}()
		select {
		case sig := <-sigChan:
			log.Warnf("Received signal: %v. Finishing in-flight fetches and flushing records...", sig)
			cancel()
		case <-ctx.Done():
			return
		}

		sig := <-sigChan
		log.Warnf("Received second signal: %v. Forcing exit.", sig)
		os.Exit(1)
	}()

	return ctx, func() {
		signal.Stop(sigChan)
		cancel()
	}
}

func runValidate(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configFile := fs.String("config", "config.yaml", "Path to config file")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: chain-scraper validate [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	os.Exit(doValidate(*configFile, os.Stdout, os.Stderr))
}

// doValidate validates the config and every task's level patterns.
// Returns exit code (0 = success, 1 = error).
func doValidate(configPath string, stdout, stderr io.Writer) int {
	appCfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	warnings, err := appCfg.Validate()
	for _, w := range warnings {
		fmt.Fprintf(stdout, "WARN: %s\n", w)
	}
	if err != nil {
		fmt.Fprintf(stderr, "ERROR: %v\n", err)
		return 1
	}

	for i, task := range appCfg.Tasks {
		fmt.Fprintf(stdout, "OK: [%d] %s (%d levels)\n", i+1, task.Name, len(task.Levels))
	}
	fmt.Fprintln(stdout, "\nConfiguration valid.")
	return 0
}

func runListTasks(args []string) {
	fs := flag.NewFlagSet("list-tasks", flag.ExitOnError)
	configFile := fs.String("config", "config.yaml", "Path to config file")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: chain-scraper list-tasks [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	os.Exit(doListTasks(*configFile, os.Stdout, os.Stderr))
}

// doListTasks lists tasks with the indices accepted by -task.
// Returns exit code (0 = success, 1 = error).
func doListTasks(configPath string, stdout, stderr io.Writer) int {
	appCfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "Tasks in %s:\n\n", configPath)
	for i, task := range appCfg.Tasks {
		state := "enabled"
		if !task.IsEnabled() {
			state = "disabled"
		}
		fmt.Fprintf(stdout, "  [%d] %s (%s)\n", i+1, task.Name, state)
		fmt.Fprintf(stdout, "    Base URL: %s\n", task.BaseURL)
		fmt.Fprintf(stdout, "    Levels: %d\n", len(task.Levels))
		for _, lvl := range task.Levels {
			if lvl.Name != "" {
				fmt.Fprintf(stdout, "      %d: %s\n", lvl.Level, lvl.Name)
			}
		}
		if task.Download.Enabled {
			fmt.Fprintf(stdout, "    Download: level %d\n", config.GetEffectiveDownloadLevel(task))
		}
		if task.Capture.Enabled {
			fmt.Fprintf(stdout, "    Capture: level %d\n", config.GetEffectiveCaptureLevel(task))
		}
		fmt.Fprintln(stdout)
	}
	return 0
}

// loadAndValidateConfig loads the config file, validates it, and logs warnings.
func loadAndValidateConfig(path string, log *logrus.Logger) (*config.AppConfig, error) {
	log.Infof("Loading configuration from %s", path)
	appCfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	warnings, err := appCfg.Validate()
	for _, w := range warnings {
		log.Warn(w)
	}
	if err != nil {
		return nil, err
	}
	log.Infof("Config: %d tasks, state_dir=%s, output_dir=%s, browser=%v, concurrency=%d, request_delay=%v",
		len(appCfg.Tasks), appCfg.StateDir, appCfg.OutputDir, appCfg.Browser.Enabled,
		appCfg.Fetch.Concurrency, appCfg.Fetch.RequestDelay.Round(time.Millisecond))
	return appCfg, nil
}
