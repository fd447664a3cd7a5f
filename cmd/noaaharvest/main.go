package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/s3blob"

	"github.com/veldt/noaaharvest/internal/config"
	harvesthttp "github.com/veldt/noaaharvest/internal/http"
	"github.com/veldt/noaaharvest/internal/index"
	"github.com/veldt/noaaharvest/internal/master"
	"github.com/veldt/noaaharvest/internal/pipeline"
	"github.com/veldt/noaaharvest/internal/progress"
)

// Exit codes
const (
	ExitSuccess      = 0
	ExitGeneralError = 1
	ExitInvalidArgs  = 2
	ExitResolveError = 3
	ExitTaskFailed   = 4
	ExitCancelled    = 5
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("noaaharvest", flag.ContinueOnError)

	configPath := fs.String("config", "", "Path to YAML config file")
	url := fs.String("url", "", "Base URL of the remote archive index")
	dest := fs.String("dest", "", "Destination bucket URL (default: file://<cwd>)")
	indexRegex := fs.String("index-regex", "", "Pattern selecting index entries (first capture group is the filename)")
	memberRegex := fs.String("member-regex", "", "Pattern selecting archive members to aggregate")
	years := fs.String("years", "", "Years to harvest: 1901, 1901,1902 or 1901-1930")
	workers := fs.Int("workers", 0, "Size of the worker pool")
	runTimeMax := fs.Duration("run-time-max", 0, "Wall-clock budget for the whole run")
	pollingTimeout := fs.Duration("polling-timeout", 0, "Interval between poll cycles")
	terminateTimeout := fs.Duration("terminate-timeout", 0, "Grace period before in-flight work is abandoned")
	tmpDir := fs.String("tmp-dir", "", "Root for per-year temporary storage")
	force := fs.Bool("force", false, "Overwrite destinations that already exist")
	compress := fs.Bool("compress", false, "Gzip-encode outputs (1901.gz instead of 1901)")

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, `Usage: noaaharvest [options]

Harvest yearly archives from a remote index: download each year's tarball,
extract members matching -member-regex, and aggregate them into one file
per year in the destination bucket.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return ExitInvalidArgs
	}

	cfg := config.Default()
	if *configPath != "" {
		fileCfg, err := config.LoadFromFile(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			return ExitInvalidArgs
		}
		cfg = fileCfg
	}
	if err := cfg.LoadFromEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "Error reading environment: %v\n", err)
		return ExitInvalidArgs
	}

	// Flags override file and environment, but only when explicitly set,
	// so -run-time-max=0 remains expressible.
	var flagErr error
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "url":
			cfg.URL = config.NormalizeURL(*url)
		case "dest":
			cfg.Dest = *dest
		case "index-regex":
			cfg.IndexRegex = *indexRegex
		case "member-regex":
			cfg.MemberRegex = *memberRegex
		case "years":
			parsed, err := config.ParseYears(*years)
			if err != nil {
				flagErr = fmt.Errorf("invalid -years: %w", err)
				return
			}
			cfg.Years = parsed
		case "workers":
			cfg.Workers = *workers
		case "run-time-max":
			cfg.RunTimeMax = *runTimeMax
		case "polling-timeout":
			cfg.PollingTimeout = *pollingTimeout
		case "terminate-timeout":
			cfg.TerminateTimeout = *terminateTimeout
		case "tmp-dir":
			cfg.TmpDir = *tmpDir
		case "force":
			cfg.Force = *force
		case "compress":
			cfg.Compress = *compress
		}
	})
	if flagErr != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", flagErr)
		return ExitInvalidArgs
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\n[noaaharvest] Received interrupt, shutting down...")
		cancel()
	}()

	return harvest(ctx, cfg)
}

func harvest(ctx context.Context, cfg config.Config) int {
	destURL := cfg.Dest
	if destURL == "" {
		cwd, err := os.Getwd()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return ExitGeneralError
		}
		destURL = "file://" + cwd + "?metadata=skip"
	}

	bucket, err := blob.OpenBucket(ctx, destURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening destination: %v\n", err)
		return ExitGeneralError
	}
	defer bucket.Close()

	client := harvesthttp.NewClient(harvesthttp.Options{
		MaxIdleConnsPerHost: cfg.Workers * 2,
		Timeout:             cfg.RunTimeMax + cfg.PollingTimeout,
	})

	resolver, err := index.NewResolver(client, cfg.URL, cfg.IndexRegex)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}

	pipe, err := pipeline.New(client, bucket, cfg.MemberRegex, cfg.TmpDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}

	reporter := progress.NewReporter(progress.Options{
		TotalYears:     len(cfg.Years),
		Workers:        cfg.Workers,
		UpdateInterval: cfg.PollingTimeout,
		SourceURL:      cfg.URL,
	})
	reporter.Start()
	defer reporter.Stop()

	m := master.New(resolver, pipe, bucket, master.Options{
		Years:            cfg.Years,
		Workers:          cfg.Workers,
		RunTimeMax:       cfg.RunTimeMax,
		PollingTimeout:   cfg.PollingTimeout,
		TerminateTimeout: cfg.TerminateTimeout,
		Force:            cfg.Force,
		Compress:         cfg.Compress,
		Reporter:         reporter,
	})

	summary, err := m.Run(ctx)
	if err != nil {
		var resErr *index.ResolutionError
		if errors.As(err, &resErr) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return ExitResolveError
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitGeneralError
	}

	for year, taskErr := range summary.Errors {
		fmt.Fprintf(os.Stderr, "[noaaharvest] Year %s failed: %v\n", year, taskErr)
	}

	switch {
	case summary.Failed > 0:
		return ExitTaskFailed
	case summary.Cancelled > 0:
		return ExitCancelled
	default:
		return ExitSuccess
	}
}
