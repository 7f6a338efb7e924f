// Command generate-sidecars is a one-shot, full-index counterpart to the
// mirror's incremental poller: given a crates.io-index checkout it either
// writes per-crate sidecar metadata files (the original local mode) or, with
// -dispatch-to, walks the whole index and requests every crate from a
// running mirror-crates instance's sync endpoint, backfilling the object
// store through the exact same single-flight fetch path the poller uses.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/APTlantis/crates-mirror/internal/sidecar"
)

func main() {
	defaultConcurrency := sidecar.DefaultConcurrency()

	var (
		indexDir         = flag.String("index-dir", "", "Path to local crates.io-index directory")
		outDir           = flag.String("out", "out", "Directory to write sidecar metadata files (local mode)")
		includeY         = flag.Bool("include-yanked", false, "Include yanked versions from the index")
		limitFlag        = flag.Int64("limit", 0, "Limit number of entries to process (0 = all)")
		conc             = flag.Int("concurrency", defaultConcurrency, "Number of concurrent workers")
		baseURL          = flag.String("crates-base-url", "https://static.crates.io/crates", "Base URL for crates content (local mode)")
		dispatchTo       = flag.String("dispatch-to", "", "Base URL of a running mirror-crates instance; when set, dispatch every index crate to its /sync endpoint instead of writing sidecar files")
		dispatchTimeout  = flag.Duration("dispatch-timeout", 2*time.Minute, "Per-request timeout when dispatching to a mirror")
		logFormat        = flag.String("log-format", "text", "Logging format: text|json")
		logLevel         = flag.String("log-level", "info", "Logging level: debug|info|warn|error")
		progressInterval = flag.Duration("progress-interval", 0, "Periodic progress logging interval (e.g., 5s; 0=disabled)")
		progressEvery    = flag.Int("progress-every", 0, "Log progress every N processed items (0=disabled)")
	)
	flag.Parse()

	setupLogging(*logFormat, *logLevel)

	if *indexDir == "" {
		slog.Error("missing required flag -index-dir")
		flag.CommandLine.SetOutput(os.Stderr)
		fmt.Fprintln(os.Stderr, "Usage: generate-sidecars -index-dir <path> [-out <dir> | -dispatch-to <mirror-base-url>] [options]")
		flag.PrintDefaults()
		os.Exit(2)
	}

	ctx := context.Background()

	if *dispatchTo != "" {
		runDispatch(ctx, *indexDir, *dispatchTo, *includeY, *limitFlag, *conc, *dispatchTimeout)
		return
	}

	cfg := sidecar.Config{
		IndexDir:         *indexDir,
		OutDir:           *outDir,
		IncludeYanked:    *includeY,
		Limit:            *limitFlag,
		Concurrency:      *conc,
		BaseURL:          *baseURL,
		ProgressInterval: *progressInterval,
		ProgressEvery:    *progressEvery,
	}

	if _, err := sidecar.Generate(ctx, cfg); err != nil {
		slog.Error("sidecar generation failed", "err", err)
		os.Exit(1)
	}
}

func runDispatch(ctx context.Context, indexDir, mirrorBaseURL string, includeYanked bool, limit int64, concurrency int, timeout time.Duration) {
	reqs, err := sidecar.CollectReqs(indexDir, includeYanked, limit)
	if err != nil {
		slog.Error("collecting index entries failed", "err", err)
		os.Exit(1)
	}
	slog.Info("dispatching index to mirror", "crates", len(reqs), "mirror", mirrorBaseURL, "concurrency", concurrency)

	client := &http.Client{Timeout: timeout}
	stats := sidecar.DispatchToMirror(ctx, client, mirrorBaseURL, reqs, concurrency)

	slog.Info("dispatch complete",
		"requested", stats.Requested,
		"ok", stats.OK,
		"failed", stats.Failed,
		"duration", stats.Duration,
	)
	if stats.Failed > 0 {
		os.Exit(1)
	}
}

func setupLogging(format, level string) {
	lvl := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error", "err":
		lvl = slog.LevelError
	}
	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
}
