// Command download-crates backfills an entire crates.io-index checkout (or
// a flat URL list) straight into the mirror's object store, for seeding a
// new mirror faster than waiting out the incremental poller.
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

	"github.com/APTlantis/crates-mirror/internal/downloader"
	"github.com/APTlantis/crates-mirror/internal/objectstore"
)

func main() {
	defaultConcurrency := downloader.DefaultConcurrency()

	var (
		listPath   = flag.String("list", "", "Path to newline-delimited URL list")
		indexDir   = flag.String("index-dir", "", "Path to a local crates.io-index checkout")
		baseURL    = flag.String("crates-base-url", "https://static.crates.io/crates", "Base URL for crates content")
		includeY   = flag.Bool("include-yanked", false, "Include yanked versions from the index")
		limit      = flag.Int("limit", 0, "Limit number of crates to process (0 = no limit)")
		s3Bucket   = flag.String("s3-bucket", "", "Destination object store bucket (required)")
		s3Endpoint = flag.String("s3-endpoint", "", "S3-compatible endpoint override (empty = AWS default)")
		s3Region   = flag.String("s3-region", "", "S3 region (empty = use default config chain)")
		conc       = flag.Int("concurrency", defaultConcurrency, "Number of concurrent downloads")
		timeoutSec = flag.Int("timeout", 300, "Per-request timeout in seconds")
		checksPath = flag.String("checksums", "", "Optional JSONL of {url, sha256}")
		manifest   = flag.String("manifest", "manifest.jsonl", "Where to write records (JSONL)")
		logFormat  = flag.String("log-format", "text", "Logging format: text|json")
		logLevel   = flag.String("log-level", "info", "Logging level: debug|info|warn|error")
		dryRun     = flag.Bool("dry-run", false, "Validate inputs and estimate work; do not download")
		progIntv   = flag.Duration("progress-interval", 0, "Periodic progress logging interval (e.g., 5s; 0=disabled)")
		progEvery  = flag.Int("progress-every", 0, "Log progress every N processed items (0=disabled)")
		retries    = flag.Int("retries", 6, "Total retry attempts for transient errors")
		retryBase  = flag.Duration("retry-base", 500*time.Millisecond, "Base backoff for retries (exponential with jitter)")
		retryMax   = flag.Duration("retry-max", 30*time.Second, "Max backoff per attempt")
		maxConnsPH = flag.Int("max-conns-per-host", 0, "Override http.Transport MaxConnsPerHost (0=auto)")
		maxIdle    = flag.Int("max-idle-conns", 0, "Override http.Transport MaxIdleConns (0=auto)")
		maxIdlePH  = flag.Int("max-idle-per-host", 0, "Override http.Transport MaxIdleConnsPerHost (0=auto)")
		idleTO     = flag.Duration("idle-timeout", 0, "Override http.Transport IdleConnTimeout (0=auto)")
		tlsTO      = flag.Duration("tls-timeout", 0, "Override http.Transport TLSHandshakeTimeout (0=auto)")
		listenAddr = flag.String("listen", "", "Serve Prometheus metrics at this address (e.g., :9090)")
	)
	flag.Parse()

	if *conc <= 0 {
		*conc = downloader.DefaultConcurrency()
	}
	if *timeoutSec <= 0 {
		*timeoutSec = 300
	}

	setupLogging(*logFormat, *logLevel)

	if *listPath == "" && *indexDir == "" {
		slog.Error("missing required flag: provide -index-dir or -list")
		flag.CommandLine.SetOutput(os.Stderr)
		fmt.Fprintln(os.Stderr, "Usage: download-crates -index-dir <path> -s3-bucket <bucket> [options]")
		flag.PrintDefaults()
		os.Exit(2)
	}
	if *s3Bucket == "" && !*dryRun {
		slog.Error("missing required flag: -s3-bucket")
		os.Exit(2)
	}
	if *indexDir != "" {
		if fi, err := os.Stat(*indexDir); err != nil || !fi.IsDir() {
			slog.Error("index-dir not found or not a directory", "path", *indexDir, "err", err)
			os.Exit(2)
		}
	}

	var (
		urls []string
		sums map[string]string
		err  error
	)

	if *indexDir != "" {
		urls, sums, err = downloader.ReadCratesFromIndex(*indexDir, *baseURL, *includeY, *limit)
		if err != nil {
			slog.Error("read index failed", "err", err)
			os.Exit(1)
		}
		if *checksPath != "" {
			fileSums, err := downloader.ReadChecksums(*checksPath)
			if err != nil {
				slog.Error("read checksums failed", "err", err)
				os.Exit(1)
			}
			for k, v := range fileSums {
				sums[k] = v
			}
		}
	} else {
		urls, err = downloader.ReadURLs(*listPath)
		if err != nil {
			slog.Error("read list failed", "err", err)
			os.Exit(1)
		}
		sums, err = downloader.ReadChecksums(*checksPath)
		if err != nil {
			slog.Error("read checksums failed", "err", err)
			os.Exit(1)
		}
	}

	if *dryRun {
		fmt.Printf("dry-run ok: urls=%d concurrency=%d bucket=%s\n", len(urls), *conc, *s3Bucket)
		return
	}

	ctx := context.Background()
	store, err := objectstore.NewS3FromConfig(ctx, *s3Bucket, *s3Endpoint, *s3Region)
	if err != nil {
		slog.Error("object store init failed", "err", err)
		os.Exit(1)
	}

	recFile, err := os.Create(*manifest)
	if err != nil {
		slog.Error("create manifest failed", "err", err)
		os.Exit(1)
	}
	defer recFile.Close()

	dl := downloader.NewDownloader(store, *conc, time.Duration(*timeoutSec)*time.Second, sums, recFile)
	if *progEvery > 0 {
		dl.ProgressEach(int64(*progEvery))
	}
	if *progIntv > 0 {
		dl.ProgressInterval(*progIntv)
	}
	if *retries >= 0 {
		dl.SetRetries(*retries)
	}
	if *retryBase > 0 {
		dl.SetRetryBase(*retryBase)
	}
	if *retryMax > 0 {
		dl.SetRetryMax(*retryMax)
	}

	if tr, ok := dl.HTTPTransport().(*http.Transport); ok {
		if *maxConnsPH > 0 {
			tr.MaxConnsPerHost = *maxConnsPH
		}
		if *maxIdle > 0 {
			tr.MaxIdleConns = *maxIdle
		}
		if *maxIdlePH > 0 {
			tr.MaxIdleConnsPerHost = *maxIdlePH
		}
		if *idleTO > 0 {
			tr.IdleConnTimeout = *idleTO
		}
		if *tlsTO > 0 {
			tr.TLSHandshakeTimeout = *tlsTO
		}
	}

	if *listenAddr != "" {
		downloader.StartMetricsServer(*listenAddr)
	}

	if err := dl.Run(ctx, urls); err != nil {
		fmt.Println("error:", err)
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
