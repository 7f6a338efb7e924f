// Command mirror-crates runs a pull-through crates.io mirror: it tracks the
// upstream crates.io-index git repository, streams newly-published crates
// to an S3-compatible object store as they're seen, and serves them to
// clients by joining whichever fetch is already in flight.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/APTlantis/crates-mirror/internal/credentials"
	"github.com/APTlantis/crates-mirror/internal/fetcher"
	"github.com/APTlantis/crates-mirror/internal/gitindex"
	"github.com/APTlantis/crates-mirror/internal/httpapi"
	"github.com/APTlantis/crates-mirror/internal/mirrorconfig"
	"github.com/APTlantis/crates-mirror/internal/objectstore"
	"github.com/APTlantis/crates-mirror/internal/registry"
	"github.com/APTlantis/crates-mirror/internal/scheduler"
)

func main() {
	var (
		logFormat = flag.String("log-format", "text", "Logging format: text|json")
		logLevel  = flag.String("log-level", "info", "Logging level: debug|info|warn|error")
	)
	flag.Parse()

	setupLogging(*logFormat, *logLevel)

	cfg, err := mirrorconfig.Load()
	if err != nil {
		slog.Error("load config failed", "err", err)
		os.Exit(1)
	}
	if cfg.IndexDir == "" {
		slog.Error("MIRROR_INDEX_DIR is required")
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	store, err := newObjectStore(ctx, cfg)
	if err != nil {
		slog.Error("object store init failed", "err", err)
		os.Exit(1)
	}

	var creds credentials.Provider
	if cfg.IMDSURL != "" {
		creds = credentials.NewAutoRefreshing(credentials.NewIMDSProvider(cfg.IMDSURL, nil))
	}

	tracker, err := gitindex.Open(cfg.IndexDir, cfg.IndexUpstreamURL, gitindex.Config{
		DL:  cfg.DesiredDL,
		API: cfg.DesiredAPI,
	})
	if err != nil {
		slog.Error("gitindex open failed", "err", err)
		os.Exit(1)
	}

	reg := registry.New()
	registry.RegisterMetrics(prometheus.DefaultRegisterer)
	f := fetcher.New(nil, cfg.OriginBaseURL, store, creds)
	fetcher.RegisterMetrics(prometheus.DefaultRegisterer)

	pool := scheduler.NewPool(cfg.Workers, reg, f)
	poller := scheduler.NewPoller(tracker, pool)
	poller.Interval = cfg.PollInterval
	poller.RetryBackoff = cfg.RetryBackoff

	srv := httpapi.NewServer(reg, f)
	httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: srv.Mux()}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pool.Run(gctx) })
	g.Go(func() error { return poller.Run(gctx) })
	g.Go(func() error {
		slog.Info("http server listening", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	slog.Info("mirror-crates ready", "index_dir", cfg.IndexDir, "workers", cfg.Workers)
	if err := g.Wait(); err != nil {
		slog.Error("mirror-crates exited with error", "err", err)
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

func newObjectStore(ctx context.Context, cfg mirrorconfig.Config) (objectstore.Store, error) {
	return objectstore.NewS3FromConfig(ctx, cfg.S3Bucket, cfg.S3Endpoint, cfg.S3Region)
}
