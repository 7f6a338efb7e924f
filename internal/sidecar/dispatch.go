package sidecar

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/APTlantis/crates-mirror/internal/crate"
)

// CollectReqs walks a crates.io-index checkout the same way Generate does
// and returns every crate.Req it names, instead of writing sidecar files.
// It is the full-index counterpart to internal/gitindex.Tracker.Update's
// incremental diff: where Update reports only what changed since the last
// sync, CollectReqs reports everything, for a one-shot backfill dispatch.
func CollectReqs(indexDir string, includeYanked bool, limit int64) ([]crate.Req, error) {
	var reqs []crate.Req
	err := filepath.Walk(indexDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			name := info.Name()
			if name == ".git" || name == ".github" || name == ".gitignore" {
				return filepath.SkipDir
			}
			return nil
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		bn := info.Name()
		if bn == "config.json" || strings.EqualFold(bn, "README.md") || strings.HasSuffix(bn, ".keep") {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		s := bufio.NewScanner(f)
		s.Buffer(make([]byte, 0, 1024*1024), 64*1024*1024)
		for s.Scan() {
			if limit > 0 && int64(len(reqs)) >= limit {
				return nil
			}
			line := strings.TrimSpace(s.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			entry, ok := crate.ParseIndexEntry([]byte(line))
			if !ok {
				continue
			}
			if !includeYanked && entry.Yanked {
				continue
			}
			reqs = append(reqs, crate.Req{Name: entry.Name, Version: entry.Vers})
		}
		return s.Err()
	})
	if err != nil {
		return nil, err
	}
	return reqs, nil
}

// DispatchStats summarizes one DispatchToMirror run.
type DispatchStats struct {
	Requested int
	OK        int
	Failed    int
	Duration  time.Duration
}

// DispatchToMirror requests every req from a running mirror-crates
// instance's GET /sync/{crate}/{version} endpoint, discarding the response
// body. This drives the exact same single-flight fetch-and-upload path the
// incremental poller uses for newly discovered crates, so a full-index
// backfill never needs its own copy of the upload logic — it just asks the
// mirror to do what it would already do for a crate it hadn't seen yet.
func DispatchToMirror(ctx context.Context, client *http.Client, mirrorBaseURL string, reqs []crate.Req, concurrency int) DispatchStats {
	if client == nil {
		client = http.DefaultClient
	}
	if concurrency <= 0 {
		concurrency = 16
	}
	base := strings.TrimRight(mirrorBaseURL, "/")

	jobs := make(chan crate.Req)
	var stats DispatchStats
	var mu sync.Mutex
	var wg sync.WaitGroup

	start := time.Now()
	worker := func() {
		defer wg.Done()
		for req := range jobs {
			ok := dispatchOne(ctx, client, base, req)
			mu.Lock()
			if ok {
				stats.OK++
			} else {
				stats.Failed++
			}
			mu.Unlock()
		}
	}
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go worker()
	}

feed:
	for _, req := range reqs {
		select {
		case jobs <- req:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	stats.Requested = len(reqs)
	stats.Duration = time.Since(start)
	return stats
}

func dispatchOne(ctx context.Context, client *http.Client, base string, req crate.Req) bool {
	url := fmt.Sprintf("%s/sync/%s/%s", base, req.Name, req.Version)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		slog.Warn("dispatch_build_request_failed", "crate", req.String(), "err", err)
		return false
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		slog.Warn("dispatch_failed", "crate", req.String(), "err", err)
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		slog.Warn("dispatch_non_ok", "crate", req.String(), "status", resp.StatusCode)
		return false
	}
	return true
}
