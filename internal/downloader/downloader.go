// Package downloader is the bulk/offline counterpart to cmd/mirror-crates's
// incremental poller: a one-shot worker pool that walks a crates.io-index
// checkout (or a flat URL list) and backfills every crate it finds straight
// into the mirror's internal/objectstore.Store, the same destination
// internal/fetcher uploads to. It exists for the case the incremental
// poller can't cover on its own — seeding a brand-new mirror from a fully
// cloned index rather than waiting out however many polling cycles it'd
// take to discover every existing crate one commit at a time.
package downloader

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/APTlantis/crates-mirror/internal/crate"
	"github.com/APTlantis/crates-mirror/internal/objectstore"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Record describes the outcome of one backfill attempt for the manifest.
type Record struct {
	SchemaVersion int    `json:"schema_version"`
	URL           string `json:"url"`
	Key           string `json:"key"`
	Size          int64  `json:"size"`
	SHA256        string `json:"sha256"`
	StartedAt     string `json:"started_at"`
	FinishedAt    string `json:"finished_at"`
	OK            bool   `json:"ok"`
	Error         string `json:"error,omitempty"`
	Retries       int    `json:"retries,omitempty"`
	Status        string `json:"status,omitempty"`
}

// ChecksumEntry is the line format for an optional checksum file (JSONL).
// Example line: {"url":"https://.../foo.crate","sha256":"ab12..."}
type ChecksumEntry struct {
	URL    string `json:"url"`
	SHA256 string `json:"sha256"`
}

// IndexEntry is the crates.io-index JSON-line shape this tool reads.
// Parsing itself lives in internal/crate, shared with the mirror's
// incremental gitindex tracker.
type IndexEntry = crate.IndexEntry

// SafeWriter serializes writes to the manifest from many result-collector
// goroutines.
type SafeWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (sw *SafeWriter) Write(p []byte) (int, error) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return sw.w.Write(p)
}

// Downloader holds state for concurrently backfilling crates into an
// objectstore.Store. Unlike the single-crate streaming path in
// internal/fetcher, a backfill download is small enough (a whole crate
// archive) to buffer in memory before the one Put call, so there is no
// equivalent of ActiveDownload's incremental buffer here.
type Downloader struct {
	client       *http.Client
	store        objectstore.Store
	checksums    map[string]string // url -> sha256 (hex)
	concurrency  int
	timeout      time.Duration
	progressEach int64         // log progress every N crates (0=disabled)
	progressIntv time.Duration // periodic progress interval (0=disabled)

	recordsW *SafeWriter

	countsMu sync.Mutex
	total    int64
	okCount  int64
	errCount int64

	retries   int
	retryBase time.Duration
	retryMax  time.Duration

	startedAt time.Time
}

var (
	metOnce     sync.Once
	metRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "crates_backfill_requests_total", Help: "Backfill download attempts by status and HTTP code"},
		[]string{"status", "code"},
	)
	metBytes     = prometheus.NewCounter(prometheus.CounterOpts{Name: "crates_backfill_bytes_total", Help: "Total bytes backfilled into the object store"})
	metDuration  = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "crates_backfill_duration_seconds", Help: "Time spent per backfill attempt", Buckets: prometheus.DefBuckets})
	metRetries   = prometheus.NewCounter(prometheus.CounterOpts{Name: "crates_backfill_retries_total", Help: "Total retry attempts"})
	metInflight  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "crates_backfill_inflight", Help: "In-flight backfill HTTP requests"})
	metProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "crates_backfill_processed_total", Help: "Processed backfill records by result"},
		[]string{"result"},
	)
)

func initMetrics() {
	metOnce.Do(func() {
		prometheus.MustRegister(metRequests, metBytes, metDuration, metRetries, metInflight, metProcessed)
	})
}

// StartMetricsServer exposes Prometheus metrics on addr, when non-empty, for
// the duration of a long backfill run.
func StartMetricsServer(addr string) {
	if addr == "" {
		return
	}
	initMetrics()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		slog.Info("backfill metrics listening", "addr", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			slog.Error("backfill metrics server error", "err", err)
		}
	}()
}

func (d *Downloader) incOK() {
	d.countsMu.Lock()
	d.okCount++
	d.countsMu.Unlock()
}

func (d *Downloader) incErr() {
	d.countsMu.Lock()
	d.errCount++
	d.countsMu.Unlock()
}

func (d *Downloader) incTotal() int64 {
	d.countsMu.Lock()
	d.total++
	t := d.total
	d.countsMu.Unlock()
	return t
}

func (d *Downloader) getTotal() int64 {
	d.countsMu.Lock()
	t := d.total
	d.countsMu.Unlock()
	return t
}

func (d *Downloader) snapshotCounts() (ok int64, errc int64) {
	d.countsMu.Lock()
	ok = d.okCount
	errc = d.errCount
	d.countsMu.Unlock()
	return
}

// DefaultConcurrency returns an aggressive yet safe default for backfilling
// into a remote object store.
func DefaultConcurrency() int {
	return max(32, runtime.NumCPU()*16)
}

// NewDownloader builds a Downloader that writes every successfully fetched
// crate into store.
func NewDownloader(store objectstore.Store, concurrency int, timeout time.Duration, checksums map[string]string, recordsW io.Writer) *Downloader {
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          concurrency * 4,
		MaxIdleConnsPerHost:   concurrency * 4,
		MaxConnsPerHost:       concurrency * 2,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &Downloader{
		client:      &http.Client{Transport: tr, Timeout: timeout},
		store:       store,
		checksums:   checksums,
		concurrency: concurrency,
		timeout:     timeout,
		recordsW:    &SafeWriter{w: recordsW},
		retries:     6,
		retryBase:   500 * time.Millisecond,
		retryMax:    30 * time.Second,
		startedAt:   time.Now(),
	}
}

// lastPathSegment returns the final "/"-delimited component of a URL.
func lastPathSegment(u string) string {
	seg := u
	if i := strings.LastIndex(u, "/"); i >= 0 {
		seg = u[i+1:]
	}
	return strings.TrimSpace(seg)
}

// reqForURL recovers the crate identity a static.crates.io download URL
// names, from its trailing "{name}-{version}.crate" file name.
func reqForURL(u string) (crate.Req, bool) {
	return crate.ReqFromArchiveName(lastPathSegment(u))
}

func (d *Downloader) fetchOne(ctx context.Context, url string) Record {
	rec := Record{SchemaVersion: 1, URL: url, StartedAt: time.Now().UTC().Format(time.RFC3339)}

	req, ok := reqForURL(url)
	if !ok {
		rec.Error = "cannot derive crate name/version from url"
		rec.Status = "error"
		d.incErr()
		metProcessed.WithLabelValues("error").Inc()
		return rec
	}
	rec.Key = req.Key()

	var (
		body       []byte
		lastErr    error
		attemptCnt int
	)
	attempts := max(1, d.retries)
	for attempt := 1; attempt <= attempts; attempt++ {
		attemptCnt = attempt

		httpReq, _ := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		httpReq.Header.Set("User-Agent", "Aptlantis-crates-mirror/0.1")
		metInflight.Inc()
		attemptStart := time.Now()
		resp, err := d.client.Do(httpReq)
		if err != nil {
			lastErr = err
			metInflight.Dec()
			metDuration.Observe(time.Since(attemptStart).Seconds())
			metRequests.WithLabelValues("error", "net").Inc()
		} else if resp.StatusCode == http.StatusOK {
			body, err = io.ReadAll(resp.Body)
			resp.Body.Close()
			metInflight.Dec()
			metDuration.Observe(time.Since(attemptStart).Seconds())
			if err != nil {
				lastErr = err
			} else {
				lastErr = nil
				metBytes.Add(float64(len(body)))
				metRequests.WithLabelValues("ok", strconv.Itoa(resp.StatusCode)).Inc()
				break
			}
		} else {
			retryable := resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooEarly || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
			lastErr = fmt.Errorf("HTTP %d", resp.StatusCode)
			resp.Body.Close()
			metInflight.Dec()
			metDuration.Observe(time.Since(attemptStart).Seconds())
			metRequests.WithLabelValues("error", strconv.Itoa(resp.StatusCode)).Inc()
			if !retryable {
				break
			}
		}

		if lastErr == nil {
			break
		}
		if errors.Is(lastErr, context.Canceled) || errors.Is(lastErr, context.DeadlineExceeded) {
			break
		}
		if attempt < attempts {
			back := d.retryBase << (attempt - 1)
			if back > d.retryMax {
				back = d.retryMax
			}
			jitter := 0.5 + (float64(time.Now().UnixNano()&0x3ff) / 1024.0)
			sleep := time.Duration(float64(back) * jitter)
			slog.Warn("retrying", "attempt", attempt, "max", attempts, "backoff", sleep.String(), "url", url, "err", lastErr)
			metRetries.Inc()
			time.Sleep(sleep)
		}
	}
	rec.Retries = max(0, attemptCnt-1)
	if lastErr != nil {
		rec.Error = lastErr.Error()
		rec.Status = "error"
		d.incErr()
		metProcessed.WithLabelValues("error").Inc()
		return rec
	}

	sum := sha256sum(body)
	rec.Size = int64(len(body))
	rec.SHA256 = sum
	if want, ok := d.checksums[url]; ok && want != "" && !strings.EqualFold(want, sum) {
		rec.Error = "checksum mismatch"
		rec.Status = "error"
		rec.FinishedAt = time.Now().UTC().Format(time.RFC3339)
		d.incErr()
		metProcessed.WithLabelValues("error").Inc()
		return rec
	}

	if err := d.store.Put(ctx, req.Key(), body); err != nil {
		rec.Error = err.Error()
		rec.Status = "error"
		rec.FinishedAt = time.Now().UTC().Format(time.RFC3339)
		d.incErr()
		metProcessed.WithLabelValues("error").Inc()
		return rec
	}

	rec.FinishedAt = time.Now().UTC().Format(time.RFC3339)
	rec.OK = true
	rec.Status = "ok"
	d.incOK()
	metProcessed.WithLabelValues("ok").Inc()
	return rec
}

func sha256sum(b []byte) string {
	h := sha256.New()
	h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}

// ProgressEach enables logging after every n processed items when n>0.
func (d *Downloader) ProgressEach(n int64) { d.progressEach = n }

// ProgressInterval emits periodic progress logs when dur>0.
func (d *Downloader) ProgressInterval(dur time.Duration) { d.progressIntv = dur }

// SetRetries overrides the total number of retry attempts for transient errors.
func (d *Downloader) SetRetries(n int) { d.retries = n }

// SetRetryBase adjusts the base exponential backoff duration.
func (d *Downloader) SetRetryBase(dur time.Duration) {
	if dur > 0 {
		d.retryBase = dur
	}
}

// SetRetryMax caps the exponential backoff duration per attempt.
func (d *Downloader) SetRetryMax(dur time.Duration) {
	if dur > 0 {
		d.retryMax = dur
	}
}

// HTTPTransport exposes the underlying transport for advanced tuning.
func (d *Downloader) HTTPTransport() http.RoundTripper { return d.client.Transport }

// Run backfills every URL into d.store, fanning out across d.concurrency
// workers and writing one manifest Record per URL to recordsW.
func (d *Downloader) Run(ctx context.Context, urls []string) error {
	slog.Info("backfill starting", "urls", len(urls), "concurrency", d.concurrency)
	start := time.Now()

	urlsCh := make(chan string)
	resultsCh := make(chan Record)
	var wg sync.WaitGroup

	for i := 0; i < d.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for u := range urlsCh {
				ctxTimeout, cancel := context.WithTimeout(ctx, d.timeout)
				rec := d.fetchOne(ctxTimeout, u)
				cancel()
				resultsCh <- rec
			}
		}()
	}

	var doneCollect sync.WaitGroup
	doneCollect.Add(1)
	go func() {
		defer doneCollect.Done()
		enc := json.NewEncoder(d.recordsW)
		var processed int64
		for rec := range resultsCh {
			enc.Encode(rec)
			processed = d.incTotal()
			if d.progressEach > 0 && processed%d.progressEach == 0 {
				ok, errc := d.snapshotCounts()
				slog.Info("backfill progress", "processed", processed, "ok", ok, "err", errc)
			}
		}
	}()

	var progressDone chan struct{}
	if d.progressIntv > 0 {
		progressDone = make(chan struct{})
		ticker := time.NewTicker(d.progressIntv)
		go func() {
			defer ticker.Stop()
			var last int64 = -1
			for {
				select {
				case <-ticker.C:
					processed := d.getTotal()
					if processed == last {
						continue
					}
					ok, errc := d.snapshotCounts()
					elapsed := time.Since(start)
					var rate float64
					if elapsed > 0 {
						rate = float64(processed) / elapsed.Seconds()
					}
					slog.Info("backfill progress", "processed", processed, "ok", ok, "err", errc, "elapsed", elapsed.String(), "rate_per_sec", fmt.Sprintf("%.1f", rate))
					last = processed
				case <-progressDone:
					return
				}
			}
		}()
	}

	go func() {
		for _, u := range urls {
			select {
			case urlsCh <- u:
			case <-ctx.Done():
				close(urlsCh)
				return
			}
		}
		close(urlsCh)
	}()

	wg.Wait()
	close(resultsCh)
	doneCollect.Wait()
	if progressDone != nil {
		close(progressDone)
	}

	dur := time.Since(start)
	ok, errc := d.snapshotCounts()
	slog.Info("backfill done", "total", d.getTotal(), "ok", ok, "err", errc, "elapsed", dur.String())
	return nil
}

// ReadURLs loads newline-delimited URLs from listPath, skipping blanks and comments.
func ReadURLs(listPath string) ([]string, error) {
	f, err := os.Open(listPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var urls []string
	s := bufio.NewScanner(f)
	s.Buffer(make([]byte, 0, 1024*1024), 64*1024*1024)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	return urls, s.Err()
}

// ReadChecksums loads expected SHA-256 values from a JSONL file of {url, sha256}.
func ReadChecksums(path string) (map[string]string, error) {
	if path == "" {
		return map[string]string{}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r := bufio.NewReader(f)
	out := make(map[string]string)
	for {
		b, err := r.ReadBytes('\n')
		if len(b) > 0 {
			var ce ChecksumEntry
			if json.Unmarshal(bytes.TrimSpace(b), &ce) == nil {
				if ce.URL != "" && ce.SHA256 != "" {
					out[ce.URL] = strings.ToLower(ce.SHA256)
				}
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return out, err
		}
	}
	return out, nil
}

// ReadCratesFromIndex walks a local crates.io-index tree and returns crate
// download URLs plus checksum hints.
// - baseURL: typically https://static.crates.io/crates
// - includeYanked: if false, skip entries with yanked=true
// - limit: if >0, stop after collecting this many URLs
func ReadCratesFromIndex(indexDir, baseURL string, includeYanked bool, limit int) ([]string, map[string]string, error) {
	var urls []string
	checks := make(map[string]string)
	baseURL = strings.TrimRight(baseURL, "/")
	stopWalk := errors.New("stopWalk")

	err := filepath.Walk(indexDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if limit > 0 && len(urls) >= limit {
			return stopWalk
		}
		name := info.Name()
		if info.IsDir() {
			if name == ".git" || name == ".github" || name == ".gitignore" {
				return filepath.SkipDir
			}
			return nil
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		if name == "config.json" || strings.EqualFold(name, "README.md") || strings.HasSuffix(name, ".keep") {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		s := bufio.NewScanner(f)
		s.Buffer(make([]byte, 0, 1024*1024), 64*1024*1024)
		for s.Scan() {
			if limit > 0 && len(urls) >= limit {
				break
			}
			line := strings.TrimSpace(s.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			ie, ok := crate.ParseIndexEntry([]byte(line))
			if !ok {
				continue // ignore malformed lines
			}
			if !includeYanked && ie.Yanked {
				continue
			}
			u := fmt.Sprintf("%s/%s/%s-%s.crate", baseURL, ie.Name, ie.Name, ie.Vers)
			urls = append(urls, u)
			if ie.Cksum != "" {
				checks[u] = strings.ToLower(ie.Cksum)
			}
		}
		f.Close()
		return s.Err()
	})
	if err != nil && !errors.Is(err, stopWalk) {
		return nil, nil, err
	}
	return urls, checks, nil
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
