// Package fetcher implements the ActiveDownload producer from spec §4.2:
// it issues the upstream GET, streams the body into the shared buffer, and
// uploads the finished archive to object storage with bounded retry.
package fetcher

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/APTlantis/crates-mirror/internal/credentials"
	"github.com/APTlantis/crates-mirror/internal/objectstore"
	"github.com/APTlantis/crates-mirror/internal/registry"
)

const chunkSize = 32 * 1024

// Fetcher owns the upstream HTTP client, the object store, and the
// credentials provider the upload loop refreshes per attempt.
type Fetcher struct {
	Client        *http.Client
	OriginBaseURL string // e.g. "https://static.crates.io"
	Store         objectstore.Store
	Creds         credentials.Provider

	UploadRetries int           // default 10, per spec §4.2 step 6
	RetryBackoff  time.Duration // base backoff between upload attempts; 0 = no backoff

	sleep func(time.Duration)
}

// New builds a Fetcher with spec-default retry settings.
func New(client *http.Client, originBaseURL string, store objectstore.Store, creds credentials.Provider) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	return &Fetcher{
		Client:        client,
		OriginBaseURL: originBaseURL,
		Store:         store,
		Creds:         creds,
		UploadRetries: 10,
		sleep:         time.Sleep,
	}
}

// Start performs the synchronous part of spec §4.2 (issue GET, validate
// headers) and, on success, spawns the background goroutine that streams
// the body and uploads it. Callers (the HTTP handler and the scheduler's
// workers) must have already won GetOrCreate's single-flight race for dl.Req.
//
// On failure, Start itself removes the entry and fires Done, per spec §4.2
// step 1 — there is nothing left for the caller to clean up.
func (f *Fetcher) Start(ctx context.Context, reg *registry.InFlightRegistry, dl *registry.ActiveDownload) error {
	url := fmt.Sprintf("%s/%s", f.OriginBaseURL, dl.Req.UpstreamPath())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return f.fail(reg, dl, err)
	}

	resp, err := f.Client.Do(req)
	if err != nil {
		metUpstreamRequests.WithLabelValues("network_error").Inc()
		return f.fail(reg, dl, fmt.Errorf("fetcher: upstream request: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		metUpstreamRequests.WithLabelValues(fmt.Sprintf("http_%d", resp.StatusCode)).Inc()
		return f.fail(reg, dl, fmt.Errorf("%w: status %d", ErrBadUpstream, resp.StatusCode))
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		resp.Body.Close()
		metUpstreamRequests.WithLabelValues("bad_upstream").Inc()
		return f.fail(reg, dl, fmt.Errorf("%w: missing Content-Type", ErrBadUpstream))
	}
	contentLengthHeader := resp.Header.Get("Content-Length")
	if contentLengthHeader == "" {
		resp.Body.Close()
		metUpstreamRequests.WithLabelValues("bad_upstream").Inc()
		return f.fail(reg, dl, fmt.Errorf("%w: missing Content-Length", ErrBadUpstream))
	}
	var contentLength int64
	if _, err := fmt.Sscanf(contentLengthHeader, "%d", &contentLength); err != nil || contentLength < 0 {
		resp.Body.Close()
		metUpstreamRequests.WithLabelValues("bad_upstream").Inc()
		return f.fail(reg, dl, fmt.Errorf("%w: invalid Content-Length %q", ErrBadUpstream, contentLengthHeader))
	}

	metUpstreamRequests.WithLabelValues("ok").Inc()
	dl.SetHeaders(contentType, contentLength)

	go f.stream(ctx, reg, dl, resp)
	return nil
}

func (f *Fetcher) fail(reg *registry.InFlightRegistry, dl *registry.ActiveDownload, err error) error {
	dl.Finish(err)
	reg.Remove(dl.Req)
	return err
}

// stream reads resp.Body into dl, then uploads the finished buffer. It
// always removes dl from reg on exit — the defensive resolution to spec
// §9's open question about mid-body failures.
func (f *Fetcher) stream(ctx context.Context, reg *registry.InFlightRegistry, dl *registry.ActiveDownload, resp *http.Response) {
	defer reg.Remove(dl.Req)
	defer resp.Body.Close()

	buf := make([]byte, chunkSize)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			dl.Append(append([]byte(nil), buf[:n]...))
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			slog.Error("upstream stream error", "crate", dl.Req.String(), "err", err)
			dl.Finish(fmt.Errorf("fetcher: read body: %w", err))
			return
		}
	}
	dl.Finish(nil)

	body := dl.Snapshot()
	if err := f.uploadWithRetry(ctx, dl, body); err != nil {
		slog.Error("upload exhausted retries", "crate", dl.Req.String(), "err", err)
	}
}

func (f *Fetcher) uploadWithRetry(ctx context.Context, dl *registry.ActiveDownload, body []byte) error {
	attempts := f.UploadRetries
	if attempts <= 0 {
		attempts = 10
	}
	sleep := f.sleep
	if sleep == nil {
		sleep = time.Sleep
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if f.Creds != nil {
			if _, err := f.Creds.Credentials(ctx); err != nil {
				lastErr = fmt.Errorf("fetcher: refresh credentials: %w", err)
				slog.Warn("upload attempt failed to refresh credentials", "crate", dl.Req.String(), "attempt", attempt, "err", err)
				metUploadRetries.Inc()
				if attempt < attempts && f.RetryBackoff > 0 {
					sleep(f.RetryBackoff)
				}
				continue
			}
		}

		err := f.Store.Put(ctx, dl.Req.Key(), body)
		if err == nil {
			return nil
		}
		lastErr = err
		slog.Warn("upload attempt failed", "crate", dl.Req.String(), "attempt", attempt, "max", attempts, "err", err)
		metUploadRetries.Inc()
		if attempt < attempts && f.RetryBackoff > 0 {
			sleep(f.RetryBackoff)
		}
	}
	metUploadFailures.Inc()
	return fmt.Errorf("fetcher: upload %s: exhausted %d attempts: %w", dl.Req.Key(), attempts, lastErr)
}
