// Package httpapi wires the single-flight registry and streaming Tee into
// the HTTP surface from spec §5: GET /sync/{crate}/{version} plus the
// ambient /metrics, /api/status and /healthz routes the teacher's
// downloader.serveMetrics already established the idiom for.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzhttp"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/APTlantis/crates-mirror/internal/crate"
	"github.com/APTlantis/crates-mirror/internal/fetcher"
	"github.com/APTlantis/crates-mirror/internal/registry"
	"github.com/APTlantis/crates-mirror/internal/tee"
)

// Server holds the shared state the /sync handler attaches to.
type Server struct {
	Reg     *registry.InFlightRegistry
	Fetch   *fetcher.Fetcher
	Started time.Time
}

// NewServer builds a Server. Started defaults to time.Now() for /api/status
// uptime reporting.
func NewServer(reg *registry.InFlightRegistry, f *fetcher.Fetcher) *Server {
	return &Server{Reg: reg, Fetch: f, Started: time.Now()}
}

// Mux builds the route table. /api/status is gzhttp-wrapped since it's a
// small JSON body; /sync is never wrapped, since its body is the streamed
// crate archive.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /sync/{crate}/{version}", s.handleSync)
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/api/status", gzhttp.GzipHandler(http.HandlerFunc(s.handleStatus)))
	mux.HandleFunc("/healthz", s.handleHealthz)
	return mux
}

// handleSync implements spec §5: join or create the single-flight
// ActiveDownload for {crate}/{version}, wait for upstream headers, then
// stream the buffer to the client through a Tee.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	name, version := r.PathValue("crate"), r.PathValue("version")
	if name == "" || version == "" {
		http.Error(w, "crate and version are required", http.StatusBadRequest)
		return
	}
	req := crate.Req{Name: name, Version: version}
	log := slog.With("request_id", uuid.NewString(), "crate", req.String())

	dl, created := s.Reg.GetOrCreate(req)
	if created {
		// The fetch outlives this request: other clients and the upload
		// still need it after this client disconnects or is served.
		if err := s.Fetch.Start(context.WithoutCancel(r.Context()), s.Reg, dl); err != nil {
			log.Warn("upstream fetch failed", "err", err)
			http.Error(w, "crate not found", http.StatusNotFound)
			return
		}
	}

	if err := waitForHeaders(r.Context(), dl); err != nil {
		if r.Context().Err() != nil {
			return // client disconnected before headers arrived
		}
		log.Warn("upstream fetch failed while waiting for headers", "err", err)
		http.Error(w, "crate not found", http.StatusNotFound)
		return
	}

	contentType, contentLength, _ := dl.Headers()
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.FormatInt(contentLength, 10))
	w.WriteHeader(http.StatusOK)

	out := make(chan []byte, 4)
	go tee.Run(r.Context(), dl, out)
	flusher, _ := w.(http.Flusher)
	for chunk := range out {
		if _, err := w.Write(chunk); err != nil {
			log.Warn("client write failed", "err", err)
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// waitForHeaders blocks until dl.Headers() is ready, dl finishes with a
// terminal error before ever setting headers (the bad-upstream path), or
// ctx is cancelled.
func waitForHeaders(ctx context.Context, dl *registry.ActiveDownload) error {
	for {
		if _, _, ready := dl.Headers(); ready {
			return nil
		}
		select {
		case <-dl.Progress():
		case <-dl.Done():
			if _, _, ready := dl.Headers(); ready {
				return nil
			}
			if err := dl.Err(); err != nil {
				return err
			}
			return context.Canceled
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

type statusResponse struct {
	UptimeSeconds float64 `json:"uptime_sec"`
	InFlight      int     `json:"in_flight"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		UptimeSeconds: time.Since(s.Started).Seconds(),
		InFlight:      s.Reg.Len(),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Warn("status encode failed", "err", err)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}
