package httpapi

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/APTlantis/crates-mirror/internal/fetcher"
	"github.com/APTlantis/crates-mirror/internal/objectstore"
	"github.com/APTlantis/crates-mirror/internal/registry"
)

func newTestServer(t *testing.T, upstreamBody []byte) (*Server, *httptest.Server, *httptest.Server) {
	t.Helper()
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-tar")
		w.Write(upstreamBody)
	}))

	store := objectstore.NewMemStore()
	f := fetcher.New(nil, upstream.URL, store, nil)
	reg := registry.New()
	s := NewServer(reg, f)
	mirror := httptest.NewServer(s.Mux())
	return s, upstream, mirror
}

func TestSyncHandlerStreamsArchive(t *testing.T) {
	body := []byte("crate archive bytes")
	_, upstream, mirror := newTestServer(t, body)
	defer upstream.Close()
	defer mirror.Close()

	resp, err := http.Get(mirror.URL + "/sync/serde/1.0.0")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/x-tar" {
		t.Fatalf("unexpected Content-Type: %q", ct)
	}
	got, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if string(got) != string(body) {
		t.Fatalf("expected body %q, got %q", body, got)
	}
}

func TestSyncHandlerJoinsInFlightDownload(t *testing.T) {
	body := []byte("shared archive bytes")
	_, upstream, mirror := newTestServer(t, body)
	defer upstream.Close()
	defer mirror.Close()

	results := make(chan string, 2)
	for i := 0; i < 2; i++ {
		go func() {
			resp, err := http.Get(mirror.URL + "/sync/tokio/1.2.0")
			if err != nil {
				results <- "error: " + err.Error()
				return
			}
			defer resp.Body.Close()
			got, _ := io.ReadAll(resp.Body)
			results <- string(got)
		}()
	}

	for i := 0; i < 2; i++ {
		select {
		case got := <-results:
			if got != string(body) {
				t.Fatalf("unexpected body from concurrent request: %q", got)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for concurrent /sync response")
		}
	}
}

func TestSyncHandlerMissingPathValuesIsNotFoundOrBadRequest(t *testing.T) {
	_, upstream, mirror := newTestServer(t, []byte("x"))
	defer upstream.Close()
	defer mirror.Close()

	resp, err := http.Get(mirror.URL + "/sync/onlyname/")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound && resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 404 or 400 for malformed path, got %d", resp.StatusCode)
	}
}

func TestSyncHandlerUpstream404IsNotFound(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer upstream.Close()

	store := objectstore.NewMemStore()
	f := fetcher.New(nil, upstream.URL, store, nil)
	reg := registry.New()
	s := NewServer(reg, f)
	mirror := httptest.NewServer(s.Mux())
	defer mirror.Close()

	resp, err := http.Get(mirror.URL + "/sync/missing/0.0.0")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 per spec (upstream miss maps to 404, not 502), got %d", resp.StatusCode)
	}
	if n := reg.Len(); n != 0 {
		t.Fatalf("a failed fetch must remove its registry entry, got %d still in flight", n)
	}
}

func TestSyncHandlerMissingContentLengthIsNotFound(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-tar")
		w.Header().Set("Transfer-Encoding", "chunked")
		w.Write([]byte("x"))
	}))
	defer upstream.Close()

	store := objectstore.NewMemStore()
	f := fetcher.New(nil, upstream.URL, store, nil)
	reg := registry.New()
	s := NewServer(reg, f)
	mirror := httptest.NewServer(s.Mux())
	defer mirror.Close()

	resp, err := http.Get(mirror.URL + "/sync/headerless/0.0.0")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for missing Content-Length per spec.md §4.6/§6, got %d", resp.StatusCode)
	}
}

func TestHealthzAndStatusEndpoints(t *testing.T) {
	_, upstream, mirror := newTestServer(t, []byte("x"))
	defer upstream.Close()
	defer mirror.Close()

	resp, err := http.Get(mirror.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from /healthz, got %d", resp.StatusCode)
	}

	resp, err = http.Get(mirror.URL + "/api/status")
	if err != nil {
		t.Fatalf("GET /api/status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from /api/status, got %d", resp.StatusCode)
	}
}
