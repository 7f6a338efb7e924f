package downloader

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/APTlantis/crates-mirror/internal/objectstore"
)

func TestReqForURLRecoversCrateIdentity(t *testing.T) {
	req, ok := reqForURL("https://static.crates.io/crates/serde/serde-1.0.0.crate")
	if !ok {
		t.Fatal("expected ok")
	}
	if req.Name != "serde" || req.Version != "1.0.0" {
		t.Fatalf("got %+v", req)
	}

	if _, ok := reqForURL("https://static.crates.io/crates/serde/serde"); ok {
		t.Fatal("expected false for a URL without a .crate suffix")
	}
}

func TestFetchOnePutsCrateIntoStore(t *testing.T) {
	body := []byte("crate bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer srv.Close()

	store := objectstore.NewMemStore()
	d := NewDownloader(store, 1, 5*time.Second, nil, &bytes.Buffer{})

	url := srv.URL + "/crates/serde/serde-1.0.0.crate"
	rec := d.fetchOne(context.Background(), url)
	if !rec.OK {
		t.Fatalf("expected ok record, got %+v", rec)
	}
	if rec.Key != "serde/1.0.0" {
		t.Fatalf("unexpected key %q", rec.Key)
	}

	got, ok := store.Get("serde/1.0.0")
	if !ok {
		t.Fatal("expected crate to be written to the store")
	}
	if !bytes.Equal(got, body) {
		t.Fatalf("stored body mismatch: got %q", got)
	}
}

func TestFetchOneRejectsChecksumMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("crate bytes"))
	}))
	defer srv.Close()

	store := objectstore.NewMemStore()
	url := srv.URL + "/crates/tokio/tokio-1.2.0.crate"
	checksums := map[string]string{url: strings.Repeat("0", 64)}
	d := NewDownloader(store, 1, 5*time.Second, checksums, &bytes.Buffer{})

	rec := d.fetchOne(context.Background(), url)
	if rec.OK {
		t.Fatal("expected checksum mismatch to fail the record")
	}
	if _, ok := store.Get("tokio/1.2.0"); ok {
		t.Fatal("a checksum-mismatched crate must not reach the store")
	}
}

func TestFetchOneRecordsUpstreamErrorWithoutRetry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	store := objectstore.NewMemStore()
	d := NewDownloader(store, 1, 5*time.Second, nil, &bytes.Buffer{})
	d.SetRetries(3)

	url := srv.URL + "/crates/serde/serde-1.0.0.crate"
	rec := d.fetchOne(context.Background(), url)
	if rec.OK {
		t.Fatal("expected a non-retryable 404 to fail")
	}
	if rec.Retries != 0 {
		t.Fatalf("404 is not retryable, expected 0 retries, got %d", rec.Retries)
	}
}

func TestRunBackfillsEveryURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("body:" + r.URL.Path))
	}))
	defer srv.Close()

	store := objectstore.NewMemStore()
	var manifest bytes.Buffer
	d := NewDownloader(store, 4, 5*time.Second, nil, &manifest)

	urls := []string{
		srv.URL + "/crates/serde/serde-1.0.0.crate",
		srv.URL + "/crates/tokio/tokio-1.2.0.crate",
	}
	if err := d.Run(context.Background(), urls); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if store.Len() != 2 {
		t.Fatalf("expected 2 objects written, got %d", store.Len())
	}
	if !strings.Contains(manifest.String(), `"key":"serde/1.0.0"`) {
		t.Fatalf("manifest missing serde record: %s", manifest.String())
	}
}

func TestReadCratesFromIndex_FlagsAndLimit(t *testing.T) {
	tmp := t.TempDir()
	idxFile := filepath.Join(tmp, "s", "se", "serde")
	if err := os.MkdirAll(filepath.Dir(idxFile), 0o755); err != nil {
		t.Fatal(err)
	}
	data := ""
	data += `{"name":"serde","vers":"1.0.0","cksum":"` + strings.Repeat("a", 64) + `","yanked":false}` + "\n"
	data += `{"name":"serde","vers":"1.0.1","cksum":"` + strings.Repeat("b", 64) + `","yanked":true}` + "\n"
	if err := os.WriteFile(idxFile, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	urls, sums, err := ReadCratesFromIndex(tmp, "https://static.crates.io/crates", false, 0)
	if err != nil {
		t.Fatalf("ReadCratesFromIndex err: %v", err)
	}
	if len(urls) != 1 {
		t.Fatalf("expect 1 url, got %d", len(urls))
	}
	if len(sums) != 1 {
		t.Fatalf("expect 1 checksum, got %d", len(sums))
	}

	urls2, _, err := ReadCratesFromIndex(tmp, "https://static.crates.io/crates", true, 1)
	if err != nil {
		t.Fatalf("ReadCratesFromIndex err: %v", err)
	}
	if got := len(urls2); got != 1 {
		t.Fatalf("limit not applied, got %d", got)
	}
}
