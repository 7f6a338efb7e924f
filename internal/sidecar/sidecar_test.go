package sidecar

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/APTlantis/crates-mirror/internal/crate"
)

func TestSidecarCrateDirFor(t *testing.T) {
	out := t.TempDir()
	if got := CrateDirFor("serde", out); got != filepath.Join(out, "s", "er") {
		t.Fatalf("CrateDirFor serde: got %q", got)
	}
	if got := CrateDirFor("ab", out); got != filepath.Join(out, "ab") {
		t.Fatalf("CrateDirFor short: got %q", got)
	}
}

func writeIndexEntry(t *testing.T, indexDir, name, version string, yanked bool) {
	t.Helper()
	dir := CrateDirFor(name, indexDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	line := `{"name":"` + name + `","vers":"` + version + `","cksum":"` + strings.Repeat("a", 64) + `","yanked":` +
		boolStr(yanked) + "}\n"
	f := filepath.Join(dir, name)
	existing, _ := os.ReadFile(f)
	if err := os.WriteFile(f, append(existing, []byte(line)...), 0o644); err != nil {
		t.Fatal(err)
	}
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func TestCollectReqsSkipsYankedByDefault(t *testing.T) {
	indexDir := t.TempDir()
	writeIndexEntry(t, indexDir, "serde", "1.0.0", false)
	writeIndexEntry(t, indexDir, "serde", "1.0.1", true)

	reqs, err := CollectReqs(indexDir, false, 0)
	if err != nil {
		t.Fatalf("CollectReqs: %v", err)
	}
	if len(reqs) != 1 || reqs[0] != (crate.Req{Name: "serde", Version: "1.0.0"}) {
		t.Fatalf("unexpected reqs: %+v", reqs)
	}

	reqsAll, err := CollectReqs(indexDir, true, 0)
	if err != nil {
		t.Fatalf("CollectReqs include-yanked: %v", err)
	}
	if len(reqsAll) != 2 {
		t.Fatalf("expected 2 reqs with yanked included, got %d", len(reqsAll))
	}
}

func TestCollectReqsRespectsLimit(t *testing.T) {
	indexDir := t.TempDir()
	writeIndexEntry(t, indexDir, "serde", "1.0.0", false)
	writeIndexEntry(t, indexDir, "tokio", "1.2.0", false)

	reqs, err := CollectReqs(indexDir, false, 1)
	if err != nil {
		t.Fatalf("CollectReqs: %v", err)
	}
	if len(reqs) != 1 {
		t.Fatalf("expected limit to cap at 1, got %d", len(reqs))
	}
}

func TestDispatchToMirrorHitsSyncEndpointPerCrate(t *testing.T) {
	var hits int64
	seen := make(chan string, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		seen <- r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	reqs := []crate.Req{
		{Name: "serde", Version: "1.0.0"},
		{Name: "tokio", Version: "1.2.0"},
	}
	stats := DispatchToMirror(context.Background(), srv.Client(), srv.URL, reqs, 4)
	if stats.Requested != 2 || stats.OK != 2 || stats.Failed != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if atomic.LoadInt64(&hits) != 2 {
		t.Fatalf("expected 2 requests, got %d", hits)
	}

	paths := map[string]bool{}
	for i := 0; i < 2; i++ {
		paths[<-seen] = true
	}
	if !paths["/sync/serde/1.0.0"] || !paths["/sync/tokio/1.2.0"] {
		t.Fatalf("unexpected request paths: %+v", paths)
	}
}

func TestDispatchToMirrorCountsNonOKAsFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	reqs := []crate.Req{{Name: "serde", Version: "1.0.0"}}
	stats := DispatchToMirror(context.Background(), srv.Client(), srv.URL, reqs, 1)
	if stats.OK != 0 || stats.Failed != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}
