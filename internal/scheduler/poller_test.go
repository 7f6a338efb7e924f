package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/APTlantis/crates-mirror/internal/crate"
)

type fakeUpdater struct {
	mu      sync.Mutex
	results [][]crate.Req
	errs    []error
	calls   int
}

func (f *fakeUpdater) Update() ([]crate.Req, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	var res []crate.Req
	var err error
	if i < len(f.results) {
		res = f.results[i]
	}
	if i < len(f.errs) {
		err = f.errs[i]
	}
	return res, err
}

type fakeSubmitter struct {
	mu   sync.Mutex
	reqs []crate.Req
}

func (f *fakeSubmitter) Submit(_ context.Context, req crate.Req) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

func TestPollerSubmitsReportedCrates(t *testing.T) {
	upd := &fakeUpdater{results: [][]crate.Req{{{Name: "serde", Version: "1.0.0"}}}}
	sub := &fakeSubmitter{}
	p := NewPoller(upd, sub)
	p.Interval = 20 * time.Millisecond
	p.RetryBackoff = time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	p.Run(ctx)

	if sub.count() != 1 {
		t.Fatalf("expected 1 submitted crate, got %d", sub.count())
	}
}

func TestPollerRetriesAfterUpdateError(t *testing.T) {
	upd := &fakeUpdater{
		errs:    []error{errors.New("transient"), nil},
		results: [][]crate.Req{nil, {{Name: "tokio", Version: "1.2.0"}}},
	}
	sub := &fakeSubmitter{}
	p := NewPoller(upd, sub)
	p.Interval = time.Hour
	p.RetryBackoff = 5 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	p.Run(ctx)

	if sub.count() != 1 {
		t.Fatalf("expected the retried tick to submit 1 crate, got %d", sub.count())
	}
	upd.mu.Lock()
	calls := upd.calls
	upd.mu.Unlock()
	if calls < 2 {
		t.Fatalf("expected at least 2 Update calls (initial failure + retry), got %d", calls)
	}
}
