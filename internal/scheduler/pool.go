// Package scheduler implements spec §4.3: a periodic index poller feeding a
// bounded worker pool that turns newly-seen crate.Req values into
// single-flight fetches.
package scheduler

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/APTlantis/crates-mirror/internal/crate"
	"github.com/APTlantis/crates-mirror/internal/fetcher"
	"github.com/APTlantis/crates-mirror/internal/registry"
)

// DefaultWorkers is the worker count from spec §4.3.
const DefaultWorkers = 10

// Pool is a fixed number of workers draining an unbounded work queue of
// crate.Req. Each worker calls InFlightRegistry.GetOrCreate; only the
// goroutine that wins the single-flight race calls Fetcher.Start.
type Pool struct {
	Workers int
	Reg     *registry.InFlightRegistry
	Fetch   *fetcher.Fetcher

	work *unboundedQueue
}

// NewPool builds a Pool backed by an unbounded work queue (spec §4.3): a
// poll tick that discovers far more crates than the pool can drain in one
// cycle queues them all in memory rather than blocking the poller, since an
// index diff is a one-shot batch, not a steady stream Submit needs to apply
// backpressure against.
func NewPool(workers int, reg *registry.InFlightRegistry, f *fetcher.Fetcher) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Pool{Workers: workers, Reg: reg, Fetch: f, work: newUnboundedQueue()}
}

// Submit hands req to the pool. It never blocks on queue capacity, only
// briefly on the queue's internal lock. A req submitted after ctx is
// cancelled or the queue is closed is dropped.
func (p *Pool) Submit(ctx context.Context, req crate.Req) {
	p.work.push(ctx, req)
}

// Run starts Workers goroutines and blocks until ctx is cancelled and every
// worker has returned. A sync.Cond only wakes on Signal/Broadcast, not on
// ctx directly, so a watcher goroutine closes the queue when ctx is
// cancelled to unblock every worker parked in pop.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		p.work.close()
		return nil
	})
	for i := 0; i < p.Workers; i++ {
		g.Go(func() error {
			p.worker(gctx)
			return nil
		})
	}
	return g.Wait()
}

func (p *Pool) worker(ctx context.Context) {
	for {
		req, ok := p.work.pop(ctx)
		if !ok {
			return
		}
		dl, created := p.Reg.GetOrCreate(req)
		if !created {
			// Another worker, or the HTTP handler, already owns this
			// fetch; nothing left for us to do.
			continue
		}
		if err := p.Fetch.Start(ctx, p.Reg, dl); err != nil {
			slog.Warn("scheduler: fetch start failed", "crate", req.String(), "err", err)
		}
	}
}

// unboundedQueue is a FIFO of crate.Req with no capacity limit, guarded by a
// mutex and condition variable rather than a buffered channel: Go channels
// need a fixed capacity, and spec §4.3 calls for the poller's dispatch to
// never block on a capacity bound.
type unboundedQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []crate.Req
	closed bool
}

func newUnboundedQueue() *unboundedQueue {
	q := &unboundedQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *unboundedQueue) push(ctx context.Context, req crate.Req) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if ctx.Err() != nil || q.closed {
		return
	}
	q.items = append(q.items, req)
	q.cond.Signal()
}

// pop blocks until an item is available, ctx is cancelled, or the queue is
// closed, returning ok=false in the latter two cases. A goroutine waiting in
// Wait() is woken by close, which Run's watcher goroutine calls once
// ctx.Done() fires.
func (q *unboundedQueue) pop(ctx context.Context) (crate.Req, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 {
		if q.closed || ctx.Err() != nil {
			return crate.Req{}, false
		}
		q.cond.Wait()
	}
	req := q.items[0]
	q.items = q.items[1:]
	return req, true
}

// close wakes every goroutine blocked in pop so they can observe ctx
// cancellation and return.
func (q *unboundedQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}
