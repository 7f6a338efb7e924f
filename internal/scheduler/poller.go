package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/APTlantis/crates-mirror/internal/crate"
)

// DefaultPollInterval and DefaultRetryBackoff are spec §4.3's tick/backoff
// defaults.
const (
	DefaultPollInterval = 300 * time.Second
	DefaultRetryBackoff = 10 * time.Second
)

// indexUpdater is satisfied by *gitindex.Tracker; narrowed here so Poller is
// testable without a real git clone.
type indexUpdater interface {
	Update() ([]crate.Req, error)
}

// submitter is satisfied by *Pool.
type submitter interface {
	Submit(ctx context.Context, req crate.Req)
}

// Poller calls Tracker.Update on a fixed interval and submits every crate it
// reports to Pool. A failed Update retries after RetryBackoff instead of
// waiting out the full Interval, per spec §4.3.
type Poller struct {
	Tracker      indexUpdater
	Pool         submitter
	Interval     time.Duration
	RetryBackoff time.Duration
}

// NewPoller builds a Poller with spec-default timing.
func NewPoller(tracker indexUpdater, pool submitter) *Poller {
	return &Poller{
		Tracker:      tracker,
		Pool:         pool,
		Interval:     DefaultPollInterval,
		RetryBackoff: DefaultRetryBackoff,
	}
}

// Run blocks until ctx is cancelled, polling and submitting on each tick.
func (p *Poller) Run(ctx context.Context) error {
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	backoff := p.RetryBackoff
	if backoff <= 0 {
		backoff = DefaultRetryBackoff
	}

	for {
		if err := p.tick(ctx); err != nil {
			slog.Error("scheduler: index update failed, retrying", "err", err, "backoff", backoff)
			select {
			case <-time.After(backoff):
				continue
			case <-ctx.Done():
				return nil
			}
		}
		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return nil
		}
	}
}

func (p *Poller) tick(ctx context.Context) error {
	reqs, err := p.Tracker.Update()
	if err != nil {
		return err
	}
	for _, req := range reqs {
		p.Pool.Submit(ctx, req)
	}
	return nil
}
