// Package tee implements the per-client reader described in spec §4.3: a
// Tee copies bytes out of a shared ActiveDownload buffer and forwards them
// to one client channel, without ever blocking the producer.
package tee

import (
	"context"

	"github.com/APTlantis/crates-mirror/internal/registry"
)

// download is the slice of *registry.ActiveDownload a Tee needs. Declared
// as an interface so tests can drive a Tee against a fake.
type download interface {
	ContentLen() int64
	ReadAt(from int) []byte
	Progress() <-chan struct{}
	Done() <-chan struct{}
}

// adapter satisfies download against the concrete registry type, since
// ActiveDownload exposes ContentLength as a plain field rather than a
// method.
type adapter struct{ *registry.ActiveDownload }

func (a adapter) ContentLen() int64 { return a.ContentLength }

// Run streams dl's buffer to out from offset 0: a Tee attached after the
// download has progressed first receives everything already buffered, then
// the bytes that arrive later, in order. Run closes out and returns when the
// full content has been delivered, when dl's Done fires (after draining any
// remaining bytes), or when ctx is cancelled (client disconnected). None of
// these terminate the underlying download from inside the Tee.
func Run(ctx context.Context, dl *registry.ActiveDownload, out chan<- []byte) {
	run(ctx, adapter{dl}, out)
}

func run(ctx context.Context, dl download, out chan<- []byte) {
	defer close(out)
	ptr := 0
	contentLen := dl.ContentLen()

	for {
		slice := dl.ReadAt(ptr)
		if len(slice) > 0 {
			ptr += len(slice)
			select {
			case out <- slice:
			case <-ctx.Done():
				return
			}
		}

		if int64(ptr) == contentLen {
			return
		}

		select {
		case <-dl.Progress():
			// woken by new bytes; loop and re-read.
		case <-dl.Done():
			// Drain whatever arrived between the last read and Done firing.
			tail := dl.ReadAt(ptr)
			if len(tail) > 0 {
				ptr += len(tail)
				select {
				case out <- tail:
				case <-ctx.Done():
				}
			}
			return
		case <-ctx.Done():
			return
		}
	}
}
