package registry

import (
	"sync"

	"github.com/google/uuid"

	"github.com/APTlantis/crates-mirror/internal/crate"
)

// ActiveDownload is the shared state of one in-flight upstream fetch: an
// append-only buffer, a done signal, and a progress broadcaster. Exactly
// one producer writes the buffer; many Tees and the eventual upload read
// it. See spec §3/§5 for the locking discipline this type enforces.
type ActiveDownload struct {
	Req crate.Req
	// ID correlates this download's log lines and metrics across the
	// registry, fetcher, and HTTP handler.
	ID string

	ContentType   string
	ContentLength int64

	mu  sync.RWMutex
	buf []byte

	err      error
	doneCh   chan struct{}
	doneOnce sync.Once

	progress *broadcaster
}

func newActiveDownload(req crate.Req) *ActiveDownload {
	return &ActiveDownload{
		Req:      req,
		ID:       uuid.NewString(),
		doneCh:   make(chan struct{}),
		progress: newBroadcaster(),
	}
}

// SetHeaders records the upstream Content-Type/Content-Length once known
// and preallocates the buffer to ContentLength, per spec §4.2 step 3.
func (a *ActiveDownload) SetHeaders(contentType string, contentLength int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ContentType = contentType
	a.ContentLength = contentLength
	a.buf = make([]byte, 0, contentLength)
}

// Append adds chunk to the buffer and wakes any waiting Tees. It is only
// ever called by the producer, which holds no lock of its own across
// calls — Append's internal lock is the only synchronization needed.
func (a *ActiveDownload) Append(chunk []byte) {
	a.mu.Lock()
	a.buf = append(a.buf, chunk...)
	a.mu.Unlock()
	metBytesStreamed.Add(float64(len(chunk)))
	a.progress.Publish()
}

// Headers returns the upstream Content-Type/Content-Length under a shared
// lock, plus whether SetHeaders has been called yet.
func (a *ActiveDownload) Headers() (contentType string, contentLength int64, ready bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.ContentType, a.ContentLength, a.ContentType != ""
}

// Len returns the current buffer length under a shared lock.
func (a *ActiveDownload) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.buf)
}

// ReadAt returns a detached copy of buf[from:] under a shared lock.
func (a *ActiveDownload) ReadAt(from int) []byte {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if from >= len(a.buf) {
		return nil
	}
	out := make([]byte, len(a.buf)-from)
	copy(out, a.buf[from:])
	return out
}

// Snapshot returns an immutable copy of the full buffer. Called once the
// producer has finished, for the object-store upload.
func (a *ActiveDownload) Snapshot() []byte {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]byte, len(a.buf))
	copy(out, a.buf)
	return out
}

// Progress returns a channel that is closed the next time bytes are
// appended or Finish is called.
func (a *ActiveDownload) Progress() <-chan struct{} {
	return a.progress.Wait()
}

// Done returns a channel closed once the producer has finished appending,
// regardless of upload outcome.
func (a *ActiveDownload) Done() <-chan struct{} {
	return a.doneCh
}

// Finish fires Done exactly once and records the terminal error, if any.
// It also publishes a final progress wake so any Tee blocked waiting for
// more bytes re-checks buffer length against Done.
func (a *ActiveDownload) Finish(err error) {
	a.doneOnce.Do(func() {
		a.mu.Lock()
		a.err = err
		a.mu.Unlock()
		close(a.doneCh)
		a.progress.Publish()
	})
}

// Err returns the producer's terminal error, if Finish has been called
// with one.
func (a *ActiveDownload) Err() error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.err
}
