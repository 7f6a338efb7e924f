package tee

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fakeDownload is a minimal, hand-driven download for exercising the Tee
// state machine without the registry package's full locking.
type fakeDownload struct {
	mu         sync.Mutex
	buf        []byte
	contentLen int64
	progress   chan struct{}
	done       chan struct{}
	doneOnce   sync.Once
}

func newFakeDownload(contentLen int64) *fakeDownload {
	return &fakeDownload{contentLen: contentLen, progress: make(chan struct{}), done: make(chan struct{})}
}

func (f *fakeDownload) ContentLen() int64 { return f.contentLen }

func (f *fakeDownload) ReadAt(from int) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if from >= len(f.buf) {
		return nil
	}
	out := make([]byte, len(f.buf)-from)
	copy(out, f.buf[from:])
	return out
}

func (f *fakeDownload) Progress() <-chan struct{} { return f.progress }
func (f *fakeDownload) Done() <-chan struct{}     { return f.done }

func (f *fakeDownload) Append(b []byte) {
	f.mu.Lock()
	f.buf = append(f.buf, b...)
	old := f.progress
	f.progress = make(chan struct{})
	f.mu.Unlock()
	close(old)
}

func (f *fakeDownload) Finish() {
	f.doneOnce.Do(func() { close(f.done) })
}

func collect(t *testing.T, out <-chan []byte, timeout time.Duration) []byte {
	t.Helper()
	var got []byte
	deadline := time.After(timeout)
	for {
		select {
		case b, ok := <-out:
			if !ok {
				return got
			}
			got = append(got, b...)
		case <-deadline:
			t.Fatalf("timed out collecting tee output")
		}
	}
}

func TestTeeDeliversFullStreamInOrder(t *testing.T) {
	fd := newFakeDownload(10)
	out := make(chan []byte, 8)
	ctx := context.Background()

	done := make(chan struct{})
	go func() { run(ctx, fd, out); close(done) }()

	fd.Append([]byte("hello"))
	fd.Append([]byte("world"))
	fd.Finish()

	got := collect(t, out, time.Second)
	<-done
	if string(got) != "helloworld" {
		t.Fatalf("unexpected output %q", got)
	}
}

func TestTeeAttachedAfterDoneReceivesSuffix(t *testing.T) {
	fd := newFakeDownload(10)
	fd.Append([]byte("helloworld"))
	fd.Finish()

	out := make(chan []byte, 8)
	run(context.Background(), fd, out)
	got := collect(t, out, time.Second)
	if string(got) != "helloworld" {
		t.Fatalf("expected full suffix, got %q", got)
	}
}

func TestTeeZeroLengthArchiveClosesEmpty(t *testing.T) {
	fd := newFakeDownload(0)
	fd.Finish()
	out := make(chan []byte, 1)
	run(context.Background(), fd, out)
	got := collect(t, out, time.Second)
	if len(got) != 0 {
		t.Fatalf("expected empty body, got %q", got)
	}
}

func TestTeeExitsOnClientDisconnect(t *testing.T) {
	fd := newFakeDownload(10)
	out := make(chan []byte) // unbuffered, never read, to force a blocked send
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() { run(ctx, fd, out); close(done) }()

	fd.Append([]byte("hi"))
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("tee did not exit after context cancellation")
	}
}

func TestTeeMidStreamAttachReplaysBufferedPrefix(t *testing.T) {
	fd := newFakeDownload(10)
	fd.Append([]byte("hello"))

	// A Tee attached after "hello" is already buffered still delivers it
	// first, then the bytes that arrive after the attach.
	out := make(chan []byte, 8)
	done := make(chan struct{})
	go func() { run(context.Background(), fd, out); close(done) }()

	fd.Append([]byte("world"))
	fd.Finish()

	got := collect(t, out, time.Second)
	<-done
	if string(got) != "helloworld" {
		t.Fatalf("expected buffered prefix then suffix 'helloworld', got %q", got)
	}
}
