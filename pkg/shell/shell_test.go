package shell

import (
	"context"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/nativeadb/adb/pkg/stream"
)

// fakeWriter drives a stream.Multiplexer against an in-process peer: OPEN is
// auto-acknowledged with an OKAY so Open() completes immediately, and
// injected bytes are delivered as inbound WRTE frames via deliver.
type fakeWriter struct {
	mu  sync.Mutex
	mux *stream.Multiplexer

	localID uint32
	seen    chan struct{}
}

func newFakeWriter() *fakeWriter {
	return &fakeWriter{seen: make(chan struct{}, 1)}
}

func (f *fakeWriter) SendOpen(localID uint32, service string) error {
	f.mu.Lock()
	f.localID = localID
	f.mu.Unlock()
	f.mux.HandleOkay(1, localID)
	return nil
}

func (f *fakeWriter) SendOkay(localID, remoteID uint32) error { return nil }
func (f *fakeWriter) SendClose(localID, remoteID uint32) error { return nil }
func (f *fakeWriter) SendWrite(localID, remoteID uint32, payload []byte) error {
	select {
	case f.seen <- struct{}{}:
	default:
	}
	return nil
}

// deliver injects an inbound WRTE on the open stream, as if the peer wrote
// shell output.
func (f *fakeWriter) deliver(p []byte) {
	f.mu.Lock()
	id := f.localID
	f.mu.Unlock()
	f.mux.HandleWrite(id, p)
}

func newHarness(t *testing.T) (*Channel, *fakeWriter) {
	t.Helper()
	w := newFakeWriter()
	w.mux = stream.NewMultiplexer(w)
	c := New(w.mux, w.mux)
	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	return c, w
}

func TestExecuteAggregatesUntilQuietPeriod(t *testing.T) {
	c, w := newHarness(t)
	c.quietPeriod = 20 * time.Millisecond
	c.overallDeadline = time.Second

	go func() {
		time.Sleep(5 * time.Millisecond)
		w.deliver([]byte("hello "))
		time.Sleep(5 * time.Millisecond)
		w.deliver([]byte("world"))
	}()

	var chunks [][]byte
	res, err := c.Execute("echo hello world", func(chunk []byte) {
		chunks = append(chunks, append([]byte(nil), chunk...))
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if string(res.Output) != "hello world" {
		t.Fatalf("Output = %q, want %q", res.Output, "hello world")
	}
	if res.TimedOut {
		t.Fatal("did not expect TimedOut")
	}
	if !reflect.DeepEqual(chunks, [][]byte{[]byte("hello "), []byte("world")}) {
		t.Fatalf("unexpected chunk sequence: %v", chunks)
	}
}

func TestExecuteTimesOutWithNoOutput(t *testing.T) {
	c, _ := newHarness(t)
	c.quietPeriod = 10 * time.Millisecond
	c.overallDeadline = 30 * time.Millisecond

	res, err := c.Execute("sleep 10", nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.TimedOut {
		t.Fatal("expected TimedOut")
	}
}

func TestHeartbeatDetectsMarker(t *testing.T) {
	c, w := newHarness(t)
	c.quietPeriod = 10 * time.Millisecond
	c.overallDeadline = time.Second

	go func() {
		time.Sleep(5 * time.Millisecond)
		w.deliver([]byte("heartbeat\n"))
	}()

	if err := c.Heartbeat(); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
}

func TestNormalizeAppendsNewlineOnce(t *testing.T) {
	if got := normalize("echo hi"); got != "echo hi\n" {
		t.Fatalf("normalize = %q", got)
	}
	if got := normalize("echo hi\n"); got != "echo hi\n" {
		t.Fatalf("normalize should not double newline, got %q", got)
	}
}
