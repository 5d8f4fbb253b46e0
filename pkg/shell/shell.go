// Package shell implements the ADB shell channel: a long-lived "shell:"
// stream that runs one command at a time, aggregating inbound output until a
// quiet period or overall deadline elapses.
package shell

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nativeadb/adb/pkg/stream"
)

// ErrShellClosed indicates the shell stream was closed, locally or by the
// peer, while a command was in flight or about to be enqueued.
var ErrShellClosed = errors.New("shell: closed")

const (
	// DefaultQuietPeriod is how long output must go silent before a command
	// is considered complete.
	DefaultQuietPeriod = 100 * time.Millisecond
	// DefaultOverallDeadline bounds total command execution regardless of
	// ongoing output.
	DefaultOverallDeadline = 5 * time.Second
)

// Opener opens multiplexed streams, e.g. *stream.Multiplexer.
type Opener interface {
	Open(ctx context.Context, service string, timeout time.Duration) (*stream.Stream, error)
}

// Writer sends a WRTE on a stream, observing the per-stream write discipline.
type Writer interface {
	Write(s *stream.Stream, payload []byte) error
}

// Channel is a singleton per-connection shell stream; concurrent Execute
// calls wait and run one at a time.
type Channel struct {
	mux Opener
	w   Writer

	execMu sync.Mutex

	quietPeriod     time.Duration
	overallDeadline time.Duration

	mu     sync.Mutex
	stream *stream.Stream
}

// New creates a Channel over mux/w, using the default quiet-period and
// overall-deadline timeouts.
func New(mux Opener, w Writer) *Channel {
	return &Channel{
		mux:             mux,
		w:               w,
		quietPeriod:     DefaultQuietPeriod,
		overallDeadline: DefaultOverallDeadline,
	}
}

// Open establishes the underlying "shell:" stream. Must be called once after
// the connection handshake completes and before Execute.
func (c *Channel) Open(ctx context.Context) error {
	s, err := c.mux.Open(ctx, "shell:", 10*time.Second)
	if err != nil {
		return fmt.Errorf("shell: open stream: %w", err)
	}
	c.mu.Lock()
	c.stream = s
	c.mu.Unlock()
	return nil
}

// Result is the aggregated outcome of one Execute call.
type Result struct {
	Output []byte
	// TimedOut reports whether the overall deadline elapsed before the quiet
	// period was reached. The shell stream does not carry exit codes, so this
	// is the only completion-vs-timeout signal the core protocol offers.
	TimedOut bool
}

// Execute drains stale inbound data, writes cmd (normalized to end in a
// newline), and aggregates output until a quiet period passes after the
// first byte arrives or the overall deadline elapses. callback, if non-nil,
// is invoked with each newly observed chunk as it arrives.
func (c *Channel) Execute(cmd string, callback func(chunk []byte)) (Result, error) {
	c.execMu.Lock()
	defer c.execMu.Unlock()

	c.mu.Lock()
	s := c.stream
	c.mu.Unlock()
	if s == nil {
		return Result{}, fmt.Errorf("shell: %w", ErrShellClosed)
	}

	s.Drain()

	if err := s.WaitWriteReady(); err != nil {
		return Result{}, fmt.Errorf("shell: wait write ready: %w", err)
	}
	if err := c.w.Write(s, []byte(normalize(cmd))); err != nil {
		return Result{}, fmt.Errorf("shell: write command: %w", err)
	}

	var out []byte
	deadline := time.Now().Add(c.overallDeadline)
	seenAny := false

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Result{Output: out, TimedOut: true}, nil
		}

		wait := remaining
		if seenAny && c.quietPeriod < wait {
			wait = c.quietPeriod
		}

		data, syncFailed, closed, timedOut := s.WaitDataTimeout(wait)
		if syncFailed {
			return Result{Output: out}, fmt.Errorf("shell: stream reported failure")
		}
		if len(data) > 0 {
			seenAny = true
			out = append(out, data...)
			if callback != nil {
				callback(data)
			}
			continue
		}
		if closed {
			return Result{Output: out}, fmt.Errorf("shell: %w", ErrShellClosed)
		}
		if timedOut {
			if seenAny {
				return Result{Output: out}, nil
			}
			// no bytes yet and the per-wait slice elapsed; loop to recheck
			// the overall deadline rather than the quiet period.
			continue
		}
	}
}

// normalize appends a newline unless cmd already ends with one, preserving an
// existing trailing space before it (some devices expect "cmd \n").
func normalize(cmd string) string {
	if strings.HasSuffix(cmd, "\n") {
		return cmd
	}
	return cmd + "\n"
}

// Heartbeat runs the Supervisor's liveness probe: `echo heartbeat`, returning
// an error if the literal string did not appear in the aggregated output
// before the overall deadline.
func (c *Channel) Heartbeat() error {
	res, err := c.Execute("echo heartbeat", nil)
	if err != nil {
		return fmt.Errorf("shell: heartbeat: %w", err)
	}
	if !strings.Contains(string(res.Output), "heartbeat") {
		return fmt.Errorf("shell: heartbeat: response missing expected marker")
	}
	return nil
}

// RunQuiet runs cmd to completion and returns its aggregated output,
// ignoring TimedOut (callers that care about partial output should use
// Execute directly). Used by the SYNC channel's post-verify fallback.
func (c *Channel) RunQuiet(cmd string) ([]byte, error) {
	res, err := c.Execute(cmd, nil)
	if err != nil {
		return nil, err
	}
	return res.Output, nil
}
