package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrOpenFailed indicates a stream open request timed out or was rejected
// (CLSE) before the first OKAY arrived.
var ErrOpenFailed = errors.New("stream: open failed")

// maxLocalID is the wraparound bound for local stream id allocation; ids
// cycle through [1, maxLocalID] skipping whatever is currently in use.
const maxLocalID = 1000

// Writer is the minimal send capability the Multiplexer needs from the
// underlying connection: emit one already-framed logical operation. The
// concrete implementation (pkg/transport) serializes all writes behind a
// single lock so frames are never interleaved on the wire.
type Writer interface {
	SendOpen(localID uint32, service string) error
	SendOkay(localID, remoteID uint32) error
	SendClose(localID, remoteID uint32) error
	SendWrite(localID, remoteID uint32, payload []byte) error
}

// Multiplexer owns the table of active streams for one Connection and
// implements the OPEN/OKAY/WRTE/CLSE routing and local-id allocation rules.
type Multiplexer struct {
	w Writer

	mu      sync.Mutex
	streams map[uint32]*Stream
	nextID  uint32
	pending *Stream // single slot consumed by the first unmatched OKAY
}

// NewMultiplexer creates a Multiplexer that sends outbound frames via w.
func NewMultiplexer(w Writer) *Multiplexer {
	return &Multiplexer{
		w:       w,
		streams: make(map[uint32]*Stream),
		nextID:  1,
	}
}

// allocID returns the next unused local stream id, wrapping at maxLocalID.
// Caller must hold mu.
func (m *Multiplexer) allocID() uint32 {
	for {
		id := m.nextID
		m.nextID++
		if m.nextID > maxLocalID {
			m.nextID = 1
		}
		if _, used := m.streams[id]; !used && id != 0 {
			return id
		}
	}
}

// Open allocates a local stream, sends OPEN for service, and waits up to
// timeout for the peer's first OKAY to bind it.
func (m *Multiplexer) Open(ctx context.Context, service string, timeout time.Duration) (*Stream, error) {
	m.mu.Lock()
	id := m.allocID()
	s := newStream(id)
	m.streams[id] = s
	m.pending = s
	m.mu.Unlock()

	if err := m.w.SendOpen(id, service); err != nil {
		m.removeStream(id)
		return nil, fmt.Errorf("stream: send OPEN: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- s.WaitReady() }()

	select {
	case err := <-done:
		if err != nil {
			m.removeStream(id)
			return nil, fmt.Errorf("stream: open %q: %w: %v", service, ErrOpenFailed, err)
		}
		return s, nil
	case <-time.After(timeout):
		m.removeStream(id)
		s.close(ErrOpenFailed)
		return nil, fmt.Errorf("stream: open %q: %w: timed out after %s", service, ErrOpenFailed, timeout)
	case <-ctx.Done():
		m.removeStream(id)
		s.close(ctx.Err())
		return nil, fmt.Errorf("stream: open %q: %w", service, ctx.Err())
	}
}

// Close sends CLSE for s and removes it from the table.
func (m *Multiplexer) Close(s *Stream) error {
	remoteID := s.RemoteID()
	s.close(nil)
	m.removeStream(s.LocalID)
	return m.w.SendClose(s.LocalID, remoteID)
}

func (m *Multiplexer) removeStream(id uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.streams, id)
	if m.pending != nil && m.pending.LocalID == id {
		m.pending = nil
	}
}

// Write sends one WRTE on s, clearing write_ready before sending. It does not
// wait for or check write_ready itself: the caller must already have observed
// it via s.WaitWriteReady.
func (m *Multiplexer) Write(s *Stream, payload []byte) error {
	s.ConsumeWriteReady()
	return m.w.SendWrite(s.LocalID, s.RemoteID(), payload)
}

// HandleOkay dispatches an inbound OKAY frame: arg0 is the peer's remote_id
// for the stream, arg1 is (usually) our local_id. Some peers do not echo our
// local_id correctly on the very first OKAY of a newly opened stream; in that
// case the single pending_stream slot set by Open is used instead.
func (m *Multiplexer) HandleOkay(arg0, arg1 uint32) {
	m.mu.Lock()
	s, ok := m.streams[arg1]
	if !ok && m.pending != nil {
		s = m.pending
		ok = true
	}
	if ok && m.pending != nil && m.pending.LocalID == s.LocalID {
		m.pending = nil
	}
	m.mu.Unlock()

	if ok {
		s.bindOKAY(arg0)
	}
}

// HandleWrite dispatches an inbound WRTE frame addressed to local_id
// (arg1 of the wire frame). Every WRTE on a known stream, data or FAIL, is
// answered with the mandatory OKAY flow-control token; a WRTE for an unknown
// local_id is dropped without a reply.
func (m *Multiplexer) HandleWrite(localID uint32, payload []byte) {
	m.mu.Lock()
	s, ok := m.streams[localID]
	m.mu.Unlock()

	if ok {
		if len(payload) >= 4 && string(payload[:4]) == "FAIL" {
			s.markSyncFailed(string(payload[4:]))
		} else {
			s.appendData(payload)
		}
		_ = m.w.SendOkay(localID, s.RemoteID())
	}
}

// HandleClose dispatches an inbound CLSE frame, marking the stream closed and
// removing it from the table.
func (m *Multiplexer) HandleClose(localID uint32) {
	m.mu.Lock()
	s, ok := m.streams[localID]
	m.mu.Unlock()

	if ok {
		s.close(ErrStreamClosed)
		m.removeStream(localID)
	}
}

// CloseAll tears down every active stream with reason, e.g. when the
// underlying connection is lost. It is safe to call concurrently with
// HandleOkay/HandleWrite/HandleClose.
func (m *Multiplexer) CloseAll(reason error) {
	m.mu.Lock()
	all := make([]*Stream, 0, len(m.streams))
	for _, s := range m.streams {
		all = append(all, s)
	}
	m.streams = make(map[uint32]*Stream)
	m.pending = nil
	m.mu.Unlock()

	for _, s := range all {
		s.close(reason)
	}
}
