// Package stream implements ADB stream multiplexing: local stream-id
// allocation, OPEN/OKAY/CLSE bookkeeping, and the per-stream flow-control and
// inbound-data queue that the shell and sync channels build on.
package stream

import (
	"bytes"
	"errors"
	"sync"
	"time"
)

// ErrStreamClosed is returned from operations on a Stream that has been torn
// down, either by a local Close or a peer CLSE/connection loss.
var ErrStreamClosed = errors.New("stream: closed")

// Stream is one logical ADB channel multiplexed over a single TCP
// connection. All fields are guarded by mu; callers never touch them
// directly.
type Stream struct {
	LocalID uint32

	mu          sync.Mutex
	cond        *sync.Cond
	remoteID    uint32
	bound       bool // remote_id has been assigned
	ready       bool
	writeReady  bool
	closed      bool
	syncFailed  bool
	syncError   string
	inbound     bytes.Buffer
	closeReason error
}

func newStream(localID uint32) *Stream {
	s := &Stream{LocalID: localID}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// RemoteID returns the peer-assigned stream id, or 0 if not yet bound.
func (s *Stream) RemoteID() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteID
}

// bindOKAY handles an inbound OKAY for this stream: binds remote_id on first
// sighting, marks the stream ready and write-ready, and wakes any waiters.
func (s *Stream) bindOKAY(remoteID uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.bound {
		s.remoteID = remoteID
		s.bound = true
	}
	s.ready = true
	s.writeReady = true
	s.cond.Broadcast()
}

// appendData appends inbound WRTE payload bytes not beginning with "FAIL".
func (s *Stream) appendData(p []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inbound.Write(p)
	s.cond.Broadcast()
}

// markSyncFailed records a peer-initiated FAIL and wakes waiters.
func (s *Stream) markSyncFailed(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncFailed = true
	s.syncError = msg
	s.cond.Broadcast()
}

// SyncFailed reports whether the peer has sent a FAIL on this stream, and the
// associated message if so.
func (s *Stream) SyncFailed() (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncFailed, s.syncError
}

// close marks the stream closed (from a local Close, peer CLSE, or a torn
// down connection) and wakes every waiter with reason.
func (s *Stream) close(reason error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if reason == nil {
		reason = ErrStreamClosed
	}
	s.closeReason = reason
	s.cond.Broadcast()
}

// Closed reports whether the stream has been torn down.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// WaitReady blocks until the stream is bound (first OKAY) or closed.
func (s *Stream) WaitReady() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for !s.ready && !s.closed {
		s.cond.Wait()
	}
	if s.closed {
		return s.closeReason
	}
	return nil
}

// WaitWriteReady blocks until a WRTE may be sent on this stream (write_ready)
// or the stream closes.
func (s *Stream) WaitWriteReady() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for !s.writeReady && !s.closed {
		s.cond.Wait()
	}
	if s.closed {
		return s.closeReason
	}
	return nil
}

// WaitWriteReadyTimeout blocks like WaitWriteReady but gives up after
// timeout, reporting ok=false rather than an error — used where a missing
// acknowledgement is tolerated (e.g. the SYNC channel's DONE frame).
func (s *Stream) WaitWriteReadyTimeout(timeout time.Duration) (ok bool) {
	deadline := time.Now().Add(timeout)
	timer := time.AfterFunc(timeout, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	for !s.writeReady && !s.closed {
		if !time.Now().Before(deadline) {
			return false
		}
		s.cond.Wait()
	}
	return s.writeReady && !s.closed
}

// ConsumeWriteReady clears write_ready; call immediately before emitting a
// WRTE, while still holding the write discipline (at most one WRTE in flight
// per stream until the matching OKAY).
func (s *Stream) ConsumeWriteReady() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeReady = false
}

// Drain discards any currently-buffered inbound data without waiting.
func (s *Stream) Drain() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inbound.Reset()
}

// ReadAvailable returns and clears any inbound bytes currently buffered,
// without blocking.
func (s *Stream) ReadAvailable() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inbound.Len() == 0 {
		return nil
	}
	b := append([]byte(nil), s.inbound.Bytes()...)
	s.inbound.Reset()
	return b
}

// WaitData blocks until new inbound data, a sync failure, or closure occurs,
// whichever first, and returns any newly available data.
func (s *Stream) WaitData() (data []byte, syncFailed bool, closed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.inbound.Len() == 0 && !s.syncFailed && !s.closed {
		s.cond.Wait()
	}
	if s.inbound.Len() > 0 {
		data = append([]byte(nil), s.inbound.Bytes()...)
		s.inbound.Reset()
	}
	return data, s.syncFailed, s.closed
}

// WaitDataTimeout blocks like WaitData but gives up after timeout, reporting
// timedOut. Used by the shell channel to implement its quiet-period
// termination rule.
func (s *Stream) WaitDataTimeout(timeout time.Duration) (data []byte, syncFailed, closed, timedOut bool) {
	deadline := time.Now().Add(timeout)
	timer := time.AfterFunc(timeout, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	for s.inbound.Len() == 0 && !s.syncFailed && !s.closed {
		if !time.Now().Before(deadline) {
			return nil, false, false, true
		}
		s.cond.Wait()
	}
	if s.inbound.Len() > 0 {
		data = append([]byte(nil), s.inbound.Bytes()...)
		s.inbound.Reset()
	}
	return data, s.syncFailed, s.closed, false
}
