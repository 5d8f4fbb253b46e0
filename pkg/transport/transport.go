// Package transport owns the TCP socket to an ADB peer: dialing, the
// single-reader/single-writer frame pump, and connection-lifecycle teardown.
// It dispatches inbound frames into a Stream Multiplexer and serializes
// outbound frames behind a single writer lock.
package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nativeadb/adb/pkg/metricsx"
	"github.com/nativeadb/adb/pkg/stream"
	"github.com/nativeadb/adb/pkg/wire"
)

// ErrConnectTimeout indicates the initial TCP dial did not complete within
// the configured connect timeout.
var ErrConnectTimeout = errors.New("transport: connect timeout")

// ErrConnectionLost indicates the socket was torn down, either by a local
// Close or an I/O error surfacing from the Reader or Writer.
var ErrConnectionLost = errors.New("transport: connection lost")

// ErrSocketClosed is the teardown reason recorded when the Framer is closed
// locally via Close; writes attempted afterwards fail with ErrConnectionLost.
var ErrSocketClosed = errors.New("transport: socket closed")

// ErrReadTimeout indicates a read deadline elapsed before a full frame
// arrived; only armed during the handshake window.
var ErrReadTimeout = errors.New("transport: read timeout")

// Dispatcher receives frames decoded by the Framer's Reader and routes them
// to the owning Stream Multiplexer. Implemented by *stream.Multiplexer plus
// whatever handles CNXN/AUTH frames during the handshake.
type Dispatcher interface {
	HandleOkay(arg0, arg1 uint32)
	HandleWrite(localID uint32, payload []byte)
	HandleClose(localID uint32)
}

// Framer owns one TCP connection to an ADB peer and pumps frames in both
// directions. The zero value is not usable; construct with Dial.
type Framer struct {
	log  zerolog.Logger
	conn net.Conn

	writeMu sync.Mutex

	mu       sync.Mutex
	closed   bool
	closeErr error
	serveErr chan error

	dispatch Dispatcher
	onLost   func(error)
}

// Options configures a Framer.
type Options struct {
	ConnectTimeout time.Duration
	HandshakeRead  time.Duration
	Logger         zerolog.Logger
}

// Dial opens a TCP connection to addr (host:port), disabling Nagle's
// algorithm so small ADB frames are not delayed.
func Dial(addr string, opts Options) (*Framer, error) {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 5 * time.Second
	}

	conn, err := net.DialTimeout("tcp", addr, opts.ConnectTimeout)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, fmt.Errorf("transport: dial %s: %w", addr, ErrConnectTimeout)
		}
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}

	f := &Framer{
		log:      opts.Logger,
		conn:     conn,
		serveErr: make(chan error, 1),
	}
	if opts.HandshakeRead > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(opts.HandshakeRead))
	}
	return f, nil
}

// SetDispatcher attaches the Stream Multiplexer (or equivalent) that receives
// steady-state OKAY/WRTE/CLSE frames. Must be called before Serve.
func (f *Framer) SetDispatcher(d Dispatcher) { f.dispatch = d }

// SetLostHandler registers a callback invoked exactly once when the
// connection is torn down, either locally or due to an I/O error.
func (f *Framer) SetLostHandler(fn func(error)) { f.onLost = fn }

// ClearHandshakeDeadline removes the bounded read deadline used during the
// AUTH handshake, leaving reads unbounded for steady-state operation.
func (f *Framer) ClearHandshakeDeadline() error {
	return f.conn.SetReadDeadline(time.Time{})
}

// ReadHandshakeFrame reads and decodes exactly one frame, for use during the
// CNXN/AUTH exchange before Serve takes over frame dispatch.
func (f *Framer) ReadHandshakeFrame() (wire.Message, error) {
	msg, err := wire.Decode(f.conn)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return wire.Message{}, fmt.Errorf("transport: handshake read: %w", ErrReadTimeout)
		}
		return wire.Message{}, fmt.Errorf("transport: handshake read: %w", err)
	}
	f.log.Trace().
		Str("cmd", msg.Command.String()).
		Uint32("arg0", msg.Arg0).
		Uint32("arg1", msg.Arg1).
		Int("len", len(msg.Payload)).
		Msg("rx frame (handshake)")
	metricsx.FrameCounter("rx", msg.Command.String()).Inc()
	metricsx.FrameBytes("rx", msg.Command.String()).Add(len(msg.Payload))
	return msg, nil
}

// WriteFrame encodes and sends one frame, serialized behind the writer lock.
func (f *Framer) WriteFrame(cmd wire.Command, arg0, arg1 uint32, payload []byte) error {
	b, err := wire.Encode(cmd, arg0, arg1, payload)
	if err != nil {
		return fmt.Errorf("transport: encode %s: %w", cmd, err)
	}

	f.writeMu.Lock()
	_, err = f.conn.Write(b)
	f.writeMu.Unlock()

	if err != nil {
		f.teardown(fmt.Errorf("transport: write %s: %w", cmd, err))
		return ErrConnectionLost
	}

	f.log.Trace().
		Str("cmd", cmd.String()).
		Uint32("arg0", arg0).
		Uint32("arg1", arg1).
		Int("len", len(payload)).
		Msg("tx frame")
	metricsx.FrameCounter("tx", cmd.String()).Inc()
	metricsx.FrameBytes("tx", cmd.String()).Add(len(payload))
	return nil
}

// SendOpen, SendOkay, SendClose, and SendWrite implement stream.Writer,
// letting the Multiplexer emit frames without knowing about net.Conn.
func (f *Framer) SendOpen(localID uint32, service string) error {
	payload := append([]byte(service), 0)
	return f.WriteFrame(wire.OPEN, localID, 0, payload)
}

func (f *Framer) SendOkay(localID, remoteID uint32) error {
	return f.WriteFrame(wire.OKAY, localID, remoteID, nil)
}

func (f *Framer) SendClose(localID, remoteID uint32) error {
	return f.WriteFrame(wire.CLSE, localID, remoteID, nil)
}

func (f *Framer) SendWrite(localID, remoteID uint32, payload []byte) error {
	return f.WriteFrame(wire.WRTE, localID, remoteID, payload)
}

var _ stream.Writer = (*Framer)(nil)

// Serve runs the Reader loop until the connection closes or a protocol error
// occurs, dispatching steady-state frames to the attached Dispatcher. It
// blocks until the connection is torn down and never returns a nil error.
func (f *Framer) Serve() error {
	for {
		msg, err := wire.Decode(f.conn)
		if err != nil {
			teardownErr := fmt.Errorf("transport: decode: %w", err)
			f.teardown(teardownErr)
			return ErrConnectionLost
		}

		f.log.Trace().
			Str("cmd", msg.Command.String()).
			Uint32("arg0", msg.Arg0).
			Uint32("arg1", msg.Arg1).
			Int("len", len(msg.Payload)).
			Msg("rx frame")
		metricsx.FrameCounter("rx", msg.Command.String()).Inc()
		metricsx.FrameBytes("rx", msg.Command.String()).Add(len(msg.Payload))

		switch msg.Command {
		case wire.OKAY:
			f.dispatch.HandleOkay(msg.Arg0, msg.Arg1)
		case wire.WRTE:
			f.dispatch.HandleWrite(msg.Arg1, msg.Payload)
		case wire.CLSE:
			f.dispatch.HandleClose(msg.Arg1)
		default:
			f.log.Debug().Str("cmd", msg.Command.String()).Msg("dropping unexpected frame during steady state")
		}
	}
}

// teardown marks the Framer closed, closes the socket, and notifies the
// registered lost-handler exactly once.
func (f *Framer) teardown(reason error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	f.closeErr = reason
	f.mu.Unlock()

	_ = f.conn.Close()
	if f.onLost != nil {
		f.onLost(reason)
	}
}

// Close tears down the connection from the local side.
func (f *Framer) Close() error {
	f.teardown(ErrSocketClosed)
	return nil
}

// Err returns the reason the connection was torn down, or nil if still
// active.
func (f *Framer) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeErr
}

var _ io.Closer = (*Framer)(nil)
