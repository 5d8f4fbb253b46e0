package adb

import (
	"errors"

	"github.com/nativeadb/adb/pkg/adbsync"
	"github.com/nativeadb/adb/pkg/keystore"
	"github.com/nativeadb/adb/pkg/stream"
	"github.com/nativeadb/adb/pkg/transport"
	"github.com/nativeadb/adb/pkg/wire"
)

// Transport errors, re-exported so callers never need to import pkg/transport
// directly to classify a failure.
var (
	ErrConnectTimeout = transport.ErrConnectTimeout
	ErrConnectionLost = transport.ErrConnectionLost
	ErrSocketClosed   = transport.ErrSocketClosed
	ErrReadTimeout    = transport.ErrReadTimeout
)

// Protocol errors, re-exported from pkg/wire.
var (
	ErrBadMagic         = wire.ErrBadMagic
	ErrChecksum         = wire.ErrChecksum
	ErrOversizedPayload = wire.ErrOversizedPayload
)

// ErrUnexpectedCommand indicates a frame arrived where the handshake state
// machine required a different command.
var ErrUnexpectedCommand = errors.New("adb: unexpected command")

// Auth errors.
var (
	// ErrAuthFailed indicates the AUTH round limit (5) was exhausted without
	// the peer replying CNXN.
	ErrAuthFailed = errors.New("adb: authentication failed")
	// ErrKeyCorrupted is re-exported from pkg/keystore; the Connection never
	// regenerates keys on this error since doing so would invalidate
	// previously established device trust.
	ErrKeyCorrupted = keystore.ErrKeyCorrupted
)

// Stream errors, re-exported from pkg/stream.
var (
	ErrOpenFailed   = stream.ErrOpenFailed
	ErrStreamClosed = stream.ErrStreamClosed
)

// ErrWriteNotReady indicates a WRTE was attempted before the stream's
// write-ready latch was observed.
var ErrWriteNotReady = errors.New("adb: write not ready")

// SYNC errors, re-exported from pkg/adbsync.
var (
	ErrSyncFail           = adbsync.ErrSyncFail
	ErrTransferIncomplete = adbsync.ErrTransferIncomplete
)

// ErrNoDoneAck is a warning-level condition: the peer never OKAYed the DONE
// frame, but a post-verify byte-count check over the shell channel matched.
// It is reported via adbsync.Result.NoDoneAck rather than returned as an
// error from Push, but is exported here so callers can classify it uniformly
// if they choose to treat it as one.
var ErrNoDoneAck = errors.New("adb: sync DONE not acknowledged")

// Supervisor errors.
var (
	ErrCircuitOpen      = errors.New("adb: circuit breaker open")
	ErrReconnectTimeout = errors.New("adb: reconnect timed out")
)

// ErrorCategory is one of the five user-facing classifications a visible
// error is mapped into.
type ErrorCategory string

const (
	CategoryConnection    ErrorCategory = "connection"
	CategoryAuthorization ErrorCategory = "authorization"
	CategoryCommand       ErrorCategory = "command"
	CategoryDeploy        ErrorCategory = "deploy"
	CategoryNetwork       ErrorCategory = "network"
)

// Classify maps any error produced by this module into the single
// human-facing category a caller should show the user.
func Classify(err error) ErrorCategory {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAuthFailed), errors.Is(err, ErrKeyCorrupted):
		return CategoryAuthorization
	case errors.Is(err, ErrSyncFail), errors.Is(err, ErrTransferIncomplete):
		return CategoryDeploy
	case errors.Is(err, ErrConnectTimeout), errors.Is(err, ErrConnectionLost),
		errors.Is(err, ErrSocketClosed), errors.Is(err, ErrReadTimeout),
		errors.Is(err, ErrCircuitOpen), errors.Is(err, ErrReconnectTimeout):
		return CategoryNetwork
	case errors.Is(err, ErrBadMagic), errors.Is(err, ErrChecksum),
		errors.Is(err, ErrOversizedPayload), errors.Is(err, ErrUnexpectedCommand):
		return CategoryConnection
	case errors.Is(err, ErrOpenFailed), errors.Is(err, ErrStreamClosed), errors.Is(err, ErrWriteNotReady):
		return CategoryCommand
	default:
		return CategoryCommand
	}
}

// isTransportError reports whether err should trigger the Supervisor's
// reconnect/command-redispatch path rather than being returned as a terminal
// failure for the in-flight operation.
func isTransportError(err error) bool {
	return errors.Is(err, ErrConnectionLost) ||
		errors.Is(err, ErrSocketClosed) ||
		errors.Is(err, ErrStreamClosed) ||
		errors.Is(err, ErrBadMagic) ||
		errors.Is(err, ErrChecksum) ||
		errors.Is(err, ErrOversizedPayload)
}
