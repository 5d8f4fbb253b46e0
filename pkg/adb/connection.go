package adb

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog"

	"github.com/nativeadb/adb/pkg/adbsync"
	"github.com/nativeadb/adb/pkg/auditdb"
	"github.com/nativeadb/adb/pkg/devicestore"
	"github.com/nativeadb/adb/pkg/keystore"
	"github.com/nativeadb/adb/pkg/shell"
	"github.com/nativeadb/adb/pkg/stream"
	"github.com/nativeadb/adb/pkg/transport"
	"github.com/nativeadb/adb/pkg/wire"
)

const (
	cnxnVersion     = 0x01000000
	cnxnMaxPayload  = 4096
	maxAuthRounds   = 5
	cnxnBannerValue = "host::\x00"
)

// Connection owns one authenticated TCP session to an ADB peer: the socket,
// the stream table, and the singleton shell channel opened after handshake.
// It does not reconnect on its own — that is the Supervisor's job.
type Connection struct {
	cfg     *Config
	log     zerolog.Logger
	keys    *keystore.Store
	devices *devicestore.Store
	audit   *auditdb.DB // nil if audit logging is disabled

	framer *transport.Framer
	mux    *stream.Multiplexer
	Shell  *shell.Channel

	fingerprint string
	corrID      string
}

// NewConnection builds a Connection backed by the given Config, device
// registry, and optional audit DB (nil disables audit logging).
func NewConnection(cfg *Config, log zerolog.Logger, devices *devicestore.Store, audit *auditdb.DB) *Connection {
	return &Connection{
		cfg:     cfg,
		log:     log,
		keys:    keystore.New(filepath.Join(cfg.DataDir, "adb_keys")),
		devices: devices,
		audit:   audit,
	}
}

// audited appends one row to the audit log if enabled; failures are logged
// but never surfaced, since the audit trail is diagnostic, not authoritative.
func (c *Connection) audited(kind, detail string) {
	if c.audit == nil {
		return
	}
	if err := c.audit.Append(auditdb.Event{
		Time:        time.Now(),
		DeviceAddr:  c.cfg.Addr(),
		Fingerprint: c.fingerprint,
		Kind:        kind,
		Detail:      detail,
	}); err != nil {
		c.log.Warn().Err(err).Str("kind", kind).Msg("audit log append failed")
	}
}

// Connect dials the peer, runs the Auth Engine handshake, and opens the
// Shell Channel. On success the Connection's Reader loop is already running
// in the background; Close tears everything down.
func (c *Connection) Connect(ctx context.Context) (err error) {
	c.corrID = xid.New().String()
	log := c.log.With().Str("corr_id", c.corrID).Str("addr", c.cfg.Addr()).Logger()

	if err := c.keys.EnsureKeys(); err != nil {
		return fmt.Errorf("adb: prepare key material: %w", err)
	}
	c.fingerprint, err = c.keys.Fingerprint()
	if err != nil {
		return fmt.Errorf("adb: read fingerprint: %w", err)
	}
	log = log.With().Str("fingerprint", c.fingerprint).Logger()

	framer, err := transport.Dial(c.cfg.Addr(), transport.Options{
		ConnectTimeout: c.cfg.ConnectTimeout,
		HandshakeRead:  c.cfg.ReadTimeout,
		Logger:         log,
	})
	if err != nil {
		c.devices.MarkError(c.fingerprint, err)
		return err
	}
	c.framer = framer

	if err := c.handshake(log); err != nil {
		c.devices.MarkError(c.fingerprint, err)
		framer.Close()
		return err
	}

	if err := framer.ClearHandshakeDeadline(); err != nil {
		framer.Close()
		return fmt.Errorf("adb: clear handshake deadline: %w", err)
	}

	c.mux = stream.NewMultiplexer(c.framer)
	c.framer.SetDispatcher(c.mux)
	c.framer.SetLostHandler(func(error) { c.mux.CloseAll(ErrConnectionLost) })
	go c.framer.Serve()

	c.Shell = shell.New(c.mux, c.mux)
	if err := c.Shell.Open(ctx); err != nil {
		framer.Close()
		return fmt.Errorf("adb: open shell channel: %w", err)
	}

	now := time.Now()
	c.devices.MarkTrusted(c.fingerprint, c.cfg.Addr(), now)
	c.devices.MarkConnected(c.fingerprint, c.cfg.Addr(), now)
	if err := c.keys.MarkTrusted(); err != nil {
		log.Warn().Err(err).Msg("failed to write trust sentinel")
	}
	c.audited("trusted", "")
	log.Info().Msg("connection established")
	return nil
}

// handshake runs the CNXN/AUTH exchange described in SPEC_FULL.md §4.4,
// terminating on the peer's final CNXN or after maxAuthRounds AUTH replies.
func (c *Connection) handshake(log zerolog.Logger) error {
	if err := c.framer.WriteFrame(wire.CNXN, cnxnVersion, cnxnMaxPayload, []byte(cnxnBannerValue)); err != nil {
		return fmt.Errorf("adb: send CNXN: %w", err)
	}

	signed, presented := false, false
	for round := 0; round < maxAuthRounds; round++ {
		msg, err := c.framer.ReadHandshakeFrame()
		if err != nil {
			return fmt.Errorf("adb: handshake read: %w", err)
		}

		switch {
		case msg.Command == wire.CNXN:
			return nil

		case msg.Command != wire.AUTH:
			return fmt.Errorf("adb: %w: %s during handshake", ErrUnexpectedCommand, msg.Command)

		case msg.Arg0 != wire.AuthToken:
			return fmt.Errorf("adb: %w: unexpected AUTH subtype %d", ErrUnexpectedCommand, msg.Arg0)

		case !signed:
			sig, err := c.keys.SignToken(msg.Payload)
			if err != nil {
				return fmt.Errorf("adb: sign AUTH token: %w", err)
			}
			c.audited("auth_token", "")
			if err := c.framer.WriteFrame(wire.AUTH, wire.AuthSignature, 0, sig); err != nil {
				return fmt.Errorf("adb: send AUTH signature: %w", err)
			}
			c.audited("auth_signature", "")
			signed = true

		case !presented:
			blob, err := c.keys.PublicKeyBlob()
			if err != nil {
				return fmt.Errorf("adb: read public key blob: %w", err)
			}
			// The stored blob is already base64-encoded and carries the
			// " unknown@unknown\0" suffix, so it is sent as-is.
			if err := c.framer.WriteFrame(wire.AUTH, wire.AuthRSAPublicKey, 0, blob); err != nil {
				return fmt.Errorf("adb: send AUTH public key: %w", err)
			}
			presented = true
			c.audited("auth_pubkey", "")
			log.Info().Msg("presented public key, waiting for device trust prompt")

		default:
			// Further tokens after the public key has been presented are
			// answered with a fresh signature until maxAuthRounds is reached.
			sig, err := c.keys.SignToken(msg.Payload)
			if err != nil {
				return fmt.Errorf("adb: sign AUTH token: %w", err)
			}
			if err := c.framer.WriteFrame(wire.AUTH, wire.AuthSignature, 0, sig); err != nil {
				return fmt.Errorf("adb: send AUTH signature: %w", err)
			}
			c.audited("auth_signature", "")
		}
	}

	return fmt.Errorf("adb: %w: exhausted %d AUTH rounds", ErrAuthFailed, maxAuthRounds)
}

// Push delegates to pkg/adbsync using this Connection's multiplexer and
// shell channel, scoped by this peer's fingerprint for the push cache.
func (c *Connection) Push(ctx context.Context, cache *adbsync.Cache, localPath, remotePath string, mode os.FileMode, progress func(sent, total int64)) (adbsync.Result, error) {
	return adbsync.PushWithOptions(ctx, c.mux, c.mux, cache, c.Shell, c.fingerprint, localPath, remotePath, mode, progress, adbsync.Options{
		ChunkSize: c.cfg.SyncChunkBytes,
	})
}

// Close tears down the underlying Framer, which wakes every waiting stream.
func (c *Connection) Close() error {
	if c.framer == nil {
		return nil
	}
	return c.framer.Close()
}

// Fingerprint returns this Connection's key-store fingerprint.
func (c *Connection) Fingerprint() string { return c.fingerprint }

// Heartbeat runs the liveness probe on the shell channel, satisfying the
// Conn interface the Supervisor drives.
func (c *Connection) Heartbeat() error { return c.Shell.Heartbeat() }

var _ Conn = (*Connection)(nil)
