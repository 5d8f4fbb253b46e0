// Package adbsync implements the ADB SYNC sub-protocol's file-push path:
// SEND/DATA/DONE framing, chunking and throttling, FAIL detection, and a
// content-hash de-dup cache that skips unchanged files without opening a
// stream.
package adbsync

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/OneOfOne/xxhash"

	"github.com/nativeadb/adb/pkg/stream"
)

// ErrSyncFail indicates the peer reported a SYNC-level failure via a "FAIL"
// WRTE on the sync stream. Use errors.Is to classify; the peer's message is
// included in the wrapped error text.
var ErrSyncFail = errors.New("adbsync: sync failed")

// ErrTransferIncomplete indicates the DONE acknowledgement was missing and
// the post-verify byte count did not match what was sent.
var ErrTransferIncomplete = errors.New("adbsync: transfer incomplete")

const (
	chunkSize        = 32 * 1024
	throttleEvery    = 20
	throttleDuration = 5 * time.Millisecond
	sendAckTimeout   = 10 * time.Second
	doneAckTimeout   = 10 * time.Second
)

// Opener opens multiplexed streams, e.g. *stream.Multiplexer.
type Opener interface {
	Open(ctx context.Context, service string, timeout time.Duration) (*stream.Stream, error)
	Close(s *stream.Stream) error
}

// StreamWriter sends a WRTE on a stream, e.g. *stream.Multiplexer.
type StreamWriter interface {
	Write(s *stream.Stream, payload []byte) error
}

// ShellRunner runs one shell command to completion and returns its
// aggregated output, used for the post-verify fallback when DONE goes
// unacknowledged.
type ShellRunner interface {
	RunQuiet(cmd string) ([]byte, error)
}

// Result reports the outcome of one Push.
type Result struct {
	Skipped   bool // de-dup cache hit; no network I/O occurred
	BytesSent int64
	NoDoneAck bool // DONE completed via post-verify rather than an OKAY
}

// Options overrides the timeouts and chunk size Push otherwise defaults to.
// A zero field selects the package default. Connection.Push sets only
// ChunkSize (from Config.SyncChunkBytes); tests use the timeouts to shrink
// the ack windows below the real protocol's 10s tolerance.
type Options struct {
	OpenTimeout    time.Duration
	SendAckTimeout time.Duration
	DoneAckTimeout time.Duration
	ChunkSize      int
}

func (o Options) withDefaults() Options {
	if o.OpenTimeout <= 0 {
		o.OpenTimeout = 10 * time.Second
	}
	if o.SendAckTimeout <= 0 {
		o.SendAckTimeout = sendAckTimeout
	}
	if o.DoneAckTimeout <= 0 {
		o.DoneAckTimeout = doneAckTimeout
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = chunkSize
	}
	return o
}

// Push sends the contents of localPath to remotePath with the given POSIX
// permission bits, reporting progress as (bytesSent, total) via progress (may
// be nil). fingerprint identifies the target device for the de-dup cache.
func Push(ctx context.Context, mux Opener, w StreamWriter, cache *Cache, shellRunner ShellRunner, fingerprint, localPath, remotePath string, mode os.FileMode, progress func(sent, total int64)) (Result, error) {
	return PushWithOptions(ctx, mux, w, cache, shellRunner, fingerprint, localPath, remotePath, mode, progress, Options{})
}

// PushWithOptions is Push with explicit timeout/chunk-size overrides.
func PushWithOptions(ctx context.Context, mux Opener, w StreamWriter, cache *Cache, shellRunner ShellRunner, fingerprint, localPath, remotePath string, mode os.FileMode, progress func(sent, total int64), opts Options) (Result, error) {
	opts = opts.withDefaults()
	data, err := os.ReadFile(localPath)
	if err != nil {
		return Result{}, fmt.Errorf("adbsync: read %s: %w", localPath, err)
	}
	info, err := os.Stat(localPath)
	if err != nil {
		return Result{}, fmt.Errorf("adbsync: stat %s: %w", localPath, err)
	}

	hash := xxhash.Checksum64(data)
	remotePath = rewritePath(remotePath)

	if cache != nil && cache.Unchanged(fingerprint, remotePath, hash) {
		return Result{Skipped: true}, nil
	}

	s, err := mux.Open(ctx, "sync:", opts.OpenTimeout)
	if err != nil {
		return Result{}, fmt.Errorf("adbsync: open sync stream: %w", err)
	}
	defer mux.Close(s)

	if err := s.WaitWriteReady(); err != nil {
		return Result{}, fmt.Errorf("adbsync: wait write ready: %w", err)
	}
	if err := w.Write(s, sendFrame(remotePath, mode)); err != nil {
		return Result{}, fmt.Errorf("adbsync: send SEND frame: %w", err)
	}
	s.WaitWriteReadyTimeout(opts.SendAckTimeout)

	var sent int64
	total := int64(len(data))
	for i := 0; i < len(data); i += opts.ChunkSize {
		end := i + opts.ChunkSize
		if end > len(data) {
			end = len(data)
		}
		if failed, msg := s.SyncFailed(); failed {
			return Result{BytesSent: sent}, fmt.Errorf("%w: %s", ErrSyncFail, msg)
		}

		if err := w.Write(s, dataFrame(data[i:end])); err != nil {
			return Result{BytesSent: sent}, fmt.Errorf("adbsync: send DATA frame: %w", err)
		}
		sent += int64(end - i)
		if progress != nil {
			progress(sent, total)
		}

		chunkIdx := i/opts.ChunkSize + 1
		if chunkIdx%throttleEvery == 0 {
			time.Sleep(throttleDuration)
		}
	}

	if failed, msg := s.SyncFailed(); failed {
		return Result{BytesSent: sent}, fmt.Errorf("%w: %s", ErrSyncFail, msg)
	}

	if err := w.Write(s, doneFrame(info.ModTime().Unix())); err != nil {
		return Result{BytesSent: sent}, fmt.Errorf("adbsync: send DONE frame: %w", err)
	}

	noDoneAck := !s.WaitWriteReadyTimeout(opts.DoneAckTimeout)
	if noDoneAck {
		if err := postVerify(shellRunner, remotePath, total); err != nil {
			return Result{BytesSent: sent, NoDoneAck: true}, err
		}
	}

	if cache != nil {
		cache.Record(fingerprint, remotePath, hash)
	}
	return Result{BytesSent: sent, NoDoneAck: noDoneAck}, nil
}

// postVerify runs `wc -c remotePath` over the shell channel and compares the
// reported byte count to want.
func postVerify(shellRunner ShellRunner, remotePath string, want int64) error {
	if shellRunner == nil {
		return fmt.Errorf("%w: no DONE ack and no shell channel to post-verify", ErrTransferIncomplete)
	}
	out, err := shellRunner.RunQuiet(fmt.Sprintf("wc -c %s", remotePath))
	if err != nil {
		return fmt.Errorf("adbsync: post-verify: %w", err)
	}
	fields := strings.Fields(string(out))
	if len(fields) == 0 {
		return fmt.Errorf("%w: post-verify produced no output", ErrTransferIncomplete)
	}
	got, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return fmt.Errorf("%w: post-verify output %q not a byte count", ErrTransferIncomplete, fields[0])
	}
	if got != want {
		return fmt.Errorf("%w: remote reports %d bytes, sent %d", ErrTransferIncomplete, got, want)
	}
	return nil
}

// rewritePath rewrites the legacy /storage/emulated/0/ prefix to /sdcard/ and
// collapses repeated slashes. This is a device-compatibility transform, not a
// security boundary.
func rewritePath(p string) string {
	const legacyPrefix = "/storage/emulated/0/"
	if strings.HasPrefix(p, legacyPrefix) {
		p = "/sdcard/" + strings.TrimPrefix(p, legacyPrefix)
	}
	for strings.Contains(p, "//") {
		p = strings.ReplaceAll(p, "//", "/")
	}
	return p
}

// sendFrame builds "SEND" | u32 path_len | path_bytes | u32 mode.
func sendFrame(remotePath string, mode os.FileMode) []byte {
	path := []byte(remotePath)
	var buf bytes.Buffer
	buf.Grow(4 + 4 + len(path) + 4)
	buf.WriteString("SEND")
	binary.Write(&buf, binary.LittleEndian, uint32(len(path)))
	buf.Write(path)
	binary.Write(&buf, binary.LittleEndian, uint32(mode.Perm()))
	return buf.Bytes()
}

func dataFrame(chunk []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(8 + len(chunk))
	buf.WriteString("DATA")
	binary.Write(&buf, binary.LittleEndian, uint32(len(chunk)))
	buf.Write(chunk)
	return buf.Bytes()
}

func doneFrame(mtimeUnix int64) []byte {
	var buf bytes.Buffer
	buf.WriteString("DONE")
	binary.Write(&buf, binary.LittleEndian, uint32(mtimeUnix))
	return buf.Bytes()
}
