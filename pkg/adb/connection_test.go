package adb

import (
	"context"
	"encoding/base64"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/nativeadb/adb/pkg/devicestore"
	"github.com/nativeadb/adb/pkg/wire"
)

// fakePeer plays the ADB device side of the handshake over a raw net.Conn.
type fakePeer struct {
	t    *testing.T
	conn net.Conn
}

func (p *fakePeer) read() wire.Message {
	p.t.Helper()
	msg, err := wire.Decode(p.conn)
	if err != nil {
		p.t.Fatalf("peer decode: %v", err)
	}
	return msg
}

func (p *fakePeer) send(cmd wire.Command, arg0, arg1 uint32, payload []byte) {
	p.t.Helper()
	b, err := wire.Encode(cmd, arg0, arg1, payload)
	if err != nil {
		p.t.Fatalf("peer encode: %v", err)
	}
	if _, err := p.conn.Write(b); err != nil {
		p.t.Fatalf("peer write: %v", err)
	}
}

func listenAndConnect(t *testing.T) (*Connection, func() net.Conn, func()) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	serverConnCh := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			serverConnCh <- c
		}
	}()

	host, port := splitHostPort(t, ln.Addr().String())
	cfg := &Config{
		Host:           host,
		Port:           port,
		DataDir:        t.TempDir(),
		ConnectTimeout: 2 * time.Second,
		ReadTimeout:    2 * time.Second,
		SyncChunkBytes: 32 * 1024,
	}
	conn := NewConnection(cfg, discardLogger(), devicestore.New(), nil)

	// The peer side only exists once Connect has dialed, so the accepted
	// conn is handed out by accept, called after Connect has started.
	var server net.Conn
	accept := func() net.Conn {
		server = <-serverConnCh
		return server
	}
	cleanup := func() {
		ln.Close()
		if server != nil {
			server.Close()
		}
	}
	return conn, accept, cleanup
}

func splitHostPort(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	var port int
	if _, err := fscanPort(portStr, &port); err != nil {
		t.Fatalf("parse port: %v", err)
	}
	return host, port
}

func fscanPort(s string, out *int) (int, error) {
	var n int
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, errors.New("not a port")
		}
		n = n*10 + int(c-'0')
	}
	*out = n
	return 1, nil
}

func TestHandshakeSignatureAcceptedOnFirstAttempt(t *testing.T) {
	conn, accept, cleanup := listenAndConnect(t)
	defer cleanup()

	errCh := make(chan error, 1)
	go func() { errCh <- conn.Connect(context.Background()) }()

	peer := &fakePeer{t: t, conn: accept()}
	cnxn := peer.read()
	if cnxn.Command != wire.CNXN {
		t.Fatalf("got %s, want CNXN", cnxn.Command)
	}

	token := make([]byte, 20)
	peer.send(wire.AUTH, wire.AuthToken, 0, token)

	sig := peer.read()
	if sig.Command != wire.AUTH || sig.Arg0 != wire.AuthSignature {
		t.Fatalf("got %s/%d, want AUTH/SIGNATURE", sig.Command, sig.Arg0)
	}
	if len(sig.Payload) != 256 {
		t.Fatalf("signature payload len = %d, want 256", len(sig.Payload))
	}

	peer.send(wire.CNXN, 0x01000000, 4096, []byte("device::\x00"))

	// The client now opens a shell: stream; answer its OPEN with OKAY so
	// Connect can finish without timing out.
	open := peer.read()
	if open.Command != wire.OPEN {
		t.Fatalf("got %s, want OPEN", open.Command)
	}
	peer.send(wire.OKAY, 1, open.Arg0, nil)

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Connect: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for Connect")
	}

	if conn.Fingerprint() == "" {
		t.Fatal("expected a non-empty fingerprint")
	}
}

func TestHandshakePresentsPublicKeyAfterRejectedSignature(t *testing.T) {
	conn, accept, cleanup := listenAndConnect(t)
	defer cleanup()

	errCh := make(chan error, 1)
	go func() { errCh <- conn.Connect(context.Background()) }()

	peer := &fakePeer{t: t, conn: accept()}
	peer.read() // CNXN

	token := make([]byte, 20)
	peer.send(wire.AUTH, wire.AuthToken, 0, token)
	peer.read() // AUTH/SIGNATURE

	// Reject the signature by asking for another token.
	peer.send(wire.AUTH, wire.AuthToken, 0, token)

	pubkey := peer.read()
	if pubkey.Command != wire.AUTH || pubkey.Arg0 != wire.AuthRSAPublicKey {
		t.Fatalf("got %s/%d, want AUTH/RSAPUBLICKEY", pubkey.Command, pubkey.Arg0)
	}
	decoded, err := base64.StdEncoding.DecodeString(string(pubkey.Payload[:bytesBeforeSpace(pubkey.Payload)]))
	if err != nil {
		t.Fatalf("decode public key blob: %v", err)
	}
	if len(decoded) != 524 {
		t.Fatalf("public key blob len = %d, want 524", len(decoded))
	}

	peer.send(wire.CNXN, 0x01000000, 4096, []byte("device::\x00"))

	open := peer.read()
	peer.send(wire.OKAY, 1, open.Arg0, nil)

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Connect: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for Connect")
	}
}

func TestHandshakeFailsAfterExhaustingAuthRounds(t *testing.T) {
	conn, accept, cleanup := listenAndConnect(t)
	defer cleanup()

	errCh := make(chan error, 1)
	go func() { errCh <- conn.Connect(context.Background()) }()

	peer := &fakePeer{t: t, conn: accept()}
	peer.read() // CNXN

	token := make([]byte, 20)
	for i := 0; i < maxAuthRounds; i++ {
		peer.send(wire.AUTH, wire.AuthToken, 0, token)
		peer.read() // signature, then pubkey, then... peer keeps rejecting
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrAuthFailed) {
			t.Fatalf("Connect err = %v, want ErrAuthFailed", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for Connect to fail")
	}
}

func bytesBeforeSpace(b []byte) int {
	for i, c := range b {
		if c == ' ' {
			return i
		}
	}
	return len(b)
}
