package keystore

import (
	"bytes"
	"math/big"
	"testing"
)

func TestSignTokenProducesValidPKCS1Block(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	if err := s.EnsureKeys(); err != nil {
		t.Fatalf("EnsureKeys: %v", err)
	}
	priv, err := s.LoadKeypair()
	if err != nil {
		t.Fatalf("LoadKeypair: %v", err)
	}

	token := bytes.Repeat([]byte{0x42}, 20)
	sig, err := s.SignToken(token)
	if err != nil {
		t.Fatalf("SignToken: %v", err)
	}

	keySize := (priv.N.BitLen() + 7) / 8
	if len(sig) != keySize {
		t.Fatalf("signature length = %d, want %d", len(sig), keySize)
	}

	// Undo the raw RSA primitive (public exponent) to recover the padded block.
	c := new(big.Int).SetBytes(sig)
	e := big.NewInt(int64(priv.PublicKey.E))
	m := new(big.Int).Exp(c, e, priv.N)
	recovered := m.Bytes()
	if len(recovered) < keySize {
		padded := make([]byte, keySize)
		copy(padded[keySize-len(recovered):], recovered)
		recovered = padded
	}

	if recovered[0] != 0x00 || recovered[1] != 0x01 {
		t.Fatalf("recovered block missing PKCS#1 v1.5 BT01 header: %x", recovered[:2])
	}
	if !bytes.Contains(recovered, sha1DigestInfoPrefix) {
		t.Fatal("recovered block missing SHA-1 DigestInfo prefix")
	}
	if !bytes.HasSuffix(recovered, token) {
		t.Fatal("recovered block missing original token")
	}
}

func TestSignTokenNormalizesNonStandardLength(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	if err := s.EnsureKeys(); err != nil {
		t.Fatalf("EnsureKeys: %v", err)
	}

	short := []byte{1, 2, 3}
	long := bytes.Repeat([]byte{9}, 40)

	if _, err := s.SignToken(short); err != nil {
		t.Fatalf("SignToken(short): %v", err)
	}
	if _, err := s.SignToken(long); err != nil {
		t.Fatalf("SignToken(long): %v", err)
	}
}
