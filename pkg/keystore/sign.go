package keystore

import (
	"crypto/rsa"
	"fmt"
	"math/big"
)

// sha1DigestInfoPrefix is the ASN.1 DigestInfo prefix for SHA-1, per RFC 3447.
var sha1DigestInfoPrefix = []byte{0x30, 0x21, 0x30, 0x09, 0x06, 0x05, 0x2b, 0x0e, 0x03, 0x02, 0x1a, 0x05, 0x00, 0x04, 0x14}

// tokenSize is the expected length of an ADB AUTH token.
const tokenSize = 20

// SignToken signs a (possibly non-standard-length) AUTH token the way an ADB
// device expects: the token is padded/truncated to exactly tokenSize bytes,
// wrapped in an explicit PKCS#1 v1.5 block-type-01 padding with the SHA-1
// DigestInfo prefix, then encrypted with the raw (unpadded) RSA primitive —
// the encryption itself adds no further padding since the PKCS#1 framing was
// already applied by hand.
func (s *Store) SignToken(token []byte) ([]byte, error) {
	priv, err := s.LoadKeypair()
	if err != nil {
		return nil, err
	}
	return signToken(priv, token)
}

func signToken(priv *rsa.PrivateKey, token []byte) ([]byte, error) {
	t := normalizeToken(token)

	keySize := (priv.N.BitLen() + 7) / 8
	block, err := pkcs1v15Block(keySize, t)
	if err != nil {
		return nil, err
	}

	c := new(big.Int).SetBytes(block)
	if c.Cmp(priv.N) >= 0 {
		return nil, fmt.Errorf("keystore: padded block too large for modulus")
	}

	m := new(big.Int).Exp(c, priv.D, priv.N)
	sig := m.Bytes()

	// Left-pad to keySize: big.Int.Bytes drops leading zero bytes.
	if len(sig) < keySize {
		padded := make([]byte, keySize)
		copy(padded[keySize-len(sig):], sig)
		sig = padded
	}
	return sig, nil
}

// normalizeToken pads with zero bytes or truncates token to exactly
// tokenSize bytes, tolerating non-conforming peers.
func normalizeToken(token []byte) []byte {
	if len(token) == tokenSize {
		return token
	}
	out := make([]byte, tokenSize)
	copy(out, token)
	return out
}

// pkcs1v15Block builds an explicit PKCS#1 v1.5 block-type-01 signature
// padding block of length keySize around the SHA-1 DigestInfo-prefixed token:
//
//	00 01 FF...FF 00 <15-byte SHA-1 DigestInfo prefix> <20-byte token>
func pkcs1v15Block(keySize int, token []byte) ([]byte, error) {
	tLen := len(sha1DigestInfoPrefix) + len(token)
	// 00 || 01 || PS || 00 || T
	if keySize < tLen+11 {
		return nil, fmt.Errorf("keystore: key too small for PKCS#1 v1.5 block")
	}

	block := make([]byte, keySize)
	block[0] = 0x00
	block[1] = 0x01
	psLen := keySize - tLen - 3
	for i := 0; i < psLen; i++ {
		block[2+i] = 0xFF
	}
	block[2+psLen] = 0x00
	copy(block[3+psLen:], sha1DigestInfoPrefix)
	copy(block[3+psLen+len(sha1DigestInfoPrefix):], token)
	return block, nil
}
