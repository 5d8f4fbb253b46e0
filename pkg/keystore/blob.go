package keystore

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
)

// adbWordCount is the number of 32-bit little-endian words the 2048-bit
// modulus (and R^2 mod n) are split into.
const adbWordCount = 64

// adbBlobSize is the size, in bytes, of the raw (pre-base64) ADB public-key
// blob: n_word_count + n0inv + n[64] + rr[64] + e.
const adbBlobSize = 4 + 4 + adbWordCount*4 + adbWordCount*4 + 4

var errUnsupportedModulusSize = errors.New("keystore: modulus is not 2048 bits")

// adbPublicKeyBlob serializes pub into the 524-byte little-endian blob format
// ADB devices expect: a Montgomery n0inv term, the modulus split into 64
// little-endian words (least significant first), R^2 mod n (R = 2^2048)
// split the same way, and the public exponent. It returns that blob
// base64-encoded and followed by " unknown@unknown\0", the form sent on the
// wire.
func adbPublicKeyBlob(pub *rsa.PublicKey) ([]byte, error) {
	n := pub.N
	if n.BitLen() > 2048 {
		return nil, errUnsupportedModulusSize
	}

	words := 2048 / 32 // 64

	rWord := new(big.Int).Lsh(big.NewInt(1), 32)           // 2^32
	n0 := new(big.Int).Mod(n, rWord)                       // n mod 2^32
	n0inv := new(big.Int).ModInverse(n0, rWord)
	if n0inv == nil {
		return nil, fmt.Errorf("keystore: modulus has no inverse mod 2^32")
	}
	// n0inv stores -(n mod 2^32)^-1 mod 2^32, in two's complement.
	neg := new(big.Int).Sub(rWord, n0inv)
	neg.Mod(neg, rWord)

	R := new(big.Int).Lsh(big.NewInt(1), uint(words*32)) // 2^2048
	rr := new(big.Int).Mul(R, R)
	rr.Mod(rr, n)

	buf := make([]byte, 0, adbBlobSize)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(words))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(neg.Uint64()))
	buf = append(buf, littleEndianWords(n, words)...)
	buf = append(buf, littleEndianWords(rr, words)...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(pub.E))

	if len(buf) != adbBlobSize {
		return nil, fmt.Errorf("keystore: internal error: blob size %d != %d", len(buf), adbBlobSize)
	}

	encoded := base64.StdEncoding.EncodeToString(buf)
	return append([]byte(encoded), " unknown@unknown\x00"...), nil
}

// littleEndianWords splits v into n little-endian 32-bit words, least
// significant word first, zero-padded to exactly n words.
func littleEndianWords(v *big.Int, n int) []byte {
	out := make([]byte, n*4)
	bytesLE := reverseBytes(v.Bytes()) // big.Int.Bytes is big-endian
	copy(out, bytesLE)                 // zero-pad high words if shorter
	return out
}

func reverseBytes(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}
