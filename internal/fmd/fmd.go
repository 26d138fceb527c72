// Package fmd stands in for the Fuzzy Message Detection cryptographic
// primitive that spec.md §1 explicitly places out of scope: "detect(),
// extract(), and a dual flag operation not exercised here... treated as a
// black box." This package implements just enough of that black box's
// interface — Extract and Detect — for the enclave and client to call,
// without claiming to provide the real scheme's security properties. A
// production deployment swaps Scheme for a real FMD implementation; no
// other package in this repository depends on this one's internals, only
// on the Scheme interface.
package fmd

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

// DetectionKey is an opaque parameterized key, as spec.md §3 describes it.
// Its only contract is that Scheme.Detect can consume it.
type DetectionKey []byte

// FlagCiphertext is the opaque per-transaction flag blob FMD tests
// against. In the real scheme this carries cryptographic structure; here
// it is whatever the caller supplies.
type FlagCiphertext []byte

// Scheme is the black-box FMD interface named by spec.md §1.
type Scheme interface {
	// Extract derives a DetectionKey from a seed and a false-positive
	// rate, encoded as fprLog2 = log2(1/γ) per spec.md §6.
	Extract(seed []byte, fprLog2 uint32, salt []byte) (DetectionKey, error)
	// Detect reports whether flag tests positive under key. It returns
	// true for every transaction truly addressed to the key's owner,
	// plus a false-positive fraction approximating 2^-fprLog2 for
	// unrelated transactions.
	Detect(key DetectionKey, flag FlagCiphertext) bool
}

// hmacBitTest is a minimal, explicitly non-production Scheme: it derives a
// keyed bit-test threshold from the seed and tests a running HMAC of the
// flag ciphertext against it. It reproduces FMD's external contract
// (single-key-test, tunable false-positive fraction) without attempting
// the real scheme's multi-key compressibility or unlinkability
// properties, both of which spec.md §1 places outside this repository's
// scope.
type hmacBitTest struct{}

// NewHMACBitTestScheme returns the reference Scheme implementation used
// throughout this repository's enclave and tests.
func NewHMACBitTestScheme() Scheme {
	return hmacBitTest{}
}

func (hmacBitTest) Extract(seed []byte, fprLog2 uint32, salt []byte) (DetectionKey, error) {
	if fprLog2 == 0 {
		return nil, fmt.Errorf("fmd: fprLog2 must be >= 1")
	}

	mac := hmac.New(sha256.New, seed)
	mac.Write(salt)
	digest := mac.Sum(nil)

	key := make([]byte, 0, len(digest)+4)
	var fprBytes [4]byte
	binary.BigEndian.PutUint32(fprBytes[:], fprLog2)
	key = append(key, fprBytes[:]...)
	key = append(key, digest...)
	return DetectionKey(key), nil
}

func (hmacBitTest) Detect(key DetectionKey, flag FlagCiphertext) bool {
	if len(key) < 4 {
		return false
	}
	fprLog2 := binary.BigEndian.Uint32(key[:4])
	secret := key[4:]

	mac := hmac.New(sha256.New, secret)
	mac.Write(flag)
	digest := mac.Sum(nil)

	// Test the leading fprLog2 bits of the digest against zero: an unrelated
	// flag passes with probability ~2^-fprLog2, matching the false
	// positive rate's wire encoding (spec.md §6).
	return lowBitsZero(digest, fprLog2)
}

func lowBitsZero(digest []byte, bits uint32) bool {
	fullBytes := bits / 8
	remBits := bits % 8

	if int(fullBytes) > len(digest) {
		fullBytes = uint32(len(digest))
		remBits = 0
	}

	for i := uint32(0); i < fullBytes; i++ {
		if digest[i] != 0 {
			return false
		}
	}
	if remBits > 0 && int(fullBytes) < len(digest) {
		mask := byte(0xFF << (8 - remBits))
		if digest[fullBytes]&mask != 0 {
			return false
		}
	}
	return true
}
