package fmd

import (
	"encoding/binary"
	"testing"
)

func TestExtractDeterministic(t *testing.T) {
	s := NewHMACBitTestScheme()

	seed := []byte("provider-0-seed")
	k1, err := s.Extract(seed, 4, []byte("salt"))
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	k2, err := s.Extract(seed, 4, []byte("salt"))
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if string(k1) != string(k2) {
		t.Fatalf("two extractions from the same seed produced different keys")
	}
}

// findMatchingFlag brute-forces a flag ciphertext that tests positive
// under key, standing in for FMD's property that a genuine recipient's
// flag always detects true.
func findMatchingFlag(t *testing.T, s Scheme, key DetectionKey) FlagCiphertext {
	t.Helper()
	for i := uint64(0); i < 1_000_000; i++ {
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], i)
		if s.Detect(key, FlagCiphertext(b[:])) {
			return FlagCiphertext(b[:])
		}
	}
	t.Fatalf("no matching flag found within search budget")
	return nil
}

func TestDetectMatchesOwnFlag(t *testing.T) {
	s := NewHMACBitTestScheme()
	key, err := s.Extract([]byte("seed"), 4, []byte("salt"))
	if err != nil {
		t.Fatalf("extract: %v", err)
	}

	flag := findMatchingFlag(t, s, key)
	if !s.Detect(key, flag) {
		t.Fatalf("key failed to detect the flag it was matched against")
	}
}

func TestDetectFalsePositiveRateApproximatesTarget(t *testing.T) {
	s := NewHMACBitTestScheme()
	const fprLog2 = 4 // target γ = 1/16
	key, err := s.Extract([]byte("seed"), fprLog2, []byte("salt"))
	if err != nil {
		t.Fatalf("extract: %v", err)
	}

	const trials = 20000
	positives := 0
	for i := uint64(0); i < trials; i++ {
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], i+1<<40) // avoid the crafted match above
		if s.Detect(key, FlagCiphertext(b[:])) {
			positives++
		}
	}

	rate := float64(positives) / float64(trials)
	const want = 1.0 / 16
	if rate < want*0.3 || rate > want*3 {
		t.Fatalf("observed false positive rate %.4f far from target %.4f", rate, want)
	}
}
