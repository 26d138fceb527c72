package crypto

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
)

// NonceSize is the ChaCha20-Poly1305 nonce size.
const NonceSize = chacha20poly1305.NonceSize

// ErrDecrypt is returned whenever AEAD authentication fails, matching the
// "Decrypt" error kind in spec.md §7. It is always fatal for the session.
var ErrDecrypt = fmt.Errorf("crypto: aead authentication failed")

// SessionCipher wraps one directional AEAD key with a strictly increasing
// 64-bit sequence number used as the nonce suffix (spec.md §4.2 point 8).
// Safe for concurrent use.
type SessionCipher struct {
	mu  sync.Mutex
	key [KeySize]byte
	seq uint64
}

// NewSessionCipher wraps key for one direction of traffic.
func NewSessionCipher(key [KeySize]byte) *SessionCipher {
	return &SessionCipher{key: key}
}

// Seal encrypts plaintext under the next sequence number and returns the
// ciphertext (tag appended, per chacha20poly1305.Seal). The sequence
// number used is returned so callers that need it for framing can log or
// assert on it; in Kassandra's protocol the sequence number is implicit
// in frame order and is not itself transmitted.
func (sc *SessionCipher) Seal(plaintext, additionalData []byte) ([]byte, uint64, error) {
	aead, err := chacha20poly1305.New(sc.key[:])
	if err != nil {
		return nil, 0, fmt.Errorf("crypto: new aead: %w", err)
	}

	sc.mu.Lock()
	seq := sc.seq
	sc.seq++
	sc.mu.Unlock()

	nonce := seqNonce(seq)
	ct := aead.Seal(nil, nonce[:], plaintext, additionalData)
	return ct, seq, nil
}

// Open decrypts ciphertext that was sealed with the next expected sequence
// number, advancing the counter on success. Turn-taking at the framing
// layer (spec.md §4.3) guarantees senders and receivers stay in lockstep,
// so Open always expects the session's own next sequence number rather
// than accepting an out-of-order window.
func (sc *SessionCipher) Open(ciphertext, additionalData []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(sc.key[:])
	if err != nil {
		return nil, fmt.Errorf("crypto: new aead: %w", err)
	}

	sc.mu.Lock()
	seq := sc.seq
	nonce := seqNonce(seq)
	pt, err := aead.Open(nil, nonce[:], ciphertext, additionalData)
	if err != nil {
		sc.mu.Unlock()
		return nil, ErrDecrypt
	}
	sc.seq++
	sc.mu.Unlock()

	return pt, nil
}

func seqNonce(seq uint64) [NonceSize]byte {
	var nonce [NonceSize]byte
	binary.BigEndian.PutUint64(nonce[NonceSize-8:], seq)
	return nonce
}

// DeterministicResultNonce derives a 12-byte deterministic nonce for the
// enclave's result encryption: SHA-256("kassandra-result-nonce" || uuid ||
// height) truncated to 12 bytes (spec.md §4.1 point 3). Because (uuid,
// height) is unique per design invariant, no nonce is ever reused, which
// is essential since the enclave retains no durable state across restarts
// to track nonce usage otherwise.
func DeterministicResultNonce(uuid [16]byte, height uint64) [NonceSize]byte {
	h := sha256.New()
	h.Write([]byte("kassandra-result-nonce"))
	h.Write(uuid[:])

	var heightBytes [8]byte
	binary.BigEndian.PutUint64(heightBytes[:], height)
	h.Write(heightBytes[:])

	digest := h.Sum(nil)

	var nonce [NonceSize]byte
	copy(nonce[:], digest[:NonceSize])
	return nonce
}
